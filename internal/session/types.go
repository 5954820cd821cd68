// Package session tracks multi-turn conversations in a time-bounded
// in-memory store. Sessions expire on a sliding retention window; a
// separate, shorter-lived cache holds the last rendered output per
// session for duplicate-request short-circuiting.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix marks server-minted session keys.
const KeyPrefix = "CHT-"

// Attachment describes a file uploaded alongside a user message.
type Attachment struct {
	Name string `json:"name"`
	MIME string `json:"mime_type"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Turn is one user message paired with its assistant response. The
// response is empty until the orchestrator fills it after a successful
// upstream call; it is set at most once per turn.
type Turn struct {
	Message     string       `json:"message"`
	Response    string       `json:"response,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// HasAttachments reports whether the turn carries any uploaded files.
// Derived from the attachment list, never stored separately.
func (t *Turn) HasAttachments() bool {
	return len(t.Attachments) > 0
}

// Session is one ongoing conversation. The key is immutable once
// created; turns are strictly ordered by append.
type Session struct {
	Key       string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"turns"`
}

// AppendTurn adds a new turn for a user message and returns a pointer
// to it so the caller can fill in the response later.
func (s *Session) AppendTurn(message string, attachments []Attachment) *Turn {
	s.Turns = append(s.Turns, Turn{
		Message:     message,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	})
	return &s.Turns[len(s.Turns)-1]
}

// Clone returns a deep copy of the session. The store hands clones to
// readers so they can inspect or marshal a conversation while writers
// keep mutating the live object under the store's lock.
func (s *Session) Clone() *Session {
	c := *s
	if s.Turns != nil {
		c.Turns = make([]Turn, len(s.Turns))
		copy(c.Turns, s.Turns)
		for i := range c.Turns {
			if atts := c.Turns[i].Attachments; atts != nil {
				c.Turns[i].Attachments = make([]Attachment, len(atts))
				copy(c.Turns[i].Attachments, atts)
			}
		}
	}
	return &c
}

// LastTurn returns the most recent turn, or nil for an empty session.
func (s *Session) LastTurn() *Turn {
	if len(s.Turns) == 0 {
		return nil
	}
	return &s.Turns[len(s.Turns)-1]
}

// Summary is the listing view of a session.
type Summary struct {
	Key       string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
}

// NewKey mints an opaque session key: the prefix plus the first ten
// hex characters of a fresh UUID.
func NewKey() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return KeyPrefix + hex[:10]
}
