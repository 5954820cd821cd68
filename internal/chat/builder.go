package chat

import (
	"strings"

	"github.com/fitaja/livia-gateway/internal/session"
)

// BuildPrompt appends the user message as a new turn on sess and
// returns the full upstream prompt plus whether this was the session's
// first message.
//
// The first message of a session gets a single-shot framing with no
// history replay. Later messages replay every turn (including the new,
// response-less one) as alternating role lines. Persisting the mutated
// session is the caller's responsibility.
func BuildPrompt(sess *session.Session, message string, attachments []session.Attachment) (prompt string, first bool) {
	first = len(sess.Turns) == 0
	sess.AppendTurn(message, attachments)

	if first {
		return Persona + "User: " + message + "\n" + ResponseMarker, true
	}

	var b strings.Builder
	b.WriteString(Persona)
	for i := range sess.Turns {
		turn := &sess.Turns[i]
		b.WriteString("User: ")
		b.WriteString(turn.Message)
		b.WriteByte('\n')
		if strings.TrimSpace(turn.Response) != "" {
			b.WriteString(responsePrefix)
			b.WriteString(replayText(turn.Response))
		} else {
			b.WriteString(ResponseMarker)
		}
		b.WriteByte('\n')
	}
	return b.String(), false
}

// replayText prepares a stored response for re-insertion into the
// prompt: the leading role marker is stripped so replay never doubles
// it, and the greeting is stripped so it cannot recur across turns.
func replayText(response string) string {
	text := strings.TrimSpace(response)
	if strings.HasPrefix(text, ResponseMarker) {
		text = strings.TrimSpace(strings.TrimPrefix(text, ResponseMarker))
	}
	return stripGreeting(text)
}
