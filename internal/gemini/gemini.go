// Package gemini is a client for the Google generative-language REST
// API (generateContent). It sends a fully built prompt, optionally
// with one inline image, and returns the raw generated text plus the
// usage metadata the upstream reports.
package gemini

import (
	"context"
	"fmt"
)

// Request is one generation call: the complete prompt text and an
// optional inline attachment.
type Request struct {
	Model  string
	Prompt string

	// Image is raw attachment bytes, base64-encoded on the wire when
	// present. ImageMIME must be set alongside it.
	Image     []byte
	ImageMIME string
}

// Usage is the token accounting the upstream reports for one call.
// PromptTokens covers the whole input including any image;
// ThoughtsTokens is nonzero only for reasoning-capable models.
type Usage struct {
	PromptTokens     int
	CandidatesTokens int
	ThoughtsTokens   int
	TotalTokens      int
}

// OutputTokens is the client-visible output count: generated
// candidates plus any internal reasoning tokens.
func (u Usage) OutputTokens() int {
	return u.CandidatesTokens + u.ThoughtsTokens
}

// Response is the first candidate's text plus usage metadata.
type Response struct {
	Text  string
	Usage Usage
}

// Generator is the upstream contract the orchestrator depends on.
// A single attempt per call; retries are the caller's concern.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// StatusError carries a non-2xx upstream status and its body verbatim
// so the gateway can pass both through to its own caller.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}
