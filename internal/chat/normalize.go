package chat

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptyResponse reports that the upstream reply carried no usable
// content after all fallbacks. Treated as a transient upstream
// failure, never returned to callers as blank success.
var ErrEmptyResponse = errors.New("upstream returned empty response")

// replyEnvelope is the JSON shape the persona instructs the model to
// produce.
type replyEnvelope struct {
	HTML string `json:"html"`
}

// ParseReply extracts the response body from a raw upstream reply.
//
// Two-stage parse: the raw text is first tried as a JSON object with
// an "html" field; when that succeeds and the field is non-empty, the
// field's value is used with all CR and LF characters stripped (the
// consuming channel does not tolerate embedded newlines). Otherwise
// the raw text itself is the body. An empty result at the end is
// ErrEmptyResponse.
func ParseReply(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyResponse
	}

	body := raw
	var env replyEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err == nil && strings.TrimSpace(env.HTML) != "" {
		body = strings.NewReplacer("\n", "", "\r", "").Replace(env.HTML)
	}

	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyResponse
	}
	return body, nil
}

// Finalize applies the turn-position policy to a parsed response body.
//
// On the first turn the canonical role marker is prefixed as-is (the
// greeting is welcome exactly once). On later turns any greeting text
// and pre-existing marker are stripped before the single canonical
// marker is reapplied, so the result always begins with exactly one
// marker and the greeting never recurs.
func Finalize(body string, first bool) string {
	if first {
		return responsePrefix + body
	}

	text := strings.TrimSpace(stripGreeting(body))
	if strings.HasPrefix(text, ResponseMarker) {
		text = strings.TrimLeft(strings.TrimPrefix(text, ResponseMarker), " \t")
	}
	return responsePrefix + text
}

// stripGreeting removes the first occurrence of the greeting from
// text, consuming through the sentence-ending period when one follows.
func stripGreeting(text string) string {
	idx := strings.Index(text, Greeting)
	if idx < 0 {
		return text
	}
	end := idx + len(Greeting)
	if dot := strings.Index(text[idx:], "."); dot >= 0 {
		end = idx + dot + 1
	}
	return strings.TrimLeft(text[:idx]+text[end:], " \t")
}
