package chat

import (
	"errors"
	"strings"
	"testing"

	"github.com/fitaja/livia-gateway/internal/session"
)

func TestBuildPromptFirstMessage(t *testing.T) {
	sess := &session.Session{Key: "S1"}

	prompt, first := BuildPrompt(sess, "halo", nil)
	if !first {
		t.Error("first = false for empty session")
	}
	want := Persona + "User: halo\nLivia:"
	if prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}
	if len(sess.Turns) != 1 || sess.Turns[0].Message != "halo" {
		t.Errorf("turns after build = %+v", sess.Turns)
	}
	if strings.Contains(prompt, "User: halo\nUser:") {
		t.Error("first prompt contains replayed history")
	}
}

func TestBuildPromptReplaysHistory(t *testing.T) {
	sess := &session.Session{Key: "S1"}
	sess.AppendTurn("halo", nil)
	sess.LastTurn().Response = "Livia: Hai! Aku Livia. Ada yang bisa kubantu?"

	prompt, first := BuildPrompt(sess, "tips tidur", nil)
	if first {
		t.Error("first = true with prior turns")
	}
	if len(sess.Turns) != 2 {
		t.Fatalf("turn count = %d, want 2", len(sess.Turns))
	}

	// Every turn replayed in order; the new one has an open marker.
	wantDialogue := "User: halo\n" +
		"Livia: Ada yang bisa kubantu?\n" +
		"User: tips tidur\n" +
		"Livia:\n"
	if got := strings.TrimPrefix(prompt, Persona); got != wantDialogue {
		t.Errorf("dialogue = %q, want %q", got, wantDialogue)
	}

	// Marker never doubled, greeting never replayed.
	if strings.Contains(prompt, "Livia: Livia:") {
		t.Error("replay doubled the response marker")
	}
	if strings.Contains(prompt, Greeting) {
		t.Error("greeting leaked into replayed history")
	}
}

func TestBuildPromptUnansweredTurnGetsOpenMarker(t *testing.T) {
	sess := &session.Session{Key: "S1"}
	sess.AppendTurn("halo", nil)

	prompt, _ := BuildPrompt(sess, "masih ada?", nil)
	if !strings.Contains(prompt, "User: halo\nLivia:\n") {
		t.Errorf("unanswered turn not rendered with open marker:\n%s", prompt)
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{
			name: "json envelope",
			raw:  `{"html":"<div>Hi</div>\n"}`,
			want: "<div>Hi</div>",
		},
		{
			name: "json envelope strips cr and lf",
			raw:  `{"html":"<p>a\r\nb</p>"}`,
			want: "<p>ab</p>",
		},
		{
			name: "raw html fallback",
			raw:  "<p>plain</p>",
			want: "<p>plain</p>",
		},
		{
			name: "json without html field falls back to raw",
			raw:  `{"text":"x"}`,
			want: `{"text":"x"}`,
		},
		{
			name: "json with empty html falls back to raw",
			raw:  `{"html":""}`,
			want: `{"html":""}`,
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: ErrEmptyResponse,
		},
		{
			name:    "whitespace only",
			raw:     " \n\t ",
			wantErr: ErrEmptyResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReply(tt.raw)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseReply(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFinalize(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		first bool
		want  string
	}{
		{
			name:  "first turn gets marker",
			body:  "<p>Hai!</p>",
			first: true,
			want:  "Livia: <p>Hai!</p>",
		},
		{
			name:  "first turn keeps greeting",
			body:  "Hai! Aku Livia. Senang bertemu!",
			first: true,
			want:  "Livia: Hai! Aku Livia. Senang bertemu!",
		},
		{
			name: "later turn strips greeting through period",
			body: "Hai! Aku Livia. Tidur cukup itu penting.",
			want: "Livia: Tidur cukup itu penting.",
		},
		{
			name: "later turn strips existing marker",
			body: "Livia: jawaban",
			want: "Livia: jawaban",
		},
		{
			name: "later turn plain body",
			body: "<p>ok</p>",
			want: "Livia: <p>ok</p>",
		},
		{
			name: "later turn greeting without period",
			body: "Hai! Aku Livia lagi",
			want: "Livia: lagi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Finalize(tt.body, tt.first)
			if got != tt.want {
				t.Errorf("Finalize(%q, %v) = %q, want %q", tt.body, tt.first, got, tt.want)
			}
			if strings.Count(got, ResponseMarker) != 1 {
				t.Errorf("result %q does not contain exactly one marker", got)
			}
		})
	}
}

// Scenario: empty session, prompt "halo", upstream replies with a JSON
// envelope. The built prompt is the single-shot framing and the stored
// response carries exactly one marker.
func TestFirstTurnEndToEnd(t *testing.T) {
	sess := &session.Session{Key: "S1"}

	prompt, first := BuildPrompt(sess, "halo", nil)
	if want := Persona + "User: halo\nLivia:"; prompt != want {
		t.Errorf("prompt = %q, want %q", prompt, want)
	}

	body, err := ParseReply(`{"html":"<p>Hai!</p>"}`)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	stored := Finalize(body, first)
	if stored != "Livia: <p>Hai!</p>" {
		t.Errorf("stored response = %q, want %q", stored, "Livia: <p>Hai!</p>")
	}
}
