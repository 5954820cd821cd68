// Package gateway sequences one chat request end to end: resolve the
// session, build the prompt from history, call the upstream model,
// normalize the reply, update the session, and reconcile token
// accounting.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fitaja/livia-gateway/internal/chat"
	"github.com/fitaja/livia-gateway/internal/gemini"
	"github.com/fitaja/livia-gateway/internal/session"
	"github.com/fitaja/livia-gateway/internal/tokens"
	"github.com/fitaja/livia-gateway/internal/usage"
)

// Accountant receives accounting records fire-and-forget. Its outcome
// never affects the response already produced.
type Accountant interface {
	Log(rec usage.Record)
}

// Request is one inbound chat request after the transport layer has
// decoded and validated it.
type Request struct {
	SessionID string // empty mints a new session
	Prompt    string
	Model     string

	// Image and ImageMIME carry an optional inline attachment for the
	// upstream call; Attachments is its stored metadata for history.
	Image       []byte
	ImageMIME   string
	Attachments []session.Attachment
	FileSizeMB  float64
}

// Result is the normalized outcome of one chat request.
type Result struct {
	SessionID    string
	HTML         string
	InputTokens  int
	OutputTokens int
	TotalTokens  int

	// Cached is set when a duplicate text-only request was answered
	// from the rendered-output cache without an upstream call.
	Cached bool
}

// Orchestrator runs the per-request pipeline. One instance serves all
// requests concurrently; per-session serialization lives in the
// session store.
type Orchestrator struct {
	sessions   *session.Store
	generator  gemini.Generator
	accountant Accountant
	logger     *slog.Logger

	defaultModel string
	timeout      time.Duration

	// personaTokens is the estimator's figure for the fixed persona
	// framing, computed once.
	personaTokens int
}

// New creates an orchestrator. accountant may be nil to disable
// accounting; timeout <= 0 falls back to 60 seconds.
func New(sessions *session.Store, generator gemini.Generator, accountant Accountant, defaultModel string, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sessions:      sessions,
		generator:     generator,
		accountant:    accountant,
		logger:        logger.With("component", "gateway"),
		defaultModel:  defaultModel,
		timeout:       timeout,
		personaTokens: tokens.Estimate(chat.Persona),
	}
}

// Chat runs the full pipeline for one request. Upstream transport and
// status failures abort immediately with the upstream's error intact;
// an empty upstream payload surfaces as chat.ErrEmptyResponse. A
// single upstream attempt per request, never retried.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Result, error) {
	key := req.SessionID
	if key == "" {
		key = session.NewKey()
	}
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	hasImage := len(req.Image) > 0

	// Duplicate text-only submissions are answered from the rendered-
	// output cache without touching history or the upstream.
	if !hasImage {
		if html, ok := o.sessions.CachedOutput(key); ok {
			o.logger.Debug("served from output cache", "session_id", key)
			return &Result{SessionID: key, HTML: html, Cached: true}, nil
		}
	}

	// Append the user turn and build the prompt in one serialized
	// read-modify-write, remembering which turn is ours so a concurrent
	// append cannot shift it.
	var (
		prompt  string
		first   bool
		turnIdx int
	)
	o.sessions.Update(key, func(sess *session.Session) {
		prompt, first = chat.BuildPrompt(sess, req.Prompt, req.Attachments)
		turnIdx = len(sess.Turns) - 1
	})

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.generator.Generate(callCtx, gemini.Request{
		Model:     model,
		Prompt:    prompt,
		Image:     req.Image,
		ImageMIME: req.ImageMIME,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	body, err := chat.ParseReply(resp.Text)
	if err != nil {
		return nil, err
	}
	stored := chat.Finalize(body, first)

	o.sessions.Update(key, func(sess *session.Session) {
		if turnIdx < len(sess.Turns) {
			sess.Turns[turnIdx].Response = stored
		}
	})
	o.sessions.SetCachedOutput(key, body)

	result := &Result{
		SessionID:    key,
		HTML:         body,
		OutputTokens: resp.Usage.OutputTokens(),
		TotalTokens:  resp.Usage.TotalTokens,
	}

	// Upstream counts are authoritative; the estimator only decomposes
	// them. With an image, the image's share is whatever the upstream
	// counted beyond the estimated prompt text.
	inputText, inputImage := o.reconcileInput(prompt, resp.Usage.PromptTokens, hasImage)
	result.InputTokens = o.personaTokens + inputText + inputImage

	if o.accountant != nil {
		recType := usage.TypeTextOnly
		if hasImage {
			recType = usage.TypeTextAndImage
		}
		o.accountant.Log(usage.Record{
			Type:             recType,
			SessionID:        key,
			Model:            model,
			Prompt:           req.Prompt,
			Response:         stored,
			PersonaTokens:    o.personaTokens,
			InputTextTokens:  inputText,
			InputImageTokens: inputImage,
			OutputTokens:     result.OutputTokens,
			TotalTokens:      result.TotalTokens,
			FileSizeMB:       req.FileSizeMB,
		})
	}

	o.logger.Info("chat completed",
		"session_id", key,
		"model", model,
		"first", first,
		"has_image", hasImage,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"total_tokens", result.TotalTokens,
	)
	return result, nil
}

// reconcileInput splits the upstream's prompt token count into text
// and image shares, both floored at zero.
func (o *Orchestrator) reconcileInput(prompt string, promptTokens int, hasImage bool) (inputText, inputImage int) {
	if hasImage {
		textTokens := tokens.Estimate(prompt)
		inputImage = max(0, promptTokens-textTokens)
		inputText = max(0, textTokens-o.personaTokens)
		return inputText, inputImage
	}
	return max(0, promptTokens-o.personaTokens), 0
}
