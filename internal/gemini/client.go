package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/fitaja/livia-gateway/internal/config"
	"github.com/fitaja/livia-gateway/internal/httpkit"
)

// Generation parameters sent on every call. responseMimeType asks the
// model for a JSON object; the normalizer still tolerates raw text.
const (
	genTemperature     = 0.95
	genTopP            = 0.9
	genTopK            = 40
	genMaxOutputTokens = 2048
	genResponseMIME    = "application/json"
)

// Client calls the generateContent endpoint over HTTP.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Gemini client. baseURL is the endpoint prefix up
// to (and including) the trailing slash before the model name; timeout
// bounds one full call including body read.
func NewClient(apiKey, baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	// Generation can run for tens of seconds before headers arrive, so
	// the transport must not cut the wait short of the call timeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = timeout

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		logger:  logger.With("provider", "gemini"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithTransport(t),
		),
	}
}

// Gemini wire types.

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP"`
	TopK             int     `json:"topK"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMIMEType string  `json:"responseMimeType"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type candidate struct {
	Content content `json:"content"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Generate sends one generateContent call and returns the first
// candidate's text with usage metadata. Non-2xx statuses come back as
// *StatusError with the upstream body intact.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	wire := generateRequest{
		GenerationConfig: generationConfig{
			Temperature:      genTemperature,
			TopP:             genTopP,
			TopK:             genTopK,
			MaxOutputTokens:  genMaxOutputTokens,
			ResponseMIMEType: genResponseMIME,
		},
	}

	if len(req.Image) > 0 {
		wire.Contents = []content{{
			Role: "user",
			Parts: []part{
				{InlineData: &inlineData{
					MIMEType: req.ImageMIME,
					Data:     base64.StdEncoding.EncodeToString(req.Image),
				}},
				{Text: req.Prompt},
			},
		}}
	} else {
		wire.Contents = []content{{
			Parts: []part{{Text: req.Prompt}},
		}}
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"prompt_len", len(req.Prompt),
		"image_bytes", len(req.Image),
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	endpoint := c.baseURL + req.Model + ":generateContent?key=" + url.QueryEscape(c.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: errBody}
	}

	var wireResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &Response{
		Text: firstText(&wireResp),
		Usage: Usage{
			PromptTokens:     wireResp.UsageMetadata.PromptTokenCount,
			CandidatesTokens: wireResp.UsageMetadata.CandidatesTokenCount,
			ThoughtsTokens:   wireResp.UsageMetadata.ThoughtsTokenCount,
			TotalTokens:      wireResp.UsageMetadata.TotalTokenCount,
		},
	}

	c.logger.Debug("response received",
		"model", req.Model,
		"prompt_tokens", result.Usage.PromptTokens,
		"output_tokens", result.Usage.OutputTokens(),
		"total_tokens", result.Usage.TotalTokens,
		"text_len", len(result.Text),
	)
	c.logger.Log(ctx, config.LevelTrace, "response text", "text", result.Text)

	return result, nil
}

// firstText returns the text of the first part of the first candidate,
// or empty when the response carried no candidates.
func firstText(resp *generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	parts := resp.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return ""
	}
	return parts[0].Text
}
