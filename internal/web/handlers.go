package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/fitaja/livia-gateway/internal/chat"
	"github.com/fitaja/livia-gateway/internal/gateway"
	"github.com/fitaja/livia-gateway/internal/gemini"
	"github.com/fitaja/livia-gateway/internal/session"
	"github.com/fitaja/livia-gateway/internal/storage"
)

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

type textOnlyRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	SessionID string `json:"session_id"`
}

type chatResponse struct {
	SessionID   string `json:"session_id"`
	HTML        string `json:"html"`
	InputToken  int    `json:"input_token"`
	OutputToken int    `json:"output_token"`
	TotalToken  int    `json:"total_token"`
}

func (s *Server) handleTextOnly(w http.ResponseWriter, r *http.Request) {
	var req textOnlyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" || strings.TrimSpace(req.Model) == "" {
		s.errorResponse(w, http.StatusBadRequest, "prompt and model are required")
		return
	}

	res, err := s.orchestrator.Chat(r.Context(), gateway.Request{
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		Model:     req.Model,
	})
	if err != nil {
		s.chatError(w, err)
		return
	}
	s.writeEnvelope(w, http.StatusOK, "OK", chatResponse{
		SessionID:   res.SessionID,
		HTML:        res.HTML,
		InputToken:  res.InputTokens,
		OutputToken: res.OutputTokens,
		TotalToken:  res.TotalTokens,
	})
}

func (s *Server) handleTextAndImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "file exceeds the maximum allowed size of 4 MB")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	prompt := r.FormValue("prompt")
	model := r.FormValue("model")
	sessionID := r.FormValue("session_id")

	file, header, err := r.FormFile("file")
	if err != nil || strings.TrimSpace(prompt) == "" || strings.TrimSpace(model) == "" {
		s.errorResponse(w, http.StatusBadRequest, "prompt, model and file are required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}
	if len(data) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "prompt, model and file are required")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = storage.ContentType(header.Filename)
	}

	stored, err := s.files.Save(header.Filename, data)
	if err != nil {
		s.logger.Error("attachment save failed", "error", err, "file", header.Filename)
		s.errorResponse(w, http.StatusInternalServerError, "failed to store attachment")
		return
	}

	fileSizeMB := math.Round(float64(len(data))/(1024*1024)*100) / 100

	res, err := s.orchestrator.Chat(r.Context(), gateway.Request{
		SessionID: sessionID,
		Prompt:    prompt,
		Model:     model,
		Image:     data,
		ImageMIME: mimeType,
		Attachments: []session.Attachment{{
			Name: header.Filename,
			MIME: mimeType,
			Size: int64(len(data)),
			URL:  s.files.URL(stored),
		}},
		FileSizeMB: fileSizeMB,
	})
	if err != nil {
		s.chatError(w, err)
		return
	}
	s.writeEnvelope(w, http.StatusOK, "OK", chatResponse{
		SessionID:   res.SessionID,
		HTML:        res.HTML,
		InputToken:  res.InputTokens,
		OutputToken: res.OutputTokens,
		TotalToken:  res.TotalTokens,
	})
}

// chatError maps pipeline failures onto the envelope: upstream status
// errors pass through verbatim, an empty upstream payload is a gateway
// error, a timed-out call is a gateway timeout.
func (s *Server) chatError(w http.ResponseWriter, err error) {
	var se *gemini.StatusError
	switch {
	case errors.As(err, &se):
		s.errorResponse(w, se.StatusCode, se.Body)
	case errors.Is(err, chat.ErrEmptyResponse):
		s.errorResponse(w, http.StatusBadGateway, "Gemini returned empty response.")
	case errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, http.StatusGatewayTimeout, "upstream request timed out")
	default:
		s.logger.Error("chat request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleListHistories(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, http.StatusOK, "OK", s.sessions.List())
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("sessionId"))
	if sess == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeEnvelope(w, http.StatusOK, "OK", sess)
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	deleted := s.sessions.Delete(r.PathValue("sessionId"))
	s.writeEnvelope(w, http.StatusOK, "OK", map[string]bool{"deleted": deleted})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, http.StatusOK, "OK", s.models)
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	secret := r.PathValue("secretKey")
	if secret != s.sharedKey {
		s.errorResponse(w, http.StatusUnauthorized, invalidTokenMessage)
		return
	}

	token, err := s.tokens.Issue()
	if err != nil {
		s.logger.Error("token issue failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.writeEnvelope(w, http.StatusOK, "OK", map[string]string{"token": token + "." + secret})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("fileName")
	data, err := s.files.Get(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "file not found")
			return
		}
		s.logger.Error("file read failed", "error", err, "file", name)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", storage.ContentType(name))
	w.Write(data)
}
