// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/answer-stream/internal/middleware"
	"github.com/capitalize-ai/answer-stream/internal/model"
	"github.com/capitalize-ai/answer-stream/internal/registry"
	"github.com/capitalize-ai/answer-stream/internal/service"
	"github.com/capitalize-ai/answer-stream/pkg/logger"
)

const maxBodyBytes = 64 << 10

// Asker runs one ask to completion.
type Asker interface {
	Ask(ctx context.Context, req model.AskRequest, emit service.Emitter) service.Result

	// AcceptsKind reports whether asks of kind are admitted.
	AcceptsKind(kind string) bool
}

var errClientMismatch = errors.New("client_id does not match the authenticated client")

// AskHandler handles the ask stream, cancel and ticket status endpoints.
type AskHandler struct {
	asker    Asker
	registry *registry.Registry
	logger   *logger.Logger
}

// NewAskHandler creates a new ask handler.
func NewAskHandler(asker Asker, reg *registry.Registry, log *logger.Logger) *AskHandler {
	return &AskHandler{
		asker:    asker,
		registry: reg,
		logger:   log.Component("ask_handler"),
	}
}

// Ask handles POST /api/v1/ask
// The response is newline-delimited JSON, one record per event.
func (h *AskHandler) Ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.AskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	clientID, err := resolveClient(ctx, req.ClientID)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	req.ClientID = clientID
	if err := validateAsk(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.asker.AcceptsKind(req.Kind) {
		writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.Must(uuid.NewV7()).String()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.Header().Set("X-Request-ID", req.RequestID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	start := time.Now()
	enc := json.NewEncoder(w)
	emit := func(ev model.Event) error {
		if err := enc.Encode(model.NewRecord(ev, req.RequestID, time.Since(start).Milliseconds())); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	h.asker.Ask(ctx, req, emit)
}

// Cancel handles POST /api/v1/ask/cancel
func (h *AskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req model.CancelRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	authed := middleware.GetClientID(r.Context())
	clientID, err := resolveClient(r.Context(), req.ClientID)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	req.ClientID = clientID
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = registry.ReasonClient
	}

	var cancelled string
	switch {
	case req.RequestID != "":
		if err := middleware.ValidateID("request_id", req.RequestID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if authed == "" {
			if h.registry.Cancel(req.RequestID, reason) {
				cancelled = req.RequestID
			}
			break
		}
		ok, err := h.registry.CancelOwned(authed, req.RequestID, reason)
		if errors.Is(err, registry.ErrNotOwner) {
			writeError(w, http.StatusForbidden, "request belongs to another client")
			return
		}
		if ok {
			cancelled = req.RequestID
		}
	case req.ClientID != "":
		kind := req.Kind
		if kind == "" {
			kind = model.KindAsk
		}
		cancelled = h.registry.CancelActive(req.ClientID, kind, reason)
	default:
		writeError(w, http.StatusBadRequest, "request_id or client_id is required")
		return
	}

	resp := model.CancelResponse{Reason: reason}
	if cancelled != "" {
		resp.Cancelled = &cancelled
		h.logger.Info("cancel requested",
			zap.String("request_id", cancelled),
			zap.String("client_id", req.ClientID),
			zap.String("reason", reason),
		)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/v1/ask/{request_id}
func (h *AskHandler) Status(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := middleware.ValidateID("request_id", requestID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ticket, ok := h.registry.Info(requestID)
	if authed := middleware.GetClientID(r.Context()); ok && authed != "" && ticket.ClientID != authed {
		ok = false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// resolveClient returns the client an ask or cancel acts for. With
// authentication on, the token's client wins and a different body client_id
// is refused.
func resolveClient(ctx context.Context, bodyClientID string) (string, error) {
	authed := middleware.GetClientID(ctx)
	if authed == "" {
		return bodyClientID, nil
	}
	if bodyClientID != "" && bodyClientID != authed {
		return "", errClientMismatch
	}
	return authed, nil
}

func validateAsk(req *model.AskRequest) error {
	if err := middleware.ValidateQuestion(req.Question); err != nil {
		return err
	}
	for _, f := range []struct{ name, value string }{
		{"request_id", req.RequestID},
		{"client_id", req.ClientID},
		{"agent_id", req.AgentID},
		{"conversation_context", req.ConversationContext},
	} {
		if err := middleware.ValidateID(f.name, f.value); err != nil {
			return err
		}
	}
	if err := middleware.ValidateKind(req.Kind); err != nil {
		return err
	}
	if req.Guide.DurationS < 0 {
		return errors.New("guide.duration_s must not be negative")
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}
