package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/answer-stream/internal/history"
	"github.com/capitalize-ai/answer-stream/internal/middleware"
	"github.com/capitalize-ai/answer-stream/internal/model"
	"github.com/capitalize-ai/answer-stream/pkg/logger"
)

// HistoryResponse is a page of persisted turns, oldest first.
type HistoryResponse struct {
	Records []model.HistoryRecord `json:"records"`
}

// HistoryHandler serves persisted question/answer turns.
type HistoryHandler struct {
	store  history.Store
	logger *logger.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(store history.Store, log *logger.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:  store,
		logger: log.Component("history_handler"),
	}
}

// List handles GET /api/v1/history
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := history.Query{
		ClientID:            r.URL.Query().Get("client_id"),
		ConversationContext: r.URL.Query().Get("conversation"),
	}
	clientID, err := resolveClient(ctx, q.ClientID)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	q.ClientID = clientID
	if q.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if err := middleware.ValidateID("client_id", q.ClientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}

	records, err := h.store.List(ctx, q)
	if err != nil {
		h.logger.Error("failed to list history", zap.String("client_id", q.ClientID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if records == nil {
		records = []model.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, &HistoryResponse{Records: records})
}
