package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// NotificationFeed is the in-process notification dispatcher.
type NotificationFeed interface {
	History(instrumentID string, limit int) []domain.Notification
	DrainAll() []domain.Notification
	Unconsumed() []domain.Notification
}

// NotificationStore lists persisted notifications.
type NotificationStore interface {
	ListNotifications(ctx context.Context, instrumentID string, opts domain.ListOpts) ([]domain.Notification, error)
}

// NotificationHandler serves notification history and drain endpoints.
type NotificationHandler struct {
	feed   NotificationFeed
	store  NotificationStore
	logger *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler. store may be nil, in
// which case history is served from the dispatcher's in-memory window.
func NewNotificationHandler(feed NotificationFeed, store NotificationStore, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{feed: feed, store: store, logger: logHandler(logger, "notification")}
}

// List returns emitted notifications, oldest first.
// GET /api/notifications?instrument=0x...&limit=50&offset=0
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	instrumentID := r.URL.Query().Get("instrument")
	opts := parseListOpts(r)

	var notes []domain.Notification
	if h.store != nil {
		var err error
		notes, err = h.store.ListNotifications(r.Context(), instrumentID, opts)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list notifications failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list notifications")
			return
		}
	} else {
		notes = h.feed.History(instrumentID, opts.Limit+opts.Offset)
		if opts.Offset >= len(notes) {
			notes = nil
		} else {
			notes = notes[:len(notes)-opts.Offset]
		}
	}
	if notes == nil {
		notes = []domain.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notes,
		"count":         len(notes),
	})
}

// Pending returns notifications no observer has consumed yet.
// GET /api/notifications/pending
func (h *NotificationHandler) Pending(w http.ResponseWriter, r *http.Request) {
	notes := h.feed.Unconsumed()
	if notes == nil {
		notes = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notes,
		"count":         len(notes),
	})
}

// Drain consumes and returns every pending notification.
// POST /api/notifications/drain
func (h *NotificationHandler) Drain(w http.ResponseWriter, r *http.Request) {
	notes := h.feed.DrainAll()
	if notes == nil {
		notes = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notes,
		"count":         len(notes),
	})
}
