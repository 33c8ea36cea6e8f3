package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// SettlementService defines the methods that the settlement handler requires.
type SettlementService interface {
	RequestSubscription(ctx context.Context, req domain.SettlementRequest) (domain.SettlementTransaction, error)
	RequestTrade(ctx context.Context, req domain.SettlementRequest) (domain.SettlementTransaction, error)
	RequestRedemption(ctx context.Context, req domain.SettlementRequest) (domain.SettlementTransaction, error)
	HandleSettlementEvent(ctx context.Context, ev domain.SettlementEvent) (domain.SettlementTransaction, error)
	Transaction(id string) (domain.SettlementTransaction, error)
	Transactions(instrumentID string) []domain.SettlementTransaction
}

// SettlementHandler serves settlement request and event endpoints.
type SettlementHandler struct {
	svc    SettlementService
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(svc SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{svc: svc, logger: logHandler(logger, "settlement")}
}

type requestFunc func(context.Context, domain.SettlementRequest) (domain.SettlementTransaction, error)

func (h *SettlementHandler) request(w http.ResponseWriter, r *http.Request, op string, fn requestFunc) {
	var req domain.SettlementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.InstrumentID = r.PathValue("address")

	tx, err := fn(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

// Subscribe opens a subscription settlement.
// POST /api/instruments/{address}/subscriptions
func (h *SettlementHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.request(w, r, "request subscription", h.svc.RequestSubscription)
}

// Trade opens a secondary-market trade settlement.
// POST /api/instruments/{address}/trades
func (h *SettlementHandler) Trade(w http.ResponseWriter, r *http.Request) {
	h.request(w, r, "request trade", h.svc.RequestTrade)
}

// Redeem opens a redemption settlement.
// POST /api/instruments/{address}/redemptions
func (h *SettlementHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	h.request(w, r, "request redemption", h.svc.RequestRedemption)
}

// List returns the instrument's settlement transactions.
// GET /api/instruments/{address}/settlements
func (h *SettlementHandler) List(w http.ResponseWriter, r *http.Request) {
	txs := h.svc.Transactions(r.PathValue("address"))
	if txs == nil {
		txs = []domain.SettlementTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settlements": txs,
		"count":       len(txs),
	})
}

// Get returns one settlement transaction.
// GET /api/settlements/{id}
func (h *SettlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.Transaction(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type settlementEventRequest struct {
	Event      domain.SettlementEventType `json:"event"`
	OccurredAt time.Time                  `json:"occurred_at"`
}

// Event applies a settlement transport event reported over HTTP.
// POST /api/settlements/{id}/events
func (h *SettlementHandler) Event(w http.ResponseWriter, r *http.Request) {
	var req settlementEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := req.Event.Target(); !ok {
		writeError(w, http.StatusBadRequest, "event must be one of received, transferred, cancelled")
		return
	}

	tx, err := h.svc.HandleSettlementEvent(r.Context(), domain.SettlementEvent{
		TxID:       r.PathValue("id"),
		Type:       req.Event,
		OccurredAt: req.OccurredAt,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "settlement event", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
