package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// InstrumentService defines the methods that the instrument handler requires.
type InstrumentService interface {
	CreateInstrument(ctx context.Context, kind domain.InstrumentType, terms domain.InstrumentTerms) (domain.Instrument, error)
	Instrument(address string) (domain.Instrument, error)
	Instruments() []domain.Instrument
	InstrumentDetails(ctx context.Context, address string) (domain.InstrumentDetails, error)
	VerifyInstrument(ctx context.Context, address string) error
	Positions(instrumentID string) []domain.Position
	Supply(instrumentID string) (domain.SupplySnapshot, error)
}

// InstrumentHandler serves instrument listing and query endpoints.
type InstrumentHandler struct {
	svc    InstrumentService
	logger *slog.Logger
}

// NewInstrumentHandler creates an InstrumentHandler.
func NewInstrumentHandler(svc InstrumentService, logger *slog.Logger) *InstrumentHandler {
	return &InstrumentHandler{svc: svc, logger: logHandler(logger, "instrument")}
}

type createInstrumentRequest struct {
	Type  domain.InstrumentType  `json:"type"`
	Terms domain.InstrumentTerms `json:"terms"`
}

// Create lists a new instrument on the ledger.
// POST /api/instruments
func (h *InstrumentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createInstrumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		req.Type = domain.InstrumentTypeBond
	}

	inst, err := h.svc.CreateInstrument(r.Context(), req.Type, req.Terms)
	if err != nil {
		writeDomainError(w, r, h.logger, "create instrument", err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// List returns every tracked instrument, optionally filtered by state.
// GET /api/instruments?state=tradable
func (h *InstrumentHandler) List(w http.ResponseWriter, r *http.Request) {
	state := domain.InstrumentState(r.URL.Query().Get("state"))
	out := []domain.Instrument{}
	for _, inst := range h.svc.Instruments() {
		if state == "" || inst.State == state {
			out = append(out, inst)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instruments": out,
		"count":       len(out),
	})
}

// Get returns one instrument with its supply breakdown.
// GET /api/instruments/{address}
func (h *InstrumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	inst, err := h.svc.Instrument(address)
	if err != nil {
		writeDomainError(w, r, h.logger, "get instrument", err)
		return
	}
	supply, err := h.svc.Supply(address)
	if err != nil {
		writeDomainError(w, r, h.logger, "get instrument", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": inst,
		"supply":     supply,
	})
}

// Details returns the ledger's view of an instrument and whether it matches
// the terms it was listed with.
// GET /api/instruments/{address}/details
func (h *InstrumentHandler) Details(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	details, err := h.svc.InstrumentDetails(r.Context(), address)
	if err != nil {
		writeDomainError(w, r, h.logger, "instrument details", err)
		return
	}

	resp := map[string]any{"details": details, "verified": true}
	if err := h.svc.VerifyInstrument(r.Context(), address); err != nil {
		resp["verified"] = false
		resp["mismatch"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Positions returns the instrument's non-zero positions.
// GET /api/instruments/{address}/positions
func (h *InstrumentHandler) Positions(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	supply, err := h.svc.Supply(address)
	if err != nil {
		writeDomainError(w, r, h.logger, "list positions", err)
		return
	}
	positions := h.svc.Positions(address)
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"supply":    supply,
	})
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
