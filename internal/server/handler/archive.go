package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// Archive writes and locates instrument reports.
type Archive interface {
	ArchiveInstrument(ctx context.Context, address string) (string, error)
	PathFor(address string) (string, error)
	ListPrefix() string
}

// ArchiveHandler serves the cold archive of redeemed instruments.
type ArchiveHandler struct {
	archive Archive
	reader  domain.BlobReader
	logger  *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(archive Archive, reader domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archive: archive, reader: reader, logger: logHandler(logger, "archive")}
}

// List returns every archived report.
// GET /api/archive
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	reports, err := h.reader.List(r.Context(), h.archive.ListPrefix())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archive failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to list archive")
		return
	}
	if reports == nil {
		reports = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"count":   len(reports),
	})
}

// Get streams an instrument's JSONL report.
// GET /api/instruments/{address}/archive
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	path, err := h.archive.PathFor(r.PathValue("address"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get report", err)
		return
	}
	body, err := h.reader.Get(r.Context(), path)
	if err != nil {
		writeDomainError(w, r, h.logger, "get report", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: report stream interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// Create archives an instrument now, whatever its state.
// POST /api/instruments/{address}/archive
func (h *ArchiveHandler) Create(w http.ResponseWriter, r *http.Request) {
	path, err := h.archive.ArchiveInstrument(r.Context(), r.PathValue("address"))
	if err != nil {
		writeDomainError(w, r, h.logger, "archive instrument", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}
