package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// ReportSource supplies everything recorded about an instrument.
type ReportSource interface {
	Instrument(address string) (domain.Instrument, error)
	Transactions(instrumentID string) []domain.SettlementTransaction
	Supply(instrumentID string) (domain.SupplySnapshot, error)
}

// NotificationHistory supplies the notifications emitted for an instrument.
type NotificationHistory interface {
	History(instrumentID string, limit int) []domain.Notification
}

// reportLine is one JSONL record of an instrument report.
type reportLine struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Archiver uploads a JSONL report of every instrument that becomes
// Redeemed. As a notification sink it only enqueues; Run performs the
// uploads so slow storage never holds up the coordinator.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	source  ReportSource
	history NotificationHistory
	audit   domain.AuditStore
	prefix  string
	queue   chan string
	logger  *slog.Logger
}

// NewArchiver creates an Archiver writing under prefix. reader and audit
// may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, source ReportSource, history NotificationHistory,
	audit domain.AuditStore, prefix string, logger *slog.Logger) *Archiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{
		writer:  writer,
		reader:  reader,
		source:  source,
		history: history,
		audit:   audit,
		prefix:  prefix,
		queue:   make(chan string, 64),
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// Name identifies the sink in logs.
func (a *Archiver) Name() string { return "s3-archive" }

// Deliver queues an archive when n reports the redemption that closed its
// instrument.
func (a *Archiver) Deliver(_ context.Context, n domain.Notification) error {
	if n.Kind != domain.NotificationRedemptionSettled {
		return nil
	}
	if state, _ := n.Payload["instrument_state"].(string); state != string(domain.InstrumentRedeemed) {
		return nil
	}
	select {
	case a.queue <- n.InstrumentID:
		return nil
	default:
		return fmt.Errorf("s3blob: archive queue full, dropping %s", n.InstrumentID)
	}
}

// Run uploads queued reports until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case address := <-a.queue:
			uctx, cancel := context.WithTimeout(ctx, archiveTimeout)
			path, err := a.ArchiveInstrument(uctx, address)
			cancel()
			if err != nil {
				a.logger.ErrorContext(ctx, "archive failed",
					slog.String("instrument", address),
					slog.String("error", err.Error()),
				)
				continue
			}
			a.logger.InfoContext(ctx, "instrument archived",
				slog.String("instrument", address),
				slog.String("path", path),
			)
		}
	}
}

// ArchiveInstrument writes the instrument's report and returns its path. An
// existing report is left untouched.
func (a *Archiver) ArchiveInstrument(ctx context.Context, address string) (string, error) {
	inst, err := a.source.Instrument(address)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", address, err)
	}
	path := ReportPath(a.prefix, inst)

	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return "", err
		}
		if exists {
			return path, nil
		}
	}

	supply, err := a.source.Supply(address)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", address, err)
	}
	txs := a.source.Transactions(address)

	lines := []reportLine{{Type: "instrument", Data: inst}, {Type: "supply", Data: supply}}
	for _, tx := range txs {
		lines = append(lines, reportLine{Type: "settlement", Data: tx})
	}
	var notes []domain.Notification
	if a.history != nil {
		notes = a.history.History(address, 0)
	}
	for _, n := range notes {
		lines = append(lines, reportLine{Type: "notification", Data: n})
	}

	buf, err := marshalJSONL(lines)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s marshal: %w", address, err)
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", address, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.instrument", map[string]any{
			"path":          path,
			"instrument":    address,
			"settlements":   len(txs),
			"notifications": len(notes),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive %s audit log: %w", address, err)
		}
	}
	return path, nil
}

// PathFor returns where the report of a tracked instrument is (or will be)
// stored.
func (a *Archiver) PathFor(address string) (string, error) {
	inst, err := a.source.Instrument(address)
	if err != nil {
		return "", fmt.Errorf("s3blob: report path %s: %w", address, err)
	}
	return ReportPath(a.prefix, inst), nil
}

// ListPrefix is the key prefix under which all reports live.
func (a *Archiver) ListPrefix() string { return ReportPrefix(a.prefix) }

// ReportPath is the object key of an instrument's report, partitioned by the
// month the instrument was redeemed:
//
//	archive/instruments/2031-01/0xAbC....jsonl
func ReportPath(prefix string, inst domain.Instrument) string {
	return fmt.Sprintf("%s/instruments/%s/%s.jsonl", prefix, inst.UpdatedAt.UTC().Format("2006-01"), inst.Address)
}

// ReportPrefix is the key prefix under which an instrument's reports live,
// regardless of month.
func ReportPrefix(prefix string) string {
	return prefix + "/instruments/"
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// archiveTimeout bounds a single report upload.
const archiveTimeout = time.Minute

// multipartThreshold is the report size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 << 20
