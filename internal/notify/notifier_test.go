package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

type stubSender struct {
	titles []string
	bodies []string
}

func (s *stubSender) Name() string { return "stub" }

func (s *stubSender) Send(_ context.Context, title, message string) error {
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, message)
	return nil
}

// sendQueued sends every queued alert the way Run does.
func sendQueued(t *testing.T, n *Notifier) {
	t.Helper()
	for {
		select {
		case a := <-n.queue:
			require.NoError(t, n.dispatch(context.Background(), a.title, a.message))
		default:
			return
		}
	}
}

func TestNotifierFiltersKinds(t *testing.T) {
	s := &stubSender{}
	n := NewNotifier([]Sender{s}, []string{"redemptionsettled", " SettlementCancelled "}, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, n.Deliver(ctx, domain.Notification{Sequence: 1, Kind: domain.NotificationTradeSettled}))
	require.NoError(t, n.Deliver(ctx, domain.Notification{
		Sequence:     2,
		Kind:         domain.NotificationRedemptionSettled,
		SubjectID:    "tx-7",
		InstrumentID: "0xbond",
		Payload:      map[string]any{"quantity": int64(300), "from": "alice"},
	}))
	sendQueued(t, n)

	require.Len(t, s.titles, 1)
	assert.Equal(t, "RedemptionSettled #2", s.titles[0])
	assert.Equal(t, "instrument: 0xbond\nsubject: tx-7\nfrom: alice\nquantity: 300", s.bodies[0])
}

func TestNotifierAllowsEverythingWhenUnfiltered(t *testing.T) {
	s := &stubSender{}
	n := NewNotifier([]Sender{s}, nil, slog.New(slog.DiscardHandler))
	for _, k := range domain.NotificationKinds {
		require.NoError(t, n.Deliver(context.Background(), domain.Notification{Kind: k}))
	}
	sendQueued(t, n)
	assert.Len(t, s.titles, len(domain.NotificationKinds))
}

// blockingSender holds every Send until released.
type blockingSender struct {
	release chan struct{}
	sent    chan string
}

func (b *blockingSender) Name() string { return "blocking" }

func (b *blockingSender) Send(ctx context.Context, title, _ string) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.sent <- title
	return nil
}

func TestNotifierDeliverDoesNotWaitForSenders(t *testing.T) {
	s := &blockingSender{release: make(chan struct{}), sent: make(chan string, 1)}
	n := NewNotifier([]Sender{s}, nil, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	returned := make(chan error, 1)
	go func() {
		returned <- n.Deliver(ctx, domain.Notification{Sequence: 9, Kind: domain.NotificationTradeSettled})
	}()
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked on a slow sender")
	}

	close(s.release)
	select {
	case title := <-s.sent:
		assert.Equal(t, "TradeSettled #9", title)
	case <-time.After(time.Second):
		t.Fatal("Run never sent the queued alert")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestNotifierQueueFull(t *testing.T) {
	n := NewNotifier([]Sender{&stubSender{}}, nil, slog.New(slog.DiscardHandler))
	ctx := context.Background()
	for i := range alertQueueSize {
		require.NoError(t, n.Deliver(ctx, domain.Notification{Sequence: uint64(i + 1), Kind: domain.NotificationTradeSettled}))
	}
	err := n.Deliver(ctx, domain.Notification{Sequence: 999, Kind: domain.NotificationTradeSettled})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert queue full")
}

func TestDiscordSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), "TradeSettled #4", "instrument: 0xbond"))
	assert.Equal(t, "**TradeSettled #4**\n```\ninstrument: 0xbond\n```", got["content"])
}

func TestTelegramSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		http.Error(w, "chat not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewTelegramSender("token", "42")
	s.baseURL = srv.URL
	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
