package redis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// memBus is an in-memory domain.SignalBus.
type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][]domain.StreamMessage
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streams: map[string][]domain.StreamMessage{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := string(rune('a' + len(b.streams[stream])))
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{ID: id, Payload: payload})
	return nil
}

func (b *memBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if lastID != "0" && m.ID <= lastID {
			continue
		}
		out = append(out, m)
		if len(out) == count {
			break
		}
	}
	return out, nil
}

func TestNotificationSinkPublishesAndReplays(t *testing.T) {
	c := NewFromRedis(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}), "")
	bus := newMemBus()
	sink := NewNotificationSink(c, bus)

	assert.Equal(t, "bondoracle:notifications", sink.Channel())
	assert.Equal(t, "bondoracle:stream:notifications", sink.Stream())

	ctx := context.Background()
	for i, kind := range []domain.NotificationKind{domain.NotificationInstrumentListed, domain.NotificationSettlementInitiated} {
		require.NoError(t, sink.Deliver(ctx, domain.Notification{Sequence: uint64(i + 1), Kind: kind, SubjectID: "s"}))
	}

	require.Len(t, bus.published[sink.Channel()], 2)
	var live domain.Notification
	require.NoError(t, json.Unmarshal(bus.published[sink.Channel()][1], &live))
	assert.Equal(t, domain.NotificationSettlementInitiated, live.Kind)

	all, last, err := sink.Replay(ctx, "0", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(1), all[0].Sequence)

	rest, _, err := sink.Replay(ctx, last, 10)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestKeyUsesPrefix(t *testing.T) {
	c := NewFromRedis(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}), "test")
	assert.Equal(t, "test:lock:instrument:0xabc", c.Key("lock", "instrument:0xabc"))
}
