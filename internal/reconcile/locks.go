package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/bondoracle/internal/domain"
)

// keyedLock hands out one mutual-exclusion slot per key. Slots are created on
// demand and dropped once nobody holds or waits on them.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]*slot)}
}

func (k *keyedLock) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.release(key, s)
		})
	}, nil
}

func (k *keyedLock) release(key string, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}

// lockInstrument enters the instrument's critical section: the in-process
// slot first, then the distributed lock when one is configured.
func (c *Coordinator) lockInstrument(ctx context.Context, instrumentID string) (func(), error) {
	release, err := c.keys.lock(ctx, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: lock instrument %s: %w", instrumentID, err)
	}
	if c.locks == nil {
		return release, nil
	}

	unlock, err := c.acquireDistributed(ctx, "instrument:"+instrumentID)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlock()
		release()
	}, nil
}

// acquireDistributed polls the lock manager until the lock is free or ctx
// ends.
func (c *Coordinator) acquireDistributed(ctx context.Context, key string) (func(), error) {
	for {
		unlock, err := c.locks.Acquire(ctx, key, c.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("reconcile: distributed lock %s: %w", key, err)
		}

		t := time.NewTimer(c.lockRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("reconcile: distributed lock %s: %w (%v)", key, domain.ErrLockHeld, ctx.Err())
		case <-t.C:
		}
	}
}
