package outbox

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type memStore struct {
	events map[string]*Event
}

func newMemStore() *memStore {
	return &memStore{events: make(map[string]*Event)}
}

func (m *memStore) Append(_ context.Context, e *Event) error {
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *memStore) WithinTx(_ context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *memStore) Pending(_ context.Context, maxRetries, limit int) ([]Event, error) {
	now := time.Now().UTC()
	var out []Event
	for _, e := range m.events {
		if e.Status == StatusPending && e.RetryCount < maxRetries && !e.CreatedAt.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkProcessed(_ context.Context, id string) error {
	now := time.Now().UTC()
	m.events[id].Status = StatusProcessed
	m.events[id].ProcessedAt = &now
	return nil
}

func (m *memStore) IncrementRetry(_ context.Context, id string) error {
	m.events[id].RetryCount++
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id string) error {
	m.events[id].Status = StatusFailed
	return nil
}

func pend(st *memStore, eventType string, at time.Time) string {
	id := uuid.NewString()
	_ = st.Append(context.Background(), &Event{
		ID:        id,
		OrderID:   uuid.NewString(),
		EventType: eventType,
		Payload:   []byte(`{}`),
		Status:    StatusPending,
		CreatedAt: at,
	})
	return id
}

func TestRelayProcessesAndMarks(t *testing.T) {
	st := newMemStore()
	r := NewRelay(st, time.Second, 3, 100, zap.NewNop().Sugar())

	var handled int
	r.Handle(EventPaymentPending, func(ctx context.Context, e Event) error {
		handled++
		return nil
	})
	id := pend(st, EventPaymentPending, time.Now().UTC())

	if err := r.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if handled != 1 {
		t.Fatalf("handled = %d, want 1", handled)
	}
	if st.events[id].Status != StatusProcessed || st.events[id].ProcessedAt == nil {
		t.Fatalf("event not marked processed: %+v", st.events[id])
	}

	// a processed event is never dispatched again
	if err := r.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process again: %v", err)
	}
	if handled != 1 {
		t.Fatalf("processed event re-dispatched, handled = %d", handled)
	}
}

func TestRelayRetriesThenFails(t *testing.T) {
	st := newMemStore()
	r := NewRelay(st, time.Second, 3, 100, zap.NewNop().Sugar())

	var attempts int
	r.Handle(EventPaymentSuccess, func(ctx context.Context, e Event) error {
		attempts++
		return errors.New("boom")
	})
	id := pend(st, EventPaymentSuccess, time.Now().UTC())

	for i := 0; i < 5; i++ {
		if err := r.ProcessOnce(context.Background()); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	// attempt 1 and 2 bump the retry count, attempt 3 hits the ceiling
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if st.events[id].Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", st.events[id].Status)
	}
}

func TestRelayUnknownTypeParksEvent(t *testing.T) {
	st := newMemStore()
	r := NewRelay(st, time.Second, 3, 100, zap.NewNop().Sugar())
	id := pend(st, "NOT_A_THING", time.Now().UTC())

	if err := r.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st.events[id].Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", st.events[id].Status)
	}
}

// txGuardStore rejects any claim or status write issued outside WithinTx,
// the way row locks from SKIP LOCKED evaporate outside a transaction.
type txGuardStore struct {
	*memStore
	inTx bool
}

func (g *txGuardStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	inner := &txGuardStore{memStore: g.memStore, inTx: true}
	return fn(inner)
}

func (g *txGuardStore) Pending(ctx context.Context, maxRetries, limit int) ([]Event, error) {
	if !g.inTx {
		return nil, errors.New("pending claim outside transaction")
	}
	return g.memStore.Pending(ctx, maxRetries, limit)
}

func (g *txGuardStore) MarkProcessed(ctx context.Context, id string) error {
	if !g.inTx {
		return errors.New("mark outside transaction")
	}
	return g.memStore.MarkProcessed(ctx, id)
}

func (g *txGuardStore) IncrementRetry(ctx context.Context, id string) error {
	if !g.inTx {
		return errors.New("retry bump outside transaction")
	}
	return g.memStore.IncrementRetry(ctx, id)
}

func (g *txGuardStore) MarkFailed(ctx context.Context, id string) error {
	if !g.inTx {
		return errors.New("mark outside transaction")
	}
	return g.memStore.MarkFailed(ctx, id)
}

func TestRelayClaimsAndMarksInOneTransaction(t *testing.T) {
	st := newMemStore()
	guard := &txGuardStore{memStore: st}
	r := NewRelay(guard, time.Second, 3, 100, zap.NewNop().Sugar())

	r.Handle(EventPaymentPending, func(ctx context.Context, e Event) error { return nil })
	id := pend(st, EventPaymentPending, time.Now().UTC())

	if err := r.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st.events[id].Status != StatusProcessed {
		t.Fatalf("status = %s, want PROCESSED", st.events[id].Status)
	}
}

func TestRelayIgnoresFutureEvents(t *testing.T) {
	st := newMemStore()
	r := NewRelay(st, time.Second, 3, 100, zap.NewNop().Sugar())

	var handled int
	r.Handle(EventDeliveryFailed, func(ctx context.Context, e Event) error {
		handled++
		return nil
	})
	id := pend(st, EventDeliveryFailed, time.Now().UTC().Add(time.Hour))

	if err := r.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if handled != 0 {
		t.Fatal("future-dated event dispatched before its time")
	}
	if st.events[id].Status != StatusPending {
		t.Fatalf("status = %s, want PENDING", st.events[id].Status)
	}
}
