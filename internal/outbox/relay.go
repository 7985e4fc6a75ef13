package outbox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	relayProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_processed_total",
		Help: "Outbox events handled successfully.",
	}, []string{"event_type"})
	relayRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_retried_total",
		Help: "Outbox events whose handler failed and were left for retry.",
	})
	relayDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_dead_total",
		Help: "Outbox events marked FAILED after exhausting retries.",
	})
)

// Handler consumes one outbox event. A non-nil error leaves the event
// PENDING with its retry count bumped.
type Handler func(ctx context.Context, e Event) error

// Relay polls the outbox table and dispatches events by type. Events whose
// handler keeps failing are retried up to maxRetries times and then parked
// as FAILED for operator inspection.
type Relay struct {
	store      Store
	handlers   map[string]Handler
	interval   time.Duration
	maxRetries int
	batchSize  int
	log        *zap.SugaredLogger
}

func NewRelay(store Store, interval time.Duration, maxRetries, batchSize int, log *zap.SugaredLogger) *Relay {
	return &Relay{
		store:      store,
		handlers:   make(map[string]Handler),
		interval:   interval,
		maxRetries: maxRetries,
		batchSize:  batchSize,
		log:        log,
	}
}

func (r *Relay) Handle(eventType string, h Handler) {
	r.handlers[eventType] = h
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Infow("outbox relay started", "interval", r.interval, "max_retries", r.maxRetries)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if err := r.ProcessOnce(ctx); err != nil {
				r.log.Errorw("outbox poll failed", "err", err)
			}
		}
	}
}

// ProcessOnce drains one batch of claimable events. The claim, the handler
// dispatch and the status updates share one transaction so the row locks
// taken by Pending hold until the batch commits.
func (r *Relay) ProcessOnce(ctx context.Context) error {
	return r.store.WithinTx(ctx, func(st Store) error {
		events, err := st.Pending(ctx, r.maxRetries, r.batchSize)
		if err != nil {
			return err
		}
		for _, e := range events {
			h, ok := r.handlers[e.EventType]
			if !ok {
				r.log.Warnw("no handler for event type", "type", e.EventType, "event", e.ID)
				if err := st.MarkFailed(ctx, e.ID); err != nil {
					return err
				}
				relayDead.Inc()
				continue
			}
			if err := h(ctx, e); err != nil {
				r.log.Warnw("event handler failed", "event", e.ID, "type", e.EventType, "retry", e.RetryCount, "err", err)
				if e.RetryCount+1 >= r.maxRetries {
					if err := st.MarkFailed(ctx, e.ID); err != nil {
						return err
					}
					relayDead.Inc()
					r.log.Errorw("event exhausted retries", "event", e.ID, "type", e.EventType)
					continue
				}
				if err := st.IncrementRetry(ctx, e.ID); err != nil {
					return err
				}
				relayRetried.Inc()
				continue
			}
			if err := st.MarkProcessed(ctx, e.ID); err != nil {
				return err
			}
			relayProcessed.WithLabelValues(e.EventType).Inc()
		}
		return nil
	})
}
