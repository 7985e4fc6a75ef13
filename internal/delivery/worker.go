package delivery

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Worker advances deliveries popped off the task topic. Each pop simulates
// transit, rolls the loss probability, then moves the delivery exactly one
// state forward under a versioned write. Non-terminal deliveries re-enqueue
// themselves.
type Worker struct {
	store        Store
	tasks        Queue
	notices      Queue
	svc          *Service
	transitDelay time.Duration
	lossRate     float64
	roll         func() float64
	log          *zap.SugaredLogger
}

func NewWorker(store Store, tasks, notices Queue, transitDelay time.Duration, lossRate float64, log *zap.SugaredLogger) *Worker {
	return &Worker{
		store:        store,
		tasks:        tasks,
		notices:      notices,
		svc:          &Service{store: store, tasks: tasks, notices: notices, log: log},
		transitDelay: transitDelay,
		lossRate:     lossRate,
		roll:         rand.Float64,
		log:          log,
	}
}

// Handle processes one task message whose value is a delivery id. Only
// infrastructure errors propagate (triggering redelivery); domain-level
// races resolve by dropping the transition.
func (w *Worker) Handle(ctx context.Context, m kafka.Message) error {
	id := string(m.Value)
	d, err := w.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		w.log.Warnw("task for unknown delivery dropped", "delivery", id)
		return nil
	}
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return nil
	}

	if err := w.sleep(ctx); err != nil {
		return err
	}

	// Re-read after the transit sleep: a cancellation may have landed.
	d, err = w.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		w.log.Infow("delivery finished while in transit sleep", "delivery", id, "status", d.Status)
		return nil
	}

	next := d.Status.next()
	if w.roll() < w.lossRate {
		next = StatusLost
	}
	expected := d.Version
	d.Status = next
	d.UpdatedAt = time.Now().UTC()
	if err := w.store.Update(ctx, d, expected); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// cancellation wins; drop this transition
			w.log.Warnw("transition lost version race, dropped", "delivery", id, "to", next)
			return nil
		}
		return err
	}
	w.log.Infow("delivery advanced", "delivery", id, "status", next)
	w.svc.queueNotification(ctx, d)

	if !d.Status.IsTerminal() {
		return w.tasks.Push(ctx, d.ID, []byte(d.ID))
	}
	return nil
}

func (w *Worker) sleep(ctx context.Context) error {
	if w.transitDelay <= 0 {
		return nil
	}
	t := time.NewTimer(w.transitDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
