package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var (
	notifyDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_notifications_delivered_total",
		Help: "Webhook notifications accepted by the receiver.",
	})
	notifyDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_notifications_dead_lettered_total",
		Help: "Webhook notifications routed to the dead-letter topic.",
	})
	notifyDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_notifications_dropped_total",
		Help: "Webhook notifications dropped after exhausting retries.",
	})
)

// Notifier consumes the notification topic and makes exactly one POST per
// message. Transport failures route the message to the dead-letter topic
// instead of retrying inline, so the state transition that produced it is
// never held up.
type Notifier struct {
	dlq  Queue
	http *http.Client
	log  *zap.SugaredLogger
}

func NewNotifier(dlq Queue, timeout time.Duration, log *zap.SugaredLogger) *Notifier {
	return &Notifier{dlq: dlq, http: &http.Client{Timeout: timeout}, log: log}
}

func (n *Notifier) Handle(ctx context.Context, m kafka.Message) error {
	var msg NotificationMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		n.log.Errorw("malformed notification dropped", "err", err)
		return nil
	}
	if err := n.post(ctx, msg); err != nil {
		n.log.Warnw("webhook delivery failed", "url", msg.URL, "retry", msg.RetryCount, "err", err)
		notifyDeadLettered.Inc()
		return n.dlq.Push(ctx, msg.Payload.DeliveryID, m.Value)
	}
	notifyDelivered.Inc()
	return nil
}

func (n *Notifier) post(ctx context.Context, msg NotificationMessage) error {
	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
