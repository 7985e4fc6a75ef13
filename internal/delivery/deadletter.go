package delivery

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DeadLetter re-feeds failed notifications into the normal notification
// topic with a bumped retry count. At the ceiling the message is logged and
// dropped; notification is best effort.
type DeadLetter struct {
	notices    Queue
	maxRetries int
	log        *zap.SugaredLogger
}

func NewDeadLetter(notices Queue, maxRetries int, log *zap.SugaredLogger) *DeadLetter {
	return &DeadLetter{notices: notices, maxRetries: maxRetries, log: log}
}

func (d *DeadLetter) Handle(ctx context.Context, m kafka.Message) error {
	var msg NotificationMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		d.log.Errorw("malformed dead letter dropped", "err", err)
		return nil
	}
	if msg.RetryCount >= d.maxRetries {
		notifyDropped.Inc()
		d.log.Errorw("notification dropped after max retries",
			"delivery", msg.Payload.DeliveryID, "url", msg.URL, "retries", msg.RetryCount)
		return nil
	}
	msg.RetryCount++
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return d.notices.Push(ctx, msg.Payload.DeliveryID, raw)
}
