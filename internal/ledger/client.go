package ledger

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

// Client wraps the service the way the payment orchestrator reaches the
// bank: bounded attempts with a fixed delay between them. Because every
// call carries an idempotency ref, retrying after an ambiguous failure is
// safe.
type Client struct {
	svc      *Service
	attempts uint64
	backoff  time.Duration
}

func NewClient(svc *Service, attempts int, backoff time.Duration) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{svc: svc, attempts: uint64(attempts), backoff: backoff}
}

func (c *Client) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, ref string) (TransferResult, error) {
	var res TransferResult
	err := retry.Do(ctx, retry.WithMaxRetries(c.attempts-1, retry.NewConstant(c.backoff)), func(ctx context.Context) error {
		r, err := c.svc.Transfer(ctx, from, to, amount, ref)
		if err != nil {
			return retry.RetryableError(err)
		}
		res = r
		return nil
	})
	return res, err
}

func (c *Client) Refund(ctx context.Context, originalTxnID, reason string) (RefundResult, error) {
	var res RefundResult
	err := retry.Do(ctx, retry.WithMaxRetries(c.attempts-1, retry.NewConstant(c.backoff)), func(ctx context.Context) error {
		r, err := c.svc.Refund(ctx, originalTxnID, reason)
		if err != nil {
			return retry.RetryableError(err)
		}
		res = r
		return nil
	})
	return res, err
}
