package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrCancelRejected means the carrier refused the cancellation because the
// delivery already progressed too far.
var ErrCancelRejected = errors.New("carrier: cancellation rejected")

type CreateRequest struct {
	OrderID         string   `json:"order_id"`
	Email           string   `json:"email"`
	UserName        string   `json:"user_name"`
	ToAddress       string   `json:"to_address"`
	FromAddresses   []string `json:"from_addresses"`
	ProductName     string   `json:"product_name"`
	Quantity        int      `json:"quantity"`
	NotificationURL string   `json:"notification_url"`
}

type CreateResponse struct {
	Success    bool   `json:"success"`
	DeliveryID string `json:"delivery_id"`
	Message    string `json:"message,omitempty"`
}

// Client talks to the carrier service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *Client) CreateDelivery(ctx context.Context, req CreateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deliveries", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("carrier: create delivery returned %d", resp.StatusCode)
	}
	var out CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", fmt.Errorf("carrier: create delivery failed: %s", out.Message)
	}
	return out.DeliveryID, nil
}

func (c *Client) CancelDelivery(ctx context.Context, deliveryID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deliveries/"+deliveryID+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return ErrCancelRejected
	default:
		return fmt.Errorf("carrier: cancel delivery returned %d", resp.StatusCode)
	}
}
