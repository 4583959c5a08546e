// Package gateway is the request/response side of the transport: the
// send endpoint and best-effort presence reporting. Response shape
// detection happens here and nowhere else.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mvales/courier/internal/creds"
	"github.com/mvales/courier/internal/relayerr"
)

const (
	// maxResponseBytes caps response body reads so a misbehaving server
	// cannot consume unbounded memory.
	maxResponseBytes = 1 << 20

	presenceTimeout = 3 * time.Second
)

// SendRequest is one outbound message for the send endpoint. The
// idempotency key lets the server collapse network retries of the same
// logical send.
type SendRequest struct {
	ChatID         int64    `json:"-"`
	Content        string   `json:"content"`
	Attachments    []string `json:"files,omitempty"`
	IdempotencyKey string   `json:"idempotency_key"`
	ReplyTo        int64    `json:"reply_to,omitempty"`
	Mentions       []int64  `json:"mentions,omitempty"`
}

// SendResult is the normalized outcome of an accepted send.
type SendResult struct {
	ServerID  int64
	CreatedAt time.Time
}

// Client talks to the chat server's request/response API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      creds.Supplier
	logger     *zap.Logger
}

// NewClient creates a gateway client. If httpClient is nil, one with
// the given timeout is created.
func NewClient(baseURL string, supplier creds.Supplier, timeout time.Duration, logger *zap.Logger, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		creds:      supplier,
		logger:     logger,
	}
}

// Send posts one message. Failures are classified per the relay error
// taxonomy; the caller decides retry behavior from the classification
// alone.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode send request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat/%d/messages", c.baseURL, req.ChatID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.creds.Current().Token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return SendResult{}, relayerr.Wrap(relayerr.KindNetwork, "send message", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return SendResult{}, relayerr.Wrap(relayerr.KindNetwork, "send message", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := relayerr.FromStatus(resp.StatusCode)
		detail := gjson.GetBytes(body, "error.message").String()
		if detail == "" {
			detail = gjson.GetBytes(body, "error").String()
		}
		if detail == "" {
			detail = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return SendResult{}, relayerr.New(kind, "send message", detail)
	}

	return normalizeSendResponse(body)
}

// normalizeSendResponse folds the accepted response shapes into one
// result. Deployed servers answer with the id at the top level, under
// "data", or as a full message object; every shape is handled here.
func normalizeSendResponse(body []byte) (SendResult, error) {
	id := gjson.GetBytes(body, "id")
	if !id.Exists() {
		id = gjson.GetBytes(body, "data.id")
	}
	if !id.Exists() {
		id = gjson.GetBytes(body, "message.id")
	}
	if !id.Exists() || id.Int() == 0 {
		return SendResult{}, relayerr.New(relayerr.KindServer, "send message", "no message id in response")
	}

	result := SendResult{ServerID: id.Int()}
	created := gjson.GetBytes(body, "created_at")
	if !created.Exists() {
		created = gjson.GetBytes(body, "data.created_at")
	}
	if created.Exists() {
		if ts, err := time.Parse(time.RFC3339, created.String()); err == nil {
			result.CreatedAt = ts
		}
	}
	return result, nil
}

// ReportPresence signals the user's presence (online, away, offline).
// Best effort only: the caller logs failures and must never let them
// influence connection state.
func (c *Client) ReportPresence(ctx context.Context, status string) error {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	payload := fmt.Sprintf(`{"status":%q}`, status)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/presence", bytes.NewReader([]byte(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.creds.Current().Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return relayerr.Wrap(relayerr.KindNetwork, "report presence", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return relayerr.New(relayerr.FromStatus(resp.StatusCode), "report presence", fmt.Sprintf("status %d", resp.StatusCode))
	}
	return nil
}
