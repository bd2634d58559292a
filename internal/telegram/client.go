// Package telegram is a minimal Telegram Bot API client covering the
// relay's needs: sending messages and managing the bot webhook.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultBaseURL is the production Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// ErrNoToken is returned when the bot token is not configured.
var ErrNoToken = errors.New("bot token not configured")

var messagesSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Total number of Telegram send attempts by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(messagesSentTotal)
}

// Client calls the Telegram Bot API. The bot token is passed per call
// because the relay config is re-read on every request.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// NewClient creates a Client against baseURL (DefaultBaseURL in
// production; tests point it at a local fake). Each outbound call is
// bounded by timeout; exceeding it is a send failure, never retried.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		logger:     logger,
	}
}

// apiResponse is the Bot API envelope common to all methods.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage delivers text to a single chat with Markdown parsing.
func (c *Client) SendMessage(ctx context.Context, token, chatID, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	if err := c.call(ctx, token, "sendMessage", payload); err != nil {
		messagesSentTotal.WithLabelValues("error").Inc()
		c.logger.Error("telegram send failed", zap.String("chat_id", chatID), zap.Error(err))
		return err
	}
	messagesSentTotal.WithLabelValues("ok").Inc()
	c.logger.Info("telegram message sent", zap.String("chat_id", chatID))
	return nil
}

// SendResult is the outcome of one batch recipient.
type SendResult struct {
	ChatID string `json:"chat_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// BatchResult aggregates a batch send.
type BatchResult struct {
	Sent    int
	Total   int
	Results []SendResult
}

// SendBatch delivers text to each chat in order, one API call per
// recipient. A failed recipient is recorded and does not abort the rest.
func (c *Client) SendBatch(ctx context.Context, token string, chatIDs []string, text string) BatchResult {
	res := BatchResult{
		Total:   len(chatIDs),
		Results: make([]SendResult, 0, len(chatIDs)),
	}
	for _, chatID := range chatIDs {
		sr := SendResult{ChatID: chatID}
		if err := c.SendMessage(ctx, token, chatID, text); err != nil {
			sr.Error = err.Error()
		} else {
			sr.OK = true
			res.Sent++
		}
		res.Results = append(res.Results, sr)
	}
	return res
}

// SetWebhook registers url as the bot's webhook endpoint.
func (c *Client) SetWebhook(ctx context.Context, token, url string) error {
	return c.call(ctx, token, "setWebhook", map[string]any{"url": url})
}

// DeleteWebhook removes the bot's webhook registration.
func (c *Client) DeleteWebhook(ctx context.Context, token string) error {
	return c.call(ctx, token, "deleteWebhook", nil)
}

// call POSTs a Bot API method and maps the response envelope to an error.
// The token never appears in errors or logs.
func (c *Client) call(ctx context.Context, token, method string, payload any) error {
	if token == "" {
		return ErrNoToken
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var uerr *neturl.Error
		if errors.As(err, &uerr) {
			// Strip the URL from transport errors; it embeds the token.
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var api apiResponse
	if err := json.Unmarshal(respBody, &api); err != nil {
		return fmt.Errorf("telegram %s: returned %d with unparseable body", method, resp.StatusCode)
	}
	if !api.OK {
		if api.Description != "" {
			return fmt.Errorf("telegram %s: %s", method, api.Description)
		}
		return fmt.Errorf("telegram %s: returned %d", method, resp.StatusCode)
	}
	return nil
}
