package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ///////////////////////////////////////////////
// REST Client
// ///////////////////////////////////////////////

// DefaultAPIBase is the Discord REST API root.
const DefaultAPIBase = "https://discord.com/api/v10"

// ErrPermission is returned when the bot lacks permission for an operation
// (HTTP 403). Callers treat it as non-retryable.
var ErrPermission = errors.New("missing permission")

// REST posts and retracts messages through the Discord HTTP API.
// Transient failures and rate limits are retried a bounded number of times.
type REST struct {
	token   string
	baseURL string
	client  *retryablehttp.Client
}

// NewREST creates a REST client authenticated with the given bot token.
func NewREST(token string) *REST {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = nil // suppress retryablehttp's default logging
	// Honor Discord's retry_after on 429 instead of the default backoff.
	client.Backoff = rateLimitBackoff
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return true, nil
		}
		return false, nil
	}
	return &REST{token: token, baseURL: DefaultAPIBase, client: client}
}

// rateLimitBackoff reads Discord's retry_after body field on 429 responses
// and falls back to retryablehttp's default otherwise.
func rateLimitBackoff(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		var body struct {
			RetryAfter float64 `json:"retry_after"`
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err == nil && json.Unmarshal(data, &body) == nil && body.RetryAfter > 0 {
			return time.Duration(body.RetryAfter * float64(time.Second))
		}
	}
	return retryablehttp.DefaultBackoff(min, max, attempt, resp)
}

// CreateMessage posts content to a channel and returns the new message ID.
func (r *REST) CreateMessage(channelID, content string) (string, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	url := fmt.Sprintf("%s/channels/%s/messages", r.baseURL, channelID)
	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+r.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("post to channel %s: %w", channelID, ErrPermission)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("post message: %s", readAPIError(resp))
	}

	var msg struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", fmt.Errorf("decode message response: %w", err)
	}
	return msg.ID, nil
}

// DeleteMessage removes a previously posted message. A 404 is treated as
// success (the message is already gone).
func (r *REST) DeleteMessage(channelID, messageID string) error {
	url := fmt.Sprintf("%s/channels/%s/messages/%s", r.baseURL, channelID, messageID)
	req, err := retryablehttp.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("delete message %s: %w", messageID, ErrPermission)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("delete message: %s", readAPIError(resp))
	}
	return nil
}

// readAPIError summarizes a non-2xx response for error messages.
func readAPIError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(data))
	if text == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, text)
}
