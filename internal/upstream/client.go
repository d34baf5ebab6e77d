package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/crosswire-dev/crosswire/internal/apierr"
	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/format"
	"github.com/crosswire-dev/crosswire/internal/logging"
	"github.com/crosswire-dev/crosswire/internal/pool"
	"github.com/crosswire-dev/crosswire/pkg/anthropic"
)

// UsageFunc observes completed requests for accounting. Streamed requests
// report the totals the translation accumulated from the upstream chunks.
type UsageFunc func(email, model string, inputTokens, outputTokens int)

// Client drives requests against the Cloud Code endpoints with account
// failover, endpoint mirroring and rate-limit recovery.
type Client struct {
	pool    *pool.Manager
	http    *http.Client
	backoff *backoffTracker
	usage   UsageFunc
}

// SetUsageFunc installs the accounting callback.
func (c *Client) SetUsageFunc(fn UsageFunc) {
	c.usage = fn
}

// NewClient builds a client on top of the account pool.
func NewClient(p *pool.Manager) *Client {
	c := &Client{
		pool:    p,
		http:    &http.Client{Timeout: 10 * time.Minute},
		backoff: newBackoffTracker(),
	}
	go c.backoffCleanupLoop()
	return c
}

func (c *Client) backoffCleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		c.backoff.cleanup()
	}
}

// Send performs a non-streaming request. Thinking models only deliver
// thought blocks over SSE, so for them the client streams internally and
// accumulates the events into one response.
func (c *Client) Send(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	if config.IsThinkingModel(req.Model) {
		return c.sendAccumulated(ctx, req, fallbackEnabled)
	}
	return c.run(ctx, req, req.Model, fallbackEnabled, false, nil)
}

func (c *Client) sendAccumulated(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	events, errs := c.SendStream(ctx, req, fallbackEnabled)
	resp := AccumulateEvents(events, req.Model)
	if err := <-errs; err != nil {
		return nil, err
	}
	return resp, nil
}

// SendStream performs a streaming request. Events arrive on the first
// channel; the second delivers at most one error after the first closes.
func (c *Client) SendStream(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *anthropic.StreamEvent, <-chan error) {
	events := make(chan *anthropic.StreamEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		if _, err := c.run(ctx, req, req.Model, fallbackEnabled, true, events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// run is the shared retry engine. In streaming mode events flow to the
// channel and the returned response carries only usage totals; in unary mode
// the response is returned directly.
func (c *Client) run(ctx context.Context, req *anthropic.MessagesRequest, model string, fallbackEnabled, streaming bool, events chan<- *anthropic.StreamEvent) (*anthropic.MessagesResponse, error) {
	cfg := config.Get()
	fingerprint := SessionFingerprint(req)

	maxAttempts := cfg.MaxRetries
	if n := c.pool.AccountCount() + 1; n > maxAttempts {
		maxAttempts = n
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.pool.ResetExpired()

		if !c.pool.HasAvailable(model) {
			if !c.pool.IsAllRateLimited(model) {
				return nil, apierr.New(apierr.KindTransient, "no accounts configured or all disabled")
			}
			minWait := c.pool.MinWaitMs(model)
			resetAt := time.Now().Add(time.Duration(minWait) * time.Millisecond)

			// Fail fast past the ceiling, or with multiple accounts where a
			// silent multi-minute stall would be worse than an error.
			if minWait > cfg.MaxWaitBeforeErrorMs || c.pool.EnabledCount() > 1 {
				if fallbackEnabled {
					if fallbackModel, ok := config.GetFallbackModel(model); ok {
						logging.Warn("All accounts exhausted for %s (%s wait), falling back to %s",
							model, apierr.FormatDuration(minWait), fallbackModel)
						fallbackReq := *req
						fallbackReq.Model = fallbackModel
						return c.run(ctx, &fallbackReq, fallbackModel, false, streaming, events)
					}
				}
				return nil, apierr.CapacityExhausted(model, resetAt)
			}

			logging.Warn("Account rate-limited on %s, waiting %s...", model, apierr.FormatDuration(minWait))
			if err := sleepCtx(ctx, minWait+500); err != nil {
				return nil, err
			}
			c.pool.ResetExpired()
			attempt--
			continue
		}

		sel, err := c.pool.Select(ctx, model, fingerprint)
		if err != nil {
			return nil, err
		}
		if sel.Account == nil {
			if sel.WaitMs > 0 {
				if err := sleepCtx(ctx, sel.WaitMs+500); err != nil {
					return nil, err
				}
				attempt--
			}
			continue
		}
		if sel.WaitMs > 0 {
			// Throttle hint from the strategy (degraded-account fallback).
			if err := sleepCtx(ctx, sel.WaitMs); err != nil {
				return nil, err
			}
		}
		account := sel.Account

		token, err := c.pool.Token(ctx, account)
		if err != nil {
			logging.Warn("Failed to get token for %s: %v", account.Email, err)
			lastErr = err
			continue
		}
		projectID := c.pool.ProjectID(ctx, account)

		payload := BuildPayload(req, model, projectID)
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindBadRequest, err, "failed to encode payload")
		}

		resp, attemptErr := c.runMirrors(ctx, account, model, token, body, streaming, events)
		if attemptErr == nil {
			c.reportUsage(account.Email, model, resp)
			return resp, nil
		}
		lastErr = attemptErr

		var perr *apierr.Error
		if errors.As(attemptErr, &perr) && !perr.Retryable() {
			return nil, attemptErr
		}
		logging.Warn("Attempt %d/%d failed on %s: %v", attempt+1, maxAttempts, account.Email, attemptErr)
	}

	if fallbackEnabled {
		if fallbackModel, ok := config.GetFallbackModel(model); ok {
			logging.Warn("All retries exhausted for %s, falling back to %s", model, fallbackModel)
			fallbackReq := *req
			fallbackReq.Model = fallbackModel
			return c.run(ctx, &fallbackReq, fallbackModel, false, streaming, events)
		}
	}

	return nil, apierr.MaxRetries(maxAttempts, lastErr)
}

// runMirrors tries each endpoint mirror for one account. A nil error means
// the request completed; a Retryable error moves the engine to the next
// account; a terminal error surfaces to the caller.
func (c *Client) runMirrors(ctx context.Context, account *pool.Account, model, token string, body []byte, streaming bool, events chan<- *anthropic.StreamEvent) (*anthropic.MessagesResponse, error) {
	path := "/v1internal:generateContent"
	accept := "application/json"
	if streaming {
		path = "/v1internal:streamGenerateContent?alt=sse"
		accept = "text/event-stream"
	}
	headers := BuildHeaders(token, model, accept)

	var lastErr error
	var minResetMs *int64
	sawOnlyRateLimits := true
	capacityRetries := 0

	for i := 0; i < len(config.EndpointMirrors); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		url := config.EndpointMirrors[i] + path

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			if isNetworkError(err) {
				logging.Warn("Network error at %s: %v", url, err)
				lastErr = apierr.Wrap(apierr.KindTransient, err, "network error")
				sawOnlyRateLimits = false
				continue
			}
			return nil, err
		}

		if resp.StatusCode == http.StatusOK {
			out, err := c.consumeSuccess(ctx, resp, url, headers, body, model, streaming, events)
			if err != nil {
				lastErr = err
				sawOnlyRateLimits = false
				continue
			}
			c.backoff.Clear(account.Email, model)
			c.pool.MarkSuccess(account, model)
			return out, nil
		}

		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		errorText := string(errBody)
		logging.Warn("Upstream error at %s: %d - %.200s", url, resp.StatusCode, errorText)

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			c.pool.InvalidateCredentials(account.Email)
			if IsPermanentAuthFailure(errorText) {
				c.pool.MarkInvalid(account.Email, "token revoked, re-authentication required")
				return nil, apierr.AuthInvalid(account.Email, errorText)
			}
			lastErr = apierr.New(apierr.KindTransient, "auth error for %s", account.Email)
			sawOnlyRateLimits = false
			continue

		case http.StatusTooManyRequests:
			resetMs := ParseResetTime(resp.Header, errorText)

			if IsModelCapacityExhausted(errorText) && capacityRetries < config.Get().MaxCapacityRetries {
				waitMs := capacityWait(resetMs, capacityRetries)
				capacityRetries++
				logging.Info("Model capacity exhausted, retry %d/%d after %s",
					capacityRetries, config.Get().MaxCapacityRetries, apierr.FormatDuration(waitMs))
				if err := sleepCtx(ctx, waitMs); err != nil {
					return nil, err
				}
				i--
				continue
			}

			if resetMs != nil && (minResetMs == nil || *resetMs < *minResetMs) {
				minResetMs = resetMs
			}

			observed := c.backoff.Observe(account.Email, model, derefMs(resetMs))
			if observed.IsDuplicate {
				// A concurrent request already handled this throttle; don't
				// compound the cooldown, just move on to another account.
				smart := CalculateSmartBackoff(errorText, derefMs(resetMs), 0)
				c.pool.MarkRateLimited(account.Email, model, smart)
				return nil, apierr.RateLimited(model, account.Email, &smart)
			}

			lastErr = apierr.RateLimited(model, account.Email, resetMs)
			continue

		case http.StatusBadRequest:
			return nil, apierr.New(apierr.KindBadRequest, "%s", clientSafeError(errorText))

		case http.StatusForbidden:
			return nil, apierr.New(apierr.KindPermission, "%s", clientSafeError(errorText))

		case http.StatusServiceUnavailable, 529:
			if IsModelCapacityExhausted(errorText) && capacityRetries < config.Get().MaxCapacityRetries {
				waitMs := capacityWait(nil, capacityRetries)
				capacityRetries++
				logging.Info("%d capacity error, retry %d/%d after %s",
					resp.StatusCode, capacityRetries, config.Get().MaxCapacityRetries, apierr.FormatDuration(waitMs))
				if err := sleepCtx(ctx, waitMs); err != nil {
					return nil, err
				}
				i--
				continue
			}
			lastErr = apierr.New(apierr.KindTransient, "upstream %d: %.200s", resp.StatusCode, errorText)
			sawOnlyRateLimits = false
			continue

		default:
			lastErr = apierr.New(apierr.KindTransient, "upstream %d: %.200s", resp.StatusCode, errorText)
			sawOnlyRateLimits = false
			if resp.StatusCode >= 500 {
				if err := sleepCtx(ctx, 1000); err != nil {
					return nil, err
				}
			}
			continue
		}
	}

	if lastErr == nil {
		return nil, apierr.New(apierr.KindTransient, "all endpoints failed")
	}

	// Every mirror throttled: cool the account down with the smallest reset
	// the upstream admitted to.
	if sawOnlyRateLimits && apierr.IsKind(lastErr, apierr.KindRateLimit) {
		cooldown := derefMs(minResetMs)
		if cooldown <= 0 {
			cooldown = config.Get().DefaultCooldownMs
		}
		c.pool.MarkRateLimited(account.Email, model, cooldown)
	} else if apierr.IsKind(lastErr, apierr.KindTransient) {
		c.pool.MarkFailure(account, model)
	}
	return nil, lastErr
}

// consumeSuccess handles a 200 response: decode (unary) or stream, with a
// bounded retry for empty responses.
func (c *Client) consumeSuccess(ctx context.Context, resp *http.Response, url string, headers map[string]string, body []byte, model string, streaming bool, events chan<- *anthropic.StreamEvent) (*anthropic.MessagesResponse, error) {
	current := resp
	for emptyRetries := 0; ; emptyRetries++ {
		var out *anthropic.MessagesResponse
		var err error
		if streaming {
			var usage *anthropic.Usage
			usage, err = c.forwardStream(current.Body, model, events)
			if err == nil {
				// Events already reached the caller; the response exists only
				// so the usage callback sees the streamed totals.
				out = &anthropic.MessagesResponse{Usage: usage}
			}
		} else {
			out, err = decodeUnary(current.Body, model)
		}
		current.Body.Close()

		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrEmptyResponse) {
			return nil, err
		}
		if emptyRetries >= config.MaxEmptyResponseRetries {
			if streaming {
				// Emitting a placeholder is kinder than aborting a stream the
				// client already committed to.
				emitEmptyResponseFallback(events, model)
				return nil, nil
			}
			return nil, apierr.New(apierr.KindTransient, "empty response after %d retries", emptyRetries)
		}

		backoffMs := int64(500 * (1 << emptyRetries))
		logging.Warn("Empty response, retry %d/%d after %dms",
			emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
		if err := sleepCtx(ctx, backoffMs); err != nil {
			return nil, err
		}

		retryReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			retryReq.Header.Set(k, v)
		}
		current, err = c.http.Do(retryReq)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindTransient, err, "empty-response retry failed")
		}
		if current.StatusCode != http.StatusOK {
			current.Body.Close()
			return nil, apierr.New(apierr.KindTransient, "empty-response retry got %d", current.StatusCode)
		}
	}
}

func (c *Client) forwardStream(body io.Reader, model string, events chan<- *anthropic.StreamEvent) (*anthropic.Usage, error) {
	return translateStream(body, model, events)
}

func decodeUnary(body io.Reader, model string) (*anthropic.MessagesResponse, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, err, "failed to read response")
	}
	resp, err := format.ParseGoogleResponse(data)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, err, "failed to decode response")
	}
	if format.IsEmptyResponse(resp) {
		return nil, ErrEmptyResponse
	}
	return format.ConvertGoogleToAnthropic(resp, model), nil
}

// emitEmptyResponseFallback produces a minimal valid event sequence with a
// diagnostic marker when retries never yielded content.
func emitEmptyResponseFallback(events chan<- *anthropic.StreamEvent, model string) {
	events <- &anthropic.StreamEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:      format.NewMessageID(),
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   model,
			Usage:   &anthropic.Usage{},
		},
	}
	events <- &anthropic.StreamEvent{
		Type:         "content_block_start",
		Index:        intPtr(0),
		ContentBlock: &anthropic.ContentBlock{Type: "text"},
	}
	events <- &anthropic.StreamEvent{
		Type:  "content_block_delta",
		Index: intPtr(0),
		Delta: &anthropic.StreamDelta{Type: "text_delta", Text: "[No response after retries - please try again]"},
	}
	events <- &anthropic.StreamEvent{Type: "content_block_stop", Index: intPtr(0)}
	events <- &anthropic.StreamEvent{
		Type:  "message_delta",
		Delta: &anthropic.StreamDelta{StopReason: "end_turn"},
		Usage: &anthropic.Usage{},
	}
	events <- &anthropic.StreamEvent{Type: "message_stop"}
}

func (c *Client) reportUsage(email, model string, resp *anthropic.MessagesResponse) {
	if c.usage == nil {
		return
	}
	in, out := 0, 0
	if resp != nil && resp.Usage != nil {
		in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	c.usage(email, model, in, out)
}

func capacityWait(resetMs *int64, retries int) int64 {
	if resetMs != nil && *resetMs > 0 {
		return *resetMs
	}
	tier := retries
	if tier > len(config.CapacityBackoffTiersMs)-1 {
		tier = len(config.CapacityBackoffTiersMs) - 1
	}
	return config.CapacityBackoffTiersMs[tier]
}

func derefMs(ms *int64) int64 {
	if ms == nil {
		return 0
	}
	return *ms
}

// clientSafeError extracts the upstream's error message when the body is the
// standard Google error envelope, falling back to the raw text.
func clientSafeError(body string) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(body) > 500 {
		return body[:500]
	}
	return body
}

func sleepCtx(ctx context.Context, ms int64) error {
	if ms <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
