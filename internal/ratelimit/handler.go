// Package ratelimit tracks throttling responses from tile servers and holds
// a source back for a cool-down window before it is tried again.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// RetryStrategy defines the cool-down windows applied after consecutive
// rate-limit responses. After MaxRetries windows the source stays blocked
// until ManualRetry is called.
type RetryStrategy struct {
	Intervals  []time.Duration
	MaxRetries int
}

// DefaultRetryStrategy returns the default backoff schedule.
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			30 * time.Second,
			1 * time.Minute,
			2 * time.Minute,
			5 * time.Minute,
		},
		MaxRetries: 6,
	}
}

// Event describes the current throttling state of one source.
type Event struct {
	Timestamp    time.Time `json:"timestamp" ts_type:"string"`
	Source       string    `json:"source"`
	StatusCode   int       `json:"statusCode"`
	RetryAttempt int       `json:"retryAttempt"`
	NextRetryAt  time.Time `json:"nextRetryAt" ts_type:"string"`
	Exhausted    bool      `json:"exhausted"`
	Message      string    `json:"message"`
}

// Handler manages rate limit detection and the cool-down schedule.
type Handler struct {
	mu               sync.RWMutex
	limited          map[string]*Event
	strategy         *RetryStrategy
	onRateLimit      func(event Event)
	onRetry          func(event Event)
	onRecovered      func(source string)
	autoRetryEnabled bool
	now              func() time.Time
	ctx              context.Context
	cancel           context.CancelFunc
}

// NewHandler creates a new rate limit handler. A nil strategy selects the
// default schedule.
func NewHandler(strategy *RetryStrategy) *Handler {
	if strategy == nil || len(strategy.Intervals) == 0 {
		strategy = DefaultRetryStrategy()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Handler{
		limited:          make(map[string]*Event),
		strategy:         strategy,
		autoRetryEnabled: true,
		now:              time.Now,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRetry sets the callback fired when a cool-down window elapses
func (h *Handler) SetOnRetry(callback func(event Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRetry = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(source string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimitStatus reports whether an HTTP status is a throttling signal.
// 403 is included because several imagery hosts answer bursts with it.
func IsRateLimitStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusForbidden ||
		status == 509
}

// IsRateLimited reports whether requests to source should be held back.
// With auto retry enabled, an elapsed window (that is not exhausted) lets
// the next request through.
func (h *Handler) IsRateLimited(source string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	event, limited := h.limited[source]
	if !limited {
		return false
	}
	if event.Exhausted || !h.autoRetryEnabled {
		return true
	}
	return h.now().Before(event.NextRetryAt)
}

// CheckResponse analyzes an HTTP response for rate limit indicators.
func (h *Handler) CheckResponse(source string, resp *http.Response) bool {
	return h.CheckStatus(source, resp.StatusCode)
}

// CheckStatus records a response status for source and reports whether it
// was a throttling response.
func (h *Handler) CheckStatus(source string, status int) bool {
	if !IsRateLimitStatus(status) {
		if status >= 200 && status < 300 {
			h.checkRecovery(source)
		}
		return false
	}

	h.recordRateLimit(source, status)
	return true
}

func (h *Handler) recordRateLimit(source string, statusCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	retryAttempt := 0
	if existing, exists := h.limited[source]; exists {
		retryAttempt = existing.RetryAttempt + 1
	}

	interval := h.strategy.Intervals[len(h.strategy.Intervals)-1]
	if retryAttempt < len(h.strategy.Intervals) {
		interval = h.strategy.Intervals[retryAttempt]
	}

	now := h.now()
	event := Event{
		Timestamp:    now,
		Source:       source,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  now.Add(interval),
		Exhausted:    retryAttempt >= h.strategy.MaxRetries,
	}
	event.Message = buildMessage(event, interval)
	h.limited[source] = &event

	log.Printf("[RateLimit] %s rate limited (HTTP %d, attempt %d). Next retry at %s",
		source, statusCode, retryAttempt, event.NextRetryAt.Format(time.RFC3339))

	if h.onRateLimit != nil {
		go h.onRateLimit(event)
	}

	if h.autoRetryEnabled && !event.Exhausted {
		go h.scheduleRetry(source, event, interval)
	}
}

// scheduleRetry notifies listeners once the cool-down window has elapsed.
// The actual retry happens on the next fetch of the source.
func (h *Handler) scheduleRetry(source string, event Event, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		h.mu.RLock()
		current, exists := h.limited[source]
		callback := h.onRetry
		h.mu.RUnlock()
		if !exists || !current.Timestamp.Equal(event.Timestamp) {
			return
		}

		log.Printf("[RateLimit] Cool-down for %s elapsed after %s", source, wait)
		if callback != nil {
			callback(event)
		}
	case <-h.ctx.Done():
	}
}

func (h *Handler) checkRecovery(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.limited[source]; exists {
		delete(h.limited, source)
		log.Printf("[RateLimit] %s rate limit cleared", source)

		if h.onRecovered != nil {
			go h.onRecovered(source)
		}
	}
}

// ManualRetry clears the throttling state of source so the next request
// goes through immediately.
func (h *Handler) ManualRetry(source string) {
	h.mu.Lock()
	event, exists := h.limited[source]
	if !exists {
		h.mu.Unlock()
		return
	}
	delete(h.limited, source)
	callback := h.onRetry
	h.mu.Unlock()

	log.Printf("[RateLimit] Manual retry requested for %s", source)
	if callback != nil {
		go callback(*event)
	}
}

// SetAutoRetry enables or disables automatic retries
func (h *Handler) SetAutoRetry(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.autoRetryEnabled = enabled
}

// GetCurrentState returns a copy of the current state for source, or nil.
func (h *Handler) GetCurrentState(source string) *Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event, exists := h.limited[source]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}

func buildMessage(event Event, wait time.Duration) string {
	if event.Exhausted {
		return fmt.Sprintf(
			"%s is still rate limiting requests (HTTP %d) after %d attempts. "+
				"Tiles from this source will be left blank until you retry manually.",
			event.Source, event.StatusCode, event.RetryAttempt+1)
	}
	if event.RetryAttempt == 0 {
		return fmt.Sprintf(
			"%s rate limit detected (HTTP %d). Requests paused for %s; affected tiles are left blank.",
			event.Source, event.StatusCode, wait.Round(time.Second))
	}
	return fmt.Sprintf(
		"%s still rate limited (attempt %d). Next retry in %s.",
		event.Source, event.RetryAttempt+1, wait.Round(time.Second))
}

// Close shuts down the rate limit handler
func (h *Handler) Close() {
	h.cancel()
}
