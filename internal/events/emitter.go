// Package events implements an async, buffered event emitter that sends
// authorization outcomes to an external HTTP service (webhook pattern).
// Events are batched and flushed at configurable intervals. The emitter is
// entirely optional and fire-and-forget, it never blocks the request hot path.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/mapping"
	"github.com/authgate/authgate/internal/observability"
)

// AuthEvent represents a single authorization outcome.
type AuthEvent struct {
	ServiceID   string        `json:"service_id"`
	Environment string        `json:"environment"`
	Authority   string        `json:"authority"`
	Application string        `json:"application"` // redacted identity, never the raw secret
	Method      string        `json:"method"`
	Path        string        `json:"path"`
	Outcome     string        `json:"outcome"` // resumed | forbidden | passthrough
	Usage       mapping.Usage `json:"usage,omitempty"`
	Timestamp   string        `json:"timestamp"` // RFC 3339
	LatencyMS   int64         `json:"latency_ms"`
	RequestID   string        `json:"request_id,omitempty"` // X-Request-Id for deduplication
	Reason      string        `json:"reason,omitempty"`     // internal rejection class, non-empty for forbidden
}

// Emitter is an async, buffered event emitter that batches auth events and
// flushes them to an external HTTP receiver.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	httpURL     string
	httpHeaders map[string]config.RedactedString
	httpClient  *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int
	maxRetries    int
	retryBackoff  time.Duration

	ring     []AuthEvent
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter creates a new auth event emitter. Returns nil if events are
// not enabled in the config.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	flushInterval := 5 * time.Second
	if cfg.FlushInterval != "" {
		if d, err := time.ParseDuration(cfg.FlushInterval); err == nil && d > 0 {
			flushInterval = d
		}
	}

	retryBackoff := 250 * time.Millisecond
	if cfg.RetryBackoff != "" {
		if d, err := time.ParseDuration(cfg.RetryBackoff); err == nil && d > 0 {
			retryBackoff = d
		}
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		httpURL:       cfg.HTTP.URL,
		httpHeaders:   cfg.HTTP.Headers,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		maxRetries:    cfg.MaxRetries,
		retryBackoff:  retryBackoff,
		ring:          make([]AuthEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues an auth event into the ring buffer. This is fire-and-forget
// and never blocks. When the buffer is full, the oldest event is dropped.
func (e *Emitter) Emit(ev AuthEvent) {
	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		// Buffer full — drop oldest by advancing head.
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		if e.metrics != nil {
			e.metrics.IncEventsDropped()
		}
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining events and stops the flush loop.
func (e *Emitter) Close() error {
	close(e.done)
	e.wg.Wait()

	// Final drain.
	e.flush()
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []AuthEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := e.ringLen
	if n > e.batchSize {
		n = e.batchSize
	}

	batch := make([]AuthEvent, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []AuthEvent) {
	if e.httpURL != "" {
		e.sendHTTP(batch)
		return
	}
	e.logger.Warn("no events destination configured, dropping batch", "count", len(batch))
}

func (e *Emitter) sendHTTP(batch []AuthEvent) {
	payload := struct {
		Events []AuthEvent `json:"events"`
	}{Events: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.retryBackoff)
		}
		if e.postBatch(body) {
			return
		}
	}

	e.logger.Warn("dropping events batch after exhausting retries",
		"count", len(batch), "retries", e.maxRetries)
	if e.metrics != nil {
		e.metrics.PromEventsSendFailures.Inc()
	}
}

// postBatch performs one delivery attempt. Transport errors and 5xx responses
// are retryable; a 4xx means the batch will never be accepted, so it reports
// success to stop retrying.
func (e *Emitter) postBatch(body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create events HTTP request", "error", err)
		return true
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range e.httpHeaders {
		req.Header.Set(name, value.Value())
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send events batch", "error", err)
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 500 {
		e.logger.Warn("events receiver returned error", "status", resp.StatusCode)
		return false
	}
	if resp.StatusCode >= 400 {
		e.logger.Warn("events receiver rejected batch", "status", resp.StatusCode)
	}
	return true
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(http=%s, batch=%d, flush=%s, buf=%d)",
		e.httpURL, e.batchSize, e.flushInterval, e.bufferSize)
}
