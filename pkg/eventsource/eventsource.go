// Copyright 2025 Commonwealth Scientific and Industrial Research Organisation (CSIRO) ABN 41 687 119 230
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/araddon/dateparse"
	"go.uber.org/zap"
)

// Stats are per-subscription counters, useful for the fan-out
// executor's status reporting.
type Stats struct {
	BytesReceived    int64
	EventsDispatched int64
	Reconnects       int64
}

// EventSource is the public per-subscription handle.
// It exclusively owns its buffers, parser state,
// last-event-id, and reconnect bookkeeping; it holds a shared
// reference to the executor's Transport and Scheduler.
type EventSource struct {
	uri       string
	cfg       EventSourceConfig
	listener  Listener
	executor  CallbackExecutor
	transport Transport
	scheduler Scheduler
	logger    *zap.Logger

	headersMu sync.Mutex
	headers   *Headers

	idMu        sync.Mutex
	lastEventID *string

	state atomic.Int32

	attempt       int
	previousDelay time.Duration
	serverHint    *time.Duration

	cancelReqMu sync.Mutex
	cancelReq   context.CancelFunc
	cancelTimer func()

	closedCh   chan struct{}
	closedOnce sync.Once

	startOnce sync.Once

	statsMu sync.Mutex
	stats   Stats
}

// newEventSource is called by SseExecutor.Open; callers outside this
// package construct an EventSource only through an SseExecutor.
func newEventSource(uri string, headers *Headers, listener Listener, cfg EventSourceConfig, transport Transport, scheduler Scheduler, executor CallbackExecutor, logger *zap.Logger) *EventSource {
	if listener == nil {
		listener = BaseListener{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scoped := logger.With(zap.String("uri", uri))
	if executor == nil {
		executor = InlineExecutor{Logger: scoped}
	}
	es := &EventSource{
		uri:       uri,
		cfg:       cfg,
		listener:  listener,
		executor:  executor,
		transport: transport,
		scheduler: scheduler,
		logger:    scoped,
		headers:   headers.Clone(),
		closedCh:  make(chan struct{}),
	}
	return es
}

// Start begins connecting. It is idempotent: calling it more than once,
// or after the subscription has left Idle, is a no-op.
func (es *EventSource) Start() {
	started := false
	es.startOnce.Do(func() {
		if es.state.CompareAndSwap(int32(Idle), int32(Connecting)) {
			started = true
		}
	})
	if !started {
		return
	}
	go es.loop()
}

// Cancel is idempotent and interrupts whatever is currently in flight:
// a pending reconnect timer, an in-flight request, or an open response.
// on_closed fires exactly once, submitted through the same ordered
// dispatch path as every other callback.
func (es *EventSource) Cancel() {
	prev := es.swapToClosed()
	if prev == Closed {
		return
	}
	es.cancelReqMu.Lock()
	if es.cancelReq != nil {
		es.cancelReq()
	}
	if es.cancelTimer != nil {
		es.cancelTimer()
	}
	es.cancelReqMu.Unlock()

	es.closedOnce.Do(func() {
		close(es.closedCh)
	})
	if prev == Idle {
		// loop() was never started: nobody else will fire OnClosed.
		es.dispatch(func() { es.listener.OnClosed() })
	}
}

func (es *EventSource) swapToClosed() State {
	for {
		cur := State(es.state.Load())
		if cur == Closed {
			return cur
		}
		if es.state.CompareAndSwap(int32(cur), int32(Closed)) {
			return cur
		}
	}
}

// LastEventID returns the currently persisted id, or "" if absent.
func (es *EventSource) LastEventID() string {
	es.idMu.Lock()
	defer es.idMu.Unlock()
	if es.lastEventID == nil {
		return ""
	}
	return *es.lastEventID
}

// SetLastEventID overrides the persisted id. Passing nil clears it, so
// subsequent requests omit the Last-Event-ID header.
func (es *EventSource) SetLastEventID(id *string) {
	es.idMu.Lock()
	defer es.idMu.Unlock()
	es.lastEventID = id
}

// SetHeader adds or replaces a header sent on every future request
// (including reconnects). A header named Accept or Cache-Control
// replaces the injected default; a header named Last-Event-ID is never
// sent, the persisted id is used instead.
func (es *EventSource) SetHeader(name, value string) {
	es.headersMu.Lock()
	defer es.headersMu.Unlock()
	es.headers.Set(name, value)
}

// RemoveHeader removes a previously set header.
func (es *EventSource) RemoveHeader(name string) {
	es.headersMu.Lock()
	defer es.headersMu.Unlock()
	es.headers.Remove(name)
}

// HeadersSnapshot returns the caller-configured headers, in insertion
// order. It does not include the reserved Accept/Cache-Control/
// Last-Event-ID headers injected at request time.
func (es *EventSource) HeadersSnapshot() []KV {
	es.headersMu.Lock()
	defer es.headersMu.Unlock()
	return es.headers.Snapshot()
}

// IsConnected reports Open only; during Waiting (and every other
// state) it reports false.
func (es *EventSource) IsConnected() bool {
	return State(es.state.Load()) == Open
}

// State returns the current lifecycle state.
func (es *EventSource) State() State {
	return State(es.state.Load())
}

// Stats returns a snapshot of the supplemented per-subscription
// counters.
func (es *EventSource) Stats() Stats {
	es.statsMu.Lock()
	defer es.statsMu.Unlock()
	return es.stats
}

func (es *EventSource) dispatch(fn func()) {
	es.executor.Submit(fn)
}

func (es *EventSource) isClosed() bool {
	return State(es.state.Load()) == Closed
}

// requestHeaders builds the outbound header set for one attempt:
// Accept/Cache-Control always injected, Last-Event-ID injected when a
// persisted id exists, then caller headers in insertion order (caller
// headers win on conflict, except that a caller Last-Event-ID is
// dropped).
func (es *EventSource) requestHeaders() *Headers {
	h := NewHeaders()
	h.Set("Accept", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	if id := es.LastEventID(); id != "" {
		h.Set("Last-Event-ID", id)
	}
	es.headersMu.Lock()
	caller := es.headers.Snapshot()
	es.headersMu.Unlock()
	for _, kv := range caller {
		if kv.Name == "Last-Event-Id" {
			continue
		}
		h.Set(kv.Name, kv.Value)
	}
	return h
}

func (es *EventSource) setCancelReq(fn context.CancelFunc) {
	es.cancelReqMu.Lock()
	es.cancelReq = fn
	es.cancelReqMu.Unlock()
}

func (es *EventSource) setCancelTimer(fn func()) {
	es.cancelReqMu.Lock()
	es.cancelTimer = fn
	es.cancelReqMu.Unlock()
}

// loop is the ReconnectController's drive function: it runs on a
// dedicated goroutine per EventSource (this subsystem's analog of the
// "I/O reactor" context for this subscription) and walks
// Connecting -> Open -> Failed -> (Waiting -> Connecting | Closed).
func (es *EventSource) loop() {
	for {
		cur := es.state.Load()
		if cur == int32(Closed) || !es.state.CompareAndSwap(cur, int32(Connecting)) {
			es.fireClosed()
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		es.setCancelReq(cancel)
		if es.isClosed() {
			// Cancel ran before this attempt's cancel func was registered.
			cancel()
			es.fireClosed()
			return
		}

		resp, err := es.transport.Do(ctx, &Request{URI: es.uri, Headers: es.requestHeaders()})
		if err != nil {
			cancel()
			if es.isClosed() {
				es.fireClosed()
				return
			}
			es.logger.Warn("request failed", zap.Error(err))
			if !es.handleFailure(transientCause("transport", err)) {
				return
			}
			if !es.wait() {
				es.fireClosed()
				return
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			es.applyRetryAfter(resp.Header.Get("Retry-After"))
			hasRetryAfter := es.serverHint != nil
			preview := limitedRead(resp.Body, 1024)
			resp.Body.Close()
			cancel()
			cause := statusCause(resp.StatusCode, retryableStatus(resp.StatusCode, hasRetryAfter))
			cause.Err = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, preview)
			if es.isClosed() {
				es.fireClosed()
				return
			}
			es.logger.Warn("unexpected response status",
				zap.Int("statusCode", resp.StatusCode), zap.Bool("retryable", cause.Retryable))
			if !cause.Retryable {
				es.failTerminal(cause)
				return
			}
			if !es.handleFailure(cause) {
				return
			}
			if !es.wait() {
				es.fireClosed()
				return
			}
			continue
		}

		ct := resp.Header.Get("Content-Type")
		consumer, parser := es.newConsumer()
		if !consumer.ContentTypeOK(ct) {
			resp.Body.Close()
			cancel()
			cause := protocolCause("content-type", fmt.Errorf("unexpected content-type %q", ct))
			if es.isClosed() {
				es.fireClosed()
				return
			}
			es.logger.Error("rejecting response, content-type not allowed", zap.String("contentType", ct))
			es.failTerminal(cause)
			return
		}

		readErr := es.readBody(resp.Body, consumer, parser)
		resp.Body.Close()
		cancel()

		if es.isClosed() {
			es.fireClosed()
			return
		}

		var cause *FailureCause
		if readErr != nil {
			es.logger.Warn("stream read failed", zap.Error(readErr))
			cause = transientCause("transport", readErr)
		} else {
			es.logger.Debug("stream ended by server")
			cause = transientCause("stream-end", io.EOF)
		}
		if !es.handleFailure(cause) {
			return
		}
		if !es.wait() {
			es.fireClosed()
			return
		}
	}
}

func (es *EventSource) fireClosed() {
	es.closedOnce.Do(func() {
		close(es.closedCh)
	})
	es.dispatch(func() { es.listener.OnClosed() })
}

// failTerminal reports a non-retryable failure and transitions
// directly to Closed.
func (es *EventSource) failTerminal(cause *FailureCause) {
	es.dispatch(func() { es.listener.OnFailure(cause, false) })
	es.state.Store(int32(Closed))
	es.fireClosed()
}

// handleFailure classifies and reports a failure, returning whether
// the controller will attempt to reconnect. If true, the caller must
// still invoke wait() to actually perform the delay; if false, Closed
// has already been entered and on_closed already fired.
func (es *EventSource) handleFailure(cause *FailureCause) bool {
	if !es.state.CompareAndSwap(int32(Open), int32(Failed)) {
		es.state.CompareAndSwap(int32(Connecting), int32(Failed))
	}
	es.attempt++
	backoff := es.cfg.backoffOrDefault()

	es.statsMu.Lock()
	reconnectsSoFar := es.stats.Reconnects
	es.statsMu.Unlock()
	maxAllows := es.cfg.MaxReconnects < 0 || reconnectsSoFar < int64(es.cfg.MaxReconnects)
	willReconnect := cause.Retryable && maxAllows && backoff.ShouldReconnect(es.attempt, es.previousDelay, es.serverHint)

	if willReconnect {
		delay := backoff.NextDelay(es.attempt, es.previousDelay, es.serverHint)
		es.previousDelay = delay
	}
	es.serverHint = nil

	if willReconnect {
		es.logger.Info("reconnecting", zap.Int("attempt", es.attempt), zap.Duration("delay", es.previousDelay))
	} else {
		es.logger.Error("giving up, not reconnecting", zap.String("reason", cause.Reason), zap.Error(cause.Err))
	}
	es.dispatch(func() { es.listener.OnFailure(cause, willReconnect) })

	if !willReconnect {
		es.state.Store(int32(Closed))
		es.fireClosed()
		return false
	}
	es.statsMu.Lock()
	es.stats.Reconnects++
	es.statsMu.Unlock()
	return true
}

// wait enters Waiting for the delay chosen by handleFailure, honoring
// cancellation races: a Cancel() arriving after the scheduled task
// fires but before Connecting resumes must still prevent the request,
// which the caller's isClosed() check after wait() returns achieves.
func (es *EventSource) wait() bool {
	if es.isClosed() {
		return false
	}
	es.state.Store(int32(Waiting))

	fired := make(chan struct{}, 1)
	cancelTimer := es.scheduler.Schedule(es.previousDelay, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	es.setCancelTimer(cancelTimer)

	select {
	case <-fired:
		es.setCancelTimer(nil)
		return !es.isClosed()
	case <-es.closedCh:
		cancelTimer()
		return false
	}
}

func (es *EventSource) onSuccessfulOpen() {
	es.attempt = 0
	es.previousDelay = 0
	es.serverHint = nil
	es.state.Store(int32(Open))
	es.logger.Debug("connected")
	es.dispatch(func() { es.listener.OnOpen() })
}

func (es *EventSource) newConsumer() (EntityConsumer, *Parser) {
	parser := NewParser()
	onOpen := func() { es.onSuccessfulOpen() }
	onRetry := func(ms int64) {
		d := time.Duration(ms) * time.Millisecond
		es.serverHint = &d
	}
	var consumer EntityConsumer
	switch es.cfg.Strategy {
	case StrategyChar:
		consumer = NewCharConsumer(parser, es.cfg.contentTypeAllowed, onOpen, onRetry)
	default:
		consumer = NewByteConsumer(parser, es.cfg.contentTypeAllowed, onOpen, onRetry)
	}

	parser.OnEvent = func(id *string, typ, data string) {
		if id != nil {
			es.SetLastEventID(id)
		}
		ev := Event{Type: typ, Data: data}
		if es.LastEventID() != "" {
			ev.ID = es.LastEventID()
		}
		es.statsMu.Lock()
		es.stats.EventsDispatched++
		es.statsMu.Unlock()
		es.dispatch(func() { es.listener.OnEvent(ev) })
	}
	parser.OnComment = func(text string) {
		es.dispatch(func() { es.listener.OnComment(text) })
	}
	return consumer, parser
}

// readBody reads resp body in chunks and feeds them to consumer until
// EOF or error. It returns nil on a clean EOF (normal disconnect,
// handled as a retryable stream-end by the caller), and non-nil only
// for genuine I/O errors.
func (es *EventSource) readBody(body io.Reader, consumer EntityConsumer, parser *Parser) error {
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			es.statsMu.Lock()
			es.stats.BytesReceived += int64(n)
			es.statsMu.Unlock()
			if cerr := consumer.Consume(buf[:n]); cerr != nil {
				return cerr
			}
		}
		if err != nil {
			consumer.StreamEnd()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (es *EventSource) applyRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		es.serverHint = &d
		return
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d >= 0 {
			es.serverHint = &d
		}
		return
	}
	if t, err := dateparse.ParseAny(header); err == nil {
		if d := time.Until(t); d >= 0 {
			es.serverHint = &d
		}
	}
}

// retryableStatus classifies a non-200 response: 5xx and a bare 408
// are always transient. Every other status, including 429, is only
// transient if the response itself supplied a Retry-After hint;
// without one it is a non-retryable protocol failure like any other
// 4xx. A 429 is not special-cased as always-retryable: a rate limiter
// that omits Retry-After isn't telling the caller when to come back,
// so there's no hint to honor and no better rule than the general one.
func retryableStatus(status int, hasRetryAfter bool) bool {
	if status >= 500 {
		return true
	}
	if status == http.StatusRequestTimeout {
		return true
	}
	return hasRetryAfter
}

func limitedRead(r io.Reader, limit int64) string {
	lr := io.LimitReader(r, limit)
	b, _ := io.ReadAll(lr)
	return string(b)
}
