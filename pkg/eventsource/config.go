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
	"strings"

	"go.uber.org/zap"
)

// OverflowPolicy decides what happens when a bounded CallbackExecutor's
// queue is full at submission time.
type OverflowPolicy int

const (
	// OverflowBlock submits and waits for room; this is the default,
	// matching the rule that the inline executor's
	// "submission" always succeeds by definition (it runs synchronously)
	// and that a bounded executor otherwise blocks the sender rather
	// than silently dropping data.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropOldest discards the oldest still-queued callback to
	// make room for the new one.
	OverflowDropOldest
)

// CallbackExecutor runs listener callbacks. If a CallbackExecutor is
// supplied to an EventSource, callbacks are submitted to it (in order)
// instead of running inline on the I/O reactor goroutine.
type CallbackExecutor interface {
	// Submit enqueues fn for execution, preserving submission order
	// relative to other calls made by the same EventSource.
	Submit(fn func())
}

// InlineExecutor runs callbacks synchronously on the calling
// goroutine — the I/O reactor, when no executor is
// configured. Logger is optional; the zero value InlineExecutor{}
// still recovers a panicking callback, it just has nowhere to log it.
type InlineExecutor struct {
	Logger *zap.Logger
}

func (e InlineExecutor) Submit(fn func()) {
	defer recoverCallback(e.Logger)
	fn()
}

var _ CallbackExecutor = InlineExecutor{}

// recoverCallback turns a panicking listener callback into a logged
// event instead of a crashed process (or, on a SerialExecutor, a
// permanently stalled drain goroutine). It must be deferred directly
// around the fn() call at the dispatch boundary, not inside listener
// code, so every CallbackExecutor implementation gets the same
// guarantee regardless of what the callback does.
func recoverCallback(logger *zap.Logger) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Error("listener callback panicked, recovered", zap.Any("panic", r), zap.Stack("stack"))
		}
	}
}

// SerialExecutor runs callbacks one at a time, in submission order, on
// a single background goroutine, decoupling dispatch from the I/O
// reactor without allowing callbacks for one record to reorder or
// overlap with the next.
type SerialExecutor struct {
	queue  chan func()
	policy OverflowPolicy
	done   chan struct{}
	logger *zap.Logger
}

// SerialExecutorOption configures a SerialExecutor at construction
// time, following the same functional-options shape as ExecutorOption
// and OpenOption.
type SerialExecutorOption func(*SerialExecutor)

// WithSerialExecutorLogger attaches a logger used to report a
// recovered callback panic. Without one, a panic is still recovered
// and swallowed, just not logged.
func WithSerialExecutorLogger(logger *zap.Logger) SerialExecutorOption {
	return func(e *SerialExecutor) { e.logger = logger }
}

// NewSerialExecutor starts a drain goroutine reading from a queue of
// the given capacity (0 means unbounded-ish in practice via a large
// buffer is not attempted here; 0 is treated as capacity 1 so Submit
// never silently no-ops).
func NewSerialExecutor(capacity int, policy OverflowPolicy, opts ...SerialExecutorOption) *SerialExecutor {
	if capacity <= 0 {
		capacity = 1
	}
	e := &SerialExecutor{queue: make(chan func(), capacity), policy: policy, done: make(chan struct{})}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

func (e *SerialExecutor) run() {
	for fn := range e.queue {
		e.runOne(fn)
	}
	close(e.done)
}

// runOne recovers a panicking callback so that one bad listener can
// never kill the single drain goroutine backing this executor — a
// dead drain goroutine would silently stall every subsequent
// callback for the source, including the terminal OnClosed.
func (e *SerialExecutor) runOne(fn func()) {
	defer recoverCallback(e.logger)
	fn()
}

func (e *SerialExecutor) Submit(fn func()) {
	if e.policy == OverflowDropOldest {
		for {
			select {
			case e.queue <- fn:
				return
			default:
				select {
				case <-e.queue:
				default:
				}
			}
		}
	}
	e.queue <- fn
}

// Stop closes the queue and waits for the drain goroutine to finish
// running everything already submitted.
func (e *SerialExecutor) Stop() {
	close(e.queue)
	<-e.done
}

var _ CallbackExecutor = (*SerialExecutor)(nil)

// EventSourceConfig is the immutable tuple of reconnect and parsing
// settings an EventSource is built with.
type EventSourceConfig struct {
	// Backoff strategy; nil means DefaultExponentialJitterBackoff().
	Backoff Backoff
	// MaxReconnects: -1 unlimited (default), 0 never, N>0 up to N
	// reconnect attempts after the initial connect.
	MaxReconnects int
	// Strategy selects the EntityConsumer implementation.
	Strategy ParserStrategy
	// AllowedContentTypes, if non-empty, overrides the default
	// text/event-stream-only acceptance check (teacher's sse.go
	// "application/json" workaround, generalized).
	AllowedContentTypes []string
	// CallbackOverflowPolicy is carried in the config but EventSource
	// does not read it; a SerialExecutor's overflow behavior is the
	// policy passed to NewSerialExecutor.
	CallbackOverflowPolicy OverflowPolicy
}

// DefaultEventSourceConfig returns the baseline configuration: default
// backoff, unlimited reconnects, byte-strategy parsing.
func DefaultEventSourceConfig() EventSourceConfig {
	return EventSourceConfig{
		Backoff:       DefaultExponentialJitterBackoff(),
		MaxReconnects: -1,
		Strategy:      StrategyByte,
	}
}

func (c EventSourceConfig) contentTypeAllowed(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if semi := strings.IndexByte(ct, ';'); semi != -1 {
		ct = strings.TrimSpace(ct[:semi])
	}
	allowed := c.AllowedContentTypes
	if len(allowed) == 0 {
		allowed = []string{"text/event-stream"}
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), ct) {
			return true
		}
	}
	return false
}

func (c EventSourceConfig) backoffOrDefault() Backoff {
	if c.Backoff != nil {
		return c.Backoff
	}
	return DefaultExponentialJitterBackoff()
}
