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
	"sync"

	"go.uber.org/zap"
)

// SseExecutor constructs EventSource instances, owning or borrowing the
// Transport and Scheduler they share, and coordinating shutdown
//. The zero value is not usable; build one with
// NewSseExecutor.
type SseExecutor struct {
	transport       Transport
	scheduler       Scheduler
	ownsTransport   bool
	ownsScheduler   bool
	defaultHeaders  *Headers
	defaultCfg      EventSourceConfig
	defaultExecutor CallbackExecutor
	logger          *zap.Logger

	mu      sync.Mutex
	sources []*EventSource
	closed  bool
}

// ExecutorOption configures a new SseExecutor.
type ExecutorOption func(*executorBuild)

type executorBuild struct {
	transport     Transport
	ownsTransport bool
	scheduler     Scheduler
	headers       *Headers
	cfg           EventSourceConfig
	callbackExec  CallbackExecutor
	logger        *zap.Logger
}

// WithTransport supplies a Transport the executor borrows: Close will
// never shut it down.
func WithTransport(t Transport) ExecutorOption {
	return func(b *executorBuild) { b.transport = t }
}

// WithOwnedHTTPTransport builds a fresh (not shared, not borrowed)
// *httpTransport for this executor alone; Close shuts it down.
func WithOwnedHTTPTransport(opts ...TransportOption) ExecutorOption {
	return func(b *executorBuild) {
		b.transport = NewHTTPTransport(opts...)
		b.ownsTransport = true
	}
}

// WithScheduler supplies a Scheduler the executor borrows.
func WithScheduler(s Scheduler) ExecutorOption {
	return func(b *executorBuild) { b.scheduler = s }
}

// WithDefaultHeaders sets the header map propagated to every Open call
// that doesn't override it.
func WithDefaultHeaders(h *Headers) ExecutorOption {
	return func(b *executorBuild) { b.headers = h }
}

// WithDefaultConfig sets the EventSourceConfig propagated by default.
func WithDefaultConfig(cfg EventSourceConfig) ExecutorOption {
	return func(b *executorBuild) { b.cfg = cfg }
}

// WithDefaultCallbackExecutor sets the CallbackExecutor propagated by
// default; nil (the zero value) means inline dispatch.
func WithDefaultCallbackExecutor(ce CallbackExecutor) ExecutorOption {
	return func(b *executorBuild) { b.callbackExec = ce }
}

// WithLogger sets the *zap.Logger propagated to every EventSource.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(b *executorBuild) { b.logger = l }
}

var (
	sharedTransportOnce sync.Once
	sharedTransport     Transport
)

// SharedTransport returns the process-wide singleton Transport used
// when a caller builds an executor without WithTransport. An executor
// using it must not close it (NewSseExecutor arranges this
// automatically).
func SharedTransport() Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = NewHTTPTransport()
	})
	return sharedTransport
}

// NewSseExecutor builds an executor. With no options it borrows the
// process-wide SharedTransport() and owns a fresh NewTimeScheduler().
func NewSseExecutor(opts ...ExecutorOption) *SseExecutor {
	b := &executorBuild{
		cfg: DefaultEventSourceConfig(),
	}
	for _, o := range opts {
		o(b)
	}

	e := &SseExecutor{
		defaultCfg:      b.cfg,
		defaultExecutor: b.callbackExec,
		logger:          b.logger,
	}
	if b.headers != nil {
		e.defaultHeaders = b.headers
	} else {
		e.defaultHeaders = NewHeaders()
	}
	if b.transport != nil {
		e.transport = b.transport
		e.ownsTransport = b.ownsTransport
	} else {
		e.transport = SharedTransport()
		e.ownsTransport = false
	}
	if b.scheduler != nil {
		e.scheduler = b.scheduler
		e.ownsScheduler = false
	} else {
		e.scheduler = NewTimeScheduler()
		e.ownsScheduler = true
	}
	return e
}

// OpenOption overrides a single Open call's defaults.
type OpenOption func(*openBuild)

type openBuild struct {
	headers   *Headers
	cfg       *EventSourceConfig
	strategy  *ParserStrategy
	scheduler Scheduler
	executor  CallbackExecutor
}

// WithHeaders overrides the header map for this subscription only.
// Caller headers still take precedence over the executor's defaults
// for any name present in both.
func WithHeaders(h *Headers) OpenOption {
	return func(b *openBuild) { b.headers = h }
}

// WithConfig overrides the EventSourceConfig for this subscription.
func WithConfig(cfg EventSourceConfig) OpenOption {
	return func(b *openBuild) { b.cfg = &cfg }
}

// WithParserStrategy overrides the parser strategy for this
// subscription.
func WithParserStrategy(s ParserStrategy) OpenOption {
	return func(b *openBuild) { b.strategy = &s }
}

// WithCallbackExecutor overrides the callback executor for this
// subscription.
func WithCallbackExecutor(ce CallbackExecutor) OpenOption {
	return func(b *openBuild) { b.executor = ce }
}

// Open constructs and starts-not-yet an EventSource for uri. Any
// omitted option inherits the executor's default. The returned
// EventSource must still have Start called on it (Open performs no
// I/O).
func (e *SseExecutor) Open(uri string, listener Listener, opts ...OpenOption) *EventSource {
	b := &openBuild{}
	for _, o := range opts {
		o(b)
	}

	headers := e.defaultHeaders
	if b.headers != nil {
		headers = mergeHeaders(e.defaultHeaders, b.headers)
	}
	cfg := e.defaultCfg
	if b.cfg != nil {
		cfg = *b.cfg
	}
	if b.strategy != nil {
		cfg.Strategy = *b.strategy
	}
	callbackExec := e.defaultExecutor
	if b.executor != nil {
		callbackExec = b.executor
	}

	es := newEventSource(uri, headers, listener, cfg, e.transport, e.scheduler, callbackExec, e.logger)

	e.mu.Lock()
	e.sources = append(e.sources, es)
	e.mu.Unlock()

	return es
}

// mergeHeaders returns a copy of base with override's entries applied
// on top (override wins on conflicting names, new insertion order
// entries from override are appended after base's).
func mergeHeaders(base, override *Headers) *Headers {
	h := base.Clone()
	for _, kv := range override.Snapshot() {
		h.Set(kv.Name, kv.Value)
	}
	return h
}

// Close cancels every EventSource this executor opened, and closes the
// Transport if it is owned rather than borrowed; a borrowed Transport is
// left open, the caller retains ownership. The Scheduler, owned or
// borrowed, is not touched: the default time.AfterFunc scheduler holds
// nothing beyond the timers the cancelled sources have stopped.
func (e *SseExecutor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sources := e.sources
	e.sources = nil
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.Info("closing executor", zap.Int("sources", len(sources)))
	}
	for _, es := range sources {
		es.Cancel()
	}

	if e.ownsTransport {
		if c, ok := e.transport.(interface{ Close() }); ok {
			c.Close()
		}
	}
	return nil
}
