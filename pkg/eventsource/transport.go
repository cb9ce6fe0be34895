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
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Request is the outbound request the subsystem asks a Transport to
// perform: a GET against uri carrying headers and no body.
type Request struct {
	URI     string
	Headers *Headers
}

// Response is what a Transport hands back once the response headers
// are available; Body is streamed by the caller, not the Transport.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport is the async HTTP collaborator the subsystem consumes; its
// connection pooling, TLS, and HTTP/2 negotiation are explicitly out of
// scope for this module. Do must respect ctx cancellation as the
// abort mechanism for an in-flight response.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// httpTransport is the default Transport, built on net/http.Client. It
// is the concrete collaborator used by default: no HTTP/2 assumption
// is required of it beyond what net/http/Transport already negotiates
// via ALPN.
type httpTransport struct {
	client      *http.Client
	tokenSource oauth2.TokenSource
	userAgent   string
}

// TransportOption configures an httpTransport built by NewHTTPTransport.
type TransportOption func(*httpTransport)

// WithHTTPClient overrides the *http.Client used for requests. The
// caller retains ownership of c; Close still calls
// c.CloseIdleConnections, which drops its idle pooled connections but
// leaves c usable.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *httpTransport) { t.client = c }
}

// WithTokenSource attaches an oauth2.TokenSource whose current token is
// set as a Bearer Authorization header on every request, including
// every reconnect.
func WithTokenSource(ts oauth2.TokenSource) TransportOption {
	return func(t *httpTransport) { t.tokenSource = ts }
}

// WithUserAgent sets the default User-Agent sent when the caller did
// not already set one, mirroring sse.go's "go-sse-client/1.0" default.
func WithUserAgent(ua string) TransportOption {
	return func(t *httpTransport) { t.userAgent = ua }
}

// NewHTTPTransport builds the default Transport. With no options it
// uses an *http.Client with no overall Timeout, since a long-idle SSE
// stream is the norm and a blanket timeout would kill it.
func NewHTTPTransport(opts ...TransportOption) Transport {
	t := &httpTransport{
		client:    &http.Client{},
		userAgent: "go-eventsource/1.0",
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Close releases idle connections held by the underlying *http.Client.
// Only meaningful when this transport is owned (not borrowed) by an
// SseExecutor; see SseExecutor.Close.
func (t *httpTransport) Close() {
	t.client.CloseIdleConnections()
}

func (t *httpTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URI, nil)
	if err != nil {
		return nil, err
	}
	for _, kv := range req.Headers.Snapshot() {
		httpReq.Header.Set(kv.Name, kv.Value)
	}
	if httpReq.Header.Get("User-Agent") == "" && t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	if t.tokenSource != nil {
		tok, err := t.tokenSource.Token()
		if err != nil {
			return nil, err
		}
		tok.SetAuthHeader(httpReq)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// Scheduler executes a zero-argument task after a delay and supports
// cancelling a pending task. It is assumed thread-safe.
type Scheduler interface {
	// Schedule runs fn after d elapses, unless the returned cancel func
	// is called first. cancel is idempotent and safe to call after fn
	// has already fired (it is then a no-op).
	Schedule(d time.Duration, fn func()) (cancel func())
}

// timeScheduler is the default Scheduler, built on time.AfterFunc.
type timeScheduler struct{}

// NewTimeScheduler returns the default time.AfterFunc-based Scheduler.
func NewTimeScheduler() Scheduler { return timeScheduler{} }

func (timeScheduler) Schedule(d time.Duration, fn func()) (cancel func()) {
	if d <= 0 {
		d = 0
	}
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
