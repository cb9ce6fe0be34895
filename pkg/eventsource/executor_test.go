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

import "testing"

func TestSseExecutorOpenInheritsDefaultsWhenOmitted(t *testing.T) {
	transport := &fakeTransport{}
	defaults := NewHeaders()
	defaults.Set("X-Tenant", "acme")
	cfg := DefaultEventSourceConfig()
	cfg.MaxReconnects = 3

	exec := NewSseExecutor(
		WithTransport(transport),
		WithScheduler(fakeScheduler{}),
		WithDefaultHeaders(defaults),
		WithDefaultConfig(cfg),
	)
	defer exec.Close()

	es := exec.Open("http://example.invalid/a", nil)
	if got := es.HeadersSnapshot(); len(got) != 1 || got[0].Name != "X-Tenant" || got[0].Value != "acme" {
		t.Fatalf("expected the executor's default headers to be inherited, got %+v", got)
	}
}

func TestSseExecutorOpenOverridesMergeWithoutMutatingDefaults(t *testing.T) {
	transport := &fakeTransport{}
	defaults := NewHeaders()
	defaults.Set("X-Tenant", "acme")
	defaults.Set("X-Common", "base")

	exec := NewSseExecutor(WithTransport(transport), WithScheduler(fakeScheduler{}), WithDefaultHeaders(defaults))
	defer exec.Close()

	override := NewHeaders()
	override.Set("X-Common", "override")
	override.Set("X-Only-Call", "1")

	es := exec.Open("http://example.invalid/a", nil, WithHeaders(override))
	got := map[string]string{}
	for _, kv := range es.HeadersSnapshot() {
		got[kv.Name] = kv.Value
	}
	if got["X-Tenant"] != "acme" {
		t.Fatalf("expected the executor default to survive a per-call override, got %+v", got)
	}
	if got["X-Common"] != "override" {
		t.Fatalf("expected the per-call header to win on conflict, got %+v", got)
	}
	if got["X-Only-Call"] != "1" {
		t.Fatalf("expected the per-call-only header to be present, got %+v", got)
	}

	// A second Open call without an override must still see the
	// executor's unmodified defaults.
	es2 := exec.Open("http://example.invalid/b", nil)
	got2 := map[string]string{}
	for _, kv := range es2.HeadersSnapshot() {
		got2[kv.Name] = kv.Value
	}
	if got2["X-Common"] != "base" {
		t.Fatalf("the first Open's merge must not have mutated the executor's shared defaults, got %+v", got2)
	}
}

func TestSseExecutorOpenPerCallConfigOverridesExecutorDefault(t *testing.T) {
	transport := &fakeTransport{}
	exec := NewSseExecutor(WithTransport(transport), WithScheduler(fakeScheduler{}))
	defer exec.Close()

	override := DefaultEventSourceConfig()
	override.MaxReconnects = 0
	override.Strategy = StrategyChar

	es := exec.Open("http://example.invalid/a", nil, WithConfig(override))
	if es.cfg.MaxReconnects != 0 || es.cfg.Strategy != StrategyChar {
		t.Fatalf("expected the per-call config override to apply, got %+v", es.cfg)
	}

	es2 := exec.Open("http://example.invalid/b", nil)
	if es2.cfg.MaxReconnects != -1 {
		t.Fatalf("expected the unmodified executor default (unlimited reconnects) for a call without an override, got %+v", es2.cfg)
	}
}

func TestSseExecutorCloseCancelsEveryOpenedSource(t *testing.T) {
	transport := &fakeTransport{} // never answers, so sources stay pending until Close cancels them
	exec := NewSseExecutor(WithTransport(transport), WithScheduler(fakeScheduler{}))

	l1, l2 := newRecordingListener(), newRecordingListener()
	es1 := exec.Open("http://example.invalid/a", l1)
	es2 := exec.Open("http://example.invalid/b", l2)
	es1.Start()
	es2.Start()

	if err := exec.Close(); err != nil {
		t.Fatalf("Close returned an error: %v", err)
	}
	l1.waitClosed(t)
	l2.waitClosed(t)

	// Close is itself idempotent.
	if err := exec.Close(); err != nil {
		t.Fatalf("second Close returned an error: %v", err)
	}
}

func TestSseExecutorCloseWithOwnedHTTPTransport(t *testing.T) {
	exec := NewSseExecutor(WithOwnedHTTPTransport(), WithScheduler(fakeScheduler{}))
	if _, ok := exec.transport.(*httpTransport); !ok {
		t.Fatalf("expected an owned *httpTransport, got %T", exec.transport)
	}
	if err := exec.Close(); err != nil {
		t.Fatalf("Close returned an error: %v", err)
	}
}

func TestSseExecutorBorrowedTransportNotClosed(t *testing.T) {
	var closeCalls int
	borrowed := &closeTrackingTransport{fakeTransport: &fakeTransport{}, onClose: func() { closeCalls++ }}
	exec := NewSseExecutor(WithTransport(borrowed), WithScheduler(fakeScheduler{}))
	if err := exec.Close(); err != nil {
		t.Fatalf("Close returned an error: %v", err)
	}
	if closeCalls != 0 {
		t.Fatalf("a borrowed transport must never be closed by the executor, got %d Close calls", closeCalls)
	}
}

// closeTrackingTransport wraps fakeTransport with a Close method so it
// satisfies the optional `interface{ Close() }` SseExecutor.Close probes
// for, letting the borrowed-vs-owned test assert on call count.
type closeTrackingTransport struct {
	*fakeTransport
	onClose func()
}

func (t *closeTrackingTransport) Close() { t.onClose() }
