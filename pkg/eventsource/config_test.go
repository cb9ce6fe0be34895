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
	"testing"
	"time"
)

func TestInlineExecutorRunsSynchronously(t *testing.T) {
	ran := false
	InlineExecutor{}.Submit(func() { ran = true })
	if !ran {
		t.Fatal("InlineExecutor.Submit must run fn before returning")
	}
}

func TestSerialExecutorPreservesSubmissionOrder(t *testing.T) {
	e := NewSerialExecutor(4, OverflowBlock)
	defer e.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		e.Submit(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("expected submission order to be preserved, got %+v", order)
		}
	}
}

func TestSerialExecutorDropOldestOverflowNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	e := NewSerialExecutor(1, OverflowDropOldest)
	defer e.Stop()

	var started sync.WaitGroup
	started.Add(1)
	e.Submit(func() {
		started.Done()
		<-release // hold the single drain goroutine busy
	})
	started.Wait()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Submit(func() {})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OverflowDropOldest must never block the sender even with a full queue")
	}
	close(release)
}

func TestConfigContentTypeAllowedDefaultsToEventStreamOnly(t *testing.T) {
	cfg := DefaultEventSourceConfig()
	if !cfg.contentTypeAllowed("text/event-stream; charset=utf-8") {
		t.Fatal("expected text/event-stream (with parameters) to be allowed by default")
	}
	if cfg.contentTypeAllowed("application/json") {
		t.Fatal("expected application/json to be rejected by default")
	}
}

func TestConfigContentTypeAllowListOverride(t *testing.T) {
	cfg := DefaultEventSourceConfig()
	cfg.AllowedContentTypes = []string{"application/json", "text/event-stream"}
	if !cfg.contentTypeAllowed("application/json") {
		t.Fatal("expected the configured allow-list to accept application/json")
	}
}

func TestConfigBackoffOrDefaultFallsBackWhenNil(t *testing.T) {
	cfg := EventSourceConfig{}
	if _, ok := cfg.backoffOrDefault().(*ExponentialJitterBackoff); !ok {
		t.Fatalf("expected a nil Backoff to fall back to the default ExponentialJitterBackoff, got %T", cfg.backoffOrDefault())
	}
}
