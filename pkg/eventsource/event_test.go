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

func TestHeadersInsertionOrderPreservedOnUpdate(t *testing.T) {
	h := NewHeaders()
	h.Set("Accept", "text/event-stream")
	h.Set("X-Custom", "1")
	h.Set("accept", "text/plain")

	got := h.Snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 headers after case-insensitive overwrite, got %d: %+v", len(got), got)
	}
	if got[0].Name != "Accept" || got[0].Value != "text/plain" {
		t.Fatalf("expected Accept to keep its original position and take the new value, got %+v", got[0])
	}
	if got[1].Name != "X-Custom" {
		t.Fatalf("expected X-Custom second, got %+v", got[1])
	}
}

func TestHeadersRemove(t *testing.T) {
	h := NewHeaders()
	h.Set("A", "1")
	h.Set("B", "2")
	h.Remove("a")

	got := h.Snapshot()
	if len(got) != 1 || got[0].Name != "B" {
		t.Fatalf("expected only B to remain, got %+v", got)
	}
}

func TestHeadersClone(t *testing.T) {
	h := NewHeaders()
	h.Set("A", "1")
	c := h.Clone()
	c.Set("A", "2")
	c.Set("B", "3")

	if v, _ := h.Get("A"); v != "1" {
		t.Fatalf("mutating the clone must not affect the original, got %q", v)
	}
	if _, ok := h.Get("B"); ok {
		t.Fatalf("original must not see headers added only to the clone")
	}
}
