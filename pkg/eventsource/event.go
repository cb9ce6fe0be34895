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

// Package eventsource implements a client-side Server-Sent Events (SSE)
// subsystem: it opens text/event-stream subscriptions over HTTP, parses
// the event-stream wire format, and transparently reconnects with
// configurable backoff while preserving stream position via the
// Last-Event-ID mechanism.
package eventsource

import "net/textproto"

// Event is a single dispatched Server-Sent Event.
type Event struct {
	// ID is the event's identifier, or empty if none was ever seen.
	// It is NOT necessarily the id of this particular event: per the
	// wire format an id persists across events until replaced.
	ID string
	// Type is the event's type; defaults to "message" when the stream
	// never sent an "event:" field for this record.
	Type string
	// Data is the payload, formed by joining every "data:" line in the
	// record with "\n". A trailing newline added during accumulation is
	// stripped before dispatch.
	Data string
}

// Headers is an insertion-ordered, case-insensitive name->value map used
// for outbound request headers. Insertion order is preserved so that
// repeated calls to Set produce stable serialization, matching the
// order a caller configured them in.
type Headers struct {
	order []string
	vals  map[string]string
}

// NewHeaders returns an empty header map.
func NewHeaders() *Headers {
	return &Headers{vals: make(map[string]string)}
}

func canon(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Set inserts or replaces a header value. The first time a name is set
// its position in iteration order is fixed; subsequent Sets of the same
// name (case-insensitively) only update the value.
func (h *Headers) Set(name, value string) {
	key := canon(name)
	if _, ok := h.vals[key]; !ok {
		h.order = append(h.order, key)
	}
	h.vals[key] = value
}

// Remove deletes a header if present.
func (h *Headers) Remove(name string) {
	key := canon(name)
	if _, ok := h.vals[key]; !ok {
		return
	}
	delete(h.vals, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Get returns the value for name and whether it was present.
func (h *Headers) Get(name string) (string, bool) {
	v, ok := h.vals[canon(name)]
	return v, ok
}

// Snapshot returns an insertion-ordered copy of the current headers.
func (h *Headers) Snapshot() []KV {
	out := make([]KV, 0, len(h.order))
	for _, k := range h.order {
		out = append(out, KV{Name: k, Value: h.vals[k]})
	}
	return out
}

// Clone returns a deep, independent copy.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	for _, kv := range h.Snapshot() {
		c.Set(kv.Name, kv.Value)
	}
	return c
}

// KV is a single header name/value pair, used by Headers.Snapshot.
type KV struct {
	Name  string
	Value string
}
