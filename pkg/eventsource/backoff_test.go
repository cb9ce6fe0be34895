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
	"math/rand"
	"testing"
	"time"
)

func TestExponentialJitterBackoffWithinBounds(t *testing.T) {
	b := &ExponentialJitterBackoff{
		Base:     100 * time.Millisecond,
		Max:      1 * time.Second,
		Factor:   2.0,
		MinFloor: 10 * time.Millisecond,
		Rand:     rand.New(rand.NewSource(1)),
	}
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.NextDelay(attempt, 0, nil)
		if d < b.MinFloor {
			t.Fatalf("attempt %d: delay %v below floor %v", attempt, d, b.MinFloor)
		}
		if d > b.Max {
			t.Fatalf("attempt %d: delay %v above max %v", attempt, d, b.Max)
		}
	}
}

func TestExponentialJitterBackoffGrowsWithAttempt(t *testing.T) {
	b := &ExponentialJitterBackoff{
		Base:     100 * time.Millisecond,
		Max:      30 * time.Second,
		Factor:   2.0,
		MinFloor: 0,
		Rand:     rand.New(rand.NewSource(1)),
	}
	// Sampling jitter makes any single pair noisy; compare the
	// deterministic upper bound (the target itself) instead.
	if t1, t10 := b.target(1), b.target(10); t10 <= t1 {
		t.Fatalf("expected later attempts to have a larger target delay: attempt1=%v attempt10=%v", t1, t10)
	}
}

func TestExponentialJitterBackoffClampsAtMax(t *testing.T) {
	b := &ExponentialJitterBackoff{
		Base:     1 * time.Second,
		Max:      5 * time.Second,
		Factor:   10.0,
		MinFloor: 0,
		Rand:     rand.New(rand.NewSource(1)),
	}
	d := b.NextDelay(20, 0, nil)
	if d > b.Max {
		t.Fatalf("expected delay clamped to max %v, got %v", b.Max, d)
	}
}

func TestExponentialJitterBackoffServerHintOverridesAndIsClamped(t *testing.T) {
	b := DefaultExponentialJitterBackoff()
	tooSmall := 1 * time.Millisecond
	d := b.NextDelay(1, 0, &tooSmall)
	if d != b.MinFloor {
		t.Fatalf("expected a too-small server hint to clamp up to the floor %v, got %v", b.MinFloor, d)
	}

	tooBig := b.Max + time.Hour
	d = b.NextDelay(1, 0, &tooBig)
	if d != b.Max {
		t.Fatalf("expected an oversized server hint to clamp down to max %v, got %v", b.Max, d)
	}
}

func TestExponentialJitterBackoffShouldReconnectAlwaysTrue(t *testing.T) {
	b := DefaultExponentialJitterBackoff()
	if !b.ShouldReconnect(1, 0, nil) {
		t.Fatalf("ExponentialJitterBackoff defers max-attempt enforcement to the caller; ShouldReconnect must always return true")
	}
}

func TestFixedBackoff(t *testing.T) {
	f := FixedBackoff{Delay: 2 * time.Second}
	if d := f.NextDelay(5, 0, nil); d != 2*time.Second {
		t.Fatalf("expected constant delay, got %v", d)
	}
	hint := 3 * time.Second
	if d := f.NextDelay(5, 0, &hint); d != hint {
		t.Fatalf("expected server hint to override fixed delay, got %v", d)
	}
}

func TestNoBackoffNeverReconnects(t *testing.T) {
	n := NoBackoff{}
	if n.ShouldReconnect(1, 0, nil) {
		t.Fatalf("NoBackoff must never allow a reconnect")
	}
}
