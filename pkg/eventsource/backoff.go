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
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff decides whether a reconnect should be attempted and, if so,
// how long to wait before attempting it.
type Backoff interface {
	// ShouldReconnect reports whether attempt number `attempt` should be
	// made at all. serverHint, if non-nil, is the most recently received
	// server-suggested delay (from a "retry:" field or Retry-After
	// header).
	ShouldReconnect(attempt int, previousDelay time.Duration, serverHint *time.Duration) bool
	// NextDelay returns the non-negative delay to wait before attempt.
	NextDelay(attempt int, previousDelay time.Duration, serverHint *time.Duration) time.Duration
}

// ExponentialJitterBackoff is the default Backoff: an exponentially
// growing delay with uniform jitter, floor-clamped so a server hint of
// zero (or a tiny computed delay) can never busy-loop reconnects.
//
// It is built on cenkalti/backoff's exponential backoff calculator, the
// same library the rest of this codebase's lineage already uses for
// HTTP retry, configured so that NextDelay computes: target = min(Base
// * Factor^(attempt-1), Max), sample in [MinFloor, target], with a
// server hint substituted for the computed target before the final
// clamp.
type ExponentialJitterBackoff struct {
	Base     time.Duration
	Max      time.Duration
	Factor   float64
	MinFloor time.Duration

	// Rand, if non-nil, is used instead of the package-level source.
	// Exposed for deterministic tests.
	Rand *rand.Rand
}

// DefaultExponentialJitterBackoff returns the default tuning:
// base 1000ms, max 30000ms, factor 2.0, floor 250ms.
func DefaultExponentialJitterBackoff() *ExponentialJitterBackoff {
	return &ExponentialJitterBackoff{
		Base:     1000 * time.Millisecond,
		Max:      30000 * time.Millisecond,
		Factor:   2.0,
		MinFloor: 250 * time.Millisecond,
	}
}

func (b *ExponentialJitterBackoff) target(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(b.Base),
		backoff.WithMaxInterval(b.Max),
	)
	// RandomizationFactor is applied by this helper's own jitter sampling
	// below, not by the library: we only use it to walk the exponential
	// sequence deterministically.
	eb.RandomizationFactor = 0
	eb.Multiplier = b.Factor
	eb.Reset()
	d := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	if d == backoff.Stop || d > b.Max {
		d = b.Max
	}
	return d
}

func (b *ExponentialJitterBackoff) clamp(d time.Duration) time.Duration {
	if d < b.MinFloor {
		d = b.MinFloor
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

func (b *ExponentialJitterBackoff) rng() *rand.Rand {
	if b.Rand != nil {
		return b.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter only, not security sensitive
}

// ShouldReconnect always returns true; max-attempt enforcement is the
// ReconnectController's responsibility, not Backoff's.
func (b *ExponentialJitterBackoff) ShouldReconnect(attempt int, previousDelay time.Duration, serverHint *time.Duration) bool {
	return true
}

// NextDelay computes the delay for the given attempt number (1-based).
func (b *ExponentialJitterBackoff) NextDelay(attempt int, previousDelay time.Duration, serverHint *time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	target := b.target(attempt)
	if serverHint != nil {
		return b.clamp(*serverHint)
	}
	if target <= b.MinFloor {
		return b.clamp(target)
	}
	span := int64(target - b.MinFloor)
	sample := b.MinFloor + time.Duration(b.rng().Int63n(span+1))
	return b.clamp(sample)
}

// FixedBackoff reconnects after a constant delay, honoring a server
// hint when present.
type FixedBackoff struct {
	Delay time.Duration
}

func (f FixedBackoff) ShouldReconnect(attempt int, previousDelay time.Duration, serverHint *time.Duration) bool {
	return true
}

func (f FixedBackoff) NextDelay(attempt int, previousDelay time.Duration, serverHint *time.Duration) time.Duration {
	if serverHint != nil {
		if *serverHint < 0 {
			return 0
		}
		return *serverHint
	}
	if f.Delay < 0 {
		return 0
	}
	return f.Delay
}

// NoBackoff disables reconnection entirely: every failure is terminal.
type NoBackoff struct{}

func (NoBackoff) ShouldReconnect(attempt int, previousDelay time.Duration, serverHint *time.Duration) bool {
	return false
}

func (NoBackoff) NextDelay(attempt int, previousDelay time.Duration, serverHint *time.Duration) time.Duration {
	return 0
}
