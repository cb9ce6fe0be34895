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
	"bytes"
	"strings"
	"unicode/utf8"
)

// ParserStrategy selects which EntityConsumer implementation an
// EventSource uses to frame incoming bytes into lines.
type ParserStrategy int

const (
	// StrategyByte frames directly on incoming byte buffers, decoding to
	// UTF-8 only when a field value is materialized. This is the
	// default: it avoids a full UTF-8 decode pass over bytes that may
	// never be dispatched (e.g. comment-only keep-alive traffic).
	StrategyByte ParserStrategy = iota
	// StrategyChar cuts chunks at UTF-8 rune boundaries before framing
	// (see CharConsumer).
	StrategyChar
)

const bom = "\xef\xbb\xbf"

// EntityConsumer buffers and line-frames incoming stream bytes, feeding
// complete lines to a Parser and surfacing open/retry lifecycle
// callbacks. Both strategies tolerate arbitrary chunk boundaries,
// including splits inside multi-byte sequences, inside "\r\n", mid-BOM,
// and mid-line.
type EntityConsumer interface {
	// ContentTypeOK reports whether contentType (as received on the
	// initial response) is acceptable; a false result is a fatal,
	// non-retryable error.
	ContentTypeOK(contentType string) bool
	// Consume feeds one chunk of newly-received bytes.
	Consume(chunk []byte) error
	// StreamEnd flushes any pending partial line that is complete
	// enough to dispatch (i.e. terminated by a logical line boundary
	// observed before EOF); a genuinely partial trailing fragment is
	// discarded.
	StreamEnd()
}

// bomStripper strips a leading UTF-8 BOM even when its bytes arrive
// split across separate Consume calls. Shared by both EntityConsumer
// strategies so neither can disagree on BOM handling.
type bomStripper struct {
	pending []byte
	done    bool
}

// strip consumes from buf whatever part of the BOM remains to be seen
// and returns the remainder of buf with any BOM bytes removed.
func (s *bomStripper) strip(buf []byte) []byte {
	if s.done {
		return buf
	}
	s.pending = append(s.pending, buf...)
	bomBytes := []byte(bom)
	if n := len(s.pending); n > 0 && n <= len(bomBytes) && !bytes.HasPrefix(bomBytes, s.pending[:n]) {
		// Already diverges from the BOM's bytes: no need to wait for
		// more, this can never become a BOM.
		rest := s.pending
		s.pending = nil
		s.done = true
		return rest
	}
	if len(s.pending) < len(bomBytes) {
		// Not enough bytes yet to know; withhold everything seen so
		// far. A short final chunk without a BOM is handled by
		// flushPending at stream end.
		return nil
	}
	if string(s.pending[:len(bomBytes)]) == bom {
		rest := s.pending[len(bomBytes):]
		s.pending = nil
		s.done = true
		return rest
	}
	// No BOM present: everything buffered so far is real content.
	rest := s.pending
	s.pending = nil
	s.done = true
	return rest
}

// flushPending returns any bytes withheld while waiting to see whether
// they formed a BOM, for callers that reach stream end before
// accumulating len(bom) bytes.
func (s *bomStripper) flushPending() []byte {
	if s.done {
		return nil
	}
	s.done = true
	p := s.pending
	s.pending = nil
	return p
}

// lineFramer splits a byte stream into logical lines on "\n", "\r\n",
// or a lone "\r", tolerating splits anywhere across chunk boundaries.
type lineFramer struct {
	buf []byte
	// sawCR is cleared after each '\n' but never set; a trailing '\r'
	// whose following byte hasn't arrived yet is instead kept as the
	// last byte of buf until the next feed or flush.
	sawCR bool
}

// feed appends data and passes each complete line found so far
// (without terminators) to emit; remaining partial bytes stay buffered.
func (lf *lineFramer) feed(data []byte, emit func(line []byte)) {
	lf.buf = append(lf.buf, data...)
	start := 0
	i := 0
	for i < len(lf.buf) {
		c := lf.buf[i]
		if c == '\n' {
			line := lf.buf[start:i]
			line = trimCR(line)
			emit(line)
			i++
			start = i
			lf.sawCR = false
			continue
		}
		if c == '\r' {
			if i+1 < len(lf.buf) {
				// Lookahead available: if it's '\n' let the '\n' branch
				// consume the pair; otherwise this '\r' alone
				// terminates the line.
				if lf.buf[i+1] == '\n' {
					i++
					continue
				}
				emit(lf.buf[start:i])
				i++
				start = i
				continue
			}
			// '\r' is the last byte we have; we can't yet tell whether
			// a '\n' will follow. Stop here and wait for more data.
			break
		}
		i++
	}
	lf.buf = lf.buf[start:]
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}

// flush returns any remaining buffered bytes as a final line if they
// form a complete logical line (i.e. the stream ended right after a
// bare trailing '\r', which did terminate a line); a genuinely partial
// trailing fragment (no terminator ever seen) is discarded silently.
func (lf *lineFramer) flush(emit func(line []byte)) {
	if len(lf.buf) == 0 {
		return
	}
	// A trailing '\r' held back in case '\n' followed: since the
	// stream ended, it did terminate the line before it.
	if lf.buf[len(lf.buf)-1] == '\r' {
		emit(lf.buf[:len(lf.buf)-1])
		lf.buf = nil
		return
	}
	// Anything else buffered never reached a line boundary: discard.
	lf.buf = nil
}

// ByteConsumer is the default EntityConsumer: it operates on raw bytes,
// decoding to UTF-8 only when Parser materializes a field value.
type ByteConsumer struct {
	parser     *Parser
	allowed    func(string) bool
	bom        bomStripper
	framer     lineFramer
	opened     bool
	onOpen     func()
	onRetry    func(int64)
}

// NewByteConsumer wires parser, an open callback, and a retry callback
// into a new byte-strategy consumer. allowedContentType reports whether
// a given Content-Type is acceptable.
func NewByteConsumer(parser *Parser, allowedContentType func(string) bool, onOpen func(), onRetry func(int64)) *ByteConsumer {
	c := &ByteConsumer{parser: parser, allowed: allowedContentType, onOpen: onOpen, onRetry: onRetry}
	parser.OnRetryChange = func(ms int64) {
		if c.onRetry != nil {
			c.onRetry(ms)
		}
	}
	return c
}

func (c *ByteConsumer) ContentTypeOK(contentType string) bool {
	if c.allowed == nil {
		return strings.HasPrefix(strings.ToLower(contentType), "text/event-stream")
	}
	return c.allowed(contentType)
}

func (c *ByteConsumer) Consume(chunk []byte) error {
	rest := c.bom.strip(chunk)
	if rest == nil {
		return nil
	}
	if !c.opened && len(rest) > 0 {
		c.opened = true
		if c.onOpen != nil {
			c.onOpen()
		}
	}
	c.framer.feed(rest, func(line []byte) {
		c.parser.Line(string(line))
	})
	return nil
}

func (c *ByteConsumer) StreamEnd() {
	if rest := c.bom.flushPending(); len(rest) > 0 {
		if !c.opened {
			c.opened = true
			if c.onOpen != nil {
				c.onOpen()
			}
		}
		c.framer.feed(rest, func(line []byte) {
			c.parser.Line(string(line))
		})
	}
	c.framer.flush(func(line []byte) {
		c.parser.Line(string(line))
	})
}

// CharConsumer cuts incoming bytes at complete UTF-8 rune boundaries,
// holding back a trailing partial multi-byte sequence until the next
// chunk, and hands the rest to an embedded ByteConsumer for line
// framing. It does not decode the stream into runes or a separate
// character buffer; line separators are never ambiguous in valid
// UTF-8, so the two strategies are observably equivalent and
// interchangeable.
type CharConsumer struct {
	*ByteConsumer
	decodeBuf []byte
}

// NewCharConsumer wires a char-strategy consumer with the same
// callback shape as NewByteConsumer.
func NewCharConsumer(parser *Parser, allowedContentType func(string) bool, onOpen func(), onRetry func(int64)) *CharConsumer {
	return &CharConsumer{ByteConsumer: NewByteConsumer(parser, allowedContentType, onOpen, onRetry)}
}

func (c *CharConsumer) Consume(chunk []byte) error {
	c.decodeBuf = append(c.decodeBuf, chunk...)
	cut := lastCompleteRuneBoundary(c.decodeBuf)
	ready := c.decodeBuf[:cut]
	c.decodeBuf = append([]byte(nil), c.decodeBuf[cut:]...)
	return c.ByteConsumer.Consume(ready)
}

// lastCompleteRuneBoundary returns the largest prefix length of buf
// that ends on a complete UTF-8 rune boundary, holding back a trailing
// partial multi-byte sequence (if any) for the next call.
func lastCompleteRuneBoundary(buf []byte) int {
	n := len(buf)
	limit := utf8.UTFMax
	if limit > n {
		limit = n
	}
	for back := 1; back <= limit; back++ {
		b := buf[n-back]
		if utf8.RuneStart(b) {
			if !utf8.FullRune(buf[n-back:]) {
				return n - back
			}
			return n
		}
	}
	return n
}

func (c *CharConsumer) StreamEnd() {
	if len(c.decodeBuf) > 0 {
		_ = c.ByteConsumer.Consume(c.decodeBuf)
		c.decodeBuf = nil
	}
	c.ByteConsumer.StreamEnd()
}
