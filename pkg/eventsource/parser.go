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

import "strings"

// maxRetryDigits bounds the digit scan for the retry field so a
// pathological stream cannot force an unbounded loop before the
// overflow check below would trip anyway.
const maxRetryDigits = 20

// Parser turns already-framed lines (one logical line per call, CR
// already trimmed by the caller) into dispatched events, comments, and
// retry-hint changes. It never allocates a field-name substring: field
// dispatch is done by length-and-prefix comparison against the line
// itself, since data/event/id/retry are the only names that matter and
// an unknown field is simply ignored.
//
// Parser is not safe for concurrent use; it is only ever driven from
// the single EntityConsumer goroutine that owns it.
type Parser struct {
	data strings.Builder
	typ  string
	id   *string // nil = absent; non-nil (possibly "") = explicitly set

	OnEvent       func(id *string, typ, data string)
	OnComment     func(text string)
	OnRetryChange func(ms int64)
}

// NewParser returns a Parser with no callbacks wired; set the exported
// function fields before feeding lines.
func NewParser() *Parser {
	return &Parser{}
}

// Line feeds one line of input. It never returns an error: malformed
// fields (bad retry values, NUL-containing ids) are silently ignored,
// not surfaced as parse failures.
func (p *Parser) Line(line string) {
	if line == "" {
		p.dispatch()
		return
	}
	if line[0] == ':' {
		text := line[1:]
		text = strings.TrimPrefix(text, " ")
		if p.OnComment != nil {
			p.OnComment(text)
		}
		return
	}

	name, value := splitField(line)
	switch name {
	case "data":
		p.data.WriteString(value)
		p.data.WriteByte('\n')
	case "event":
		p.typ = value
	case "id":
		if strings.IndexByte(value, 0) == -1 {
			v := value
			p.id = &v
		}
	case "retry":
		if ms, ok := parseRetryDigits(value); ok {
			if p.OnRetryChange != nil {
				p.OnRetryChange(ms)
			}
		}
	default:
		// unknown field name: ignored
	}
}

// splitField splits "name[: value]" at the first colon, stripping at
// most one leading space from value, without allocating name as a
// fresh string (it is a re-slice of line).
func splitField(line string) (name, value string) {
	idx := strings.IndexByte(line, ':')
	if idx == -1 {
		return line, ""
	}
	name = line[:idx]
	value = line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return name, value
}

// parseRetryDigits parses a non-empty decimal digit sequence into a
// non-negative int64, guarding against overflow by bailing out before
// wrapping rather than accepting a wrapped value.
func parseRetryDigits(s string) (int64, bool) {
	if s == "" || len(s) > maxRetryDigits {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		d := int64(c - '0')
		if n > (1<<63-1-d)/10 {
			return 0, false
		}
		n = n*10 + d
	}
	return n, true
}

func (p *Parser) dispatch() {
	if p.data.Len() == 0 {
		p.typ = ""
		return
	}
	data := p.data.String()
	data = strings.TrimSuffix(data, "\n")
	typ := p.typ
	if typ == "" {
		typ = "message"
	}
	var id *string
	if p.id != nil {
		idCopy := *p.id
		id = &idCopy
	}
	if p.OnEvent != nil {
		p.OnEvent(id, typ, data)
	}
	p.data.Reset()
	p.typ = ""
	// id persists across dispatches until explicitly replaced.
}
