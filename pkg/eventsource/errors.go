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

import "fmt"

// FailureCause describes why on_failure fired.
type FailureCause struct {
	// Err is the underlying error (transport failure, io.EOF for a
	// stream the server ended, etc). For a status failure it describes
	// the status and a short preview of the response body.
	Err error
	// StatusCode is the HTTP status code, if the failure followed a
	// received response (0 otherwise).
	StatusCode int
	// Retryable reports whether this cause, by the taxonomy alone
	// (before consulting Backoff/maxReconnects), could ever permit a
	// reconnect. A false value forces will_reconnect=false regardless
	// of Backoff.
	Retryable bool
	// Reason is a short machine-checkable classification: "transport",
	// "stream-end", "status" or "content-type".
	Reason string
}

func (f *FailureCause) Error() string {
	switch {
	case f.Err != nil && f.StatusCode != 0:
		return fmt.Sprintf("%s: status=%d: %v", f.Reason, f.StatusCode, f.Err)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	case f.StatusCode != 0:
		return fmt.Sprintf("%s: status=%d", f.Reason, f.StatusCode)
	default:
		return f.Reason
	}
}

func (f *FailureCause) Unwrap() error { return f.Err }

func transientCause(reason string, err error) *FailureCause {
	return &FailureCause{Err: err, Retryable: true, Reason: reason}
}

func statusCause(status int, retryable bool) *FailureCause {
	return &FailureCause{StatusCode: status, Retryable: retryable, Reason: "status"}
}

func protocolCause(reason string, err error) *FailureCause {
	return &FailureCause{Err: err, Retryable: false, Reason: reason}
}
