package services

import (
	"fmt"
	"strings"
)

// FileFailure names one file of a batch and why it was rejected.
type FileFailure struct {
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"`
}

// BatchError rejects a batch as a whole. Kind is a common sentinel so callers
// can match it with errors.Is; Failures lists the offending files, if any.
type BatchError struct {
	Kind     error
	Message  string
	Failures []FileFailure
}

func (e *BatchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", f.ClientID, f.Reason)
	}
	return b.String()
}

func (e *BatchError) Unwrap() error { return e.Kind }
