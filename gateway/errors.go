package gateway

import (
	"errors"
	"fmt"
)

// ErrCredentialMissing means a provider that requires a credential was
// invoked without one; the network call is never attempted.
var ErrCredentialMissing = errors.New("missing credential")

// ErrTimeout means the local per-call deadline won the race against the
// network call. Distinct from a backend-reported error.
var ErrTimeout = errors.New("AI request timed out")

// BackendError is a non-2xx status or an explicit error payload from a
// backend. Raw payloads are never shown to users directly; Error keeps the
// message short and named.
type BackendError struct {
	Provider string
	Status   int
	Message  string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s backend returned status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s backend error: %s", e.Provider, e.Message)
}
