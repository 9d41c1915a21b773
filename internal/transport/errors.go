package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/odyssey-erp/odyssey-console/internal/platform/httpx"
)

// ErrNotFound indicates the backend has no such item.
var ErrNotFound = errors.New("transport: not found")

// TransportError reports a failed call to the resource backend.
type TransportError struct {
	Kind   string
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transport: %s %s: status %d: %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets callers treat transport errors as upstream failures, and 404s as
// not-found.
func (e *TransportError) Is(target error) bool {
	switch target {
	case httpx.ErrUpstream:
		return e.Status == 0 || e.Status >= http.StatusInternalServerError
	case httpx.ErrNotFound, ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// ValidationError carries field-level errors returned by a mutation. It is
// passed through untouched to form-layer callers.
type ValidationError struct {
	Fields map[string]string `json:"errors"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "transport: validation failed: " + strings.Join(parts, "; ")
}

// FieldErrors implements httpx.FieldErrors.
func (e *ValidationError) FieldErrors() map[string]string { return e.Fields }

// IsValidation reports whether err carries field errors.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
