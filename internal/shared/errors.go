package shared

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-console/internal/platform/httpx"
)

// Sentinels wrap the httpx ones so httpx.RespondError maps them directly.
var (
	ErrNotFound           = fmt.Errorf("shared: %w", httpx.ErrNotFound)
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", httpx.ErrUnauthorized)
	// ErrCSRFTokenMissing occurs when a mutating request carries no token.
	ErrCSRFTokenMissing = fmt.Errorf("csrf token missing: %w", httpx.ErrForbidden)
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = fmt.Errorf("csrf token mismatch: %w", httpx.ErrForbidden)
)
