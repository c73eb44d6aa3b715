package permission

import "errors"

// Sentinel errors for broker operations.
var (
	// ErrNotFound is returned when the request ID is unknown or its
	// retention window has passed.
	ErrNotFound = errors.New("permission: request not found")

	// ErrAlreadyDecided is returned when a respond conflicts with an
	// earlier decision.
	ErrAlreadyDecided = errors.New("permission: request already decided")

	// ErrBadDecision is returned when the decision is neither allow nor
	// deny.
	ErrBadDecision = errors.New("permission: decision must be allow or deny")
)
