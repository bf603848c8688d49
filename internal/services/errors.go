// Package services defines the business logic for message delivery, message
// lifecycle, and the coordinator facade exposed to the HTTP layer.
// This file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Every specific error wraps exactly one of four kinds (ErrNotFound,
// ErrPermissionDenied, ErrInvalidState, ErrTransportUnavailable), so callers
// can branch with errors.Is on the kind alone. Translation into user-facing
// messages or HTTP status codes is performed at the handler layer.
package services

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrNotFound indicates that a user, group, or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied indicates that the caller may not perform the
	// operation (wrong sender, insufficient role, not a member).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidState indicates a malformed request or an operation that is
	// not allowed in the current state (e.g. recall window expired).
	ErrInvalidState = errors.New("invalid state")

	// ErrTransportUnavailable indicates that a live push was attempted against
	// a connection that is no longer open. It is recovered inside the router
	// and never returned to callers of Route.
	ErrTransportUnavailable = errors.New("transport unavailable")
)

// Specific errors.
var (
	ErrSenderNotFound   = fmt.Errorf("sender %w", ErrNotFound)
	ErrReceiverNotFound = fmt.Errorf("receiver %w", ErrNotFound)
	ErrMessageNotFound  = fmt.Errorf("message %w", ErrNotFound)

	ErrNotMember    = fmt.Errorf("%w: sender is not a member of the group", ErrPermissionDenied)
	ErrNotSender    = fmt.Errorf("%w: only the sender may recall a message", ErrPermissionDenied)
	ErrCannotDelete = fmt.Errorf("%w: only the sender or a group admin may delete a message", ErrPermissionDenied)

	ErrInvalidTarget   = fmt.Errorf("%w: exactly one of receiver or group must be set", ErrInvalidState)
	ErrInvalidType     = fmt.Errorf("%w: unknown message type", ErrInvalidState)
	ErrEmptyContent    = fmt.Errorf("%w: message has no content", ErrInvalidState)
	ErrTooLong         = fmt.Errorf("%w: message too long", ErrInvalidState)
	ErrRecallExpired   = fmt.Errorf("%w: recall window expired", ErrInvalidState)
	ErrAlreadyRecalled = fmt.Errorf("%w: message already recalled", ErrInvalidState)
)
