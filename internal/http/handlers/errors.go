package handlers

// Stable error codes returned in ErrorResponse.Code. Clients branch on these,
// not on messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// Message lifecycle.
	ErrCodeRecallExpired = "recall_expired"
	ErrCodeSendFailed    = "send_failed"
	ErrCodeListFailed    = "list_failed"
)
