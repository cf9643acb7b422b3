package feed

import (
	"errors"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/users"
)

var (
	// ErrValidation indicates a malformed inbound payload.
	ErrValidation = errors.New("feed: invalid event payload")
	// ErrAuthenticationRequired indicates a privileged event on an anonymous connection.
	ErrAuthenticationRequired = errors.New("feed: authentication required")
	// ErrConnectionClosed indicates delivery to a connection that already went away.
	ErrConnectionClosed = errors.New("feed: connection closed")

	errMissingStore = errors.New("feed: comment store is required")
)

// Error codes reported to clients in error events.
const (
	CodeValidation             = "validation_error"
	CodeAuthenticationRequired = "authentication_required"
	CodeUserNotFound           = "user_not_found"
	CodeCommentNotFound        = "comment_not_found"
	CodeStoreUnavailable       = "store_unavailable"
	CodeInternal               = "internal_error"
)

var errorMessages = map[string]string{
	CodeValidation:             "invalid event payload",
	CodeAuthenticationRequired: "log in to post or like comments",
	CodeUserNotFound:           "user does not exist",
	CodeCommentNotFound:        "comment does not exist",
	CodeStoreUnavailable:       "storage temporarily unavailable",
	CodeInternal:               "internal error",
}

// ErrorCode maps an error to its client-facing code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrAuthenticationRequired):
		return CodeAuthenticationRequired
	case errors.Is(err, users.ErrUserNotFound):
		return CodeUserNotFound
	case errors.Is(err, comments.ErrCommentNotFound):
		return CodeCommentNotFound
	case errors.Is(err, comments.ErrStoreUnavailable):
		return CodeStoreUnavailable
	default:
		return CodeInternal
	}
}
