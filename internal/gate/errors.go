package gate

import (
	"errors"

	"github.com/rpggio/outpost/internal/domain/activity"
	"github.com/rpggio/outpost/internal/domain/session"
	"github.com/rpggio/outpost/internal/queue"
	"github.com/rpggio/outpost/internal/repository"
	"github.com/rpggio/outpost/internal/transport"
)

// ErrSyncDisabled is returned for sync requests when no engine is running.
var ErrSyncDisabled = errors.New("sync engine disabled")

// MapError maps domain errors to gate error codes.
func MapError(err error) transport.ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, activity.ErrSafetyBlock):
		return transport.CodeSafetyBlock
	case errors.Is(err, activity.ErrValidation),
		errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, transport.ErrInvalidMessage),
		errors.Is(err, transport.ErrFrameTooLarge):
		return transport.CodeValidation
	case errors.Is(err, repository.ErrStoreCorrupt):
		return transport.CodeStoreCorrupt
	case errors.Is(err, repository.ErrStoreUnavailable),
		errors.Is(err, queue.ErrClosed),
		errors.Is(err, queue.ErrFull):
		return transport.CodeStoreUnavailable
	case errors.Is(err, ErrSyncDisabled):
		return transport.CodeServiceUnavailable
	case errors.Is(err, transport.ErrUnauthorized):
		return transport.CodeUnauthorized
	default:
		return transport.CodeInternal
	}
}

// errorResponse builds the failure response for err. Internal errors do not
// leak their text to clients.
func errorResponse(correlationID string, err error, data any) transport.Response {
	code := MapError(err)
	msg := err.Error()
	if code == transport.CodeInternal {
		msg = "internal error"
	}
	return transport.NewError(correlationID, code, msg, data)
}
