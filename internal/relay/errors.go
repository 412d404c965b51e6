package relay

import "errors"

var (
	// ErrValidation rejects a single malformed inbound message.
	ErrValidation = errors.New("validation")
	// ErrUnauthorizedRoom rejects presence for a room the sender never joined.
	ErrUnauthorizedRoom = errors.New("unauthorized room publish")
	// ErrUnknownConnection is returned for ids the registry doesn't hold.
	ErrUnknownConnection = errors.New("unknown connection")
)

// errorKind maps an error to the short kind sent back in error notices
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorizedRoom):
		return "unauthorizedRoom"
	case errors.Is(err, ErrUnknownConnection):
		return "unknownConnection"
	default:
		return "internal"
	}
}
