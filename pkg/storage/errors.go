package storage

import (
	"errors"
	"fmt"

	serverErrors "github.com/openfga/twinguard/pkg/server/errors"
)

var (
	// ErrNotFound if the entity, its policy or the addressed part of a twin does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable if the backend cannot be reached. Operations failing with
	// it may be retried.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrCollision if a concurrent writer changed the twin first.
	ErrCollision = errors.New("item already exists")

	// ErrInvalidDocument if a command payload cannot be applied to a twin.
	ErrInvalidDocument = errors.New("invalid twin document")
)

// Unavailable wraps cause so that it matches ErrUnavailable.
func Unavailable(cause error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, cause)
}

// TwinError translates a twin store failure into the error a caller receives.
func TwinError(entityID string, err error) *serverErrors.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return serverErrors.TwinNotFound(entityID)
	case errors.Is(err, ErrUnavailable):
		return serverErrors.Transient(err, "the twin store")
	case errors.Is(err, ErrInvalidDocument):
		return serverErrors.MalformedCommand(err)
	default:
		return serverErrors.HandleError("", err)
	}
}
