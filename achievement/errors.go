package achievement

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTrigger is a validation error: the trigger type is not part
	// of the closed set.
	ErrUnknownTrigger = errors.New("unknown trigger type")
	// ErrInvalidPayload is a validation error for a malformed trigger payload.
	ErrInvalidPayload = errors.New("invalid trigger payload")

	ErrAchievementNotFound = errors.New("achievement not found")
	ErrInvalidCatalog      = errors.New("invalid achievement catalog")
)

// CatalogError points at the offending catalog entry.
type CatalogError struct {
	Index int
	ID    string
	Msg   string
}

func (e *CatalogError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("achievements[%d]: %s", e.Index, e.Msg)
	}
	return fmt.Sprintf("achievements[%d] %q: %s", e.Index, e.ID, e.Msg)
}

func (e *CatalogError) Unwrap() error { return ErrInvalidCatalog }

// IsValidationError returns true for trigger input rejected before any I/O.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrUnknownTrigger) || errors.Is(err, ErrInvalidPayload)
}
