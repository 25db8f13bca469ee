package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost is returned when a lease-guarded write matched no row,
	// meaning the caller no longer holds the job
	ErrLeaseLost = errors.New("job lease lost or job not in a running phase")

	// ErrResourceNotFound is returned when the resource key is unknown upstream
	// or in the canonical store
	ErrResourceNotFound = errors.New("resource not found")

	// ErrInvalidKind is returned when a job kind is not full or partial
	ErrInvalidKind = errors.New("invalid job kind")

	// ErrInvalidScope is returned when org id or resource key is empty
	ErrInvalidScope = errors.New("org id and resource key are required")

	// ErrInvalidTransition is returned when a write would leave the phase graph
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// PermanentError wraps errors caused by logically invalid inputs. Retrying
// them cannot succeed.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new permanent error
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its chain
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}
