package vectorindex

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection matches every *ConnectionError. Operations failing with it
	// may be retried on a new connection.
	ErrConnection = errors.New("vector index unavailable")
	// ErrInvalid marks requests the index rejected as malformed. Retrying
	// them will not help.
	ErrInvalid = errors.New("vector index rejected request")
	// ErrNotFound is returned by Get when no record has the id.
	ErrNotFound = errors.New("vector record not found")
)

// ConnectionError wraps a transient failure talking to the index.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("vector index %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// wrap classifies err for op. Errors that are already classified pass through.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrInvalid) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}
