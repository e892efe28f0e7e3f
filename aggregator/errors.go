package aggregator

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyTransformed is returned when a sensor transform would be applied
// to a stamped cloud a second time. Applying a rigid transform twice corrupts
// the points, so the transformed flag makes the operation exactly-once.
var ErrAlreadyTransformed = errors.New("stamped point cloud already has its sensor transform applied")

// ErrStreamClosed is returned for operations on a stream manager that has
// been closed.
var ErrStreamClosed = errors.New("stream manager is closed")

type unknownSourceError struct {
	sourceID string
}

func (e *unknownSourceError) Error() string {
	return fmt.Sprintf("no point cloud stream registered for source %q", e.sourceID)
}

// NewUnknownSourceError returns an error for an operation that referenced a
// source identifier with no registered stream.
func NewUnknownSourceError(sourceID string) error {
	return &unknownSourceError{sourceID: sourceID}
}

// IsUnknownSourceError returns if the given error is any kind of unknown
// source error.
func IsUnknownSourceError(err error) bool {
	var use *unknownSourceError
	return errors.As(err, &use)
}
