package intake

import (
	"errors"
	"fmt"
)

// ValidationError is reported synchronously; no backend call was made and no
// record changed state.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

var (
	// ErrNothingToSubmit means Submit found no pending record.
	ErrNothingToSubmit = &ValidationError{Message: "no pending files to submit"}
	// ErrUnknownRecord means the local id is not in the collection.
	ErrUnknownRecord = errors.New("unknown file record")
)

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
