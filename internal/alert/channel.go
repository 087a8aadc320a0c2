package alert

import (
	"context"
	"errors"

	"github.com/rcliao/care-companion/internal/model"
)

// Message is the channel-independent content of one delivery.
type Message struct {
	Kind     model.AlertKind
	Severity model.Severity
	Title    string
	Body     string
}

// Channel delivers messages over one transport. Errors are transient unless
// wrapped in a PermanentError.
type Channel interface {
	Name() model.Channel
	Send(ctx context.Context, address string, msg Message) (providerID string, err error)
}

// PermanentError marks a failure that retrying cannot fix, such as an
// invalid recipient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent delivery failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is, or wraps, a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
