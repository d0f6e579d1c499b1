package sessions

import "github.com/pkg/errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrTimelineNotFound = errors.New("timeline not found")
	ErrTurnNotFound     = errors.New("turn not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrStepNotFound     = errors.New("step not found")

	ErrVersionOutOfRange  = errors.New("version index out of range")
	ErrReservedIDMismatch = errors.New("output message id does not match reservation")
)
