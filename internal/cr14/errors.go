package cr14

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoTag means no tag answered INITIATE.
	ErrNoTag = errors.New("cr14: no tag in field")

	// ErrChecksumCollision means a reply failed its CRC: several tags
	// answered at once. The anti-collision pass is retried.
	ErrChecksumCollision = errors.New("cr14: checksum mismatch, collision")

	// ErrTagDeparted means the selected tag stopped answering.
	ErrTagDeparted = errors.New("cr14: tag left the field")

	// ErrTooManyRounds ends a pass that keeps seeing collisions.
	ErrTooManyRounds = errors.New("cr14: anti-collision did not settle")

	ErrST25R   = errors.New("cr14: device is an ST25R, not a CR14")
	ErrNotCR14 = errors.New("cr14: device does not look like a CR14")
)

// BusError is a failed register access during a chip step.
type BusError struct {
	Step string
	Err  error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("cr14: %s: %v", e.Step, e.Err)
}

func (e *BusError) Unwrap() error { return e.Err }
func (e *BusError) Cause() error  { return e.Err }

// MalformedReply is a frame whose length byte does not match the command.
type MalformedReply struct {
	Step   string
	Length byte
	Want   int
	Detail string
}

func (e *MalformedReply) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("cr14: %s: malformed reply: %s", e.Step, e.Detail)
	}
	return fmt.Sprintf("cr14: %s: malformed reply: expected %d bytes, got length %d", e.Step, e.Want, e.Length)
}

// IsRetryable reports whether err should restart the anti-collision pass.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChecksumCollision) || errors.Is(err, ErrTagDeparted)
}

// IsBusError reports whether err is a failed register access.
func IsBusError(err error) bool {
	var be *BusError
	return errors.As(err, &be)
}

// IsMalformed reports whether err is an unexpected reply length.
func IsMalformed(err error) bool {
	var me *MalformedReply
	return errors.As(err, &me)
}
