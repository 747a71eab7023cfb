// Package bus provides register-level access to the reader chip.
//
// A Bus moves bytes to and from a register address of a single I2C target.
// Implementations exist for the Linux i2c-dev interface and for the Microchip
// MCP2221 USB bridge; the cr14 package also provides an in-process simulator.
package bus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Bus is the register transaction primitive used by the chip driver.
type Bus interface {
	// WriteRegister performs one write transaction: reg followed by data.
	// A nil data slice writes the register address alone.
	WriteRegister(reg byte, data []byte) error

	// ReadRegister writes reg and reads len(buf) bytes with a repeated start.
	ReadRegister(reg byte, buf []byte) error

	// Close releases the underlying device.
	Close() error
}

// Error codes
const (
	ErrCodeWrite     = -0x201
	ErrCodeRead      = -0x202
	ErrCodeNack      = -0x203
	ErrCodeTimeout   = -0x204
	ErrCodeShortRead = -0x205
	ErrCodeClosed    = -0x206
)

var (
	// ErrUnsupported is returned by transports not compiled into this binary.
	ErrUnsupported = errors.New("bus: transport not supported by this build")

	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = NewClosedError()
)

// Error is a failed register transaction.
type Error struct {
	code     int
	Op       string
	Register byte
	cause    error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("bus: %s register 0x%02x failed", e.Op, e.Register)
	}
	return fmt.Sprintf("bus: %s register 0x%02x: %v", e.Op, e.Register, e.cause)
}

// Code returns the numeric error code.
func (e *Error) Code() int {
	return e.code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Cause is used by github.com/pkg/errors.Cause.
func (e *Error) Cause() error {
	return e.cause
}

// IsTransient reports whether the transaction may succeed if retried.
// The CR14 NACKs its frame register while a command is still in progress.
func (e *Error) IsTransient() bool {
	return e.code == ErrCodeNack || e.code == ErrCodeTimeout
}

func NewWriteError(reg byte, cause error) error {
	return &Error{code: ErrCodeWrite, Op: "write", Register: reg, cause: cause}
}

func NewReadError(reg byte, cause error) error {
	return &Error{code: ErrCodeRead, Op: "read", Register: reg, cause: cause}
}

func NewNackError(op string, reg byte, cause error) error {
	return &Error{code: ErrCodeNack, Op: op, Register: reg, cause: cause}
}

func NewTimeoutError(op string, reg byte, cause error) error {
	return &Error{code: ErrCodeTimeout, Op: op, Register: reg, cause: cause}
}

func NewShortReadError(reg byte, want, got int) error {
	return &Error{
		code:     ErrCodeShortRead,
		Op:       "read",
		Register: reg,
		cause:    errors.Errorf("short read: requested %d bytes, got %d", want, got),
	}
}

func NewClosedError() error {
	return &Error{code: ErrCodeClosed, Op: "access", cause: errors.New("bus closed")}
}

// IsTransient checks if err is a bus error that may succeed on retry.
func IsTransient(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.IsTransient()
}

// IsBusError checks if err originates from a register transaction.
func IsBusError(err error) bool {
	var be *Error
	return errors.As(err, &be)
}
