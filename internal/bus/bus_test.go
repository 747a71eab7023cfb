package bus

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("io")
	tests := []struct {
		Name      string
		Err       error
		Code      int
		Transient bool
	}{
		{"Write", NewWriteError(0x01, cause), ErrCodeWrite, false},
		{"Read", NewReadError(0x01, cause), ErrCodeRead, false},
		{"Nack", NewNackError("read", 0x01, cause), ErrCodeNack, true},
		{"Timeout", NewTimeoutError("write", 0x00, cause), ErrCodeTimeout, true},
		{"ShortRead", NewShortReadError(0x03, 19, 2), ErrCodeShortRead, false},
		{"Closed", NewClosedError(), ErrCodeClosed, false},
	}

	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			var be *Error
			require.True(t, errors.As(tc.Err, &be))
			assert.Equal(t, tc.Code, be.Code())
			assert.Equal(t, tc.Transient, IsTransient(tc.Err))
			assert.True(t, IsBusError(tc.Err))
		})
	}
}

func TestWrappedErrorKeepsClassification(t *testing.T) {
	err := errors.Wrap(NewNackError("read", 0x01, errors.New("remote i/o error")), "frame read")
	assert.True(t, IsTransient(err))
	assert.True(t, IsBusError(err))
	assert.Contains(t, err.Error(), "register 0x01")
}

func TestForeignErrorIsNotBusError(t *testing.T) {
	err := errors.New("something else")
	assert.False(t, IsTransient(err))
	assert.False(t, IsBusError(err))
	assert.False(t, IsTransient(nil))
}

func TestShortReadMessage(t *testing.T) {
	err := NewShortReadError(0x01, 9, 3)
	assert.Equal(t, "bus: read register 0x01: short read: requested 9 bytes, got 3", err.Error())
	assert.Equal(t, "short read: requested 9 bytes, got 3", errors.Cause(err).Error())
}
