package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestClassifyErrno(t *testing.T) {
	assert.True(t, IsTransient(classifyErrno("read", 0x01, unix.EREMOTEIO)))
	assert.True(t, IsTransient(classifyErrno("read", 0x01, unix.ENXIO)))
	assert.True(t, IsTransient(classifyErrno("write", 0x01, unix.ETIMEDOUT)))
	assert.True(t, IsTransient(classifyErrno("write", 0x01, unix.EAGAIN)))

	err := classifyErrno("read", 0x01, unix.EIO)
	assert.False(t, IsTransient(err))
	assert.Equal(t, ErrCodeRead, err.(*Error).Code())

	err = classifyErrno("write", 0x00, unix.EIO)
	assert.Equal(t, ErrCodeWrite, err.(*Error).Code())
}

func TestOpenI2CDevMissingDevice(t *testing.T) {
	_, err := OpenI2CDev("/dev/i2c-does-not-exist", 0x50, false)
	assert.Error(t, err)
}
