package bus

import (
	"encoding/hex"
	"fmt"
	"log"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// From <linux/i2c-dev.h> and <linux/i2c.h>.
const (
	i2cSlave = 0x0703
	i2cRdwr  = 0x0707
	i2cMRd   = 0x0001

	// EINTR is retried in place, it never reaches the caller.
	i2cMaxEintrRetries = 4
)

type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   unsafe.Pointer
}

type i2cRdwrData struct {
	msgs  unsafe.Pointer
	nmsgs uint32
}

// I2CDev is a Bus backed by a Linux /dev/i2c-N character device.
type I2CDev struct {
	mu    sync.Mutex
	fd    int
	path  string
	addr  uint16
	debug bool
	txBuf [256]byte
}

// OpenI2CDev opens path and binds it to the 7-bit target address addr.
func OpenI2CDev(path string, addr uint16, debug bool) (Bus, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "bus: failed to open %s", path)
	}
	if err := unix.IoctlSetInt(fd, i2cSlave, int(addr)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bus: failed to bind %s to address 0x%02x", path, addr)
	}
	log.Printf("[bus] opened %s (address 0x%02x)", path, addr)
	return &I2CDev{fd: fd, path: path, addr: addr, debug: debug}, nil
}

func (d *I2CDev) WriteRegister(reg byte, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return ErrClosed
	}
	if len(data)+1 > len(d.txBuf) {
		return NewWriteError(reg, errors.Errorf("payload too large (%d bytes)", len(data)))
	}
	d.txBuf[0] = reg
	copy(d.txBuf[1:], data)
	tx := d.txBuf[:len(data)+1]
	d.trace("TX", tx)

	var err error
	for i := 0; i < i2cMaxEintrRetries; i++ {
		var n int
		n, err = unix.Write(d.fd, tx)
		if err == unix.EINTR {
			continue
		}
		if err == nil && n != len(tx) {
			return NewWriteError(reg, errors.Errorf("incomplete write: %d != %d", n, len(tx)))
		}
		break
	}
	if err != nil {
		return classifyErrno("write", reg, err)
	}
	return nil
}

func (d *I2CDev) ReadRegister(reg byte, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return ErrClosed
	}
	if len(buf) == 0 {
		return nil
	}

	regBuf := [1]byte{reg}
	msgs := [2]i2cMsg{
		{addr: d.addr, flags: 0, len: 1, buf: unsafe.Pointer(&regBuf[0])},
		{addr: d.addr, flags: i2cMRd, len: uint16(len(buf)), buf: unsafe.Pointer(&buf[0])},
	}
	data := i2cRdwrData{msgs: unsafe.Pointer(&msgs[0]), nmsgs: uint32(len(msgs))}

	var errno unix.Errno
	for i := 0; i < i2cMaxEintrRetries; i++ {
		_, _, errno = unix.Syscall(
			unix.SYS_IOCTL,
			uintptr(d.fd),
			uintptr(i2cRdwr),
			uintptr(unsafe.Pointer(&data)),
		)
		if errno != unix.EINTR {
			break
		}
	}
	runtime.KeepAlive(&regBuf)
	runtime.KeepAlive(&msgs)
	runtime.KeepAlive(buf)

	if errno != 0 {
		return classifyErrno("read", reg, errno)
	}
	d.trace("RX", buf)
	return nil
}

func (d *I2CDev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *I2CDev) String() string {
	return fmt.Sprintf("i2c-dev %s@0x%02x", d.path, d.addr)
}

func (d *I2CDev) trace(direction string, b []byte) {
	if !d.debug {
		return
	}
	log.Printf("[bus] %s %s", direction, hex.EncodeToString(b))
}

// classifyErrno maps i2c-dev errnos to bus errors. NACKs and timeouts are
// transient: the CR14 does not acknowledge while a frame is in progress.
func classifyErrno(op string, reg byte, err error) error {
	switch err {
	case unix.EREMOTEIO, unix.ENXIO:
		return NewNackError(op, reg, err)
	case unix.ETIMEDOUT, unix.EAGAIN:
		return NewTimeoutError(op, reg, err)
	}
	if op == "read" {
		return NewReadError(reg, err)
	}
	return NewWriteError(reg, err)
}
