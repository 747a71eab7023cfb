//go:build hidapi

package bus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sstallion/go-hid"
)

// MCP2221 HID commands.
const (
	mcpStatus         = 0x10
	mcpCancelTransfer = 0x10
	mcpGetData        = 0x40
	mcpI2CWrite       = 0x90
	mcpI2CReadRep     = 0x93
	mcpI2CWriteNoStop = 0x94

	mcpReportSize = 64
	mcpMaxPayload = 60
	mcpChipDelay  = time.Millisecond
	mcpTimeout    = 100 * time.Millisecond

	// Default USB identifiers of a factory-fresh MCP2221(A).
	MCP2221VendorID  = 0x04d8
	MCP2221ProductID = 0x00dd
)

// MCP2221 is a Bus behind a Microchip MCP2221 USB to I2C bridge.
type MCP2221 struct {
	mu       sync.Mutex
	device   *hid.Device
	addr     byte
	debug    bool
	request  [mcpReportSize + 1]byte
	response [mcpReportSize]byte
}

// OpenMCP2221 opens the first bridge matching vid:pid and targets the 7-bit
// address addr.
func OpenMCP2221(vid, pid uint16, addr byte, debug bool) (Bus, error) {
	if err := hid.Init(); err != nil {
		return nil, errors.Wrap(err, "bus: hid init")
	}
	dev, err := hid.OpenFirst(vid, pid)
	if err != nil {
		return nil, errors.Wrapf(err, "bus: failed to open MCP2221 %04x:%04x", vid, pid)
	}
	m := &MCP2221{device: dev, addr: addr, debug: debug}
	if err := m.cancel(); err != nil {
		dev.Close()
		return nil, err
	}
	log.Printf("[bus] opened MCP2221 %04x:%04x (address 0x%02x)", vid, pid, addr)
	return m, nil
}

func (m *MCP2221) WriteRegister(reg byte, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return ErrClosed
	}
	if len(data)+1 > mcpMaxPayload {
		return NewWriteError(reg, errors.Errorf("payload too large (%d bytes)", len(data)))
	}
	m.reset()
	m.request[1] = mcpI2CWrite
	binary.LittleEndian.PutUint16(m.request[2:4], uint16(len(data)+1))
	m.request[4] = m.addr << 1
	m.request[5] = reg
	copy(m.request[6:], data)
	if err := m.transfer(); err != nil {
		return NewWriteError(reg, err)
	}
	if m.response[1] != 0x00 {
		m.cancel()
		return NewNackError("write", reg, errors.New("bridge busy"))
	}
	return nil
}

func (m *MCP2221) ReadRegister(reg byte, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return ErrClosed
	}
	if len(buf) == 0 {
		return nil
	}
	if len(buf) > mcpMaxPayload {
		return NewReadError(reg, errors.Errorf("read too large (%d bytes)", len(buf)))
	}

	// register address without stop, then repeated-start read
	m.reset()
	m.request[1] = mcpI2CWriteNoStop
	binary.LittleEndian.PutUint16(m.request[2:4], 1)
	m.request[4] = m.addr << 1
	m.request[5] = reg
	if err := m.transfer(); err != nil {
		return NewReadError(reg, err)
	}
	if m.response[1] != 0x00 {
		m.cancel()
		return NewNackError("read", reg, errors.New("bridge busy"))
	}

	m.reset()
	m.request[1] = mcpI2CReadRep
	binary.LittleEndian.PutUint16(m.request[2:4], uint16(len(buf)))
	m.request[4] = m.addr<<1 | 1
	if err := m.transfer(); err != nil {
		return NewReadError(reg, err)
	}
	if m.response[1] != 0x00 {
		m.cancel()
		return NewNackError("read", reg, errors.New("bridge busy"))
	}

	m.reset()
	m.request[1] = mcpGetData
	if err := m.transfer(); err != nil {
		return NewReadError(reg, err)
	}
	if m.response[1] != 0x00 {
		m.cancel()
		return NewNackError("read", reg, errors.New("target did not acknowledge"))
	}
	n := int(m.response[3])
	if n == 127 {
		return NewTimeoutError("read", reg, errors.New("i2c engine error"))
	}
	if n != len(buf) {
		return NewShortReadError(reg, len(buf), n)
	}
	copy(buf, m.response[4:4+n])
	return nil
}

func (m *MCP2221) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	err := m.device.Close()
	m.device = nil
	hid.Exit()
	return err
}

func (m *MCP2221) String() string {
	return fmt.Sprintf("mcp2221@0x%02x", m.addr)
}

// cancel aborts any pending transfer and releases the bus.
func (m *MCP2221) cancel() error {
	m.reset()
	m.request[1] = mcpStatus
	m.request[3] = mcpCancelTransfer
	if err := m.transfer(); err != nil {
		return errors.Wrap(err, "bus: MCP2221 cancel")
	}
	return nil
}

// transfer sends one report and waits for its response. request[0] is the
// HID report number, always zero for this device.
func (m *MCP2221) transfer() error {
	if m.debug {
		log.Printf("[bus] TX %s", hex.EncodeToString(m.request[1:8]))
	}
	n, err := m.device.Write(m.request[:])
	if err != nil {
		return errors.Wrap(err, "hid write")
	}
	if n != len(m.request) {
		return errors.Errorf("hid short write: %d", n)
	}
	time.Sleep(mcpChipDelay)
	n, err = m.device.ReadWithTimeout(m.response[:], mcpTimeout)
	if err != nil {
		return errors.Wrap(err, "hid read")
	}
	if n != mcpReportSize {
		return errors.Errorf("hid short read: %d", n)
	}
	if m.response[0] != m.request[1] {
		return errors.Errorf("unexpected response 0x%02x to command 0x%02x", m.response[0], m.request[1])
	}
	if m.debug {
		log.Printf("[bus] RX %s", hex.EncodeToString(m.response[:8]))
	}
	return nil
}

func (m *MCP2221) reset() {
	m.request = [mcpReportSize + 1]byte{}
	m.response = [mcpReportSize]byte{}
}
