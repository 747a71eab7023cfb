// Package cr14 drives an ST CR14 (CRX14) ISO 14443-B coupler.
//
// Chip exposes the register and frame level commands, Engine runs the
// anti-collision sequence that discovers and selects tags, and Execute
// performs block commands against the selected tag. Simulator is an
// in-process CR14 with tags, used by demo mode and tests.
package cr14

import "time"

// Registers.
const (
	RegParameter  byte = 0x00
	RegFrame      byte = 0x01
	RegSlotMarker byte = 0x03

	// RegST25RIdent is not implemented by the CR14, which NACKs it. An ST25R
	// answers with st25rIdent.
	RegST25RIdent byte = 0x7F
	st25rIdent         = 0x2A
)

// Parameter register values.
const (
	CarrierOff   byte = 0x00
	CarrierOn    byte = 0x10
	Watchdog5us  byte = 0x00
	Watchdog5ms  byte = 0x20
	Watchdog10ms byte = 0x40
	Watchdog309  byte = 0x50
)

// Tag commands, written to the frame register behind a length byte.
const (
	cmdInitiate         byte = 0x06
	paramInitiate       byte = 0x00
	paramPcall16        byte = 0x04
	cmdReadBlock        byte = 0x08
	cmdWriteBlock       byte = 0x09
	cmdGetUID           byte = 0x0B
	cmdResetToInventory byte = 0x0C
	cmdSelect           byte = 0x0E
	cmdCompletion       byte = 0x0F
)

const (
	// replyCRCError is the length byte reported when the tag reply failed
	// its CRC, the signature of several tags answering at once.
	replyCRCError = 255
	replyNone     = 0

	// slotCollision marks a slot in which several tags answered.
	slotCollision = 0xFF

	SlotCount = 16
	slotFrame = 1 + 2 + SlotCount

	// FrameReadRetries bounds how long a frame read waits for the chip.
	// The CR14 NACKs the frame register while a command is in progress.
	FrameReadRetries = 200

	// SystemBlock is the address of the OTP/lock system block.
	SystemBlock = 0xFF
)

// Timing holds the minimum settle time after each command before its reply
// may be read. A zero duration skips the wait.
type Timing struct {
	Initiate   time.Duration
	SlotMarker time.Duration
	Select     time.Duration
	GetUID     time.Duration
	ReadBlock  time.Duration
	WriteBlock time.Duration
	Reset      time.Duration
	Completion time.Duration
}

// DefaultTiming is derived from the CR14 datasheet: frame transmission time
// in ETUs plus the 500µs watchdog.
var DefaultTiming = Timing{
	// 2 byte frame, 745µs, plus watchdog
	Initiate: 1250 * time.Microsecond,
	// 16 slots with SOF/EOF and a watchdog timeout each
	SlotMarker: 16 * time.Millisecond,
	Select:     1250 * time.Microsecond,
	// 8 byte UID plus CRC, 126 ETU
	GetUID:    1900 * time.Microsecond,
	ReadBlock: 1250 * time.Microsecond,
	// 6 bytes plus 7ms worst case EEPROM or counter write
	WriteBlock: 8650 * time.Microsecond,
	// 1 byte, 651µs, plus watchdog
	Reset:      1200 * time.Microsecond,
	Completion: 1200 * time.Microsecond,
}
