// Package protocol implements the byte-stream framing spoken between the
// reader daemon and its client.
//
// Client to device messages are either single control bytes (i, p, P) or
// parameterized commands (r, w, R, W) whose total length depends on a count
// byte inside the frame. Device to client frames carry tag UIDs (u) and
// block data (r, w, R, W). All integers are little-endian and UIDs travel
// least significant byte first.
package protocol

import "fmt"

// Frame headers.
const (
	HeaderIdle          byte = 'i'
	HeaderPollOnce      byte = 'p'
	HeaderPollRepeat    byte = 'P'
	HeaderReadSingle    byte = 'r'
	HeaderWriteSingle   byte = 'w'
	HeaderReadMultiple  byte = 'R'
	HeaderWriteMultiple byte = 'W'
	HeaderUID           byte = 'u'
)

const (
	UIDSize   = 8
	BlockSize = 4
	MaxCount  = 255

	// prefixSize is header + UID + address (single) or count (multiple).
	prefixSize = 1 + UIDSize + 1

	// MaxFrameSize is the size of the largest client frame, a W with 255
	// addresses.
	MaxFrameSize = prefixSize + MaxCount + BlockSize*MaxCount
)

// Mode is the session state.
type Mode uint8

const (
	ModeIdle Mode = iota
	ModePollOnce
	ModePollRepeat
	ModeReadSingle
	ModeWriteSingle
	ModeReadMultiple
	ModeWriteMultiple
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "Idle"
	case ModePollOnce:
		return "PollOnce"
	case ModePollRepeat:
		return "PollRepeat"
	case ModeReadSingle:
		return "ReadSingle"
	case ModeWriteSingle:
		return "WriteSingle"
	case ModeReadMultiple:
		return "ReadMultiple"
	case ModeWriteMultiple:
		return "WriteMultiple"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Header returns the frame header byte that selects m.
func (m Mode) Header() byte {
	switch m {
	case ModeIdle:
		return HeaderIdle
	case ModePollOnce:
		return HeaderPollOnce
	case ModePollRepeat:
		return HeaderPollRepeat
	case ModeReadSingle:
		return HeaderReadSingle
	case ModeWriteSingle:
		return HeaderWriteSingle
	case ModeReadMultiple:
		return HeaderReadMultiple
	case ModeWriteMultiple:
		return HeaderWriteMultiple
	default:
		return 0
	}
}

// Polling reports whether m emits UID frames.
func (m Mode) Polling() bool {
	return m == ModePollOnce || m == ModePollRepeat
}

// IsBlockCommand reports whether m carries command parameters.
func (m Mode) IsBlockCommand() bool {
	return m >= ModeReadSingle && m <= ModeWriteMultiple
}

// MarshalText renders the mode name, so JSON status output stays readable.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
