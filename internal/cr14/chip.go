package cr14

import (
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/cr14-rfid/internal/bus"
	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// Slots is the result of a slot marker: bit i of Mask is set when slot i
// produced a reply, IDs[i] is the chip id heard in that slot.
type Slots struct {
	Mask uint16
	IDs  [SlotCount]byte
}

// Chip issues CR14 commands over a bus. It is not safe for concurrent use;
// the engine serializes access.
type Chip struct {
	bus    bus.Bus
	timing Timing
	sleep  func(time.Duration)
}

func NewChip(b bus.Bus, timing Timing) *Chip {
	return &Chip{bus: b, timing: timing, sleep: time.Sleep}
}

// Bus returns the underlying transport.
func (c *Chip) Bus() bus.Bus {
	return c.bus
}

// Probe checks that the device answers on the parameter register and is not
// an ST25R, which shares the CR14's address.
func (c *Chip) Probe() error {
	var v [1]byte
	if err := c.bus.ReadRegister(RegParameter, v[:]); err != nil {
		return &BusError{Step: "probe parameter register", Err: err}
	}
	err := c.bus.ReadRegister(RegST25RIdent, v[:])
	if err != nil {
		return nil
	}
	if v[0] == st25rIdent {
		return ErrST25R
	}
	return ErrNotCR14
}

// SetCarrier switches the RF field. Switching on is verified by reading the
// parameter register back.
func (c *Chip) SetCarrier(on bool) error {
	value := CarrierOff | Watchdog5us
	if on {
		value = CarrierOn | Watchdog5us
	}
	if err := c.bus.WriteRegister(RegParameter, []byte{value}); err != nil {
		return &BusError{Step: "set carrier", Err: err}
	}
	if !on {
		return nil
	}
	var got [1]byte
	if err := c.bus.ReadRegister(RegParameter, got[:]); err != nil {
		return &BusError{Step: "verify carrier", Err: err}
	}
	if got[0] != value {
		return &BusError{
			Step: "verify carrier",
			Err:  errors.Errorf("parameter register reads 0x%02x, wrote 0x%02x", got[0], value),
		}
	}
	return nil
}

// Initiate starts an inventory round. It returns the chip id of the only tag
// in the field, ErrNoTag or ErrChecksumCollision.
func (c *Chip) Initiate() (byte, error) {
	if err := c.sendFrame("initiate", cmdInitiate, paramInitiate); err != nil {
		return 0, err
	}
	c.wait(c.timing.Initiate)
	reply, err := c.readFrame("initiate", 2)
	if err != nil {
		return 0, err
	}
	switch reply[0] {
	case replyNone:
		return 0, ErrNoTag
	case replyCRCError:
		return 0, ErrChecksumCollision
	}
	return reply[1], nil
}

// SlotMarker runs the 16 slot arbitration and returns who answered where.
func (c *Chip) SlotMarker() (Slots, error) {
	var s Slots
	if err := c.bus.WriteRegister(RegSlotMarker, nil); err != nil {
		return s, &BusError{Step: "slot marker", Err: err}
	}
	c.wait(c.timing.SlotMarker)
	reply, err := c.readFrame("slot marker", slotFrame)
	if err != nil {
		return s, err
	}
	if reply[0] != slotFrame-1 {
		return s, &MalformedReply{Step: "slot marker", Length: reply[0], Want: slotFrame - 1}
	}
	s.Mask = uint16(reply[1]) | uint16(reply[2])<<8
	copy(s.IDs[:], reply[3:])
	return s, nil
}

// Select addresses the tag with the given chip id. A missing tag yields
// ErrTagDeparted, a CRC error resets the tags to inventory and yields
// ErrChecksumCollision.
func (c *Chip) Select(id byte) error {
	if err := c.sendFrame("select", cmdSelect, id); err != nil {
		return err
	}
	c.wait(c.timing.Select)
	reply, err := c.readFrame("select", 2)
	if err != nil {
		return err
	}
	switch {
	case reply[0] == replyCRCError:
		return c.collided("select")
	case reply[0] == replyNone:
		return ErrTagDeparted
	case reply[0] != 1:
		return &MalformedReply{Step: "select", Length: reply[0], Want: 1}
	case reply[1] != id:
		return &MalformedReply{
			Step:   "select",
			Length: reply[0],
			Want:   1,
			Detail: fmt.Sprintf("answered chip id 0x%02x, selected 0x%02x", reply[1], id),
		}
	}
	return nil
}

// GetUID reads the UID of the selected tag.
func (c *Chip) GetUID() (protocol.UID, error) {
	var uid protocol.UID
	if err := c.sendFrame("get uid", cmdGetUID); err != nil {
		return uid, err
	}
	c.wait(c.timing.GetUID)
	reply, err := c.readFrame("get uid", 1+protocol.UIDSize)
	if err != nil {
		return uid, err
	}
	switch reply[0] {
	case replyCRCError:
		return uid, c.collided("get uid")
	case protocol.UIDSize:
	default:
		return uid, &MalformedReply{Step: "get uid", Length: reply[0], Want: protocol.UIDSize}
	}
	copy(uid[:], reply[1:])
	return uid, nil
}

// ReadBlock reads one block of the selected tag.
func (c *Chip) ReadBlock(addr byte) (protocol.Block, error) {
	var blk protocol.Block
	if err := c.sendFrame("read block", cmdReadBlock, addr); err != nil {
		return blk, err
	}
	c.wait(c.timing.ReadBlock)
	reply, err := c.readFrame("read block", 1+protocol.BlockSize)
	if err != nil {
		return blk, err
	}
	switch reply[0] {
	case replyCRCError:
		return blk, c.collided("read block")
	case replyNone:
		return blk, ErrTagDeparted
	case protocol.BlockSize:
	default:
		return blk, &MalformedReply{Step: "read block", Length: reply[0], Want: protocol.BlockSize}
	}
	copy(blk[:], reply[1:])
	return blk, nil
}

// WriteBlock writes one block of the selected tag. The tag does not
// acknowledge; callers read the block back.
func (c *Chip) WriteBlock(addr byte, data protocol.Block) error {
	if err := c.sendFrame("write block", cmdWriteBlock, addr, data[0], data[1], data[2], data[3]); err != nil {
		return err
	}
	c.wait(c.timing.WriteBlock)
	return nil
}

// ResetToInventory returns the selected tag to the inventory state so it
// takes part in the next arbitration.
func (c *Chip) ResetToInventory() error {
	if err := c.sendFrame("reset to inventory", cmdResetToInventory); err != nil {
		return err
	}
	c.wait(c.timing.Reset)
	return nil
}

// Completion deactivates the selected tag until the field is switched off.
func (c *Chip) Completion() error {
	if err := c.sendFrame("completion", cmdCompletion); err != nil {
		return err
	}
	c.wait(c.timing.Completion)
	return nil
}

func (c *Chip) collided(step string) error {
	if err := c.ResetToInventory(); err != nil {
		log.Printf("[cr14] %s: %v", step, err)
	}
	return ErrChecksumCollision
}

// sendFrame writes a length-prefixed command to the frame register.
func (c *Chip) sendFrame(step string, cmd ...byte) error {
	frame := make([]byte, 0, len(cmd)+1)
	frame = append(frame, byte(len(cmd)))
	frame = append(frame, cmd...)
	if err := c.bus.WriteRegister(RegFrame, frame); err != nil {
		return &BusError{Step: step, Err: err}
	}
	return nil
}

// readFrame reads n bytes of the frame register, retrying while the chip
// is busy.
func (c *Chip) readFrame(step string, n int) ([]byte, error) {
	buf := make([]byte, n)
	var err error
	for i := 0; i < FrameReadRetries; i++ {
		err = c.bus.ReadRegister(RegFrame, buf)
		if err == nil {
			return buf, nil
		}
		if !bus.IsTransient(err) {
			return nil, &BusError{Step: step, Err: err}
		}
	}
	return nil, &BusError{Step: step, Err: errors.Wrapf(err, "chip busy after %d attempts", FrameReadRetries)}
}

func (c *Chip) wait(d time.Duration) {
	if d > 0 {
		c.sleep(d)
	}
}
