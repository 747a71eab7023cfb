package cr14

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/cr14-rfid/internal/bus"
	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

type tagState int

const (
	tagReady tagState = iota
	tagInventory
	tagSelected
	tagDeactivated
)

type simTag struct {
	uid     protocol.UID
	fixedID int
	chipID  byte
	state   tagState
	blocks  [256]protocol.Block
}

// Simulator is an in-process CR14 with a configurable set of tags. It
// implements bus.Bus.
type Simulator struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	param    byte
	tags     []*simTag
	parked   map[protocol.UID]*simTag
	reply    []byte
	injected [][]byte
	busy     int
	history  [][]byte
	markers  int
	closed   bool
}

func NewSimulator() *Simulator {
	return &Simulator{
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		parked: make(map[protocol.UID]*simTag),
	}
}

// AddTag places a tag in the field. chipID < 0 draws a fresh random chip id
// on every INITIATE, as real tags do; a fixed id makes arbitration
// deterministic. A tag removed earlier comes back with its memory.
func (s *Simulator) AddTag(uid protocol.UID, chipID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.find(uid) != nil {
		return
	}
	t, ok := s.parked[uid]
	if ok {
		delete(s.parked, uid)
		t.state = tagReady
	} else {
		t = &simTag{uid: uid}
	}
	t.fixedID = chipID
	s.tags = append(s.tags, t)
}

// RemoveTag takes a tag out of the field.
func (s *Simulator) RemoveTag(uid protocol.UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tags {
		if t.uid == uid {
			s.tags = append(s.tags[:i], s.tags[i+1:]...)
			s.parked[uid] = t
			return
		}
	}
}

// HasTag reports whether the tag is in the field.
func (s *Simulator) HasTag(uid protocol.UID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(uid) != nil
}

func (s *Simulator) SetBlock(uid protocol.UID, addr byte, data protocol.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.find(uid); t != nil {
		t.blocks[addr] = data
	}
}

func (s *Simulator) Block(uid protocol.UID, addr byte) protocol.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.find(uid); t != nil {
		return t.blocks[addr]
	}
	return protocol.Block{}
}

// Inject queues raw frame register contents returned by the next frame
// reads in place of the simulated reply, one per read.
func (s *Simulator) Inject(frames ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range frames {
		s.injected = append(s.injected, append([]byte(nil), f...))
	}
}

// Busy makes the next n frame register reads NACK, as the chip does while
// a command is still on air.
func (s *Simulator) Busy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = n
}

// History returns the commands written to the frame register, without
// their length byte.
func (s *Simulator) History() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.history))
	copy(out, s.history)
	return out
}

// SlotMarkers returns how many slot markers were issued.
func (s *Simulator) SlotMarkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers
}

// ResetHistory clears the command history and slot marker count.
func (s *Simulator) ResetHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.markers = 0
}

// Carrier reports whether the RF field is on.
func (s *Simulator) Carrier() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.param&CarrierOn != 0
}

func (s *Simulator) WriteRegister(reg byte, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return bus.ErrClosed
	}
	switch reg {
	case RegParameter:
		if len(data) != 1 {
			return bus.NewWriteError(reg, errors.Errorf("expected 1 byte, got %d", len(data)))
		}
		s.param = data[0]
		if s.param&CarrierOn == 0 {
			for _, t := range s.tags {
				t.state = tagReady
			}
		}
	case RegFrame:
		if len(data) == 0 || int(data[0]) != len(data)-1 {
			return bus.NewWriteError(reg, errors.New("bad frame length byte"))
		}
		cmd := append([]byte(nil), data[1:]...)
		s.history = append(s.history, cmd)
		s.command(cmd)
	case RegSlotMarker:
		s.markers++
		s.slotMarker()
	default:
		return bus.NewNackError("write", reg, errors.New("no such register"))
	}
	return nil
}

func (s *Simulator) ReadRegister(reg byte, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return bus.ErrClosed
	}
	switch reg {
	case RegParameter:
		for i := range buf {
			buf[i] = 0
		}
		if len(buf) > 0 {
			buf[0] = s.param
		}
	case RegFrame:
		if s.busy > 0 {
			s.busy--
			return bus.NewNackError("read", reg, errors.New("frame in progress"))
		}
		src := s.reply
		if len(s.injected) > 0 {
			src = s.injected[0]
			s.injected = s.injected[1:]
		}
		for i := range buf {
			buf[i] = 0
		}
		copy(buf, src)
	default:
		return bus.NewNackError("read", reg, errors.New("no such register"))
	}
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) find(uid protocol.UID) *simTag {
	for _, t := range s.tags {
		if t.uid == uid {
			return t
		}
	}
	return nil
}

func (s *Simulator) selected() *simTag {
	for _, t := range s.tags {
		if t.state == tagSelected {
			return t
		}
	}
	return nil
}

func (s *Simulator) newChipID(t *simTag) byte {
	if t.fixedID >= 0 {
		return byte(t.fixedID)
	}
	// 0xFF is the slot collision marker
	return byte(s.rnd.Intn(0xFF))
}

// command executes one frame register command and prepares its reply.
func (s *Simulator) command(cmd []byte) {
	s.reply = []byte{replyNone}
	if s.param&CarrierOn == 0 || len(cmd) == 0 {
		return
	}

	switch cmd[0] {
	case cmdInitiate:
		var answering []*simTag
		for _, t := range s.tags {
			if t.state == tagDeactivated {
				continue
			}
			t.state = tagInventory
			t.chipID = s.newChipID(t)
			answering = append(answering, t)
		}
		if len(cmd) > 1 && cmd[1] == paramPcall16 {
			// PCALL16 answers in slot 0 only
			var slot0 []*simTag
			for _, t := range answering {
				if t.chipID&0x0F == 0 {
					slot0 = append(slot0, t)
				}
			}
			answering = slot0
		}
		s.reply = s.answer(answering)

	case cmdSelect:
		if len(cmd) < 2 {
			return
		}
		var matched []*simTag
		for _, t := range s.tags {
			switch t.state {
			case tagInventory:
				if t.chipID == cmd[1] {
					matched = append(matched, t)
				}
			case tagSelected:
				if t.chipID == cmd[1] {
					matched = append(matched, t)
				} else {
					t.state = tagInventory
				}
			}
		}
		for _, t := range matched {
			t.state = tagSelected
		}
		s.reply = s.answer(matched)

	case cmdGetUID:
		if t := s.selected(); t != nil {
			s.reply = append([]byte{protocol.UIDSize}, t.uid[:]...)
		}

	case cmdReadBlock:
		if t := s.selected(); t != nil && len(cmd) >= 2 {
			s.reply = append([]byte{protocol.BlockSize}, t.blocks[cmd[1]][:]...)
		}

	case cmdWriteBlock:
		if t := s.selected(); t != nil && len(cmd) >= 6 {
			copy(t.blocks[cmd[1]][:], cmd[2:6])
		}

	case cmdResetToInventory:
		if t := s.selected(); t != nil {
			t.state = tagInventory
		}

	case cmdCompletion:
		if t := s.selected(); t != nil {
			t.state = tagDeactivated
		}
	}
}

// answer builds the reply of a command every tag in ts answered.
func (s *Simulator) answer(ts []*simTag) []byte {
	switch len(ts) {
	case 0:
		return []byte{replyNone}
	case 1:
		return []byte{1, ts[0].chipID}
	default:
		return []byte{replyCRCError}
	}
}

// slotMarker makes every tag in inventory answer in the slot given by the
// low nibble of its chip id.
func (s *Simulator) slotMarker() {
	reply := make([]byte, slotFrame)
	reply[0] = slotFrame - 1
	if s.param&CarrierOn == 0 {
		s.reply = []byte{replyNone}
		return
	}

	var counts [SlotCount]int
	var mask uint16
	for _, t := range s.tags {
		if t.state != tagInventory {
			continue
		}
		slot := t.chipID & 0x0F
		counts[slot]++
		mask |= 1 << slot
		if counts[slot] == 1 {
			reply[3+slot] = t.chipID
		} else {
			reply[3+slot] = slotCollision
		}
	}
	reply[1] = byte(mask)
	reply[2] = byte(mask >> 8)
	s.reply = reply
}

// DemoTags are the tags placed in the field by NewDemoSimulator.
var DemoTags = []protocol.UID{
	{0x78, 0x56, 0x34, 0x12, 0x9A, 0x0D, 0x02, 0xD0}, // SRIX4K
	{0xEF, 0xCD, 0xAB, 0x89, 0x67, 0x1F, 0x02, 0xD0}, // ST25TB04K
}

// NewDemoSimulator returns a simulator holding DemoTags, with counter and
// system blocks filled in the way factory tags ship.
func NewDemoSimulator() *Simulator {
	s := NewSimulator()
	for _, uid := range DemoTags {
		s.AddTag(uid, -1)
		s.SetBlock(uid, 5, protocol.Block{0xFF, 0xFF, 0xFF, 0xFF})
		s.SetBlock(uid, 6, protocol.Block{0xFF, 0xFF, 0xFF, 0xFF})
		s.SetBlock(uid, SystemBlock, protocol.Block{0xFF, 0xFF, 0xFF, 0xFF})
		for addr := 7; addr < 16; addr++ {
			s.SetBlock(uid, byte(addr), protocol.Block{uid[0], byte(addr), 0x00, 0x00})
		}
	}
	return s
}

// RunDemo moves the second demo tag in and out of the field every period
// until ctx is done.
func (s *Simulator) RunDemo(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	roaming := DemoTags[1]
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.HasTag(roaming) {
				s.RemoveTag(roaming)
				log.Printf("[demo] tag %s left the field", roaming)
			} else {
				s.AddTag(roaming, -1)
				log.Printf("[demo] tag %s entered the field", roaming)
			}
		}
	}
}
