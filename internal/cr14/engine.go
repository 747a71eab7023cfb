package cr14

import (
	"log"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// DefaultMaxRounds bounds the INITIATE rounds of one pass.
const DefaultMaxRounds = 64

// Handler is called for every tag the engine selects. A retryable error
// (ErrChecksumCollision, ErrTagDeparted) restarts the pass after the
// current round.
type Handler interface {
	HandleTag(c *Chip, uid protocol.UID) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Chip, uid protocol.UID) error

func (f HandlerFunc) HandleTag(c *Chip, uid protocol.UID) error {
	return f(c, uid)
}

// Engine runs anti-collision passes over a chip.
type Engine struct {
	chip      *Chip
	MaxRounds int
}

func NewEngine(c *Chip) *Engine {
	return &Engine{chip: c, MaxRounds: DefaultMaxRounds}
}

func (e *Engine) Chip() *Chip {
	return e.chip
}

// Pass energizes the field, selects every tag that can be isolated and hands
// each to h. The field is switched off when Pass returns. Collisions restart
// the sequence from INITIATE until a round completes without one.
func (e *Engine) Pass(h Handler) error {
	// the on write may land even when its read-back fails
	defer func() {
		if err := e.chip.SetCarrier(false); err != nil {
			log.Printf("[engine] failed to turn RF off: %v", err)
		}
	}()
	if err := e.chip.SetCarrier(true); err != nil {
		log.Printf("[engine] failed to turn RF on: %v", err)
		return err
	}

	maxRounds := e.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	for round := 0; round < maxRounds; round++ {
		id, err := e.chip.Initiate()
		var collision bool
		switch {
		case err == nil:
			collision = e.processTag(h, id)
		case errors.Is(err, ErrNoTag):
			return nil
		case errors.Is(err, ErrChecksumCollision):
			collision = e.resolveSlots(h)
		default:
			log.Printf("[engine] %v", err)
			return err
		}
		if !collision {
			return nil
		}
	}

	log.Printf("[engine] giving up after %d collision rounds", maxRounds)
	return ErrTooManyRounds
}

// resolveSlots isolates tags that collided on INITIATE. It reports whether
// any slot still collided.
func (e *Engine) resolveSlots(h Handler) bool {
	slots, err := e.chip.SlotMarker()
	if err != nil {
		log.Printf("[engine] %v", err)
		return false
	}

	collision := false
	for i := 0; i < SlotCount; i++ {
		id := slots.IDs[i]
		if id == slotCollision {
			collision = true
			continue
		}
		if slots.Mask&(1<<i) == 0 {
			continue
		}
		if e.processTag(h, id) {
			collision = true
		}
	}
	return collision
}

// processTag selects one candidate, reads its UID and runs the handler.
// COMPLETION is sent whenever a UID was read, so the tag sits out the rest
// of the pass. It reports whether the pass must be retried.
func (e *Engine) processTag(h Handler, id byte) bool {
	if err := e.chip.Select(id); err != nil {
		if errors.Is(err, ErrChecksumCollision) {
			return true
		}
		if !errors.Is(err, ErrTagDeparted) {
			log.Printf("[engine] chip 0x%02x: %v", id, err)
		}
		return false
	}

	uid, err := e.chip.GetUID()
	if err != nil {
		if errors.Is(err, ErrChecksumCollision) {
			return true
		}
		log.Printf("[engine] chip 0x%02x: %v", id, err)
		return false
	}

	collision := false
	if err := h.HandleTag(e.chip, uid); err != nil {
		if IsRetryable(err) {
			collision = true
		} else {
			log.Printf("[engine] tag %s: %v", uid, err)
		}
	}

	if err := e.chip.Completion(); err != nil {
		log.Printf("[engine] tag %s: %v", uid, err)
	}
	return collision
}
