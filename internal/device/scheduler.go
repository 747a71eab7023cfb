package device

import (
	"log"
	"time"

	"github.com/shaunagostinho/cr14-rfid/internal/cr14"
	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// run is the scheduler goroutine of one session. It runs a pass on every
// trigger and, while the session is not idle, every poll interval.
func (h *Handle) run() {
	defer close(h.done)

	timer := time.NewTimer(h.d.interval)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.trigger:
			timer.Stop()
		case <-timer.C:
		}
		if h.ctx.Err() != nil {
			return
		}
		if h.pass() {
			timer.Reset(h.d.interval)
		}
	}
}

// pass runs one anti-collision pass under the command lock. It reports
// whether the session wants another pass.
func (h *Handle) pass() bool {
	d := h.d
	select {
	case d.lock <- struct{}{}:
	case <-h.ctx.Done():
		return false
	}
	defer d.release()

	if d.mode == protocol.ModeIdle {
		return false
	}

	d.inFlight.Store(true)
	defer d.inFlight.Store(false)

	d.passes.Add(1)
	if err := d.engine.Pass(cr14.HandlerFunc(h.handleTag)); err != nil {
		d.passErrors.Add(1)
	}
	return d.mode != protocol.ModeIdle
}

// handleTag is called by the engine, with the command lock held, for every
// selected tag.
func (h *Handle) handleTag(c *cr14.Chip, uid protocol.UID) error {
	d := h.d
	mode := d.mode

	switch {
	case mode.Polling():
		d.tagsSeen.Add(1)
		d.lastSeen.Store(&sighting{uid: uid, at: time.Now()})
		if mode == protocol.ModePollOnce {
			d.setMode(protocol.ModeIdle)
		}
		frame, _ := protocol.UIDResponse(uid).MarshalBinary()
		h.ring.Push(frame)
		d.notify(Event{Kind: EventTag, Mode: mode, UID: uid, Frame: frame})
		return nil

	case mode.IsBlockCommand():
		if d.cmd == nil || d.cmd.Target() != uid {
			return nil
		}
		d.tagsSeen.Add(1)
		d.lastSeen.Store(&sighting{uid: uid, at: time.Now()})

		frame, err := cr14.Execute(c, d.cmd)
		if err != nil {
			if cr14.IsRetryable(err) {
				return err
			}
			log.Printf("[device] %s on %s abandoned: %v", mode, uid, err)
			d.cmd = nil
			d.setMode(protocol.ModeIdle)
			d.notify(Event{Kind: EventCommandFailed, Mode: mode, UID: uid, Err: err})
			return nil
		}

		d.commands.Add(1)
		d.cmd = nil
		d.setMode(protocol.ModeIdle)
		h.ring.Push(frame)
		d.notify(Event{Kind: EventCommand, Mode: mode, UID: uid, Frame: frame})
	}
	return nil
}
