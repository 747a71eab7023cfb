// Package device exposes the reader as a single-client byte-stream device.
//
// A client opens the device, writes framed commands and reads response
// frames. Behind the handle one scheduler goroutine runs anti-collision
// passes, either on the poll interval or immediately after a command.
package device

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/cr14-rfid/internal/cr14"
	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
	"github.com/shaunagostinho/cr14-rfid/internal/ring"
)

var (
	// ErrBusy is returned by Open while another client holds the device.
	ErrBusy = errors.New("device: busy")

	// ErrInterrupted means a blocking call was cancelled before it could
	// complete. The call may be retried.
	ErrInterrupted = errors.New("device: interrupted, try again")

	// ErrClosed is returned by a handle after Close.
	ErrClosed = errors.New("device: closed")

	// ErrReadOnly is returned by Write on a handle opened read-only.
	ErrReadOnly = errors.New("device: opened read-only")
)

// DefaultPollInterval polls twice a second.
const DefaultPollInterval = 500 * time.Millisecond

type Options struct {
	PollInterval time.Duration
	RingSize     int
}

// Device owns the session state. At most one Handle is open at a time.
type Device struct {
	engine   *cr14.Engine
	interval time.Duration
	ringSize int

	openMu sync.Mutex
	handle *Handle

	// lock is the command lock. It guards mode and cmd, and is held by the
	// scheduler for a whole pass.
	lock chan struct{}
	mode protocol.Mode
	cmd  protocol.Command

	modeView atomic.Uint32
	inFlight atomic.Bool

	obsMu     sync.RWMutex
	observers []Observer

	passes     atomic.Uint64
	passErrors atomic.Uint64
	tagsSeen   atomic.Uint64
	commands   atomic.Uint64
	lastSeen   atomic.Pointer[sighting]
}

type sighting struct {
	uid protocol.UID
	at  time.Time
}

func New(engine *cr14.Engine, opts Options) *Device {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RingSize <= 0 {
		opts.RingSize = ring.DefaultCapacity
	}
	return &Device{
		engine:   engine,
		interval: opts.PollInterval,
		ringSize: opts.RingSize,
		lock:     make(chan struct{}, 1),
	}
}

// Open starts a session. A read-only session polls continuously; a
// read-write session starts idle and waits for commands.
func (d *Device) Open(readOnly bool) (*Handle, error) {
	d.openMu.Lock()
	defer d.openMu.Unlock()

	if d.handle != nil {
		return nil, ErrBusy
	}

	h := newHandle(d, readOnly)

	d.acquire(context.Background())
	d.cmd = nil
	if readOnly {
		d.setMode(protocol.ModePollRepeat)
	} else {
		d.setMode(protocol.ModeIdle)
	}
	d.release()

	d.handle = h
	go h.run()
	h.kick()

	log.Printf("[device] opened (read-only=%v)", readOnly)
	d.notify(Event{Kind: EventOpen, Mode: d.Mode()})
	return h, nil
}

// Close ends the current session, if any.
func (d *Device) Close() error {
	d.openMu.Lock()
	h := d.handle
	d.openMu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

// Subscribe registers o for session events. Observers run on the scheduler
// goroutine and must not block.
func (d *Device) Subscribe(o Observer) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observers = append(d.observers, o)
}

// Mode returns the current session mode.
func (d *Device) Mode() protocol.Mode {
	return protocol.Mode(d.modeView.Load())
}

// Status is a point-in-time snapshot for monitoring.
type Status struct {
	Open       bool          `json:"open"`
	ReadOnly   bool          `json:"readOnly"`
	Mode       protocol.Mode `json:"mode"`
	InFlight   bool          `json:"inFlight"`
	Buffered   int           `json:"buffered"`
	Dropped    uint64        `json:"dropped"`
	Passes     uint64        `json:"passes"`
	PassErrors uint64        `json:"passErrors"`
	TagsSeen   uint64        `json:"tagsSeen"`
	Commands   uint64        `json:"commands"`
	LastUID    *protocol.UID `json:"lastUid,omitempty"`
	LastSeen   *time.Time    `json:"lastSeen,omitempty"`
}

func (d *Device) Status() Status {
	s := Status{
		Mode:       d.Mode(),
		InFlight:   d.inFlight.Load(),
		Passes:     d.passes.Load(),
		PassErrors: d.passErrors.Load(),
		TagsSeen:   d.tagsSeen.Load(),
		Commands:   d.commands.Load(),
	}

	d.openMu.Lock()
	if h := d.handle; h != nil {
		s.Open = true
		s.ReadOnly = h.readOnly
		s.Buffered = h.ring.Len()
		s.Dropped = h.ring.Dropped()
	}
	d.openMu.Unlock()

	if last := d.lastSeen.Load(); last != nil {
		uid, at := last.uid, last.at
		s.LastUID = &uid
		s.LastSeen = &at
	}
	return s
}

// acquire takes the command lock, giving up when ctx is done.
func (d *Device) acquire(ctx context.Context) error {
	select {
	case d.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) release() {
	<-d.lock
}

// setMode must be called with the command lock held.
func (d *Device) setMode(m protocol.Mode) {
	d.mode = m
	d.modeView.Store(uint32(m))
}

func (d *Device) detach(h *Handle) {
	d.openMu.Lock()
	defer d.openMu.Unlock()
	if d.handle == h {
		d.handle = nil
	}
}

func (d *Device) notify(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, o := range d.observers {
		o.Observe(ev)
	}
}
