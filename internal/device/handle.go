package device

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
	"github.com/shaunagostinho/cr14-rfid/internal/ring"
)

// Readiness is the result of Handle.Poll.
type Readiness uint8

const (
	// Readable means a Read would not block.
	Readable Readiness = 1 << iota
	// Writable means no pass is in flight, so a command commits at once.
	Writable
)

// Handle is an open session. Read and Write may be called concurrently with
// each other; concurrent Writes are serialized.
type Handle struct {
	d        *Device
	readOnly bool
	ring     *ring.Buffer

	wmu     sync.Mutex
	asm     protocol.Assembler
	pending protocol.Message

	ctx     context.Context
	cancel  context.CancelFunc
	trigger chan struct{}
	done    chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

func newHandle(d *Device, readOnly bool) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		d:        d,
		readOnly: readOnly,
		ring:     ring.New(d.ringSize),
		ctx:      ctx,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (h *Handle) Read(p []byte) (int, error) {
	return h.ReadContext(context.Background(), p)
}

// ReadContext blocks until at least one response byte is available.
func (h *Handle) ReadContext(ctx context.Context, p []byte) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	n, err := h.ring.Read(ctx, p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, ring.ErrClosed):
		return 0, ErrClosed
	case ctx.Err() != nil:
		return 0, ErrInterrupted
	}
	return n, err
}

func (h *Handle) Write(p []byte) (int, error) {
	return h.WriteContext(context.Background(), p)
}

// WriteContext assembles p into messages and commits each completed one.
// Assembly never blocks; a commit waits for any pass in flight. If ctx ends
// during that wait, ErrInterrupted is returned and the completed message is
// committed first by the next Write.
func (h *Handle) WriteContext(ctx context.Context, p []byte) (int, error) {
	if h.readOnly {
		return 0, ErrReadOnly
	}
	if h.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	h.wmu.Lock()
	defer h.wmu.Unlock()

	if h.pending != nil {
		if err := h.commit(ctx, h.pending); err != nil {
			return 0, err
		}
		h.pending = nil
	}

	total := 0
	for total < len(p) {
		n, msg, err := h.asm.Feed(p[total:])
		total += n
		if err != nil {
			log.Printf("[device] %v", err)
			return total, err
		}
		if msg == nil {
			continue
		}
		if err := h.commit(ctx, msg); err != nil {
			h.pending = msg
			return total, err
		}
	}
	return total, nil
}

// commit applies a completed message to the session and triggers a pass.
func (h *Handle) commit(ctx context.Context, msg protocol.Message) error {
	d := h.d
	select {
	case d.lock <- struct{}{}:
	case <-ctx.Done():
		return ErrInterrupted
	case <-h.ctx.Done():
		return ErrClosed
	}

	switch m := msg.(type) {
	case protocol.Control:
		d.cmd = nil
		d.setMode(m.Mode())
	case protocol.Command:
		d.cmd = m
		d.setMode(m.Mode())
	}
	d.release()

	h.kick()
	return nil
}

// Poll reports readiness without blocking.
func (h *Handle) Poll() Readiness {
	var r Readiness
	if h.ring.Len() > 0 {
		r |= Readable
	}
	if !h.d.inFlight.Load() {
		r |= Writable
	}
	return r
}

// ReadOnly reports how the handle was opened.
func (h *Handle) ReadOnly() bool {
	return h.readOnly
}

// Close stops the scheduler, waiting for a pass in flight, and wakes
// blocked readers. It is safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.cancel()
		<-h.done
		h.ring.Close()

		d := h.d
		d.acquire(context.Background())
		d.cmd = nil
		d.setMode(protocol.ModeIdle)
		d.release()

		d.detach(h)
		log.Printf("[device] closed")
		d.notify(Event{Kind: EventClose})
	})
	return nil
}

// kick requests an immediate pass. Requests coalesce.
func (h *Handle) kick() {
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}
