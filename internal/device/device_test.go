package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/cr14-rfid/internal/cr14"
	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// UID 0102030405060708, stored least significant byte first.
var (
	tagX = protocol.UID{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	tagY = protocol.UID{0x01, 0x02, 0x03, 0x04, 0x05, 0x0D, 0x02, 0xD0}
)

func newTestDevice(t *testing.T) (*Device, *cr14.Simulator) {
	t.Helper()
	sim := cr14.NewSimulator()
	engine := cr14.NewEngine(cr14.NewChip(sim, cr14.Timing{}))
	d := New(engine, Options{PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { d.Close() })
	return d, sim
}

func readN(t *testing.T, h *Handle, n int) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		m, err := h.ReadContext(ctx, buf[:n-len(out)])
		require.NoError(t, err)
		out = append(out, buf[:m]...)
	}
	return out
}

func writeMsg(t *testing.T, h *Handle, msg protocol.Message) {
	t.Helper()
	raw, err := msg.MarshalBinary()
	require.NoError(t, err)
	n, err := h.Write(raw)
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
}

func waitPasses(t *testing.T, d *Device, n uint64) {
	t.Helper()
	start := d.Status().Passes
	require.Eventually(t, func() bool {
		return d.Status().Passes >= start+n
	}, 2*time.Second, time.Millisecond)
}

func TestReadOnlyOpenReportsUID(t *testing.T) {
	d, sim := newTestDevice(t)
	sim.AddTag(tagX, -1)

	h, err := d.Open(true)
	require.NoError(t, err)

	frame := readN(t, h, 9)
	assert.Equal(t, []byte{'u', 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, frame)
	assert.Equal(t, protocol.ModePollRepeat, d.Mode())

	// repeat mode keeps reporting
	assert.Equal(t, frame, readN(t, h, 9))
	assert.Equal(t, protocol.ModePollRepeat, d.Mode())
}

func TestWriteSingleBlockEndToEnd(t *testing.T) {
	d, sim := newTestDevice(t)
	sim.AddTag(tagX, -1)

	h, err := d.Open(false)
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeIdle, d.Mode())

	raw := append([]byte{'w'}, tagX[:]...)
	raw = append(raw, 0x03, 0xDE, 0xAD, 0xBE, 0xEF)
	n, err := h.Write(raw)
	require.NoError(t, err)
	assert.Equal(t, 14, n)

	assert.Equal(t, []byte{'w', 0xDE, 0xAD, 0xBE, 0xEF}, readN(t, h, 5))
	assert.Equal(t, protocol.ModeIdle, d.Mode())
	assert.Equal(t, protocol.Block{0xDE, 0xAD, 0xBE, 0xEF}, sim.Block(tagX, 0x03))
}

func TestCommandSplitAcrossWrites(t *testing.T) {
	d, sim := newTestDevice(t)
	sim.AddTag(tagX, -1)
	sim.SetBlock(tagX, 1, protocol.Block{1, 1, 1, 1})
	sim.SetBlock(tagX, 2, protocol.Block{2, 2, 2, 2})

	h, err := d.Open(false)
	require.NoError(t, err)

	raw, err := protocol.ReadMultipleBlocks{UID: tagX, Addrs: []byte{2, 1}}.MarshalBinary()
	require.NoError(t, err)
	for _, b := range raw {
		n, err := h.Write([]byte{b})
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	assert.Equal(t, []byte{'R', 2, 2, 2, 2, 2, 1, 1, 1, 1}, readN(t, h, 10))
}

func TestUIDFiltering(t *testing.T) {
	d, sim := newTestDevice(t)
	sim.AddTag(tagY, -1)

	h, err := d.Open(false)
	require.NoError(t, err)

	writeMsg(t, h, protocol.ReadSingleBlock{UID: tagX, Addr: 4})
	waitPasses(t, d, 3)

	assert.Zero(t, h.Poll()&Readable, "no frame for a tag with another UID")
	assert.Equal(t, protocol.ModeReadSingle, d.Mode())

	sim.AddTag(tagX, -1)
	sim.SetBlock(tagX, 4, protocol.Block{9, 8, 7, 6})

	assert.Equal(t, []byte{'r', 9, 8, 7, 6}, readN(t, h, 5))
	assert.Equal(t, protocol.ModeIdle, d.Mode())
}

func TestUIDFilteringCancelledByIdle(t *testing.T) {
	d, sim := newTestDevice(t)
	sim.AddTag(tagY, -1)

	h, err := d.Open(false)
	require.NoError(t, err)

	writeMsg(t, h, protocol.ReadSingleBlock{UID: tagX, Addr: 4})
	waitPasses(t, d, 2)
	writeMsg(t, h, protocol.Idle)
	assert.Equal(t, protocol.ModeIdle, d.Mode())
}

func TestControlIdempotence(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := d.Open(false)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		writeMsg(t, h, protocol.Idle)
		assert.Equal(t, protocol.ModeIdle, d.Mode())
	}

	n, err := h.Write([]byte("iiii"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, protocol.ModeIdle, d.Mode())

	writeMsg(t, h, protocol.PollRepeat)
	writeMsg(t, h, protocol.PollRepeat)
	assert.Equal(t, protocol.ModePollRepeat, d.Mode())
}

func TestPollOnce(t *testing.T) {
	d, sim := newTestDevice(t)
	sim.AddTag(tagX, -1)

	h, err := d.Open(false)
	require.NoError(t, err)
	writeMsg(t, h, protocol.PollOnce)

	assert.Equal(t, []byte{'u', 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, readN(t, h, 9))
	require.Eventually(t, func() bool { return d.Mode() == protocol.ModeIdle }, time.Second, time.Millisecond)

	// idle sessions do not poll
	passes := d.Status().Passes
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, passes, d.Status().Passes)
	assert.Zero(t, h.Poll()&Readable)
}

func TestSingleOpen(t *testing.T) {
	d, _ := newTestDevice(t)

	h, err := d.Open(true)
	require.NoError(t, err)

	_, err = d.Open(false)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	h2, err := d.Open(false)
	require.NoError(t, err)
	assert.False(t, h2.ReadOnly())
}

func TestMisuseLeavesSession(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := d.Open(false)
	require.NoError(t, err)
	writeMsg(t, h, protocol.PollRepeat)

	n, err := h.Write([]byte{'x'})
	var me *protocol.MisuseError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 1, n)
	assert.Equal(t, protocol.ModePollRepeat, d.Mode())
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := d.Open(true)
	require.NoError(t, err)

	_, err = h.Write([]byte{'i'})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestZeroLengthWrite(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := d.Open(false)
	require.NoError(t, err)

	n, err := h.Write(nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseWakesReader(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := d.Open(false)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := h.Read(make([]byte, 1))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader not woken")
	}

	_, err = h.Write([]byte{'i'})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, d.Status().Open)
}

func TestReadInterrupted(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := d.Open(false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.ReadContext(ctx, make([]byte, 1))
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestWriteWaitsForPassInFlight(t *testing.T) {
	d, _ := newTestDevice(t)
	h, err := d.Open(false)
	require.NoError(t, err)

	// hold the command lock as a running pass would
	require.NoError(t, d.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n, err := h.WriteContext(ctx, []byte{'P'})
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 1, n)
	assert.Equal(t, protocol.ModeIdle, d.Mode())

	d.release()

	// the interrupted message is committed before the next one, even when
	// that one is still incomplete
	n, err = h.Write([]byte{'r'})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, protocol.ModePollRepeat, d.Mode())
}

func TestStatusAndEvents(t *testing.T) {
	d, sim := newTestDevice(t)
	sim.AddTag(tagX, -1)

	var mu sync.Mutex
	var kinds []EventKind
	d.Subscribe(ObserverFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
	}))

	h, err := d.Open(true)
	require.NoError(t, err)
	readN(t, h, 9)

	s := d.Status()
	assert.True(t, s.Open)
	assert.True(t, s.ReadOnly)
	assert.Equal(t, protocol.ModePollRepeat, s.Mode)
	require.NotNil(t, s.LastUID)
	assert.Equal(t, tagX, *s.LastUID)
	assert.GreaterOrEqual(t, s.TagsSeen, uint64(1))

	require.NoError(t, h.Close())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventOpen, kinds[0])
	assert.Contains(t, kinds, EventTag)
	assert.Equal(t, EventClose, kinds[len(kinds)-1])
}

func TestCommandFailureReturnsToIdle(t *testing.T) {
	d, sim := newTestDevice(t)
	sim.AddTag(tagX, 0x21)

	h, err := d.Open(false)
	require.NoError(t, err)

	var failed []error
	var mu sync.Mutex
	d.Subscribe(ObserverFunc(func(ev Event) {
		if ev.Kind == EventCommandFailed {
			mu.Lock()
			failed = append(failed, ev.Err)
			mu.Unlock()
		}
	}))

	// INITIATE, SELECT and GET_UID answer normally, then the read block
	// reply has a bad length
	uidReply := append([]byte{8}, tagX[:]...)
	sim.Inject([]byte{1, 0x21}, []byte{1, 0x21}, uidReply, []byte{3, 0, 0, 0})
	writeMsg(t, h, protocol.ReadSingleBlock{UID: tagX, Addr: 1})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, protocol.ModeIdle, d.Mode())
	assert.Zero(t, h.Poll()&Readable)
}

func TestRetryableCommandFailureKeepsCommand(t *testing.T) {
	sim := cr14.NewSimulator()
	engine := cr14.NewEngine(cr14.NewChip(sim, cr14.Timing{}))
	// one round per pass, so the collision ends the pass
	engine.MaxRounds = 1
	d := New(engine, Options{PollInterval: 300 * time.Millisecond})
	t.Cleanup(func() { d.Close() })

	sim.AddTag(tagX, 0x21)
	sim.SetBlock(tagX, 1, protocol.Block{0xCA, 0xFE, 0xBA, 0xBE})

	h, err := d.Open(false)
	require.NoError(t, err)

	var failed int
	var mu sync.Mutex
	d.Subscribe(ObserverFunc(func(ev Event) {
		if ev.Kind == EventCommandFailed {
			mu.Lock()
			failed++
			mu.Unlock()
		}
	}))

	// the read block reply collides
	uidReply := append([]byte{8}, tagX[:]...)
	sim.Inject([]byte{1, 0x21}, []byte{1, 0x21}, uidReply, []byte{0xFF})
	writeMsg(t, h, protocol.ReadSingleBlock{UID: tagX, Addr: 1})

	require.Eventually(t, func() bool {
		return d.Status().PassErrors == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, protocol.ModeReadSingle, d.Mode())
	assert.Zero(t, h.Poll()&Readable)

	// the next timed pass completes the command
	assert.Equal(t, []byte{'r', 0xCA, 0xFE, 0xBA, 0xBE}, readN(t, h, 5))
	assert.Equal(t, protocol.ModeIdle, d.Mode())
	mu.Lock()
	assert.Zero(t, failed)
	mu.Unlock()
}
