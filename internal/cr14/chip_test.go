package cr14

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/cr14-rfid/internal/bus"
	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// registerBus answers reads from a fixed register map and NACKs the rest.
type registerBus struct {
	regs   map[byte]byte
	writes map[byte][]byte
	fail   error
}

func (b *registerBus) WriteRegister(reg byte, data []byte) error {
	if b.fail != nil {
		return b.fail
	}
	if b.writes == nil {
		b.writes = make(map[byte][]byte)
	}
	b.writes[reg] = append([]byte(nil), data...)
	return nil
}

func (b *registerBus) ReadRegister(reg byte, buf []byte) error {
	if b.fail != nil {
		return b.fail
	}
	v, ok := b.regs[reg]
	if !ok {
		return bus.NewNackError("read", reg, errors.New("nack"))
	}
	buf[0] = v
	return nil
}

func (b *registerBus) Close() error { return nil }

func TestProbe(t *testing.T) {
	tests := []struct {
		Name   string
		Bus    *registerBus
		Expect error
	}{
		{"CR14", &registerBus{regs: map[byte]byte{RegParameter: 0}}, nil},
		{"ST25R", &registerBus{regs: map[byte]byte{RegParameter: 0, RegST25RIdent: 0x2A}}, ErrST25R},
		{"Other", &registerBus{regs: map[byte]byte{RegParameter: 0, RegST25RIdent: 0x11}}, ErrNotCR14},
	}

	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			err := NewChip(tc.Bus, Timing{}).Probe()
			if tc.Expect == nil {
				require.NoError(t, err)
				return
			}
			assert.Equal(t, tc.Expect, err)
		})
	}

	t.Run("Absent", func(t *testing.T) {
		err := NewChip(&registerBus{}, Timing{}).Probe()
		require.Error(t, err)
		assert.True(t, IsBusError(err))
	})

	t.Run("Simulator", func(t *testing.T) {
		assert.NoError(t, NewChip(NewSimulator(), Timing{}).Probe())
	})
}

func TestSetCarrier(t *testing.T) {
	b := &registerBus{regs: map[byte]byte{RegParameter: 0x00}}
	c := NewChip(b, Timing{})

	err := c.SetCarrier(true)
	require.Error(t, err, "read back of 0x00 must not verify RF on")
	assert.True(t, IsBusError(err))

	b.regs[RegParameter] = CarrierOn
	require.NoError(t, c.SetCarrier(true))
	assert.Equal(t, []byte{CarrierOn}, b.writes[RegParameter])

	require.NoError(t, c.SetCarrier(false))
	assert.Equal(t, []byte{CarrierOff}, b.writes[RegParameter])
}

func TestReadFrameRetriesWhileBusy(t *testing.T) {
	sim := NewSimulator()
	c := NewChip(sim, Timing{})
	require.NoError(t, c.SetCarrier(true))

	sim.Busy(FrameReadRetries - 1)
	_, err := c.Initiate()
	assert.ErrorIs(t, err, ErrNoTag)

	sim.Busy(FrameReadRetries)
	_, err = c.Initiate()
	require.Error(t, err)
	assert.True(t, IsBusError(err))
	assert.True(t, bus.IsTransient(err))
}

func TestReadBlockReplies(t *testing.T) {
	sim := NewSimulator()
	c := NewChip(sim, Timing{})
	require.NoError(t, c.SetCarrier(true))

	sim.Inject([]byte{4, 0xCA, 0xFE, 0xBA, 0xBE})
	blk, err := c.ReadBlock(7)
	require.NoError(t, err)
	assert.Equal(t, protocol.Block{0xCA, 0xFE, 0xBA, 0xBE}, blk)

	sim.Inject([]byte{0})
	_, err = c.ReadBlock(7)
	assert.ErrorIs(t, err, ErrTagDeparted)
	assert.True(t, IsRetryable(err))

	sim.ResetHistory()
	sim.Inject([]byte{255})
	_, err = c.ReadBlock(7)
	assert.ErrorIs(t, err, ErrChecksumCollision)
	assert.Equal(t, [][]byte{{cmdReadBlock, 7}, {cmdResetToInventory}}, sim.History())

	sim.Inject([]byte{3, 1, 2, 3})
	_, err = c.ReadBlock(7)
	assert.True(t, IsMalformed(err))
	assert.False(t, IsRetryable(err))
}

func TestSelectReplies(t *testing.T) {
	sim := NewSimulator()
	c := NewChip(sim, Timing{})
	require.NoError(t, c.SetCarrier(true))

	sim.Inject([]byte{1, 0x42})
	assert.NoError(t, c.Select(0x42))

	sim.Inject([]byte{1, 0x43})
	err := c.Select(0x42)
	assert.True(t, IsMalformed(err))

	sim.Inject([]byte{2, 0x42})
	assert.True(t, IsMalformed(c.Select(0x42)))

	sim.Inject([]byte{0})
	assert.ErrorIs(t, c.Select(0x42), ErrTagDeparted)
}

func TestGetUIDLength(t *testing.T) {
	sim := NewSimulator()
	c := NewChip(sim, Timing{})
	require.NoError(t, c.SetCarrier(true))

	sim.Inject([]byte{7, 1, 2, 3, 4, 5, 6, 7})
	_, err := c.GetUID()
	assert.True(t, IsMalformed(err))

	sim.Inject([]byte{8, 8, 7, 6, 5, 4, 3, 2, 1})
	uid, err := c.GetUID()
	require.NoError(t, err)
	assert.Equal(t, "0102030405060708", uid.String())
}

func TestChipWaits(t *testing.T) {
	sim := NewSimulator()
	c := NewChip(sim, DefaultTiming)
	var slept []time.Duration
	c.sleep = func(d time.Duration) { slept = append(slept, d) }
	require.NoError(t, c.SetCarrier(true))

	_, _ = c.Initiate()
	_, _ = c.SlotMarker()
	_ = c.WriteBlock(1, protocol.Block{})
	_ = c.Completion()

	assert.Equal(t, []time.Duration{
		1250 * time.Microsecond,
		16 * time.Millisecond,
		8650 * time.Microsecond,
		1200 * time.Microsecond,
	}, slept)
}
