package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUID(t *testing.T) {
	for _, s := range []string{"d00234567890abcd", "D0:02:34:56:78:90:AB:CD", "d0-02-34-56-78-90-ab-cd"} {
		uid, err := ParseUID(s)
		require.NoError(t, err, s)
		assert.Equal(t, UID{0xCD, 0xAB, 0x90, 0x78, 0x56, 0x34, 0x02, 0xD0}, uid)
		assert.Equal(t, "d00234567890abcd", uid.String())
		assert.Equal(t, "d0:02:34:56:78:90:ab:cd", uid.Colon())
	}

	_, err := ParseUID("d002")
	assert.Error(t, err)
	_, err = ParseUID("zz0234567890abcd")
	assert.Error(t, err)
}

func TestUIDDetails(t *testing.T) {
	tests := []struct {
		Name         string
		UID          string
		Manufacturer string
		Model        string
		Serial       []byte
	}{
		{
			Name:         "SRIX4K",
			UID:          "d0020d1234567890",
			Manufacturer: "ST Microelectronics",
			Model:        "SRIX4K",
			Serial:       []byte{0x01, 0x12, 0x34, 0x56, 0x78, 0x90},
		},
		{
			Name:         "ST25TB04K",
			UID:          "d0021f1234567890",
			Manufacturer: "ST Microelectronics",
			Model:        "ST25TB04K",
			Serial:       []byte{0x12, 0x34, 0x56, 0x78, 0x90},
		},
		{
			Name:         "UnknownModel",
			UID:          "d002ff1234567890",
			Manufacturer: "ST Microelectronics",
			Model:        "",
			Serial:       []byte{0xff, 0x12, 0x34, 0x56, 0x78, 0x90},
		},
		{
			Name:         "OtherManufacturer",
			UID:          "d0040a1234567890",
			Manufacturer: "NXP Semiconductors",
			Model:        "",
			Serial:       []byte{0x0a, 0x12, 0x34, 0x56, 0x78, 0x90},
		},
	}

	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			uid, err := ParseUID(tc.UID)
			require.NoError(t, err)
			assert.True(t, uid.ValidPrefix())
			assert.Equal(t, tc.Manufacturer, uid.Manufacturer())
			model, serial := uid.Model()
			assert.Equal(t, tc.Model, model)
			assert.Equal(t, tc.Serial, serial)
		})
	}
}

func TestUIDJSON(t *testing.T) {
	uid, err := ParseUID("0102030405060708")
	require.NoError(t, err)

	raw, err := json.Marshal(struct{ UID UID }{uid})
	require.NoError(t, err)
	assert.JSONEq(t, `{"UID":"0102030405060708"}`, string(raw))

	var back struct{ UID UID }
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, uid, back.UID)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "PollRepeat", ModePollRepeat.String())
	assert.Equal(t, "Mode(42)", Mode(42).String())
	assert.True(t, ModeWriteMultiple.IsBlockCommand())
	assert.False(t, ModePollOnce.IsBlockCommand())
	assert.True(t, ModePollOnce.Polling())
	assert.Equal(t, byte('W'), ModeWriteMultiple.Header())
}
