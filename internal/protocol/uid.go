package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// UID is a tag's unique identifier in wire order (least significant byte
// first). String and ParseUID use the conventional most-significant-first
// notation.
type UID [UIDSize]byte

// UIDPrefix is the most significant byte of every ISO 14443-B UID.
const UIDPrefix = 0xD0

// ManufacturerST is the ISO/IEC 7816-6 code of ST Microelectronics.
const ManufacturerST = 0x02

var manufacturers = map[byte]string{
	0x01: "Motorola",
	0x02: "ST Microelectronics",
	0x03: "Hitachi",
	0x04: "NXP Semiconductors",
	0x05: "Infineon Technologies",
	0x06: "Cylinc",
	0x07: "Texas Instruments Tag-it",
	0x08: "Fujitsu Limited",
	0x09: "Matsushita Electric Industrial",
	0x0A: "NEC",
	0x0B: "Oki Electric",
	0x0C: "Toshiba",
	0x0D: "Mitsubishi Electric",
	0x0E: "Samsung Electronics",
	0x0F: "Hyundai Electronics",
	0x10: "LG Semiconductors",
	0x16: "EM Microelectronic-Marin",
	0x1F: "Melexis",
	0x2B: "Maxim",
	0x33: "AMIC",
	0x44: "GenTag, Inc (USA)",
	0x45: "Invengo Information Technology Co.Ltd",
}

// model identifies a product by the top bits of the third UID byte.
type model struct {
	bits int
	id   byte
	name string
}

var models = map[byte][]model{
	ManufacturerST: {
		// full-byte ids first, their top six bits alias the older parts
		{8, 0x1B, "ST25TB512-AC"},
		{8, 0x1F, "ST25TB04K"},
		{8, 0x33, "ST25TB512-AT"},
		{8, 0x3F, "ST25TB02K"},
		{6, 0b000011, "SRIX4K"},
		{6, 0b000110, "SRI512"},
		{6, 0b001100, "SRT512"},
		{6, 0b000111, "SRI4K"},
		{6, 0b001111, "SRI2K"},
	},
}

// ParseUID parses a most-significant-first hex UID. Colons, dashes and
// spaces between bytes are ignored.
func ParseUID(s string) (UID, error) {
	var u UID
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return u, fmt.Errorf("invalid UID %q: %w", s, err)
	}
	if len(raw) != UIDSize {
		return u, fmt.Errorf("invalid UID %q: need %d bytes, got %d", s, UIDSize, len(raw))
	}
	for i, b := range raw {
		u[UIDSize-1-i] = b
	}
	return u, nil
}

// Bytes returns the UID most significant byte first.
func (u UID) Bytes() []byte {
	b := make([]byte, UIDSize)
	for i := range u {
		b[i] = u[UIDSize-1-i]
	}
	return b
}

func (u UID) String() string {
	return hex.EncodeToString(u.Bytes())
}

// Colon formats the UID as colon separated bytes, d0:02:...
func (u UID) Colon() string {
	b := u.Bytes()
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, ":")
}

func (u UID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *UID) UnmarshalText(text []byte) error {
	v, err := ParseUID(string(text))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// IsZero reports whether u is all zeros.
func (u UID) IsZero() bool {
	return u == UID{}
}

// ValidPrefix reports whether the most significant byte is 0xD0.
func (u UID) ValidPrefix() bool {
	return u[UIDSize-1] == UIDPrefix
}

// ManufacturerCode returns the ISO/IEC 7816-6 manufacturer byte.
func (u UID) ManufacturerCode() byte {
	return u[UIDSize-2]
}

// Manufacturer returns the manufacturer name, or "" if unknown.
func (u UID) Manufacturer() string {
	return manufacturers[u.ManufacturerCode()]
}

// Model returns the product name and the serial number that follows the
// model bits. An unknown model yields "" and every byte after the
// manufacturer code.
func (u UID) Model() (name string, serial []byte) {
	b := u.Bytes()
	serial = b[2:]
	for _, m := range models[u.ManufacturerCode()] {
		v := b[2]
		if m.bits < 8 {
			v >>= 8 - m.bits
		}
		if v != m.id {
			continue
		}
		if m.bits < 8 {
			serial[0] &^= m.id << (8 - m.bits)
		} else {
			serial = b[3:]
		}
		return m.name, serial
	}
	return "", serial
}
