package ctl

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

func colon(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, ":")
}

// describeUID prints the UID with its decoded manufacturer, model and
// serial number.
func describeUID(w io.Writer, uid protocol.UID) {
	b := uid.Bytes()
	fmt.Fprintf(w, "UID: %s\n", uid.Colon())
	if !uid.ValidPrefix() {
		fmt.Fprintf(w, "Unexpected MSB, got 0x%02x\n", b[0])
	}
	if m := uid.Manufacturer(); m != "" {
		fmt.Fprintf(w, "Manufacturer: %s\n", m)
	} else {
		fmt.Fprintf(w, "Manufacturer: unknown (0x%02x)\n", uid.ManufacturerCode())
	}
	model, serial := uid.Model()
	if model != "" {
		fmt.Fprintf(w, "Model: %s\n", model)
	} else {
		fmt.Fprintf(w, "Model: unknown (0x%02x)\n", b[2])
	}
	fmt.Fprintf(w, "Serial number: %s\n", colon(serial))
}

// printBlocks prints one line per block: address, stored bytes and the
// little-endian value.
func printBlocks(w io.Writer, addrs []byte, blocks []protocol.Block) {
	for i, blk := range blocks {
		fmt.Fprintf(w, "%3d  %s  %d\n", addrs[i], blk, binary.LittleEndian.Uint32(blk[:]))
	}
}

func parseAddr(s string) (byte, error) {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid block address %q", s)
	}
	return byte(n), nil
}

// parseAddrs accepts addresses as decimal or 0x hex, and inclusive ranges
// such as 7-9.
func parseAddrs(args []string) ([]byte, error) {
	var addrs []byte
	for _, arg := range args {
		lo, hi, isRange := strings.Cut(arg, "-")
		first, err := parseAddr(lo)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = parseAddr(hi); err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("invalid block range %q", arg)
			}
		}
		for a := int(first); a <= int(last); a++ {
			addrs = append(addrs, byte(a))
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no block addresses given")
	}
	if len(addrs) > protocol.MaxCount {
		return nil, fmt.Errorf("at most %d blocks per command, got %d", protocol.MaxCount, len(addrs))
	}
	return addrs, nil
}

func parseBlock(s string) (protocol.Block, error) {
	var blk protocol.Block
	s = strings.NewReplacer(":", "", " ", "").Replace(s)
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != protocol.BlockSize {
		return blk, fmt.Errorf("invalid block data %q: want %d hex bytes", s, protocol.BlockSize)
	}
	copy(blk[:], raw)
	return blk, nil
}

// parseWrites parses ADDR=HEX arguments.
func parseWrites(args []string) ([]byte, []protocol.Block, error) {
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("no blocks to write")
	}
	if len(args) > protocol.MaxCount {
		return nil, nil, fmt.Errorf("at most %d blocks per command, got %d", protocol.MaxCount, len(args))
	}
	addrs := make([]byte, 0, len(args))
	data := make([]protocol.Block, 0, len(args))
	for _, arg := range args {
		a, d, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, nil, fmt.Errorf("expected ADDR=HEX, got %q", arg)
		}
		addr, err := parseAddr(a)
		if err != nil {
			return nil, nil, err
		}
		blk, err := parseBlock(d)
		if err != nil {
			return nil, nil, err
		}
		addrs = append(addrs, addr)
		data = append(data, blk)
	}
	return addrs, data, nil
}
