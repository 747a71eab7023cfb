package cr14

import (
	"github.com/pkg/errors"

	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// Execute runs cmd against the selected tag and returns the encoded
// response frame. Writes are always read back. The first failing address
// ends a multi-block command and nothing is returned for the addresses that
// succeeded.
func Execute(c *Chip, cmd protocol.Command) ([]byte, error) {
	var blocks []protocol.Block

	switch cmd := cmd.(type) {
	case protocol.ReadSingleBlock:
		blk, err := c.ReadBlock(cmd.Addr)
		if err != nil {
			return nil, err
		}
		blocks = []protocol.Block{blk}

	case protocol.WriteSingleBlock:
		if err := c.WriteBlock(cmd.Addr, cmd.Data); err != nil {
			return nil, err
		}
		blk, err := c.ReadBlock(cmd.Addr)
		if err != nil {
			return nil, err
		}
		blocks = []protocol.Block{blk}

	case protocol.ReadMultipleBlocks:
		var err error
		if blocks, err = readBlocks(c, cmd.Addrs); err != nil {
			return nil, err
		}

	case protocol.WriteMultipleBlocks:
		if len(cmd.Data) != len(cmd.Addrs) {
			return nil, errors.Errorf("cr14: %d addresses but %d data blocks", len(cmd.Addrs), len(cmd.Data))
		}
		for i, addr := range cmd.Addrs {
			if err := c.WriteBlock(addr, cmd.Data[i]); err != nil {
				return nil, err
			}
		}
		var err error
		if blocks, err = readBlocks(c, cmd.Addrs); err != nil {
			return nil, err
		}

	default:
		return nil, errors.Errorf("cr14: unsupported command %T", cmd)
	}

	return protocol.BlockResponse(cmd, blocks).MarshalBinary()
}

func readBlocks(c *Chip, addrs []byte) ([]protocol.Block, error) {
	blocks := make([]protocol.Block, len(addrs))
	for i, addr := range addrs {
		blk, err := c.ReadBlock(addr)
		if err != nil {
			return nil, errors.WithMessagef(err, "block 0x%02x", addr)
		}
		blocks[i] = blk
	}
	return blocks, nil
}
