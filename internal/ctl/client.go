package ctl

import (
	"bytes"
	"fmt"
	"io"

	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// Client speaks the framed protocol over a byte stream.
type Client struct {
	w   io.Writer
	dec *protocol.Decoder
}

func NewClient(rw io.ReadWriter) *Client {
	return &Client{w: rw, dec: protocol.NewDecoder(rw)}
}

func (c *Client) send(m protocol.Message) error {
	raw, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.w.Write(raw)
	return err
}

// Next returns the next frame from the device.
func (c *Client) Next() (protocol.Response, error) {
	return c.dec.Decode()
}

// NextUID waits for the next tag report.
func (c *Client) NextUID() (protocol.UID, error) {
	for {
		resp, err := c.dec.Decode()
		if err != nil {
			return protocol.UID{}, err
		}
		if resp.Header == protocol.HeaderUID {
			return resp.UID, nil
		}
	}
}

// WaitUID asks for one poll and returns the first tag found.
func (c *Client) WaitUID() (protocol.UID, error) {
	if err := c.send(protocol.PollOnce); err != nil {
		return protocol.UID{}, err
	}
	return c.NextUID()
}

// Poll switches the session to continuous polling.
func (c *Client) Poll() error {
	return c.send(protocol.PollRepeat)
}

func (c *Client) Idle() error {
	return c.send(protocol.Idle)
}

// ReadBlocks reads addrs from the tag, in order.
func (c *Client) ReadBlocks(uid protocol.UID, addrs []byte) ([]protocol.Block, error) {
	var cmd protocol.Command
	if len(addrs) == 1 {
		cmd = protocol.ReadSingleBlock{UID: uid, Addr: addrs[0]}
	} else {
		cmd = protocol.ReadMultipleBlocks{UID: uid, Addrs: addrs}
	}
	return c.do(cmd, len(addrs))
}

// VerifyError reports a block that did not read back as written.
type VerifyError struct {
	Addr  byte
	Wrote protocol.Block
	Got   protocol.Block
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("block %d: wrote %s but read back %s", e.Addr, e.Wrote, e.Got)
}

// WriteBlocks writes data[i] to addrs[i] and checks the read-back. The
// read-back blocks are returned even when they do not match.
func (c *Client) WriteBlocks(uid protocol.UID, addrs []byte, data []protocol.Block) ([]protocol.Block, error) {
	if len(addrs) != len(data) {
		return nil, fmt.Errorf("%d addresses but %d data blocks", len(addrs), len(data))
	}
	var cmd protocol.Command
	if len(addrs) == 1 {
		cmd = protocol.WriteSingleBlock{UID: uid, Addr: addrs[0], Data: data[0]}
	} else {
		cmd = protocol.WriteMultipleBlocks{UID: uid, Addrs: addrs, Data: data}
	}
	got, err := c.do(cmd, len(addrs))
	if err != nil {
		return nil, err
	}
	for i := range got {
		if !bytes.Equal(got[i][:], data[i][:]) {
			return got, &VerifyError{Addr: addrs[i], Wrote: data[i], Got: got[i]}
		}
	}
	return got, nil
}

func (c *Client) do(cmd protocol.Command, want int) ([]protocol.Block, error) {
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	resp, err := c.dec.DecodeResult(cmd.Mode().Header())
	if err != nil {
		return nil, err
	}
	if len(resp.Blocks) != want {
		return nil, fmt.Errorf("expected %d blocks, got %d", want, len(resp.Blocks))
	}
	return resp.Blocks, nil
}
