package protocol

import (
	"bufio"
	"fmt"
	"io"
)

// Response is one device to client frame. A 'u' frame carries UID; every
// other header carries Blocks in request order.
type Response struct {
	Header byte
	UID    UID
	Blocks []Block
}

// UIDResponse builds the frame emitted for a tag found while polling.
func UIDResponse(uid UID) Response {
	return Response{Header: HeaderUID, UID: uid}
}

// BlockResponse builds the result frame of cmd.
func BlockResponse(cmd Command, blocks []Block) Response {
	return Response{Header: cmd.Mode().Header(), Blocks: blocks}
}

func (r Response) MarshalBinary() ([]byte, error) {
	switch r.Header {
	case HeaderUID:
		b := make([]byte, 0, 1+UIDSize)
		b = append(b, HeaderUID)
		return append(b, r.UID[:]...), nil
	case HeaderReadSingle, HeaderWriteSingle:
		if len(r.Blocks) != 1 {
			return nil, fmt.Errorf("%q response needs exactly one block, got %d", r.Header, len(r.Blocks))
		}
		b := make([]byte, 0, 1+BlockSize)
		b = append(b, r.Header)
		return append(b, r.Blocks[0][:]...), nil
	case HeaderReadMultiple, HeaderWriteMultiple:
		if err := checkCount(len(r.Blocks)); err != nil {
			return nil, err
		}
		b := make([]byte, 0, 2+BlockSize*len(r.Blocks))
		b = append(b, r.Header, byte(len(r.Blocks)))
		for _, blk := range r.Blocks {
			b = append(b, blk[:]...)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown response header 0x%02x", r.Header)
	}
}

func (r Response) String() string {
	if r.Header == HeaderUID {
		return fmt.Sprintf("u %s", r.UID)
	}
	return fmt.Sprintf("%c %v", r.Header, r.Blocks)
}

// Decoder reads device to client frames from a byte stream.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 2+BlockSize*MaxCount)}
}

// Decode blocks until one complete frame has been read.
func (d *Decoder) Decode() (Response, error) {
	var resp Response
	h, err := d.r.ReadByte()
	if err != nil {
		return resp, err
	}
	resp.Header = h

	switch h {
	case HeaderUID:
		if _, err := io.ReadFull(d.r, resp.UID[:]); err != nil {
			return resp, noEOF(err)
		}
	case HeaderReadSingle, HeaderWriteSingle:
		resp.Blocks = make([]Block, 1)
		if _, err := io.ReadFull(d.r, resp.Blocks[0][:]); err != nil {
			return resp, noEOF(err)
		}
	case HeaderReadMultiple, HeaderWriteMultiple:
		count, err := d.r.ReadByte()
		if err != nil {
			return resp, noEOF(err)
		}
		resp.Blocks = make([]Block, count)
		for i := range resp.Blocks {
			if _, err := io.ReadFull(d.r, resp.Blocks[i][:]); err != nil {
				return resp, noEOF(err)
			}
		}
	default:
		return resp, fmt.Errorf("unexpected frame header 0x%02x", h)
	}
	return resp, nil
}

// DecodeResult reads frames until one with the given header arrives,
// skipping UID frames from a concurrent poll.
func (d *Decoder) DecodeResult(header byte) (Response, error) {
	for {
		resp, err := d.Decode()
		if err != nil {
			return resp, err
		}
		if resp.Header == header {
			return resp, nil
		}
		if resp.Header != HeaderUID {
			return resp, fmt.Errorf("expected %q frame, got %q", header, resp.Header)
		}
	}
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
