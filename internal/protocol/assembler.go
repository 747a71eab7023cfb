package protocol

import "fmt"

// MisuseError reports a client frame that cannot be assembled. The partial
// frame is discarded; the session is not affected.
type MisuseError struct {
	Header byte
	Reason string
}

func (e *MisuseError) Error() string {
	if e.Header == 0 {
		return "protocol misuse: " + e.Reason
	}
	return fmt.Sprintf("protocol misuse (header 0x%02x): %s", e.Header, e.Reason)
}

// Assembler accumulates client bytes into complete messages. It is not safe
// for concurrent use.
type Assembler struct {
	buf [MaxFrameSize]byte
	off int
}

// Reset discards any partial frame.
func (a *Assembler) Reset() {
	a.off = 0
}

// Pending returns the number of bytes of the current partial frame.
func (a *Assembler) Pending() int {
	return a.off
}

// Feed consumes bytes from p up to the end of at most one message. It returns
// the number of bytes consumed and the completed message, if any. Callers
// loop until all of p is consumed. On a *MisuseError the offending byte is
// counted as consumed and the assembly is reset.
func (a *Assembler) Feed(p []byte) (n int, msg Message, err error) {
	for n < len(p) {
		if a.off == 0 {
			switch h := p[n]; h {
			case HeaderIdle:
				return n + 1, Idle, nil
			case HeaderPollOnce:
				return n + 1, PollOnce, nil
			case HeaderPollRepeat:
				return n + 1, PollRepeat, nil
			case HeaderReadSingle, HeaderWriteSingle, HeaderReadMultiple, HeaderWriteMultiple:
				a.buf[0] = h
			default:
				return n + 1, nil, &MisuseError{Header: h, Reason: "unknown header"}
			}
		}

		want := a.want()
		take := want - a.off
		if rem := len(p) - n; take > rem {
			take = rem
		}
		copy(a.buf[a.off:], p[n:n+take])
		a.off += take
		n += take

		if a.off < want {
			continue
		}
		if a.off == prefixSize && a.isMultiple() {
			if a.buf[prefixSize-1] == 0 {
				h := a.buf[0]
				a.Reset()
				return n, nil, &MisuseError{Header: h, Reason: "block count is zero"}
			}
			continue
		}

		msg = a.decode()
		a.Reset()
		return n, msg, nil
	}
	return n, nil, nil
}

func (a *Assembler) isMultiple() bool {
	return a.buf[0] == HeaderReadMultiple || a.buf[0] == HeaderWriteMultiple
}

// want is the total frame length as far as it is known.
func (a *Assembler) want() int {
	switch a.buf[0] {
	case HeaderReadSingle:
		return prefixSize
	case HeaderWriteSingle:
		return prefixSize + BlockSize
	}
	if a.off < prefixSize {
		return prefixSize
	}
	count := int(a.buf[prefixSize-1])
	if a.buf[0] == HeaderReadMultiple {
		return prefixSize + count
	}
	return prefixSize + count*(1+BlockSize)
}

// decode copies the completed frame out of buf.
func (a *Assembler) decode() Command {
	var uid UID
	copy(uid[:], a.buf[1:1+UIDSize])
	body := a.buf[prefixSize:a.off]

	switch a.buf[0] {
	case HeaderReadSingle:
		return ReadSingleBlock{UID: uid, Addr: a.buf[prefixSize-1]}
	case HeaderWriteSingle:
		c := WriteSingleBlock{UID: uid, Addr: a.buf[prefixSize-1]}
		copy(c.Data[:], body)
		return c
	case HeaderReadMultiple:
		return ReadMultipleBlocks{UID: uid, Addrs: append([]byte(nil), body...)}
	default:
		count := int(a.buf[prefixSize-1])
		c := WriteMultipleBlocks{
			UID:   uid,
			Addrs: append([]byte(nil), body[:count]...),
			Data:  make([]Block, count),
		}
		for i := range c.Data {
			copy(c.Data[i][:], body[count+i*BlockSize:])
		}
		return c
	}
}
