package protocol

import "fmt"

// Block is the content of one 4-byte tag block.
type Block [BlockSize]byte

func (b Block) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x", b[0], b[1], b[2], b[3])
}

// Message is anything a client can send: a Control or a Command.
type Message interface {
	MarshalBinary() ([]byte, error)
	message()
}

// Control is a single-byte mode switch. Only ModeIdle, ModePollOnce and
// ModePollRepeat are valid.
type Control Mode

const (
	Idle       = Control(ModeIdle)
	PollOnce   = Control(ModePollOnce)
	PollRepeat = Control(ModePollRepeat)
)

func (Control) message() {}

func (c Control) Mode() Mode { return Mode(c) }

func (c Control) MarshalBinary() ([]byte, error) {
	if Mode(c).IsBlockCommand() || Mode(c).Header() == 0 {
		return nil, fmt.Errorf("%s is not a control message", Mode(c))
	}
	return []byte{Mode(c).Header()}, nil
}

func (c Control) String() string { return Mode(c).String() }

// Command is a block operation addressed to one tag. Exactly one of the
// variants below is stored per session.
type Command interface {
	Message
	Mode() Mode
	Target() UID
}

type ReadSingleBlock struct {
	UID  UID
	Addr byte
}

type WriteSingleBlock struct {
	UID  UID
	Addr byte
	Data Block
}

// ReadMultipleBlocks reads Addrs in order. 1 <= len(Addrs) <= 255.
type ReadMultipleBlocks struct {
	UID   UID
	Addrs []byte
}

// WriteMultipleBlocks writes Data[i] to Addrs[i] in order.
type WriteMultipleBlocks struct {
	UID   UID
	Addrs []byte
	Data  []Block
}

func (ReadSingleBlock) message()     {}
func (WriteSingleBlock) message()    {}
func (ReadMultipleBlocks) message()  {}
func (WriteMultipleBlocks) message() {}

func (ReadSingleBlock) Mode() Mode     { return ModeReadSingle }
func (WriteSingleBlock) Mode() Mode    { return ModeWriteSingle }
func (ReadMultipleBlocks) Mode() Mode  { return ModeReadMultiple }
func (WriteMultipleBlocks) Mode() Mode { return ModeWriteMultiple }

func (c ReadSingleBlock) Target() UID     { return c.UID }
func (c WriteSingleBlock) Target() UID    { return c.UID }
func (c ReadMultipleBlocks) Target() UID  { return c.UID }
func (c WriteMultipleBlocks) Target() UID { return c.UID }

func (c ReadSingleBlock) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, prefixSize)
	b = append(b, HeaderReadSingle)
	b = append(b, c.UID[:]...)
	return append(b, c.Addr), nil
}

func (c WriteSingleBlock) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, prefixSize+BlockSize)
	b = append(b, HeaderWriteSingle)
	b = append(b, c.UID[:]...)
	b = append(b, c.Addr)
	return append(b, c.Data[:]...), nil
}

func (c ReadMultipleBlocks) MarshalBinary() ([]byte, error) {
	if err := checkCount(len(c.Addrs)); err != nil {
		return nil, err
	}
	b := make([]byte, 0, prefixSize+len(c.Addrs))
	b = append(b, HeaderReadMultiple)
	b = append(b, c.UID[:]...)
	b = append(b, byte(len(c.Addrs)))
	return append(b, c.Addrs...), nil
}

func (c WriteMultipleBlocks) MarshalBinary() ([]byte, error) {
	if err := checkCount(len(c.Addrs)); err != nil {
		return nil, err
	}
	if len(c.Data) != len(c.Addrs) {
		return nil, fmt.Errorf("write multiple: %d addresses but %d data blocks", len(c.Addrs), len(c.Data))
	}
	b := make([]byte, 0, prefixSize+len(c.Addrs)*(1+BlockSize))
	b = append(b, HeaderWriteMultiple)
	b = append(b, c.UID[:]...)
	b = append(b, byte(len(c.Addrs)))
	b = append(b, c.Addrs...)
	for _, d := range c.Data {
		b = append(b, d[:]...)
	}
	return b, nil
}

func checkCount(n int) error {
	if n < 1 || n > MaxCount {
		return fmt.Errorf("block count %d out of range [1,%d]", n, MaxCount)
	}
	return nil
}
