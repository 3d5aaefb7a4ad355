package taonet

import (
	"encoding/binary"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// Codec turns a byte stream into discrete messages and back. Each session
// owns its own Codec, only the session's reading go-routine calls Filter, Pop
// and Clear. Pack keeps no state and may be called from any go-routine.
type Codec interface {
	// Filter appends raw bytes and returns the messages they complete.
	Filter(raw []byte) ([][]byte, error)
	// Pack frames one message for the wire.
	Pack(msg []byte) ([]byte, error)
	// Pop returns the oldest completed message not retrieved yet.
	Pop() ([]byte, bool)
	// Clear drops queued messages and partially received bytes.
	Clear()
}

type frameOptions struct {
	headerSize int
	order      binary.ByteOrder
	maxPayload int
}

// FrameOption sets options of a FrameCodec.
type FrameOption func(*frameOptions)

// HeaderSize returns a FrameOption that sets the width in bytes of the length
// header, either 2 or 4.
func HeaderSize(n int) FrameOption {
	return func(o *frameOptions) {
		o.headerSize = n
	}
}

// ByteOrder returns a FrameOption that sets the byte order of the length header.
func ByteOrder(order binary.ByteOrder) FrameOption {
	return func(o *frameOptions) {
		o.order = order
	}
}

// MaxPayload returns a FrameOption that bounds the payload of one message.
func MaxPayload(n int) FrameOption {
	return func(o *frameOptions) {
		o.maxPayload = n
	}
}

// FrameCodec is a Codec for length prefixed messages.
//
// Format: |length: 2 or 4 bytes|payload: length bytes <= maxPayload|
type FrameCodec struct {
	opts  frameOptions
	buf   []byte
	off   int
	ready *queue.Queue
}

// NewFrameCodec returns a FrameCodec, by default with a 4 bytes big endian
// header and at most 8M payload.
func NewFrameCodec(opt ...FrameOption) *FrameCodec {
	opts := frameOptions{
		headerSize: DefaultHeaderSize,
		order:      binary.BigEndian,
		maxPayload: DefaultMaxPayload,
	}
	for _, o := range opt {
		o(&opts)
	}
	if opts.headerSize != 2 && opts.headerSize != 4 {
		opts.headerSize = DefaultHeaderSize
	}
	if opts.order == nil {
		opts.order = binary.BigEndian
	}
	if limit := opts.headerLimit(); opts.maxPayload <= 0 || opts.maxPayload > limit {
		opts.maxPayload = limit
	}
	return &FrameCodec{
		opts:  opts,
		buf:   make([]byte, 0, BufferSize1024),
		ready: queue.New(),
	}
}

func (o frameOptions) headerLimit() int {
	if o.headerSize == 2 {
		return 1<<16 - 1
	}
	if maxInt := int(^uint(0) >> 1); maxInt < 1<<32-1 {
		return maxInt
	}
	return 1<<32 - 1
}

func (c *FrameCodec) readHeader(b []byte) int {
	if c.opts.headerSize == 2 {
		return int(c.opts.order.Uint16(b))
	}
	return int(c.opts.order.Uint32(b))
}

// Filter appends raw to the pending bytes and extracts every complete message,
// queueing them for Pop and returning them in arrival order. A header
// declaring more than the maximum payload is an ErrProtocol, the pending bytes
// are dropped and messages completed before it are still returned.
func (c *FrameCodec) Filter(raw []byte) ([][]byte, error) {
	c.buf = append(c.buf, raw...)

	var msgs [][]byte
	hdr := c.opts.headerSize
	for len(c.buf)-c.off >= hdr {
		n := c.readHeader(c.buf[c.off:])
		if n > c.opts.maxPayload {
			c.reset()
			return msgs, errors.Wrapf(ErrProtocol, "declared length %d exceeds %d", n, c.opts.maxPayload)
		}
		if len(c.buf)-c.off-hdr < n {
			break
		}
		start := c.off + hdr
		msg := make([]byte, n)
		copy(msg, c.buf[start:start+n])
		c.off = start + n
		c.ready.Add(msg)
		msgs = append(msgs, msg)
	}
	c.compact()
	return msgs, nil
}

// compact moves the unconsumed remainder to the front of the buffer.
func (c *FrameCodec) compact() {
	if c.off == 0 {
		return
	}
	rest := copy(c.buf, c.buf[c.off:])
	c.buf = c.buf[:rest]
	c.off = 0
}

func (c *FrameCodec) reset() {
	c.buf = c.buf[:0]
	c.off = 0
}

// Pack returns msg prefixed with its length header.
func (c *FrameCodec) Pack(msg []byte) ([]byte, error) {
	if len(msg) > c.opts.maxPayload {
		return nil, errors.Wrapf(ErrProtocol, "message length %d exceeds %d", len(msg), c.opts.maxPayload)
	}
	hdr := c.opts.headerSize
	pkt := make([]byte, hdr+len(msg))
	if hdr == 2 {
		c.opts.order.PutUint16(pkt, uint16(len(msg)))
	} else {
		c.opts.order.PutUint32(pkt, uint32(len(msg)))
	}
	copy(pkt[hdr:], msg)
	return pkt, nil
}

// Pop returns the oldest completed message, false if there is none.
func (c *FrameCodec) Pop() ([]byte, bool) {
	if c.ready.Length() == 0 {
		return nil, false
	}
	return c.ready.Remove().([]byte), true
}

// Clear discards queued messages and partial bytes, the buffer is kept.
func (c *FrameCodec) Clear() {
	for c.ready.Length() > 0 {
		c.ready.Remove()
	}
	c.reset()
}

// Buffered returns the number of received bytes not forming a message yet.
func (c *FrameCodec) Buffered() int {
	return len(c.buf) - c.off
}
