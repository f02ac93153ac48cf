package codec

import "encoding/binary"

// cursor is a bounds-checked reader over a decode buffer. It performs no
// allocation beyond what the caller requests via bytesN/stringN, matching
// the codec's "no I/O, no surprise allocation" design.
type cursor struct {
	buf []byte
	pos int
}

func newCursor(buf []byte) *cursor { return &cursor{buf: buf} }

func (c *cursor) need(n int) error {
	if len(c.buf)-c.pos < n {
		return &BufferTooSmallError{Needed: n - (len(c.buf) - c.pos), Have: len(c.buf) - c.pos}
	}
	return nil
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) u8() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

func (c *cursor) bytesN(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	v := c.buf[c.pos : c.pos+n]
	c.pos += n
	return v, nil
}

func (c *cursor) str16() (string, error) {
	n, err := c.u16()
	if err != nil {
		return "", err
	}
	b, err := c.bytesN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *cursor) bytes16() ([]byte, error) {
	n, err := c.u16()
	if err != nil {
		return nil, err
	}
	return c.bytesN(int(n))
}

// hasMore reports whether any unread bytes remain.
func (c *cursor) hasMore() bool { return c.remaining() > 0 }
