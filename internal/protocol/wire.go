package protocol

import "encoding/binary"

// writer accumulates an encoded message body. Once err is set, every
// subsequent method is a no-op so callers can chain writes without
// checking after each one and inspect err exactly once at the end.
type writer struct {
	buf []byte
	err error
}

func newWriter() *writer {
	return &writer{buf: make([]byte, 0, 64)}
}

func (w *writer) bytes() []byte { return w.buf }

func (w *writer) u8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	if w.err != nil {
		return
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	if w.err != nil {
		return
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	if w.err != nil {
		return
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// bytesField writes a u32 length prefix followed by raw bytes.
func (w *writer) bytesField(v []byte) {
	if w.err != nil {
		return
	}
	w.u32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// str writes a UTF-8 string as a length-prefixed byte field.
func (w *writer) str(v string) {
	w.bytesField([]byte(v))
}

// optStr writes a presence byte followed by the string when present.
func (w *writer) optStr(v string, present bool) {
	w.boolean(present)
	if present {
		w.str(v)
	}
}

// optBytes writes a presence byte followed by the bytes when present.
func (w *writer) optBytes(v []byte, present bool) {
	w.boolean(present)
	if present {
		w.bytesField(v)
	}
}

// optU16 writes a presence byte followed by the value when present.
func (w *writer) optU16(v uint16, present bool) {
	w.boolean(present)
	if present {
		w.u16(v)
	}
}

// reader walks a decoded message body. Like writer, once err is set
// every subsequent read returns a zero value without panicking, so a
// truncated or malformed body surfaces as a single error check at the
// end of decodePayload rather than an out-of-bounds panic.
type reader struct {
	buf []byte
	pos int
	err error
}

func newReader(body []byte) *reader {
	return &reader{buf: body}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = errShortBody
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) boolean() bool {
	return r.u8() != 0
}

func (r *reader) bytesField() []byte {
	n := r.u32()
	if !r.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return v
}

func (r *reader) str() string {
	return string(r.bytesField())
}

func (r *reader) optStr() (string, bool) {
	present := r.boolean()
	if !present || r.err != nil {
		return "", present
	}
	return r.str(), true
}

func (r *reader) optBytes() ([]byte, bool) {
	present := r.boolean()
	if !present || r.err != nil {
		return nil, present
	}
	return r.bytesField(), true
}

func (r *reader) optU16() (uint16, bool) {
	present := r.boolean()
	if !present || r.err != nil {
		return 0, present
	}
	return r.u16(), true
}

var errShortBody = &shortBodyError{}

type shortBodyError struct{}

func (*shortBodyError) Error() string { return "protocol: truncated message body" }
