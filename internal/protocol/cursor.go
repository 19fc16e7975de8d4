package protocol

import "encoding/binary"

// reader walks a payload buffer and fails instead of reading past its end
type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) need(n int) error {
	if n < 0 || r.remaining() < n {
		return ErrTruncated
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) str() (string, error) {
	s, n, err := DecodeString(r.buf, r.pos)
	if err != nil {
		return "", err
	}
	r.pos += n
	return s, nil
}

func (r *reader) strs(n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *reader) table() (Table, error) {
	t, n, err := DecodeTable(r.buf[r.pos:])
	if err != nil {
		return Table{}, err
	}
	r.pos += n
	return t, nil
}

// writer appends little-endian values to a preallocated buffer
type writer struct {
	buf []byte
}

func newWriter(capacity int) *writer {
	return &writer{buf: make([]byte, 0, capacity)}
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) str(s string) error {
	b, err := AppendString(w.buf, s)
	if err != nil {
		return err
	}
	w.buf = b
	return nil
}

func (w *writer) strs(list []string) error {
	for _, s := range list {
		if err := w.str(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) table(t Table) error {
	b, err := AppendTable(w.buf, t)
	if err != nil {
		return err
	}
	w.buf = b
	return nil
}
