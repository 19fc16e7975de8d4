// Package transport moves logical protocol messages over a stream connection,
// splitting payloads into frames of at most one transfer unit and reassembling
// them by offset on the receiving side.
package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"callbridge/internal/protocol"
)

var (
	ErrMalformed         = errors.New("transport: malformed message")
	ErrIncompleteMessage = errors.New("transport: incomplete message")
	ErrWriteFailure      = errors.New("transport: write failure")
)

// DefaultMaxMessageBytes bounds the reassembly buffer for one logical message.
const DefaultMaxMessageBytes = 8 * 1024 * 1024

// drainWindow is how long a malformed sender gets to flush the rest of its junk.
const drainWindow = 50 * time.Millisecond

// Limits constrains receive memory use.
type Limits struct {
	MaxMessageBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxMessageBytes: DefaultMaxMessageBytes}
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Send marshals msg and writes it as one or more frames.
func Send(w io.Writer, msg protocol.Message) error {
	h, payload, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return WriteFrames(w, h, payload)
}

// WriteFrames writes payload as a sequence of frames sharing h's message id.
// Each frame carries its own offset; an empty payload still produces one frame.
func WriteFrames(w io.Writer, h protocol.Header, payload []byte) error {
	total := len(payload)
	h.TotalSize = uint32(total)
	buf := make([]byte, 0, protocol.TransferUnit)
	offset := 0
	for {
		part := min(total-offset, protocol.MaxPartSize)
		h.Offset = uint32(offset)
		h.PartSize = uint32(part)

		buf = protocol.AppendHeader(buf[:0], h)
		buf = append(buf, payload[offset:offset+part]...)
		if err := writeFull(w, buf); err != nil {
			return fmt.Errorf("%w: message %d at offset %d: %w", ErrWriteFailure, h.MessageID, offset, err)
		}

		offset += part
		if offset >= total {
			return nil
		}
	}
}

// writeFull keeps writing until b is gone or the writer errors.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// Receive reads one logical message and decodes its body.
func Receive(r io.Reader, timeout time.Duration) (protocol.Message, error) {
	h, payload, err := ReadFrames(r, timeout, DefaultLimits())
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Unmarshal(h, payload)
}

// ReadFrames reads frames until the logical message announced by the first
// one is complete. With a positive timeout and a reader that supports
// deadlines, the whole message must arrive within it.
//
// io.EOF is returned unwrapped when the peer closed cleanly between messages.
// A partial header is reported as ErrMalformed and the rest of the pending
// input is discarded; a stream that ends mid-payload is ErrIncompleteMessage.
func ReadFrames(r io.Reader, timeout time.Duration, limits Limits) (protocol.Header, []byte, error) {
	if d, ok := r.(deadliner); ok && timeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(timeout))
		defer d.SetReadDeadline(time.Time{})
	}

	var raw [protocol.HeaderSize]byte
	n, err := io.ReadFull(r, raw[:])
	switch {
	case err == nil:
	case n == 0:
		// nothing arrived: clean close, timeout or socket error
		return protocol.Header{}, nil, err
	default:
		drain(r)
		return protocol.Header{}, nil, fmt.Errorf("%w: %d byte header: %w", ErrMalformed, n, protocol.ErrShortHeader)
	}

	first, _ := protocol.DecodeHeader(raw[:])
	if err := validate(first, limits); err != nil {
		drain(r)
		return protocol.Header{}, nil, err
	}

	payload := make([]byte, first.TotalSize)
	received := uint32(0)
	h := first
	for {
		if _, err := io.ReadFull(r, payload[h.Offset:h.Offset+h.PartSize]); err != nil {
			return protocol.Header{}, nil, incomplete(h, err)
		}
		received += h.PartSize
		if received >= first.TotalSize {
			break
		}
		if h.PartSize == 0 {
			drain(r)
			return protocol.Header{}, nil, fmt.Errorf("%w: empty frame with %d bytes outstanding", ErrMalformed, first.TotalSize-received)
		}

		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return protocol.Header{}, nil, incomplete(h, err)
		}
		h, _ = protocol.DecodeHeader(raw[:])
		if h.MessageID != first.MessageID || h.TotalSize != first.TotalSize {
			drain(r)
			return protocol.Header{}, nil, fmt.Errorf("%w: frame for message %d/%d inside message %d/%d",
				ErrMalformed, h.MessageID, h.TotalSize, first.MessageID, first.TotalSize)
		}
		if err := validate(h, limits); err != nil {
			drain(r)
			return protocol.Header{}, nil, err
		}
	}

	first.Offset = 0
	first.PartSize = first.TotalSize
	return first, payload, nil
}

func validate(h protocol.Header, limits Limits) error {
	if limits.MaxMessageBytes > 0 && h.TotalSize > limits.MaxMessageBytes {
		return fmt.Errorf("%w: message of %d bytes exceeds %d", ErrMalformed, h.TotalSize, limits.MaxMessageBytes)
	}
	if err := h.CheckBounds(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

func incomplete(h protocol.Header, err error) error {
	return fmt.Errorf("%w: message %d stopped at offset %d: %w", ErrIncompleteMessage, h.MessageID, h.Offset, err)
}

// drain discards whatever the peer has already sent. Without deadline
// support there is no way to stop at "already sent", so nothing is read.
func drain(r io.Reader) {
	d, ok := r.(deadliner)
	if !ok {
		return
	}
	_ = d.SetReadDeadline(time.Now().Add(drainWindow))
	_, _ = io.Copy(io.Discard, r)
	_ = d.SetReadDeadline(time.Time{})
}

// IsTimeout reports whether err came from an expired read deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
