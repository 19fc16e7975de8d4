package transport

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/internal/protocol"
)

func bigTable(rows int) protocol.Table {
	t := protocol.NewTable("number", "name")
	for i := 0; i < rows; i++ {
		_ = t.AddRow(strings.Repeat("9", 12), strings.Repeat("n", 200))
	}
	return t
}

func TestSendSplitsIntoFrames(t *testing.T) {
	var buf bytes.Buffer
	msg := protocol.Message{MessageID: 5, Body: protocol.CallListResponse{Table: bigTable(30)}}
	require.NoError(t, Send(&buf, msg))

	_, payload, err := protocol.Marshal(msg)
	require.NoError(t, err)
	frames := (len(payload) + protocol.MaxPartSize - 1) / protocol.MaxPartSize
	require.Greater(t, frames, 1)
	assert.Equal(t, len(payload)+frames*protocol.HeaderSize, buf.Len())

	first, err := protocol.DecodeHeader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.Offset)
	assert.Equal(t, uint32(protocol.MaxPartSize), first.PartSize)
	assert.Equal(t, uint32(len(payload)), first.TotalSize)
}

func TestSendEmptyPayloadWritesOneFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, protocol.Message{Body: protocol.ShutdownPush{}}))
	assert.Equal(t, protocol.HeaderSize, buf.Len())
}

func TestMultiFrameRoundTripOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tbl := bigTable(40)
	msg := protocol.Message{ClientID: 3, MessageID: 11, Body: protocol.CallListResponse{Table: tbl}}

	errCh := make(chan error, 1)
	go func() { errCh <- Send(client, msg) }()

	got, err := Receive(server, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, uint16(3), got.ClientID)
	assert.Equal(t, uint32(11), got.MessageID)
	body, ok := got.Body.(protocol.CallListResponse)
	require.True(t, ok)
	assert.Equal(t, tbl.Rows, body.Table.Rows)
}

func TestReadFramesOutOfOrder(t *testing.T) {
	payload := make([]byte, protocol.MaxPartSize+100)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	h := protocol.Header{Command: protocol.CmdCallList, Subcommand: protocol.SubResponse, MessageID: 9, TotalSize: uint32(len(payload))}

	var wire bytes.Buffer
	tail := h
	tail.Offset, tail.PartSize = protocol.MaxPartSize, 100
	wire.Write(protocol.EncodeHeader(tail))
	wire.Write(payload[protocol.MaxPartSize:])
	head := h
	head.Offset, head.PartSize = 0, protocol.MaxPartSize
	wire.Write(protocol.EncodeHeader(head))
	wire.Write(payload[:protocol.MaxPartSize])

	got, data, err := ReadFrames(&wire, 0, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, uint32(9), got.MessageID)
}

func TestReadFramesShortHeaderIsMalformed(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write(make([]byte, 10))
		client.Close()
	}()

	_, _, err := ReadFrames(server, time.Second, DefaultLimits())
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorIs(t, err, protocol.ErrShortHeader)
}

func TestReadFramesShortHeaderBeforeTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() { _, _ = client.Write(make([]byte, 10)) }()

	_, _, err := ReadFrames(server, 200*time.Millisecond, DefaultLimits())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReadFramesCleanClose(t *testing.T) {
	_, _, err := ReadFrames(bytes.NewReader(nil), 0, DefaultLimits())
	assert.ErrorIs(t, err, io.EOF)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestReadFramesTimeoutWithoutData(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, _, err := ReadFrames(server, 20*time.Millisecond, DefaultLimits())
	assert.True(t, IsTimeout(err))
}

func TestReadFramesTruncatedPayload(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(protocol.EncodeHeader(protocol.Header{TotalSize: 50, PartSize: 50}))
	wire.Write(make([]byte, 20))

	_, _, err := ReadFrames(&wire, 0, DefaultLimits())
	assert.ErrorIs(t, err, ErrIncompleteMessage)
}

func TestReadFramesRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name  string
		build func(*bytes.Buffer)
	}{
		{"part beyond total", func(b *bytes.Buffer) {
			b.Write(protocol.EncodeHeader(protocol.Header{TotalSize: 10, PartSize: 20}))
		}},
		{"too large", func(b *bytes.Buffer) {
			b.Write(protocol.EncodeHeader(protocol.Header{TotalSize: DefaultMaxMessageBytes + 1, PartSize: 1}))
		}},
		{"zero part with bytes left", func(b *bytes.Buffer) {
			b.Write(protocol.EncodeHeader(protocol.Header{TotalSize: 10}))
		}},
		{"foreign message id", func(b *bytes.Buffer) {
			b.Write(protocol.EncodeHeader(protocol.Header{MessageID: 1, TotalSize: 10, PartSize: 5}))
			b.Write(make([]byte, 5))
			b.Write(protocol.EncodeHeader(protocol.Header{MessageID: 2, TotalSize: 10, PartSize: 5, Offset: 5}))
			b.Write(make([]byte, 5))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wire bytes.Buffer
			tt.build(&wire)
			_, _, err := ReadFrames(&wire, 0, DefaultLimits())
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

// trickleWriter accepts at most three bytes per call.
type trickleWriter struct{ bytes.Buffer }

func (w *trickleWriter) Write(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return w.Buffer.Write(p)
}

func TestSendWriteFailure(t *testing.T) {
	err := Send(failingWriter{}, protocol.Message{Body: protocol.ListInfoQuery{}})
	assert.ErrorIs(t, err, ErrWriteFailure)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestSendRetriesPartialWrites(t *testing.T) {
	var w trickleWriter
	require.NoError(t, Send(&w, protocol.Message{Body: protocol.ListenQuery{Mask: 7}}))

	msg, err := Receive(&w.Buffer, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.ListenQuery{Mask: 7}, msg.Body)
}

func BenchmarkSendReceive(b *testing.B) {
	for _, rows := range []int{1, 40} {
		b.Run(fmt.Sprintf("rows=%d", rows), func(b *testing.B) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()
			msg := protocol.Message{MessageID: 1, Body: protocol.CallListResponse{Table: bigTable(rows)}}

			errCh := make(chan error, 1)
			go func() {
				for i := 0; i < b.N; i++ {
					if err := Send(client, msg); err != nil {
						errCh <- err
						return
					}
				}
				errCh <- nil
			}()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := Receive(server, 5*time.Second); err != nil {
					b.Fatal(err)
				}
			}
			if err := <-errCh; err != nil {
				b.Fatal(err)
			}
		})
	}
}
