package main

// client.go = connection handling for the diagnostic client.

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"callbridge/internal/microservices/tcp"
	"callbridge/internal/protocol"
	"callbridge/internal/transport"
)

var errShutdown = errors.New("server shut down")

// Event is one broadcast as the client saw it.
type Event struct {
	Stage string
	Call  protocol.CallEvent
}

// Client is a bridge client speaking either the legacy record stream or the
// framed protocol, depending on the version it announces.
type Client struct {
	conn    net.Conn
	version protocol.Version

	mu       sync.Mutex
	msgID    uint32
	received int
}

func Dial(addr string, version protocol.Version, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return &Client{conn: conn, version: version}, nil
}

func (c *Client) structured() bool {
	return c.version.AtLeast(protocol.StructuredVersion)
}

func (c *Client) send(body protocol.Body) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgID++
	return transport.Send(c.conn, protocol.Message{MessageID: c.msgID, Body: body})
}

// Hello announces the version and listen mask. Legacy clients announce
// nothing: the server treats silent clients as legacy.
func (c *Client) Hello(mask uint32) error {
	if !c.structured() {
		return nil
	}
	if err := c.send(protocol.VersionQuery{Version: c.version}); err != nil {
		return err
	}
	if mask != 0 {
		return c.send(protocol.ListenQuery{Mask: mask})
	}
	return nil
}

// RequestCalls asks for the newest count calls; the answer arrives in Listen.
func (c *Client) RequestCalls(count uint16) error {
	if !c.structured() {
		return fmt.Errorf("call list needs version %s or later", protocol.StructuredVersion)
	}
	return c.send(protocol.CallListQuery{Count: count})
}

// Listen reports broadcasts to onEvent and other messages to onOther until
// the server shuts down or the connection ends.
func (c *Client) Listen(onEvent func(Event), onOther func(protocol.Message)) error {
	if !c.structured() {
		return c.listenLegacy(onEvent)
	}
	for {
		msg, err := transport.Receive(c.conn, 0)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, transport.ErrMalformed) {
				continue
			}
			return err
		}
		c.count()
		switch body := msg.Body.(type) {
		case protocol.CallEventPush:
			onEvent(Event{Stage: stageName(msg.Flags), Call: body.Event})
		case protocol.ShutdownPush:
			return errShutdown
		default:
			onOther(msg)
		}
	}
}

func (c *Client) listenLegacy(onEvent func(Event)) error {
	buf := make([]byte, tcp.LegacyRecordSize)
	for {
		if _, err := io.ReadFull(c.conn, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		c.count()
		kind, ev, err := tcp.DecodeLegacyRecord(buf)
		if err != nil {
			return err
		}
		if kind == tcp.KindDisconnect {
			return errShutdown
		}
		onEvent(Event{Stage: kind.String(), Call: ev})
	}
}

func (c *Client) count() {
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
}

func (c *Client) Received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

// Close says goodbye on the framed protocol, then closes the socket.
func (c *Client) Close() error {
	if c.structured() {
		_ = c.send(protocol.LeaveQuery{})
	}
	return c.conn.Close()
}

func stageName(flags uint16) string {
	switch {
	case flags&protocol.FlagStageInit != 0:
		return "message"
	case flags&protocol.FlagStageUpdate != 0:
		return "update"
	case flags&protocol.FlagStageComplete != 0:
		return "complete"
	}
	return "event"
}
