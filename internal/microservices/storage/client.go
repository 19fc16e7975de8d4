// Package storage speaks the wire protocol to the persistence backend:
// Client is the bridge's side, Server the backend process.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"callbridge/internal/microservices/tcp"
	"callbridge/internal/protocol"
	"callbridge/internal/transport"
)

var (
	ErrNotConnected = errors.New("storage: not connected")
	ErrRemote       = errors.New("storage: request failed")
	ErrUnexpected   = errors.New("storage: unexpected response")
)

const DefaultRequestTimeout = 10 * time.Second

// Client issues one request at a time over the downstream connection. The
// reconnect manager owns the connection and hands it over through Attach.
type Client struct {
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex // serializes requests; guards the fields below
	conn     net.Conn
	clientID uint16
	msgID    uint32
}

func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{timeout: timeout, logger: logger}
}

// Attach adopts conn and registers with the backend. Its signature matches
// the reconnect endpoint's OnConnect hook.
func (c *Client) Attach(conn net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.clientID = 0

	resp, err := c.roundTrip(context.Background(), protocol.RegisterQuery{})
	if err != nil {
		c.conn = nil
		return fmt.Errorf("register: %w", err)
	}
	reg, ok := resp.(protocol.RegisterResponse)
	if !ok {
		c.conn = nil
		return fmt.Errorf("register: %w: %T", ErrUnexpected, resp)
	}
	if err := remoteErr(reg.ErrCode); err != nil {
		c.conn = nil
		return fmt.Errorf("register: %w", err)
	}
	c.clientID = reg.ClientID
	c.logger.Info("storage_registered", "client_id", reg.ClientID)
	return nil
}

// Detach forgets the connection; the owner closes it.
func (c *Client) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.clientID = 0
}

func (c *Client) request(ctx context.Context, body protocol.Body) (protocol.Body, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundTrip(ctx, body)
}

// roundTrip sends body and waits for the response carrying the same message
// id. Responses to earlier, abandoned requests are skipped. c.mu is held.
func (c *Client) roundTrip(ctx context.Context, body protocol.Body) (protocol.Body, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.msgID++
	id := c.msgID
	_ = c.conn.SetWriteDeadline(deadline)
	err := transport.Send(c.conn, protocol.Message{ClientID: c.clientID, MessageID: id, Body: body})
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return nil, c.broken(err)
	}

	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, c.broken(fmt.Errorf("storage: %s: %w", body.Command(), context.DeadlineExceeded))
		}
		msg, err := transport.Receive(c.conn, wait)
		if err != nil {
			return nil, c.broken(err)
		}
		if msg.MessageID != id || msg.Body.Command() != body.Command() {
			c.logger.Debug("storage_stale_response",
				"message_id", msg.MessageID,
				"command", msg.Body.Command().String(),
			)
			continue
		}
		return msg.Body, nil
	}
}

// broken drops a connection whose framing can no longer be trusted. The
// next write fails with ErrNotConnected, which makes the reconnect manager
// replace the connection. c.mu is held.
func (c *Client) broken(err error) error {
	c.logger.Warn("storage_connection_broken", "error", err)
	c.conn = nil
	return err
}

func remoteErr(code uint16) error {
	switch code {
	case protocol.ErrCodeOK:
		return nil
	case protocol.ErrCodeNotFound:
		return tcp.ErrNotFound
	default:
		return fmt.Errorf("%w: code %d", ErrRemote, code)
	}
}

// WriteCall stores one call event.
func (c *Client) WriteCall(ctx context.Context, ev protocol.CallEvent) error {
	resp, err := c.request(ctx, protocol.WriteCallQuery{Table: ev.Table()})
	if err != nil {
		return err
	}
	r, ok := resp.(protocol.WriteCallResponse)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpected, resp)
	}
	return remoteErr(r.ErrCode)
}

func (c *Client) ListCalls(ctx context.Context, offset uint32, count uint16) ([]protocol.CallEvent, error) {
	resp, err := c.request(ctx, protocol.CallListQuery{Offset: offset, Count: count})
	if err != nil {
		return nil, err
	}
	r, ok := resp.(protocol.CallListResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpected, resp)
	}
	if err := remoteErr(r.ErrCode); err != nil {
		return nil, err
	}
	if len(r.Table.Rows) == 0 {
		return nil, nil
	}
	return protocol.CallEventsFromTable(r.Table)
}

func (c *Client) CountCalls(ctx context.Context) (uint32, error) {
	resp, err := c.request(ctx, protocol.ListInfoQuery{})
	if err != nil {
		return 0, err
	}
	r, ok := resp.(protocol.ListInfoResponse)
	if !ok {
		return 0, fmt.Errorf("%w: %T", ErrUnexpected, resp)
	}
	return r.Entries, remoteErr(r.ErrCode)
}

func (c *Client) ReadCaller(ctx context.Context, number string) (protocol.Table, error) {
	resp, err := c.request(ctx, protocol.ReadCallerQuery{UserID: c.userID(), Number: number})
	if err != nil {
		return protocol.Table{}, err
	}
	r, ok := resp.(protocol.ReadCallerResponse)
	if !ok {
		return protocol.Table{}, fmt.Errorf("%w: %T", ErrUnexpected, resp)
	}
	return r.Table, remoteErr(r.ErrCode)
}

func (c *Client) ListCallers(ctx context.Context, filter string) (protocol.Table, error) {
	resp, err := c.request(ctx, protocol.CallerListQuery{UserID: c.userID(), Filter: filter})
	if err != nil {
		return protocol.Table{}, err
	}
	r, ok := resp.(protocol.CallerListResponse)
	if !ok {
		return protocol.Table{}, fmt.Errorf("%w: %T", ErrUnexpected, resp)
	}
	return r.Table, remoteErr(r.ErrCode)
}

func (c *Client) userID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}
