package tcp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"callbridge/internal/protocol"
	"callbridge/internal/transport"
)

// WriteTimeout bounds a single send to one client, so a stalled peer cannot
// hold up a broadcast pass for long.
const WriteTimeout = 5 * time.Second

// Listen mask bits. A zero mask receives every kind.
const (
	ListenMessage  uint32 = 1 << 0
	ListenUpdate   uint32 = 1 << 1
	ListenComplete uint32 = 1 << 2
)

type ClientConnection struct {
	ID          string // unique identifier, also used in logs
	Number      uint16 // small id handed out by REGISTER
	conn        net.Conn
	ConnectedAt time.Time
	Limiter     *rate.Limiter // inbound request rate limiter

	writeMu sync.Mutex // one writer at a time so frames never interleave
	version atomic.Uint64
	mask    atomic.Uint32
	remove  atomic.Bool // set by the I/O loop or a failed send, consumed by Purge
}

// constructor for ClientConnection, starts out at the legacy protocol version
func NewClientConnection(conn net.Conn, number uint16) *ClientConnection {
	c := &ClientConnection{
		ID:          uuid.NewString(),
		Number:      number,
		conn:        conn,
		ConnectedAt: time.Now(),
		Limiter:     rate.NewLimiter(rate.Limit(10), 20), // 10 msgs/sec with burst of 20
	}
	c.SetVersion(protocol.LegacyVersion)
	return c
}

func (c *ClientConnection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Version is the protocol version the client announced, or the legacy default.
func (c *ClientConnection) Version() protocol.Version {
	v := c.version.Load()
	return protocol.Version{Major: uint16(v >> 32), Minor: uint16(v >> 16), Patch: uint16(v)}
}

func (c *ClientConnection) SetVersion(v protocol.Version) {
	c.version.Store(uint64(v.Major)<<32 | uint64(v.Minor)<<16 | uint64(v.Patch))
}

func (c *ClientConnection) ListenMask() uint32 {
	return c.mask.Load()
}

func (c *ClientConnection) SetListenMask(mask uint32) {
	c.mask.Store(mask)
}

// Wants reports whether the client's listen mask lets kind through.
func (c *ClientConnection) Wants(kind BroadcastKind) bool {
	bit := kind.listenBit()
	mask := c.mask.Load()
	return bit == 0 || mask == 0 || mask&bit != 0
}

func (c *ClientConnection) MarkForRemoval() {
	c.remove.Store(true)
}

func (c *ClientConnection) MarkedForRemoval() bool {
	return c.remove.Load()
}

// Send writes one framed protocol message.
func (c *ClientConnection) Send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := transport.Send(c.conn, msg); err != nil {
		return fmt.Errorf("%w: client %s: %w", ErrSocket, c.ID, err)
	}
	return nil
}

// SendRaw writes b unframed, as legacy clients expect.
func (c *ClientConnection) SendRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			return fmt.Errorf("%w: client %s: %w", ErrSocket, c.ID, err)
		}
		b = b[n:]
	}
	return nil
}

// method to close the connection
func (c *ClientConnection) Close() error {
	return c.conn.Close()
}

// ClientInfo is a point-in-time view of one connection for status reporting.
type ClientInfo struct {
	ID          string    `json:"id"`
	Number      uint16    `json:"number"`
	RemoteAddr  string    `json:"remote_addr"`
	Version     string    `json:"version"`
	ListenMask  uint32    `json:"listen_mask"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (c *ClientConnection) Info() ClientInfo {
	return ClientInfo{
		ID:          c.ID,
		Number:      c.Number,
		RemoteAddr:  c.RemoteAddr(),
		Version:     c.Version().String(),
		ListenMask:  c.ListenMask(),
		ConnectedAt: c.ConnectedAt,
	}
}
