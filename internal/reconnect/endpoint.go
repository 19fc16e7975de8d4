package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"callbridge/internal/netutil"
)

var (
	ErrLinkDown     = errors.New("reconnect: link down")
	ErrNotConnected = errors.New("reconnect: not connected")
)

type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateConnected
	StateListening // upstream only: connected and its reader is running
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EndpointConfig describes one outbound connection.
type EndpointConfig struct {
	Name        string
	Address     string
	DialTimeout time.Duration
	// Dial defaults to a net.Dialer with DialTimeout.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
	// OnConnect runs after every successful connect, e.g. to start a reader.
	// An error closes the new connection again.
	OnConnect func(conn net.Conn) error
	// OnClose runs after the connection was closed.
	OnClose func()
	// Interface maps a connection to the local interface carrying it.
	Interface func(conn net.Conn) (int, string, error)
}

// Endpoint is the connection state machine of one side of the bridge.
type Endpoint struct {
	cfg    EndpointConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	conn     net.Conn
	ifindex  int
	ifname   string
	lastErr  error
	since    time.Time
	attempts int

	retry *time.Ticker // armed while disconnected, owned by the manager loop
}

func NewEndpoint(cfg EndpointConfig, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = d.DialContext
	}
	if cfg.Interface == nil {
		cfg.Interface = netutil.InterfaceForConn
	}
	return &Endpoint{
		cfg:    cfg,
		logger: logger.With("endpoint", cfg.Name),
		state:  StateInitialized,
	}
}

func (e *Endpoint) Name() string { return e.cfg.Name }

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) Connected() bool {
	s := e.State()
	return s == StateConnected || s == StateListening
}

// Conn is the live connection, or nil.
func (e *Endpoint) Conn() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Interface returns the interface index and name recorded at connect time.
func (e *Endpoint) Interface() (int, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ifindex, e.ifname
}

// Connect opens the connection unless one is already up. It records the
// local interface carrying it so link-down events can be matched.
func (e *Endpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.conn != nil {
		e.mu.Unlock()
		return nil
	}
	e.attempts++
	e.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()
	conn, err := e.cfg.Dial(dialCtx, "tcp", e.cfg.Address)
	if err != nil {
		e.setErr(err)
		return fmt.Errorf("reconnect: dial %s %s: %w", e.cfg.Name, e.cfg.Address, err)
	}

	ifindex, ifname, err := e.cfg.Interface(conn)
	if err != nil {
		// still usable, link-down just cannot be matched to it
		e.logger.Warn("interface_lookup_failed", "error", err)
	}

	e.mu.Lock()
	if e.conn != nil { // lost a race with another Connect
		e.mu.Unlock()
		conn.Close()
		return nil
	}
	e.conn = conn
	e.ifindex, e.ifname = ifindex, ifname
	e.state = StateConnected
	e.lastErr = nil
	e.since = time.Now()
	e.mu.Unlock()

	if e.cfg.OnConnect != nil {
		if err := e.cfg.OnConnect(conn); err != nil {
			e.Close(err)
			return fmt.Errorf("reconnect: %s on connect: %w", e.cfg.Name, err)
		}
	}
	e.logger.Info("endpoint_connected",
		"address", e.cfg.Address,
		"ifindex", ifindex,
		"ifname", ifname,
	)
	return nil
}

// MarkListening moves a connected endpoint to Listening.
func (e *Endpoint) MarkListening() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateConnected {
		e.state = StateListening
	}
}

// Close drops the connection, if any, remembering reason as the last error.
// It reports whether a connection was actually closed.
func (e *Endpoint) Close(reason error) bool {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.ifindex, e.ifname = 0, ""
	if e.state != StateUninitialized {
		e.state = StateInitialized
	}
	if reason != nil {
		e.lastErr = reason
	}
	e.since = time.Now()
	e.mu.Unlock()

	if conn == nil {
		return false
	}
	conn.Close()
	if e.cfg.OnClose != nil {
		e.cfg.OnClose()
	}
	e.logger.Info("endpoint_closed", "reason", errString(reason))
	return true
}

func (e *Endpoint) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
}

// EndpointStatus is a point-in-time view for status reporting.
type EndpointStatus struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	State     string    `json:"state"`
	Interface string    `json:"interface,omitempty"`
	IfIndex   int       `json:"ifindex,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
	Attempts  int       `json:"attempts"`
}

func (e *Endpoint) Status() EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EndpointStatus{
		Name:      e.cfg.Name,
		Address:   e.cfg.Address,
		State:     e.state.String(),
		Interface: e.ifname,
		IfIndex:   e.ifindex,
		LastError: errString(e.lastErr),
		Since:     e.since,
		Attempts:  e.attempts,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
