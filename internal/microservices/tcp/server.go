package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"callbridge/internal/protocol"
	"callbridge/internal/transport"
)

// DefaultBindRetry is how long the server waits before binding again when
// its port is still taken.
const DefaultBindRetry = 10 * time.Second

type ServerState int

const (
	StateUninitialized ServerState = iota
	StateInitialized
	StateRunning
	StateConnected // transient, only seen while Disconnect runs
)

func (s ServerState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateConnected:
		return "connected"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Queries answers the history and directory requests clients may send.
type Queries interface {
	ListCalls(ctx context.Context, offset uint32, count uint16) ([]protocol.CallEvent, error)
	CountCalls(ctx context.Context) (uint32, error)
	ReadCaller(ctx context.Context, number string) (protocol.Table, error)
	ListCallers(ctx context.Context, filter string) (protocol.Table, error)
}

type ServerConfig struct {
	Host         string // empty listens on all interfaces
	BindRetry    time.Duration
	QueryTimeout time.Duration
	Limits       transport.Limits
	Queries      Queries // may be nil, queries are then answered as unsupported
	Logger       *slog.Logger
}

// server struct and methods
type TCPServer struct {
	Manager *ConnectionManager // registry shared by the loop and broadcasters

	host         string
	bindRetry    time.Duration
	queryTimeout time.Duration
	limits       transport.Limits
	queries      Queries
	logger       *slog.Logger
	lc           net.ListenConfig
	msgID        atomic.Uint32

	mu       sync.Mutex // guards state and the per-run fields below
	state    ServerState
	quit     chan struct{} // closed to stop the loop
	loopDone chan struct{}
	ready    chan struct{} // closed once the listener is bound
	addr     net.Addr      // written before ready is closed
	ctx      context.Context
	cancel   context.CancelFunc

	wg sync.WaitGroup // accept, reader and query goroutines
}

// constructor for Server
func NewServer(cfg ServerConfig) *TCPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BindRetry <= 0 {
		cfg.BindRetry = DefaultBindRetry
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.Limits.MaxMessageBytes == 0 {
		cfg.Limits = transport.DefaultLimits()
	}
	return &TCPServer{
		Manager:      NewConnectionManager(logger),
		host:         cfg.Host,
		bindRetry:    cfg.BindRetry,
		queryTimeout: cfg.QueryTimeout,
		limits:       cfg.Limits,
		queries:      cfg.Queries,
		logger:       logger,
	}
}

func (s *TCPServer) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Init checks that a listening socket can be created and prepares its
// options. Calling it again is a no-op.
func (s *TCPServer) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return nil
	}
	if err := probeSocket(); err != nil {
		return fmt.Errorf("%w: %w", ErrSocket, err)
	}
	s.lc = net.ListenConfig{Control: reuseAddrControl}
	s.state = StateInitialized
	return nil
}

// Run starts the serving loop on port and returns immediately. Binding
// happens inside the loop and is retried while the port is in use; use
// Ready to wait for it.
func (s *TCPServer) Run(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateRunning, StateConnected:
		return ErrAlreadyRunning
	}

	s.quit = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.ready = make(chan struct{})
	s.addr = nil
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.loop(s.ctx, port, s.quit, s.ready, s.loopDone)
	s.state = StateRunning
	return nil
}

// Ready is closed once the listener is bound in the current run.
func (s *TCPServer) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		ch := make(chan struct{})
		return ch
	}
	return s.ready
}

// Addr is the bound listener address, nil until Ready is closed.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready == nil {
		return nil
	}
	select {
	case <-ready:
		return s.addr
	default:
		return nil
	}
}

// event is what the accept and reader goroutines hand to the loop.
type event struct {
	conn    net.Conn // newly accepted, client is nil
	client  *ClientConnection
	header  protocol.Header
	payload []byte
	err     error
}

// loop owns the listener and serializes every registry change: accepts,
// reads and purges all happen here. ctx is canceled by Disconnect.
func (s *TCPServer) loop(ctx context.Context, port int, quit, ready, done chan struct{}) {
	defer close(done)

	ln, err := s.listen(port, quit)
	if err != nil {
		if !errors.Is(err, errStopped) {
			s.logger.Error("listen_failed", "port", port, "error", err)
		}
		return
	}
	defer ln.Close()
	s.addr = ln.Addr()
	close(ready)
	s.logger.Info("tcp_server_started", "addr", ln.Addr().String())

	events := make(chan event)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, events, quit)
	}()

	for {
		select {
		case <-quit:
			return
		case ev := <-events:
			s.handleEvent(ctx, ev, events, quit)
			s.Manager.Purge() // after every cycle
		}
	}
}

var errStopped = errors.New("tcp: stopped")

func (s *TCPServer) listen(port int, quit <-chan struct{}) (net.Listener, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(port))
	for {
		ln, err := s.lc.Listen(context.Background(), "tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %w", ErrSocket, err)
		}
		s.logger.Warn("bind_address_in_use",
			"addr", addr,
			"retry_in", s.bindRetry.String(),
		)
		select {
		case <-quit:
			return nil, errStopped
		case <-time.After(s.bindRetry):
		}
	}
}

func (s *TCPServer) acceptLoop(ln net.Listener, events chan<- event, quit <-chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("failed_to_accept_connection", "error", err)
			continue
		}
		select {
		case events <- event{conn: conn}:
		case <-quit:
			conn.Close()
			return
		}
	}
}

// readLoop turns one client's byte stream into events until the socket fails.
func (s *TCPServer) readLoop(client *ClientConnection, events chan<- event, quit <-chan struct{}) {
	defer s.wg.Done()
	for {
		h, payload, err := transport.ReadFrames(client.conn, 0, s.limits)
		select {
		case events <- event{client: client, header: h, payload: payload, err: err}:
		case <-quit:
			return
		}
		if err != nil && !errors.Is(err, transport.ErrMalformed) {
			return
		}
	}
}

func (s *TCPServer) handleEvent(ctx context.Context, ev event, events chan<- event, quit <-chan struct{}) {
	switch {
	case ev.conn != nil:
		client := s.Manager.Add(ev.conn)
		s.wg.Add(1)
		go s.readLoop(client, events, quit)
	case ev.err != nil:
		s.handleReadError(ev.client, ev.err)
	case ev.client.MarkedForRemoval():
		// left or failed; anything still in flight is dropped
	default:
		s.dispatch(ctx, ev.client, ev.header, ev.payload)
	}
}

func (s *TCPServer) handleReadError(client *ClientConnection, err error) {
	if client.MarkedForRemoval() {
		return // already on its way out, the read failed because Purge closed it
	}
	switch {
	case errors.Is(err, transport.ErrMalformed):
		// the rest of the junk was drained, keep the client
		s.logger.Warn("malformed_message",
			"client_id", client.ID,
			"error", err,
		)
		return
	case errors.Is(err, io.EOF):
		s.logger.Info("client_disconnected",
			"client_id", client.ID,
		)
	default:
		s.logger.Warn("client_read_error",
			"client_id", client.ID,
			"error", err,
		)
	}
	s.Manager.MarkForRemoval(client)
}

// Broadcast sends ev to every client whose listen mask accepts kind: the
// fixed legacy record to clients below the structured protocol version and a
// framed CALL_EVENT (or SHUTDOWN for KindDisconnect) to everyone else.
// Clients whose send fails are marked for removal and purged once the pass
// is over. No registry lock is held while writing.
func (s *TCPServer) Broadcast(kind BroadcastKind, ev *protocol.CallEvent) error {
	legacy, err := EncodeLegacyRecord(kind, ev)
	if err != nil {
		return err
	}
	msg := protocol.Message{MessageID: s.msgID.Add(1), Flags: kind.stage()}
	if kind == KindDisconnect {
		msg.Body = protocol.ShutdownPush{}
	} else {
		var body protocol.CallEventPush
		if ev != nil {
			body.Event = *ev
		}
		msg.Body = body
	}

	sent, failed := 0, 0
	s.Manager.ForEach(func(c *ClientConnection) {
		if c.MarkedForRemoval() || !c.Wants(kind) {
			return
		}
		var err error
		if c.Version().AtLeast(protocol.StructuredVersion) {
			err = c.Send(msg)
		} else {
			err = c.SendRaw(legacy)
		}
		if err != nil {
			failed++
			s.logger.Warn("failed_to_send_broadcast",
				"client_id", c.ID,
				"kind", kind.String(),
				"error", err.Error(),
			)
			c.MarkForRemoval()
			return
		}
		sent++
	})
	purged := s.Manager.Purge()
	s.logger.Debug("broadcast_sent",
		"kind", kind.String(),
		"sent", sent,
		"failed", failed,
		"purged", purged,
	)
	return nil
}

// Disconnect stops the loop if it is running, tells every client the server
// is going away and closes all client sockets. The server ends up
// Initialized and can be Run again.
func (s *TCPServer) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("tcp_server_disconnecting", "state", s.state.String())

	switch s.state {
	case StateUninitialized:
		return nil
	case StateRunning:
		close(s.quit) // signal the loop and every goroutine selecting on quit
		s.cancel()
		<-s.loopDone
		s.state = StateConnected
		fallthrough
	case StateConnected:
		if err := s.Broadcast(KindDisconnect, nil); err != nil {
			s.logger.Warn("shutdown_broadcast_failed", "error", err)
		}
		s.state = StateInitialized
	}

	s.Manager.CloseAll()
	s.wg.Wait()
	s.logger.Info("tcp_server_stopped")
	return nil
}
