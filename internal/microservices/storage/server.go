package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"callbridge/internal/directory"
	"callbridge/internal/history"
	"callbridge/internal/protocol"
	"callbridge/internal/transport"
)

// History is the call log the server writes to and pages through.
type History interface {
	InsertCall(ctx context.Context, ev protocol.CallEvent) (uint32, error)
	ListCalls(ctx context.Context, offset uint32, count uint16) ([]protocol.CallEvent, error)
	CountCalls(ctx context.Context) (uint32, error)
}

// Directory is the caller directory behind the *_CALLER requests.
type Directory interface {
	FindCaller(ctx context.Context, number string) (*directory.Caller, error)
	SaveCaller(ctx context.Context, c *directory.Caller) error
	DeleteCallers(ctx context.Context, numbers ...string) error
	ListCallers(ctx context.Context, filter string) ([]directory.Caller, error)
}

const (
	TableCalls   = "calls"
	TableCallers = "callers"
)

type ServerConfig struct {
	History        History
	Directory      Directory // nil answers caller requests as unsupported
	RequestTimeout time.Duration
	IdleTimeout    time.Duration // 0 keeps idle clients forever
	Limits         transport.Limits
	Logger         *slog.Logger
}

// Server is the persistence backend: one goroutine per client connection,
// requests answered in order.
type Server struct {
	callers Directory
	calls   History
	timeout time.Duration
	idle    time.Duration
	limits  transport.Limits
	logger  *slog.Logger
	nextID  atomic.Uint32

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Limits.MaxMessageBytes == 0 {
		cfg.Limits = transport.DefaultLimits()
	}
	return &Server{
		callers: cfg.Directory,
		calls:   cfg.History,
		timeout: cfg.RequestTimeout,
		idle:    cfg.IdleTimeout,
		limits:  cfg.Limits,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts on ln until ctx is done, then closes every client and
// waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("storage_server_listening", "addr", ln.Addr().String())
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeAll()
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("storage: accept: %w", err)
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.logger.Info("storage_client_connected", "remote_addr", remote)

	for {
		h, payload, err := transport.ReadFrames(conn, s.idle, s.limits)
		if err != nil {
			if errors.Is(err, transport.ErrMalformed) {
				s.logger.Warn("storage_malformed_request", "remote_addr", remote, "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("storage_read_failed", "remote_addr", remote, "error", err)
			}
			s.logger.Info("storage_client_disconnected", "remote_addr", remote)
			return
		}

		req, err := protocol.Unmarshal(h, payload)
		if err != nil {
			s.logger.Warn("storage_bad_request",
				"remote_addr", remote,
				"command", h.Command.String(),
				"error", err,
			)
			continue
		}
		body := s.handle(ctx, req)
		if body == nil {
			continue
		}
		resp := protocol.Message{ClientID: req.ClientID, MessageID: req.MessageID, Body: body}
		_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
		if err := transport.Send(conn, resp); err != nil {
			s.logger.Warn("storage_reply_failed", "remote_addr", remote, "error", err)
			return
		}
		_ = conn.SetWriteDeadline(time.Time{})
	}
}

// handle returns the response for req, or nil when none is sent.
func (s *Server) handle(ctx context.Context, req protocol.Message) protocol.Body {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.answer(ctx, req.Body)
	if err != nil {
		s.logger.Warn("storage_request_failed",
			"command", req.Body.Command().String(),
			"error", err,
		)
	}
	return resp
}

func (s *Server) answer(ctx context.Context, body protocol.Body) (protocol.Body, error) {
	switch q := body.(type) {
	case protocol.RegisterQuery:
		id := uint16(s.nextID.Add(1))
		if id == 0 {
			id = uint16(s.nextID.Add(1))
		}
		return protocol.RegisterResponse{ClientID: id}, nil
	case protocol.ListenQuery:
		return protocol.ListenResponse{}, nil
	case protocol.LeaveQuery:
		return nil, nil
	case protocol.VersionQuery:
		return protocol.VersionResponse{Version: protocol.CurrentVersion}, nil

	case protocol.WriteCallQuery:
		ev, err := protocol.CallEventFromTable(q.Table)
		if err != nil {
			return protocol.WriteCallResponse{ErrCode: protocol.ErrCodeFailed}, err
		}
		idx, err := s.calls.InsertCall(ctx, ev)
		if errors.Is(err, history.ErrDuplicate) {
			// replay after a lost acknowledgement
			return protocol.WriteCallResponse{Index: idx}, nil
		}
		return protocol.WriteCallResponse{ErrCode: code(err), Index: idx}, err
	case protocol.CallListQuery:
		calls, err := s.calls.ListCalls(ctx, q.Offset, q.Count)
		return protocol.CallListResponse{ErrCode: code(err), Table: protocol.CallEventsTable(calls)}, err
	case protocol.ListInfoQuery:
		n, err := s.calls.CountCalls(ctx)
		return protocol.ListInfoResponse{ErrCode: code(err), Entries: n}, err

	case protocol.ShowTablesQuery:
		return protocol.ShowTablesResponse{Tables: []string{TableCalls, TableCallers}}, nil
	case protocol.DescribeTableQuery:
		switch q.Name {
		case TableCalls:
			return protocol.DescribeTableResponse{Columns: protocol.CallEventColumns()}, nil
		case TableCallers:
			return protocol.DescribeTableResponse{Columns: directory.Columns()}, nil
		}
		return protocol.DescribeTableResponse{ErrCode: protocol.ErrCodeNotFound}, nil
	}

	if s.callers == nil {
		return unsupportedCaller(body), nil
	}
	switch q := body.(type) {
	case protocol.ReadCallerQuery:
		c, err := s.callers.FindCaller(ctx, q.Number)
		if err != nil {
			return protocol.ReadCallerResponse{ErrCode: code(err), Table: directory.ToTable(nil)}, quiet(err)
		}
		return protocol.ReadCallerResponse{Table: directory.ToTable([]directory.Caller{*c})}, nil
	case protocol.WriteCallerQuery:
		callers := directory.FromTable(q.Table)
		var saved uint32
		for i := range callers {
			if err := s.callers.SaveCaller(ctx, &callers[i]); err != nil {
				return protocol.WriteCallerResponse{ErrCode: code(err), Index: saved}, err
			}
			saved++
		}
		return protocol.WriteCallerResponse{Index: saved}, nil
	case protocol.CallerListQuery:
		callers, err := s.callers.ListCallers(ctx, q.Filter)
		return protocol.CallerListResponse{ErrCode: code(err), Table: directory.ToTable(callers)}, err
	case protocol.DeleteCallerQuery:
		err := s.callers.DeleteCallers(ctx, q.Strings...)
		return protocol.DeleteCallerResponse{ErrCode: code(err)}, quiet(err)
	}
	return unsupportedCaller(body), fmt.Errorf("%w: %s", protocol.ErrUnsupportedMessage, body.Command())
}

func unsupportedCaller(body protocol.Body) protocol.Body {
	switch body.(type) {
	case protocol.ReadCallerQuery:
		return protocol.ReadCallerResponse{ErrCode: protocol.ErrCodeUnsupported}
	case protocol.WriteCallerQuery:
		return protocol.WriteCallerResponse{ErrCode: protocol.ErrCodeUnsupported}
	case protocol.CallerListQuery:
		return protocol.CallerListResponse{ErrCode: protocol.ErrCodeUnsupported}
	case protocol.DeleteCallerQuery:
		return protocol.DeleteCallerResponse{ErrCode: protocol.ErrCodeUnsupported}
	}
	return nil
}

func code(err error) uint16 {
	switch {
	case err == nil:
		return protocol.ErrCodeOK
	case errors.Is(err, directory.ErrNotFound):
		return protocol.ErrCodeNotFound
	default:
		return protocol.ErrCodeFailed
	}
}

// quiet hides not-found from the log.
func quiet(err error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return nil
	}
	return err
}
