package tcp

import (
	"context"
	"errors"
	"fmt"

	"callbridge/internal/protocol"
)

// dispatch handles one complete request from client on the loop goroutine.
// Requests that need the query backend run on their own goroutine so a slow
// database never stalls accepts or reads.
func (s *TCPServer) dispatch(ctx context.Context, client *ClientConnection, h protocol.Header, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dispatch_panic",
				"client_id", client.ID,
				"command", h.Command.String(),
				"panic", fmt.Sprint(r),
			)
			s.Manager.MarkForRemoval(client)
		}
	}()

	msg, err := protocol.Unmarshal(h, payload)
	if err != nil {
		event := "invalid_message"
		if errors.Is(err, protocol.ErrUnsupportedMessage) {
			event = "unsupported_message"
		}
		s.logger.Warn(event,
			"client_id", client.ID,
			"command", h.Command.String(),
			"subcommand", h.Subcommand.String(),
			"error", err,
		)
		return
	}

	// control messages always pass so a busy client can still upgrade or leave
	if !isControl(msg.Body) && !client.Limiter.Allow() {
		s.logger.Warn("rate_limit_exceeded",
			"client_id", client.ID,
			"command", h.Command.String(),
		)
		s.reply(client, msg, rejected(msg.Body, protocol.ErrCodeFailed))
		return
	}

	switch body := msg.Body.(type) {
	case protocol.VersionQuery:
		client.SetVersion(body.Version)
		s.logger.Info("client_version",
			"client_id", client.ID,
			"version", body.Version.String(),
			"structured", body.Version.AtLeast(protocol.StructuredVersion),
		)
		s.reply(client, msg, protocol.VersionResponse{Version: protocol.CurrentVersion})
	case protocol.LeaveQuery:
		s.logger.Info("client_leaving", "client_id", client.ID)
		s.Manager.MarkForRemoval(client)
	case protocol.RegisterQuery:
		s.reply(client, msg, protocol.RegisterResponse{ClientID: client.Number})
	case protocol.ListenQuery:
		client.SetListenMask(body.Mask)
		s.reply(client, msg, protocol.ListenResponse{})
	case protocol.CallListQuery, protocol.ListInfoQuery, protocol.ReadCallerQuery, protocol.CallerListQuery:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveQuery(ctx, client, msg)
		}()
	default:
		s.logger.Warn("unhandled_message",
			"client_id", client.ID,
			"command", h.Command.String(),
			"subcommand", h.Subcommand.String(),
		)
	}
}

func (s *TCPServer) serveQuery(ctx context.Context, client *ClientConnection, req protocol.Message) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	resp, err := s.answer(ctx, req.Body)
	if err != nil {
		s.logger.Warn("query_failed",
			"client_id", client.ID,
			"command", req.Body.Command().String(),
			"error", err,
		)
	}
	s.reply(client, req, resp)
}

// answer always returns a response body; err only feeds the log.
func (s *TCPServer) answer(ctx context.Context, body protocol.Body) (protocol.Body, error) {
	if s.queries == nil {
		return unsupported(body), nil
	}
	switch q := body.(type) {
	case protocol.CallListQuery:
		calls, err := s.queries.ListCalls(ctx, q.Offset, q.Count)
		return protocol.CallListResponse{ErrCode: codeFor(err), Table: protocol.CallEventsTable(calls)}, err
	case protocol.ListInfoQuery:
		n, err := s.queries.CountCalls(ctx)
		return protocol.ListInfoResponse{ErrCode: codeFor(err), Entries: n}, err
	case protocol.ReadCallerQuery:
		t, err := s.queries.ReadCaller(ctx, q.Number)
		return protocol.ReadCallerResponse{ErrCode: codeFor(err), Table: t}, err
	case protocol.CallerListQuery:
		t, err := s.queries.ListCallers(ctx, q.Filter)
		return protocol.CallerListResponse{ErrCode: codeFor(err), Table: t}, err
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedMessage, body.Command())
}

func isControl(body protocol.Body) bool {
	switch body.(type) {
	case protocol.VersionQuery, protocol.LeaveQuery, protocol.RegisterQuery, protocol.ListenQuery:
		return true
	}
	return false
}

func unsupported(body protocol.Body) protocol.Body {
	return rejected(body, protocol.ErrCodeUnsupported)
}

// rejected is the error response to a query, or nil for anything else.
func rejected(body protocol.Body, code uint16) protocol.Body {
	switch body.(type) {
	case protocol.CallListQuery:
		return protocol.CallListResponse{ErrCode: code}
	case protocol.ListInfoQuery:
		return protocol.ListInfoResponse{ErrCode: code}
	case protocol.ReadCallerQuery:
		return protocol.ReadCallerResponse{ErrCode: code}
	case protocol.CallerListQuery:
		return protocol.CallerListResponse{ErrCode: code}
	}
	return nil
}

func codeFor(err error) uint16 {
	switch {
	case err == nil:
		return protocol.ErrCodeOK
	case errors.Is(err, ErrNotFound):
		return protocol.ErrCodeNotFound
	default:
		return protocol.ErrCodeFailed
	}
}

func (s *TCPServer) reply(client *ClientConnection, req protocol.Message, body protocol.Body) {
	if body == nil {
		return
	}
	resp := protocol.Message{ClientID: client.Number, MessageID: req.MessageID, Body: body}
	if err := client.Send(resp); err != nil {
		s.logger.Warn("reply_failed",
			"client_id", client.ID,
			"command", body.Command().String(),
			"error", err,
		)
		client.MarkForRemoval()
	}
}
