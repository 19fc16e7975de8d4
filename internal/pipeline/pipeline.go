// Package pipeline turns call-monitor notifications into call events and
// pushes them through broadcast, enrichment and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"callbridge/internal/directory"
	"callbridge/internal/lookup"
	"callbridge/internal/microservices/callmonitor"
	"callbridge/internal/microservices/tcp"
	"callbridge/internal/protocol"
)

const (
	ServiceTelephony = "Telefonie"
	FixLine          = "Fix"

	DefaultLookupTimeout = 5 * time.Second
)

type Broadcaster interface {
	Broadcast(kind tcp.BroadcastKind, ev *protocol.CallEvent) error
}

type Persister interface {
	Persist(ctx context.Context, ev protocol.CallEvent) error
}

type Finder interface {
	FindCaller(ctx context.Context, number string) (*directory.Caller, error)
}

type AreaResolver interface {
	Resolve(number string) (lookup.Split, bool)
}

type AliasResolver interface {
	Lookup(msn string) (string, bool)
}

// Config wires the handler. Only Broadcaster is required.
type Config struct {
	Broadcaster   Broadcaster
	Persister     Persister
	Finder        Finder
	Areas         AreaResolver
	Aliases       AliasResolver
	Backup        io.Writer // one line per incoming call, optional
	LookupTimeout time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

type Handler struct {
	cfg      Config
	logger   *slog.Logger
	backupMu sync.Mutex
}

func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	return &Handler{cfg: cfg, logger: cfg.Logger}
}

// Run handles notifications one at a time until ctx is done or in closes.
func (h *Handler) Run(ctx context.Context, in <-chan callmonitor.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-in:
			if !ok {
				return nil
			}
			h.Handle(ctx, n)
		}
	}
}

func (h *Handler) Handle(ctx context.Context, n callmonitor.Notification) {
	switch n.Type {
	case callmonitor.TypeRing:
		h.ring(ctx, n)
	case callmonitor.TypeCall:
		alias, _ := h.alias(n.Caller)
		h.logger.Info("outgoing_call",
			"connection_id", n.ConnectionID,
			"extension", n.Extension,
			"msn", n.Caller,
			"alias", alias,
			"called", n.Called,
		)
	case callmonitor.TypeConnect:
		h.logger.Debug("call_connected", "connection_id", n.ConnectionID, "number", n.Number)
	case callmonitor.TypeDisconnect:
		h.logger.Debug("call_ended", "connection_id", n.ConnectionID, "duration", n.Duration)
	}
}

// EventID formats t as yymmddHHMMSS followed by milliseconds.
func EventID(t time.Time) string {
	return t.Format("060102150405") + fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond))
}

// NewCallEvent fills everything an incoming call carries before any
// directory lookup: ids, timestamps, area split and line alias.
func (h *Handler) NewCallEvent(n callmonitor.Notification, at time.Time) protocol.CallEvent {
	ev := protocol.CallEvent{
		ID:             EventID(at),
		NumberComplete: n.Caller,
		MSN:            n.Called,
		Date:           at.Format("2006-01-02"),
		Time:           at.Format("15:04:05"),
		Service:        ServiceTelephony,
		Fix:            FixLine,
	}

	split := lookup.Split{AreaCode: lookup.Unknown, Number: n.Caller, Area: lookup.Unknown}
	if h.cfg.Areas != nil {
		split, _ = h.cfg.Areas.Resolve(n.Caller)
	}
	ev.AreaCode, ev.Number, ev.Area = split.AreaCode, split.Number, split.Area
	ev.Name = ev.Area
	ev.Alias, _ = h.alias(ev.MSN)
	return ev
}

func (h *Handler) ring(ctx context.Context, n callmonitor.Notification) {
	at := h.cfg.Now()
	ev := h.NewCallEvent(n, at)
	h.logger.Info("incoming_call",
		"call_id", ev.ID,
		"connection_id", n.ConnectionID,
		"number", ev.NumberComplete,
		"msn", ev.MSN,
		"area", ev.Area,
	)
	h.backup(ev, at)

	h.broadcast(tcp.KindMessage, &ev)

	found := h.enrich(ctx, &ev)

	if h.cfg.Persister != nil {
		if err := h.cfg.Persister.Persist(ctx, ev); err != nil {
			h.logger.Error("call_persist_failed", "call_id", ev.ID, "error", err)
		}
	}

	if found {
		h.broadcast(tcp.KindUpdate, &ev)
	}
	h.broadcast(tcp.KindComplete, &ev)
}

// enrich replaces the placeholder name with the directory entry and
// reports whether one was found.
func (h *Handler) enrich(ctx context.Context, ev *protocol.CallEvent) bool {
	if h.cfg.Finder == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.LookupTimeout)
	defer cancel()

	c, err := h.cfg.Finder.FindCaller(ctx, ev.NumberComplete)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			h.logger.Warn("caller_lookup_failed", "call_id", ev.ID, "error", err)
		}
		return false
	}
	if c.Name != "" {
		ev.Name = c.Name
	}
	return true
}

func (h *Handler) alias(msn string) (string, bool) {
	if h.cfg.Aliases == nil {
		return "", false
	}
	return h.cfg.Aliases.Lookup(msn)
}

func (h *Handler) broadcast(kind tcp.BroadcastKind, ev *protocol.CallEvent) {
	if err := h.cfg.Broadcaster.Broadcast(kind, ev); err != nil {
		h.logger.Warn("broadcast_failed",
			"kind", kind.String(),
			"call_id", ev.ID,
			"error", err,
		)
	}
}

// backup appends the call in the line format older tools import:
// number§"name"§"dd.mm.yyyy"§"time"§msn§"alias"§"service"§fix
func (h *Handler) backup(ev protocol.CallEvent, at time.Time) {
	if h.cfg.Backup == nil {
		return
	}
	h.backupMu.Lock()
	defer h.backupMu.Unlock()
	_, err := fmt.Fprintf(h.cfg.Backup, "%s§\"%s\"§\"%s\"§\"%s\"§%s§\"%s\"§\"%s\"§%s\n",
		ev.NumberComplete, ev.Name, at.Format("02.01.2006"), ev.Time,
		ev.MSN, ev.Alias, ev.Service, ev.Fix,
	)
	if err != nil {
		h.logger.Warn("backup_write_failed", "call_id", ev.ID, "error", err)
	}
}
