// Package reconnect keeps the bridge's two outbound connections alive: the
// upstream call-monitor feed and the downstream storage backend. It retries
// on a timer and on link-up, drops connections whose interface went down
// and queues storage writes while the backend is unreachable.
package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"callbridge/internal/netutil"
	"callbridge/internal/protocol"
)

// DefaultRetryInterval is the reconnect timer period.
const DefaultRetryInterval = 10 * time.Second

// CallWriter persists one call on the downstream connection.
type CallWriter interface {
	WriteCall(ctx context.Context, ev protocol.CallEvent) error
}

type Config struct {
	Upstream      EndpointConfig
	Downstream    EndpointConfig
	RetryInterval time.Duration
	WriteTimeout  time.Duration
	Logger        *slog.Logger
}

type loss struct {
	ep   *Endpoint
	conn net.Conn // nil means whatever is current
	err  error
}

// Manager owns both endpoints and the pending write queue. All connection
// changes happen on the goroutine running Run; other goroutines report
// failures through Lost.
type Manager struct {
	upstream   *Endpoint
	downstream *Endpoint
	writer     CallWriter
	pending    *PendingQueue[protocol.CallEvent]
	retry      time.Duration
	writeTO    time.Duration
	logger     *slog.Logger

	lost chan loss
	kick chan struct{} // asks Run to drain the queue
	done chan struct{} // closed when Run returns
}

func NewManager(cfg Config, writer CallWriter) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Upstream.Name == "" {
		cfg.Upstream.Name = "upstream"
	}
	if cfg.Downstream.Name == "" {
		cfg.Downstream.Name = "downstream"
	}
	return &Manager{
		upstream:   NewEndpoint(cfg.Upstream, logger),
		downstream: NewEndpoint(cfg.Downstream, logger),
		writer:     writer,
		pending:    NewPendingQueue[protocol.CallEvent](),
		retry:      cfg.RetryInterval,
		writeTO:    cfg.WriteTimeout,
		logger:     logger,
		lost:       make(chan loss, 8),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (m *Manager) Upstream() *Endpoint   { return m.upstream }
func (m *Manager) Downstream() *Endpoint { return m.downstream }

// Pending is the number of queued writes.
func (m *Manager) Pending() int { return m.pending.Len() }

// Status reports both endpoints.
func (m *Manager) Status() []EndpointStatus {
	return []EndpointStatus{m.upstream.Status(), m.downstream.Status()}
}

// Lost reports, from any goroutine, that conn on ep failed. Run closes it
// and starts retrying. A report about a connection that has since been
// replaced is ignored; pass a nil conn to mean the current one.
func (m *Manager) Lost(ep *Endpoint, conn net.Conn, err error) {
	select {
	case m.lost <- loss{ep: ep, conn: conn, err: err}:
	case <-m.done:
	}
}

// Persist writes ev downstream. While earlier writes are still queued, or
// the backend is unreachable, or the write fails, ev is queued instead so
// arrival order is kept. A queued write is not an error.
func (m *Manager) Persist(ctx context.Context, ev protocol.CallEvent) error {
	if m.pending.Len() > 0 || !m.downstream.Connected() {
		m.pending.Push(ev)
		m.logger.Info("call_queued",
			"call_id", ev.ID,
			"pending", m.pending.Len(),
		)
		m.requestDrain()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.writeTO)
	defer cancel()
	if err := m.writer.WriteCall(ctx, ev); err != nil {
		m.pending.Push(ev)
		m.logger.Warn("call_write_failed",
			"call_id", ev.ID,
			"pending", m.pending.Len(),
			"error", err,
		)
		m.Lost(m.downstream, nil, err)
		return nil
	}
	return nil
}

func (m *Manager) requestDrain() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start makes the first connection attempts; failures arm the retry timers.
// Call it before Run, from the goroutine that starts Run.
func (m *Manager) Start(ctx context.Context) {
	m.connect(ctx, m.upstream)
	m.connect(ctx, m.downstream)
}

// Run services link events, loss reports and retry timers until ctx is done.
// links may be nil when no link monitor is available.
func (m *Manager) Run(ctx context.Context, links <-chan netutil.LinkEvent) error {
	defer close(m.done)
	defer m.disarm(m.upstream)
	defer m.disarm(m.downstream)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-links:
			m.handleLink(ctx, ev)
		case l := <-m.lost:
			m.handleLoss(l)
		case <-tickC(m.upstream.retry):
			m.connect(ctx, m.upstream)
		case <-tickC(m.downstream.retry):
			m.connect(ctx, m.downstream)
		case <-m.kick:
			if m.downstream.Connected() {
				m.drain(ctx)
			}
		}
	}
}

// Close closes both connections and logs writes that never made it.
func (m *Manager) Close() {
	m.upstream.Close(nil)
	m.downstream.Close(nil)
	if n := m.pending.Len(); n > 0 {
		m.logger.Warn("pending_writes_dropped", "count", n)
	}
}

func (m *Manager) handleLink(ctx context.Context, ev netutil.LinkEvent) {
	for _, ep := range []*Endpoint{m.upstream, m.downstream} {
		if ev.Up {
			if !ep.Connected() {
				m.connect(ctx, ep)
			}
			continue
		}
		// another interface going down does not concern this connection
		if idx, _ := ep.Interface(); idx == 0 || idx != ev.Index {
			continue
		}
		m.logger.Warn("link_down_on_endpoint",
			"endpoint", ep.Name(),
			"ifname", ev.Name,
		)
		ep.Close(fmt.Errorf("%w: %s", ErrLinkDown, ev.Name))
		m.arm(ep)
	}
}

func (m *Manager) handleLoss(l loss) {
	if l.conn != nil && l.ep.Conn() != l.conn {
		return // stale report about a replaced connection
	}
	if l.ep.Close(l.err) {
		m.logger.Warn("endpoint_lost",
			"endpoint", l.ep.Name(),
			"error", errString(l.err),
		)
	}
	m.arm(l.ep)
}

// connect tries ep once; success disarms its timer, failure arms it.
func (m *Manager) connect(ctx context.Context, ep *Endpoint) {
	if err := ep.Connect(ctx); err != nil {
		m.logger.Warn("endpoint_connect_failed",
			"endpoint", ep.Name(),
			"error", err,
		)
		m.arm(ep)
		return
	}
	m.disarm(ep)
	if ep == m.downstream {
		m.drain(ctx)
	}
}

// drain pushes queued writes in order and stops at the first failure.
func (m *Manager) drain(ctx context.Context) {
	if m.pending.Len() == 0 {
		return
	}
	n, err := m.pending.Drain(func(ev protocol.CallEvent) error {
		wctx, cancel := context.WithTimeout(ctx, m.writeTO)
		defer cancel()
		return m.writer.WriteCall(wctx, ev)
	})
	if err != nil {
		m.logger.Warn("pending_drain_stopped",
			"delivered", n,
			"remaining", m.pending.Len(),
			"error", err,
		)
		m.handleLoss(loss{ep: m.downstream, err: err})
		return
	}
	m.logger.Info("pending_drained", "delivered", n)
}

func (m *Manager) arm(ep *Endpoint) {
	if ep.retry == nil {
		ep.retry = time.NewTicker(m.retry)
	}
}

func (m *Manager) disarm(ep *Endpoint) {
	if ep.retry != nil {
		ep.retry.Stop()
		ep.retry = nil
	}
}

// tickC is nil for a disarmed timer, which blocks forever in a select.
func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
