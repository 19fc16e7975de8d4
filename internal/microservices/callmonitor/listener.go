package callmonitor

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// maxLine caps one notification line.
const maxLine = 4096

// Listener reads notifications from the current upstream connection and
// forwards them to a single consumer channel.
type Listener struct {
	out    chan<- Notification
	logger *slog.Logger
	// OnLost is told which connection ended and why; wire it to the
	// reconnect manager.
	OnLost func(conn net.Conn, err error)
	// OnListening runs once the reader goroutine for conn is up.
	OnListening func()

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewListener(out chan<- Notification, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{out: out, logger: logger, done: make(chan struct{})}
}

// Close releases readers blocked on handing a notification to a consumer
// that has stopped. It does not close any connection.
func (l *Listener) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Start begins reading conn on a new goroutine. Its signature matches the
// reconnect endpoint's OnConnect hook.
func (l *Listener) Start(conn net.Conn) error {
	l.wg.Add(1)
	go l.read(conn)
	if l.OnListening != nil {
		l.OnListening()
	}
	return nil
}

func (l *Listener) read(conn net.Conn) {
	defer l.wg.Done()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024), maxLine)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		n, err := Parse(line, nil)
		if err != nil {
			l.logger.Warn("notification_dropped", "line", line, "error", err)
			continue
		}
		l.logger.Debug("notification_received",
			"type", n.Type.String(),
			"connection_id", n.ConnectionID,
		)
		select {
		case l.out <- n:
		case <-l.done:
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("callmonitor: connection closed by peer")
	}
	if l.OnLost != nil {
		l.OnLost(conn, err)
	}
}
