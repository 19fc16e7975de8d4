package reconnect

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/internal/netutil"
	"callbridge/internal/protocol"
)

const testIfIndex = 7

// switchDialer hands out in-memory connections while online.
type switchDialer struct {
	online atomic.Bool
	dials  atomic.Int32
}

func (d *switchDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	if !d.online.Load() {
		return nil, errors.New("network unreachable")
	}
	local, remote := net.Pipe()
	go func() { // keep the far side open until the near side closes
		buf := make([]byte, 64)
		for {
			if _, err := remote.Read(buf); err != nil {
				remote.Close()
				return
			}
		}
	}()
	return local, nil
}

func fixedInterface(net.Conn) (int, string, error) { return testIfIndex, "eth0", nil }

// recordingWriter stores delivered calls and can fail chosen attempts.
type recordingWriter struct {
	mu        sync.Mutex
	attempts  int
	delivered []string
	failOn    map[int]bool
}

func (w *recordingWriter) WriteCall(_ context.Context, ev protocol.CallEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.failOn[w.attempts] {
		return errors.New("write rejected")
	}
	w.delivered = append(w.delivered, ev.ID)
	return nil
}

func (w *recordingWriter) snapshot() (int, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts, append([]string(nil), w.delivered...)
}

type harness struct {
	m      *Manager
	up     *switchDialer
	down   *switchDialer
	writer *recordingWriter
	links  chan netutil.LinkEvent
	cancel context.CancelFunc
}

func newHarness(t *testing.T, failOn map[int]bool) *harness {
	h := &harness{
		up:     &switchDialer{},
		down:   &switchDialer{},
		writer: &recordingWriter{failOn: failOn},
		links:  make(chan netutil.LinkEvent),
	}
	h.m = NewManager(Config{
		Upstream:      EndpointConfig{Address: "monitor:1012", Dial: h.up.Dial, Interface: fixedInterface},
		Downstream:    EndpointConfig{Address: "store:63691", Dial: h.down.Dial, Interface: fixedInterface},
		RetryInterval: time.Hour, // only link events reconnect in these tests
	}, h.writer)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.m.Start(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.m.Run(ctx, h.links)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.m.Close()
	})
	return h
}

func call(id string) protocol.CallEvent {
	return protocol.CallEvent{ID: id, NumberComplete: "0301234567"}
}

func TestOfflineWritesDrainInOrderOnLinkUp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.m.Persist(ctx, call("first")))
	require.NoError(t, h.m.Persist(ctx, call("second")))
	assert.Equal(t, 2, h.m.Pending())

	h.up.online.Store(true)
	h.down.online.Store(true)
	h.links <- netutil.LinkEvent{Index: testIfIndex, Name: "eth0", Up: true}

	require.Eventually(t, func() bool { return h.m.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, delivered := h.writer.snapshot()
	assert.Equal(t, []string{"first", "second"}, delivered)
	assert.True(t, h.m.Downstream().Connected())
	assert.True(t, h.m.Upstream().Connected())
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, map[int]bool{2: true})
	ctx := context.Background()

	require.NoError(t, h.m.Persist(ctx, call("first")))
	require.NoError(t, h.m.Persist(ctx, call("second")))
	require.NoError(t, h.m.Persist(ctx, call("third")))

	h.down.online.Store(true)
	h.links <- netutil.LinkEvent{Index: testIfIndex, Name: "eth0", Up: true}

	require.Eventually(t, func() bool {
		attempts, _ := h.writer.snapshot()
		return attempts == 2 && !h.m.Downstream().Connected()
	}, 2*time.Second, 10*time.Millisecond)

	attempts, delivered := h.writer.snapshot()
	assert.Equal(t, 2, attempts, "third must not be tried after second failed")
	assert.Equal(t, []string{"first"}, delivered)
	assert.Equal(t, 2, h.m.Pending())
}

func TestDirectWriteAfterQueueDrained(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.m.Persist(ctx, call("a")))
	h.down.online.Store(true)
	h.links <- netutil.LinkEvent{Index: testIfIndex, Up: true}
	require.Eventually(t, func() bool { return h.m.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.m.Persist(ctx, call("b")))
	_, delivered := h.writer.snapshot()
	assert.Equal(t, []string{"a", "b"}, delivered, "direct write once the queue is empty")
}

func TestFailedDirectWriteIsQueuedAndClosesDownstream(t *testing.T) {
	h := newHarness(t, map[int]bool{1: true})
	ctx := context.Background()

	h.down.online.Store(true)
	h.links <- netutil.LinkEvent{Index: testIfIndex, Up: true}
	require.Eventually(t, h.m.Downstream().Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.m.Persist(ctx, call("x")))
	assert.Equal(t, 1, h.m.Pending())
	require.Eventually(t, func() bool { return !h.m.Downstream().Connected() }, 2*time.Second, 10*time.Millisecond)
}

func TestLinkDownOnlyAffectsItsInterface(t *testing.T) {
	h := newHarness(t, nil)
	h.up.online.Store(true)
	h.links <- netutil.LinkEvent{Index: testIfIndex, Up: true}
	require.Eventually(t, h.m.Upstream().Connected, 2*time.Second, 10*time.Millisecond)

	h.links <- netutil.LinkEvent{Index: 99, Name: "wlan0", Up: false}
	h.links <- netutil.LinkEvent{Index: 99, Name: "wlan0", Up: true} // sync point: Run handled the down event
	assert.True(t, h.m.Upstream().Connected(), "another interface going down is ignored")

	h.links <- netutil.LinkEvent{Index: testIfIndex, Name: "eth0", Up: false}
	require.Eventually(t, func() bool { return !h.m.Upstream().Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.m.Upstream().Status().LastError, "link down")
}

func TestStaleLossReportIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.up.online.Store(true)
	h.links <- netutil.LinkEvent{Index: testIfIndex, Up: true}
	require.Eventually(t, h.m.Upstream().Connected, 2*time.Second, 10*time.Millisecond)

	old, _ := net.Pipe()
	h.m.Lost(h.m.Upstream(), old, errors.New("old reader ended"))
	h.links <- netutil.LinkEvent{Index: 99, Up: false} // sync point
	assert.True(t, h.m.Upstream().Connected())

	h.m.Lost(h.m.Upstream(), h.m.Upstream().Conn(), errors.New("reader ended"))
	require.Eventually(t, func() bool { return !h.m.Upstream().Connected() }, 2*time.Second, 10*time.Millisecond)
}

func TestEndpointConnectIsIdempotent(t *testing.T) {
	d := &switchDialer{}
	d.online.Store(true)
	var connects atomic.Int32
	ep := NewEndpoint(EndpointConfig{
		Name:      "downstream",
		Address:   "store:1",
		Dial:      d.Dial,
		Interface: fixedInterface,
		OnConnect: func(net.Conn) error { connects.Add(1); return nil },
	}, nil)

	require.NoError(t, ep.Connect(context.Background()))
	require.NoError(t, ep.Connect(context.Background()))
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, int32(1), connects.Load())

	idx, name := ep.Interface()
	assert.Equal(t, testIfIndex, idx)
	assert.Equal(t, "eth0", name)

	assert.True(t, ep.Close(ErrLinkDown))
	assert.False(t, ep.Close(nil))
	assert.Equal(t, StateInitialized, ep.State())
	assert.Equal(t, ErrLinkDown.Error(), ep.Status().LastError, "a later plain close keeps the reason")
}

func TestEndpointOnConnectFailureCloses(t *testing.T) {
	d := &switchDialer{}
	d.online.Store(true)
	ep := NewEndpoint(EndpointConfig{
		Address:   "monitor:1",
		Dial:      d.Dial,
		Interface: fixedInterface,
		OnConnect: func(net.Conn) error { return errors.New("reader refused") },
	}, nil)

	assert.Error(t, ep.Connect(context.Background()))
	assert.False(t, ep.Connected())
	assert.Nil(t, ep.Conn())
}

func TestMarkListening(t *testing.T) {
	d := &switchDialer{}
	d.online.Store(true)
	ep := NewEndpoint(EndpointConfig{Address: "monitor:1", Dial: d.Dial, Interface: fixedInterface}, nil)
	ep.MarkListening()
	assert.Equal(t, StateInitialized, ep.State(), "cannot listen while disconnected")

	require.NoError(t, ep.Connect(context.Background()))
	ep.MarkListening()
	assert.Equal(t, StateListening, ep.State())
	assert.True(t, ep.Connected())
}
