package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/internal/config"
	"callbridge/internal/microservices/storage"
	"callbridge/internal/protocol"
	"callbridge/internal/transport"
)

type memHistory struct {
	mu    sync.Mutex
	calls []protocol.CallEvent
}

func (h *memHistory) InsertCall(_ context.Context, ev protocol.CallEvent) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, ev)
	return uint32(len(h.calls)), nil
}

func (h *memHistory) ListCalls(_ context.Context, offset uint32, count uint16) ([]protocol.CallEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(offset) >= len(h.calls) {
		return nil, nil
	}
	end := min(int(offset)+int(count), len(h.calls))
	return append([]protocol.CallEvent(nil), h.calls[offset:end]...), nil
}

func (h *memHistory) CountCalls(context.Context) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint32(len(h.calls)), nil
}

func (h *memHistory) snapshot() []protocol.CallEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.CallEvent(nil), h.calls...)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// A RING from the router reaches a structured client as init and complete
// pushes, lands in the storage backend and in the backup file.
func TestRunBridgesRingToClientsAndStorage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	router, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer router.Close()
	upstream := make(chan net.Conn, 1)
	go func() {
		conn, err := router.Accept()
		if err == nil {
			upstream <- conn
		}
	}()

	hist := &memHistory{}
	storeLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go storage.NewServer(storage.ServerConfig{History: hist, Logger: logger}).Serve(ctx, storeLn)

	cfg := config.Default()
	cfg.Monitor.Port = router.Addr().(*net.TCPAddr).Port
	cfg.Storage.Port = storeLn.Addr().(*net.TCPAddr).Port
	cfg.Storage.RetryInterval = 100 * time.Millisecond
	cfg.Storage.WriteTimeout = 2 * time.Second
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Status.Port = 0
	cfg.Lookup.AreaCodes = writeFile(t, dir, "areacodes.txt", "030 Berlin\n089 Muenchen\n")
	cfg.Lookup.MSNFile = writeFile(t, dir, "msn.txt", "555 Office\n")
	cfg.Database.BackupFile = filepath.Join(dir, "calls.bak")
	require.NoError(t, cfg.Validate())

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger) }()

	var routerConn net.Conn
	select {
	case routerConn = <-upstream:
		defer routerConn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("bridge never dialed the call monitor")
	}

	var client net.Conn
	require.Eventually(t, func() bool {
		client, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.Port)))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer client.Close()

	require.NoError(t, transport.Send(client, protocol.Message{MessageID: 1, Body: protocol.VersionQuery{Version: protocol.CurrentVersion}}))
	resp, err := transport.Receive(client, 2*time.Second)
	require.NoError(t, err)
	require.IsType(t, protocol.VersionResponse{}, resp.Body)

	_, err = io.WriteString(routerConn, "18.10.26 09:30:15;RING;0;0301234567;555;SIP0;\n")
	require.NoError(t, err)

	var stages []uint16
	for len(stages) < 2 {
		msg, err := transport.Receive(client, 5*time.Second)
		require.NoError(t, err)
		push, ok := msg.Body.(protocol.CallEventPush)
		require.True(t, ok, "unexpected %T", msg.Body)
		assert.Equal(t, "0301234567", push.Event.NumberComplete)
		assert.Equal(t, "1234567", push.Event.Number)
		assert.Equal(t, "030", push.Event.AreaCode)
		assert.Equal(t, "Berlin", push.Event.Area)
		assert.Equal(t, "Office", push.Event.Alias)
		stages = append(stages, msg.Flags)
	}
	assert.Equal(t, []uint16{protocol.FlagStageInit, protocol.FlagStageComplete}, stages)

	require.Eventually(t, func() bool { return len(hist.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "0301234567", hist.snapshot()[0].NumberComplete)

	backup, err := os.ReadFile(cfg.Database.BackupFile)
	require.NoError(t, err)
	assert.Contains(t, string(backup), `0301234567§"Berlin"§`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
