package tcp

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"callbridge/internal/protocol"
	"callbridge/internal/transport"
)

// every client gets exactly one copy of a broadcast, in its own format
func (s *ServerSuite) TestBroadcastReachesConcurrentClients() {
	const clients = 30

	conns := make([]net.Conn, clients)
	errs := make(chan error, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		conn, err := net.DialTimeout("tcp", s.srv.Addr().String(), 2*time.Second)
		s.Require().NoError(err)
		s.T().Cleanup(func() { conn.Close() })
		conns[i] = conn

		// odd clients upgrade, even ones stay legacy
		if i%2 == 1 {
			wg.Add(1)
			go func(id int, conn net.Conn) {
				defer wg.Done()
				msg := protocol.Message{MessageID: uint32(id), Body: protocol.VersionQuery{Version: protocol.CurrentVersion}}
				if err := transport.Send(conn, msg); err != nil {
					errs <- fmt.Errorf("client %d: %w", id, err)
					return
				}
				resp, err := transport.Receive(conn, 2*time.Second)
				if err != nil {
					errs <- fmt.Errorf("client %d: %w", id, err)
					return
				}
				if _, ok := resp.Body.(protocol.VersionResponse); !ok {
					errs <- fmt.Errorf("client %d: unexpected %T", id, resp.Body)
				}
			}(i, conn)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}
	s.Require().Eventually(func() bool { return s.srv.Manager.Len() == clients }, 2*time.Second, 10*time.Millisecond)

	s.Require().NoError(s.srv.Broadcast(KindMessage, sampleEvent()))

	results := make(chan error, clients)
	for i, conn := range conns {
		go func(id int, conn net.Conn) {
			if id%2 == 1 {
				msg, err := transport.Receive(conn, 2*time.Second)
				if err == nil {
					if push, ok := msg.Body.(protocol.CallEventPush); !ok || push.Event.ID != sampleEvent().ID {
						err = fmt.Errorf("client %d: unexpected %#v", id, msg.Body)
					}
				}
				results <- err
				return
			}
			raw := make([]byte, LegacyRecordSize)
			if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
				results <- err
				return
			}
			if _, err := io.ReadFull(conn, raw); err != nil {
				results <- fmt.Errorf("client %d: %w", id, err)
				return
			}
			kind, ev, err := DecodeLegacyRecord(raw)
			if err == nil && (kind != KindMessage || ev.ID != sampleEvent().ID) {
				err = fmt.Errorf("client %d: got %s %q", id, kind, ev.ID)
			}
			results <- err
		}(i, conn)
	}
	for i := 0; i < clients; i++ {
		s.NoError(<-results)
	}
}

func (s *ServerSuite) TestRapidConnectDisconnect() {
	const iterations = 50
	for i := 0; i < iterations; i++ {
		conn, err := net.DialTimeout("tcp", s.srv.Addr().String(), 2*time.Second)
		s.Require().NoError(err, "connection %d", i)
		s.NoError(conn.Close())
	}
	s.Eventually(func() bool { return s.srv.Manager.Len() == 0 }, 5*time.Second, 20*time.Millisecond)

	// the server still serves new clients afterwards
	conn := s.dial()
	resp := s.roundTrip(conn, 1, protocol.RegisterQuery{})
	s.IsType(protocol.RegisterResponse{}, resp.Body)
}

func BenchmarkBroadcast(b *testing.B) {
	for _, structured := range []bool{false, true} {
		name := "legacy"
		if structured {
			name = "structured"
		}
		b.Run(name, func(b *testing.B) {
			srv := NewServer(ServerConfig{})
			for i := 0; i < 8; i++ {
				local, remote := net.Pipe()
				b.Cleanup(func() {
					local.Close()
					remote.Close()
				})
				c := srv.Manager.Add(local)
				if structured {
					c.SetVersion(protocol.CurrentVersion)
				}
				go io.Copy(io.Discard, remote)
			}
			ev := sampleEvent()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := srv.Broadcast(KindMessage, ev); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
