// Package transport exposes one Engine directly over a TCP socket using
// the wire protocol (spec.md §6 "Engine command protocol"), generalizing
// the teacher's internal/net.Server (tomb-supervised accept loop, one
// goroutine per connection, a shared outbound report channel) from the
// teacher's ad hoc NewOrder/CancelOrder framing to the length-prefixed
// wire.Place/wire.Cancel encoding.
//
// This talks straight to the engine, bypassing the coordinator's fund
// locking and settlement — it exists for low-latency direct engine access
// and the example cmd/client tool, the same scope the teacher's own
// TCP server had (no custody, no auth). Production client traffic is
// expected to go through coordinator.Coordinator's Go API or a future
// auth-aware gateway, not this socket.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"exchangecore/internal/engine"
	"exchangecore/internal/wire"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// Server accepts TCP connections and relays wire-framed commands to eng,
// streaming eng's reliable event channel back to every connected client.
type Server struct {
	addr string
	eng  *engine.Engine

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	t *tomb.Tomb
}

func New(addr string, eng *engine.Engine) *Server {
	return &Server{addr: addr, eng: eng, conns: make(map[net.Conn]struct{})}
}

func (s *Server) Run(ctx context.Context) error {
	s.t, ctx = tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.addr, err)
	}
	defer listener.Close()

	s.t.Go(func() error {
		return s.broadcastEvents(ctx)
	})

	s.t.Go(func() error {
		<-s.t.Dying()
		return listener.Close()
	})

	log.Info().Str("component", "transport").Str("addr", s.addr).Msg("listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.t.Dying():
				return s.t.Wait()
			default:
				log.Error().Err(err).Str("component", "transport").Msg("accept failed")
				continue
			}
		}
		s.addConn(conn)
		s.t.Go(func() error {
			s.handleConn(ctx, conn)
			return nil
		})
	}
}

func (s *Server) Shutdown() error {
	s.t.Kill(nil)
	return s.t.Wait()
}

func (s *Server) addConn(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) removeConn(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// broadcastEvents fans every engine event out to every connected socket —
// a development convenience (no per-client order filtering, matching the
// teacher's own ReportTrade fan-out to both sides of a match).
func (s *Server) broadcastEvents(ctx context.Context) error {
	for {
		select {
		case <-s.t.Dying():
			return nil
		case ev := <-s.eng.Events():
			s.broadcast(ev)
		case ev := <-s.eng.Deltas():
			s.broadcast(ev)
		}
	}
}

func (s *Server) broadcast(ev engine.Event) {
	body, err := wire.EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("component", "transport").Msg("encode event failed")
		return
	}
	frame := wire.WriteFrame(body)

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if err := c.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			continue
		}
		if _, err := c.Write(frame); err != nil {
			log.Warn().Err(err).Str("component", "transport").Msg("write to client failed, dropping")
		}
	}
}

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 5 * time.Second
	maxFrameBody = 64 * 1024
)

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.removeConn(conn)
		conn.Close()
	}()

	var pending []byte
	readBuf := make([]byte, 4096)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		n, err := conn.Read(readBuf)
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Str("component", "transport").Msg("connection closed")
			}
			return
		}
		pending = append(pending, readBuf[:n]...)

		for {
			body, consumed, ok := wire.SplitFrame(pending)
			if !ok {
				break
			}
			pending = pending[consumed:]
			if len(body) > maxFrameBody {
				log.Warn().Str("component", "transport").Msg("oversized frame, dropping connection")
				return
			}
			cmd, err := wire.DecodeCommand(body)
			if err != nil {
				log.Warn().Err(err).Str("component", "transport").Msg("malformed frame")
				continue
			}
			if err := s.eng.Submit(ctx, cmd); err != nil {
				log.Warn().Err(err).Str("component", "transport").Msg("submit failed")
				return
			}
		}
	}
}
