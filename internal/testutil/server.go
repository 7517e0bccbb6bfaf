// Package testutil provides loopback TCP fixtures for exercising the tunnel
// against a fake upstream proxy.
package testutil

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// Server accepts loopback connections and runs handler on each in its own
// goroutine. Close shuts the listener down and waits for every handler to
// return.
type Server struct {
	t  *testing.T
	ln net.Listener

	accepts atomic.Int32
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// Start listens on an ephemeral loopback port and serves connections with
// handler until closed. The server is closed automatically at test cleanup.
func Start(t *testing.T, handler func(net.Conn)) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &Server{t: t, ln: ln}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepts.Add(1)

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer c.Close()
				handler(c)
			}()
		}
	}()

	t.Cleanup(s.Close)

	return s
}

// Addr returns the server's host:port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Accepts returns how many connections the server has accepted so far.
func (s *Server) Accepts() int {
	return int(s.accepts.Load())
}

// Close stops the listener and waits for all handlers to finish.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		_ = s.ln.Close()
		s.wg.Wait()
	})
}
