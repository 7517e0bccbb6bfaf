package tunnel

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/proxide/authtunnel/internal/log"
)

const recvChunkSize = 4096

// Session owns one accepted client connection and its dialed upstream
// connection. It lives in the coordinator's slot table; the worker goroutine
// holds a non-owning reference and signals completion through done.
type Session struct {
	slot     int
	client   net.Conn
	upstream net.Conn

	// authHeader is the cached Proxy-Authorization value, computed once
	// from the upstream endpoint for the whole tunnel lifetime. Empty
	// when the upstream has no credentials.
	authHeader string

	// authenticated flips to true the moment a client request has had
	// the auth header injected. Worker-only state.
	authenticated bool

	idleTimeout  time.Duration
	pollInterval time.Duration
	log          log.Logger

	cancel    *cancelToken
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(slot int, client, upstream net.Conn, authHeader string, cfg Config) *Session {
	return &Session{
		slot:         slot,
		client:       client,
		upstream:     upstream,
		authHeader:   authHeader,
		idleTimeout:  cfg.IdleTimeout,
		pollInterval: cfg.PollInterval,
		log:          cfg.Logger,
		cancel:       newCancelToken(),
		done:         make(chan struct{}),
	}
}

// finished reports whether the worker has exited and the slot can be reused.
func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// closeConns closes both sides of the session. The coordinator may race this
// with the worker during shutdown; the double close is tolerated, not an
// error.
func (s *Session) closeConns() {
	s.closeOnce.Do(func() {
		_ = s.client.Close()
		_ = s.upstream.Close()
	})
}

// run is the worker loop: wait for readiness on either socket, pump the
// client direction first, then the upstream direction, until a pump reports
// the session ended or the cancel token fires. The token is checked around
// every blocking step so Close returns within one poll interval.
func (s *Session) run() {
	defer close(s.done)

	s.log.Infof("session %d: relaying %s -> %s", s.slot, s.client.RemoteAddr(), s.upstream.RemoteAddr())

	cc, okc := s.client.(syscall.Conn)
	uc, oku := s.upstream.(syscall.Conn)
	if !okc || !oku {
		s.log.Errorf("session %d: connections do not expose raw descriptors", s.slot)
		s.closeConns()
		return
	}

	for {
		if s.cancel.Canceled() {
			return
		}
		clientReady, upstreamReady, err := readiness(cc, uc, s.pollInterval)
		if err != nil {
			s.log.Debugf("session %d: readiness wait: %v", s.slot, err)
			s.closeConns()
			return
		}
		if s.cancel.Canceled() {
			return
		}
		if clientReady && s.pump(s.client, s.upstream, s.authHeader) {
			return
		}
		if s.cancel.Canceled() {
			return
		}
		if upstreamReady && s.pump(s.upstream, s.client, "") {
			return
		}
	}
}

// pump moves one buffered read from src to dst and reports whether the
// session ended. When authHeader is non-empty (the client-to-upstream
// direction), client requests get the header injected and anything sent
// before a request has been authenticated is refused.
func (s *Session) pump(src, dst net.Conn, authHeader string) bool {
	data, eof, err := s.recv(src)
	if err != nil {
		s.log.Errorf("session %d: recv from %s: %v", s.slot, src.RemoteAddr(), err)
		s.closeConns()
		return true
	}
	if len(data) == 0 {
		if eof {
			s.log.Infof("session %d: disconnect from %s: received 0 bytes", s.slot, src.RemoteAddr())
			s.closeConns()
			return true
		}
		// Idle window expired with nothing buffered; not a closure.
		return false
	}

	if authHeader != "" && isRequest(data) {
		if rewritten, ok := injectAuthHeader(data, authHeader); ok {
			data = rewritten
			s.authenticated = true
		}
	}

	s.logPayload(src, data)

	if bytes.Contains(data, authRequired) {
		s.log.Infof("session %d: upstream rejected credentials: proxy authentication required", s.slot)
		s.closeConns()
		return true
	}

	if authHeader != "" && !s.authenticated {
		s.log.Infof("session %d: refusing to forward unauthenticated data from %s", s.slot, src.RemoteAddr())
		s.closeConns()
		return true
	}

	n, err := sendAll(dst, data)
	if err != nil {
		s.log.Errorf("session %d: send to %s: %v", s.slot, dst.RemoteAddr(), err)
		s.closeConns()
		return true
	}
	if n == 0 {
		s.log.Infof("session %d: disconnect from %s: sent 0 bytes", s.slot, dst.RemoteAddr())
		s.closeConns()
		return true
	}

	s.log.Debugf("session %d: forwarded %d bytes to %s", s.slot, n, dst.RemoteAddr())
	return false
}

// recv accumulates chunks from src until no further data arrives within the
// idle window. eof reports that the peer closed the stream; err is reserved
// for real socket errors.
func (s *Session) recv(src net.Conn) (data []byte, eof bool, err error) {
	buf := make([]byte, recvChunkSize)
	for {
		_ = src.SetReadDeadline(time.Now().Add(s.idleTimeout))
		n, rerr := src.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if rerr == nil {
			continue
		}
		_ = src.SetReadDeadline(time.Time{})

		var ne net.Error
		switch {
		case errors.As(rerr, &ne) && ne.Timeout():
			return data, false, nil
		case errors.Is(rerr, io.EOF):
			return data, true, nil
		default:
			return data, false, rerr
		}
	}
}

// sendAll drains data to dst, looping over partial writes until everything
// is sent or the destination errors.
func sendAll(dst net.Conn, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := dst.Write(data[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// logPayload logs the request line and header block of a forwarded message,
// falling back to a placeholder for payloads that are not decodable text
// (tunneled TLS bytes and the like).
func (s *Session) logPayload(src net.Conn, data []byte) {
	s.log.Infof("session %d: received %d bytes from %s", s.slot, len(data), src.RemoteAddr())

	head := data
	if i := bytes.Index(data, headerSep); i >= 0 {
		head = data[:i]
	}
	if utf8.Valid(head) {
		s.log.Debugf("session %d:\n%s", s.slot, head)
	} else {
		s.log.Debugf("session %d: opaque payload", s.slot)
	}
}
