package tunnel

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxide/authtunnel/internal/log"
)

// Tunnel is the coordinator: it owns the local listener and the slot-indexed
// session table, and runs the accept loop. The table is mutated only from
// the Start goroutine, so it needs no locking; workers signal completion
// through their done channels and never touch it.
type Tunnel struct {
	addr string
	cfg  Config
	log  log.Logger

	// authHeader is computed once from the upstream endpoint and shared
	// by every session.
	authHeader string

	ln       *net.TCPListener
	sessions []*Session

	stopped   atomic.Bool
	readyOnce sync.Once
	ready     chan struct{}
	closeOnce sync.Once
}

// New returns an unstarted tunnel listening on listenAddr and forwarding to
// cfg.Upstream.
func New(listenAddr string, cfg Config) *Tunnel {
	cfg = cfg.withDefaults()

	t := &Tunnel{
		addr:     listenAddr,
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make([]*Session, cfg.MaxSessions),
		ready:    make(chan struct{}),
	}
	t.authHeader, _ = cfg.Upstream.AuthorizationHeader()

	return t
}

// Addr returns the bound listener address. It blocks until Start has bound
// the listener.
func (t *Tunnel) Addr() net.Addr {
	<-t.ready
	return t.ln.Addr()
}

// Start binds the local listener and runs the accept loop until Stop is
// observed or the listener fails. It owns the whole session lifecycle: when
// Start returns, every worker has exited and all sockets are closed.
func (t *Tunnel) Start() error {
	ln, err := listenTCP(t.addr)
	if err != nil {
		return err
	}
	t.ln = ln
	t.readyOnce.Do(func() { close(t.ready) })

	t.log.Infof("listening on %s, forwarding to %s", ln.Addr(), t.cfg.Upstream)

	for {
		if t.stopped.Load() {
			t.Close()
			return nil
		}

		t.reap()

		if t.live() >= t.cfg.MaxSessions {
			// Table full: new clients wait in the OS backlog until
			// a worker finishes and frees a slot.
			time.Sleep(t.cfg.PollInterval)
			continue
		}

		_ = ln.SetDeadline(time.Now().Add(t.cfg.PollInterval))
		client, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				t.Close()
				return nil
			}
			t.Close()
			return fmt.Errorf("accept: %w", err)
		}
		if tc, ok := client.(*net.TCPConn); ok {
			_ = tc.SetKeepAliveConfig(t.cfg.KeepAlive)
		}

		up, err := t.dialUpstream()
		if err != nil {
			// Without an upstream leg the client cannot be served;
			// drop it rather than leak the descriptor.
			t.log.Errorf("%v; dropping client %s", err, client.RemoteAddr())
			_ = client.Close()
			continue
		}

		slot := t.freeSlot()
		s := newSession(slot, client, up, t.authHeader, t.cfg)
		t.sessions[slot] = s
		go s.run()
	}
}

// Stop requests shutdown. It is advisory: the accept loop observes the flag
// on its next iteration, at most one poll interval later.
func (t *Tunnel) Stop() {
	t.stopped.Store(true)
}

// Close tears the tunnel down synchronously: for every live session it
// closes both sockets, cancels the worker and waits for it to exit, then
// closes the listener. Safe to call more than once; normally invoked by
// Start itself once Stop is observed.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		for i, s := range t.sessions {
			if s == nil {
				continue
			}
			s.closeConns()
			s.cancel.Cancel()
			<-s.done
			t.sessions[i] = nil
		}
		if t.ln != nil {
			_ = t.ln.Close()
		}
		t.log.Infof("tunnel closed")
	})
}

func (t *Tunnel) dialUpstream() (net.Conn, error) {
	d := net.Dialer{Timeout: t.cfg.DialTimeout}

	conn, err := d.Dial("tcp", t.cfg.Upstream.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", t.cfg.Upstream, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(t.cfg.KeepAlive)
	}

	return conn, nil
}

// reap frees the slots of sessions whose workers have finished.
func (t *Tunnel) reap() {
	for i, s := range t.sessions {
		if s != nil && s.finished() {
			t.log.Debugf("session %d: slot reclaimed", s.slot)
			t.sessions[i] = nil
		}
	}
}

func (t *Tunnel) live() int {
	n := 0
	for _, s := range t.sessions {
		if s != nil {
			n++
		}
	}
	return n
}

// freeSlot returns the lowest free slot id. The caller has already checked
// the table is not full.
func (t *Tunnel) freeSlot() int {
	for i, s := range t.sessions {
		if s == nil {
			return i
		}
	}
	return -1
}
