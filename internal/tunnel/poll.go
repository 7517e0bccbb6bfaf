package tunnel

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// readable in Revents covers data, EOF and error conditions; all of them
// should wake the worker so the subsequent read can observe the state.
const readable = unix.POLLIN | unix.POLLHUP | unix.POLLERR

// readiness blocks until at least one of the two connections has bytes (or
// EOF) to read, or timeout elapses. It is the multiplexed wait of the worker
// loop, implemented with poll(2) on the raw descriptors so a single goroutine
// can watch both sockets without busy polling.
func readiness(client, upstream syscall.Conn, timeout time.Duration) (clientReady, upstreamReady bool, err error) {
	rc, err := client.SyscallConn()
	if err != nil {
		return false, false, fmt.Errorf("client raw conn: %w", err)
	}
	ru, err := upstream.SyscallConn()
	if err != nil {
		return false, false, fmt.Errorf("upstream raw conn: %w", err)
	}

	var innerErr, pollErr error
	ctlErr := rc.Control(func(cfd uintptr) {
		innerErr = ru.Control(func(ufd uintptr) {
			fds := []unix.PollFd{
				{Fd: int32(cfd), Events: unix.POLLIN},
				{Fd: int32(ufd), Events: unix.POLLIN},
			}
			for {
				_, perr := unix.Poll(fds, int(timeout.Milliseconds()))
				if perr == unix.EINTR {
					continue
				}
				pollErr = perr
				break
			}
			clientReady = fds[0].Revents&readable != 0
			upstreamReady = fds[1].Revents&readable != 0
		})
	})

	switch {
	case ctlErr != nil:
		return false, false, fmt.Errorf("client raw conn: %w", ctlErr)
	case innerErr != nil:
		return false, false, fmt.Errorf("upstream raw conn: %w", innerErr)
	case pollErr != nil:
		return false, false, fmt.Errorf("poll: %w", pollErr)
	}
	return clientReady, upstreamReady, nil
}
