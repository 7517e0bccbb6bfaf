// Command authtunnel runs a local TCP relay that forwards credential-unaware
// clients to an upstream HTTP proxy requiring Basic authentication, injecting
// Proxy-Authorization into their requests on the way.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/proxide/authtunnel/internal/log"
	"github.com/proxide/authtunnel/internal/tunnel"
	"github.com/proxide/authtunnel/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen      = pflag.String("listen", "127.0.0.1:12345", "Local listen address for plaintext clients")
		proxiesFile = pflag.String("proxies-file", ".env/proxies.txt", "Path to the upstream proxies list; the first entry is used")
		upstreamArg = pflag.String("upstream", "", "Single upstream override: http://[user:pass@]host:port[:[refresh-url]]. Takes precedence over --proxies-file.")

		maxSessions  = pflag.Int("max-sessions", tunnel.DefaultMaxSessions, "Maximum number of concurrent relay sessions")
		idleTimeout  = pflag.Duration("idle-timeout", tunnel.DefaultIdleTimeout, "Idle window after which a buffered read is forwarded")
		dialTimeout  = pflag.Duration("dial-timeout", tunnel.DefaultDialTimeout, "Timeout for connecting to the upstream proxy")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		refresh  = pflag.Bool("refresh", false, "Fetch the upstream's refresh URL before serving")
		logLevel = pflag.String("log-level", "info", "Log level: error|info|debug")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	logger := log.New(os.Stdout, level)

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	var remote upstream.Endpoint
	if *upstreamArg != "" {
		remote, err = upstream.Parse(*upstreamArg)
		if err != nil {
			return fmt.Errorf("invalid --upstream: %w", err)
		}
	} else {
		endpoints, err := upstream.LoadFile(*proxiesFile)
		if err != nil {
			return err
		}
		remote = endpoints[0]
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *refresh {
		rctx, cancel := context.WithTimeout(ctx, *dialTimeout)
		err := remote.Refresh(rctx, nil)
		cancel()
		if err != nil {
			return err
		}
		logger.Infof("refreshed upstream %s", remote)
	}

	t := tunnel.New(*listen, tunnel.Config{
		Upstream:    remote,
		MaxSessions: *maxSessions,
		IdleTimeout: *idleTimeout,
		DialTimeout: *dialTimeout,
		KeepAlive:   ka,
		Logger:      logger,
	})
	context.AfterFunc(ctx, t.Stop)

	g.Go(t.Start)

	err = g.Wait()
	logger.Infof("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, fmt.Errorf("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, fmt.Errorf("expected on|off|keepidle:keepintvl:keepcnt")
	}

	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return net.KeepAliveConfig{}, err
		}
		if n <= 0 {
			return net.KeepAliveConfig{}, fmt.Errorf("%q: must be > 0", p)
		}
		vals[i] = n
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(vals[0]) * time.Second,
		Interval: time.Duration(vals[1]) * time.Second,
		Count:    vals[2],
	}, nil
}
