package upstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Parse parses one proxies-file line into an Endpoint.
//
// The line format is:
//
//	http://[user:pass@]host:port[:[refresh-url]]
//
// where the optional trailing ":[...]" carries the provider's IP refresh URL
// in square brackets.
func Parse(line string) (Endpoint, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Endpoint{}, errors.New("parse upstream: empty line")
	}

	refresh := ""
	if i := strings.Index(line, ":["); i >= 0 {
		if !strings.HasSuffix(line, "]") {
			return Endpoint{}, fmt.Errorf("parse upstream: unterminated refresh url in %q", line)
		}
		refresh = line[i+2 : len(line)-1]
		line = line[:i]
	}

	u, err := url.Parse(line)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse upstream: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "http") {
		return Endpoint{}, fmt.Errorf("parse upstream: unsupported scheme %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, fmt.Errorf("parse upstream: unexpected path %q", u.Path)
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse upstream: missing or invalid port in %q", line)
	}

	e, err := NewEndpoint(u.Hostname(), port)
	if err != nil {
		return Endpoint{}, err
	}

	if u.User != nil {
		e.Username = u.User.Username()
		e.Password, _ = u.User.Password()
	}
	e.RefreshURL = refresh

	return e, nil
}

// ParseList reads endpoints from r, one per line, skipping blank lines.
// The returned list preserves file order; the tunnel uses the first entry.
func ParseList(r io.Reader) ([]Endpoint, error) {
	var endpoints []Endpoint

	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		endpoints = append(endpoints, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, errors.New("no upstream proxies found")
	}

	return endpoints, nil
}

// LoadFile parses the proxies file at path.
func LoadFile(path string) ([]Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxies file: %w", err)
	}
	defer f.Close()

	endpoints, err := ParseList(f)
	if err != nil {
		return nil, fmt.Errorf("proxies file %s: %w", path, err)
	}
	return endpoints, nil
}
