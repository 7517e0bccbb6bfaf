package upstream

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
)

// Endpoint is an immutable description of an upstream HTTP proxy.
//
// Username and Password are optional; RefreshURL is an optional provider URL
// that rotates the proxy exit IP when fetched.
type Endpoint struct {
	Host       string
	Port       int
	Username   string
	Password   string
	RefreshURL string
}

// NewEndpoint validates host and port and returns an Endpoint without
// credentials.
func NewEndpoint(host string, port int) (Endpoint, error) {
	if host == "" {
		return Endpoint{}, fmt.Errorf("upstream endpoint: empty host")
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("upstream endpoint: port %d out of range", port)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Addr returns the dialable host:port of the endpoint.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// AuthorizationHeader returns the Proxy-Authorization value for the
// endpoint's credentials. The second return is false when either the
// username or the password is empty, in which case no header should be sent.
func (e Endpoint) AuthorizationHeader() (string, bool) {
	if e.Username == "" || e.Password == "" {
		return "", false
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(e.Username+":"+e.Password)), true
}

// String renders the endpoint with the password masked.
func (e Endpoint) String() string {
	if e.Username != "" && e.Password != "" {
		return e.Username + ":****@" + e.Addr()
	}
	return e.Addr()
}
