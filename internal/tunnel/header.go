package tunnel

import "bytes"

var (
	crlf      = []byte("\r\n")
	headerSep = []byte("\r\n\r\n")

	// authRequired in a payload means the upstream rejected our
	// credentials; the session is torn down in whichever direction it
	// shows up.
	authRequired = []byte("407 Proxy Authentication Required")

	proxyAuthKey = []byte("Proxy-Authorization:")
)

// isRequest reports whether data begins with an HTTP request line for one of
// the methods the relay rewrites. Anything else (responses, tunneled TLS
// bytes) is passed through untouched.
func isRequest(data []byte) bool {
	line, _, ok := bytes.Cut(data, crlf)
	if !ok {
		return false
	}
	method, _, ok := bytes.Cut(line, []byte(" "))
	if !ok {
		return false
	}
	switch string(method) {
	case "CONNECT", "GET", "POST":
		return true
	}
	return false
}

// injectAuthHeader rewrites an HTTP message so its header block carries
// "Proxy-Authorization: <auth>". An existing Proxy-Authorization header is
// replaced in place; otherwise the header is appended immediately before the
// header/body separator. The request line and body are never modified.
//
// The second return is false when data has no header/body separator yet, in
// which case data is returned unchanged.
func injectAuthHeader(data []byte, auth string) ([]byte, bool) {
	sep := bytes.Index(data, headerSep)
	if sep < 0 {
		return data, false
	}
	head := data[:sep]
	body := data[sep+len(headerSep):]

	authLine := append(append([]byte("Proxy-Authorization: "), auth...), crlf...)

	var out bytes.Buffer
	out.Grow(len(data) + len(authLine))

	replaced := false
	for i, line := range bytes.Split(head, crlf) {
		if i > 0 && hasAuthKey(line) {
			// Keep a single Proxy-Authorization with our value.
			if !replaced {
				out.Write(authLine)
				replaced = true
			}
			continue
		}
		out.Write(line)
		out.Write(crlf)
	}
	if !replaced {
		out.Write(authLine)
	}
	out.Write(crlf)
	out.Write(body)

	return out.Bytes(), true
}

// hasAuthKey matches a "Proxy-Authorization:" header line, case-insensitively.
func hasAuthKey(line []byte) bool {
	if len(line) < len(proxyAuthKey) {
		return false
	}
	return bytes.EqualFold(line[:len(proxyAuthKey)], proxyAuthKey)
}
