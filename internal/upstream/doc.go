// Package upstream describes the remote HTTP proxy the tunnel forwards to:
// the Endpoint value with its Basic credential encoding, the proxies-file
// parser, and the optional refresh-URL trigger.
package upstream
