// Package tunnel implements the authenticating TCP relay: a bounded,
// slot-indexed pool of sessions, each pairing one accepted client connection
// with one dialed upstream connection and pumping bytes in both directions
// while injecting Proxy-Authorization into client requests.
package tunnel
