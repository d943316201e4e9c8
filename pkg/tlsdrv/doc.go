// Package tlsdrv implements the TLS network stream driver. It wraps an
// owned plain-TCP driver (pkg/ptcp) and speaks either plain TCP or
// TLS-over-TCP through the same netstream.Driver contract, selected with
// SetMode before the connection is established.
//
// # Bridging crypto/tls onto the raw socket
//
// The TLS record engine reads and writes through a net.Conn adapter bound
// to the driver's socket. Reads are raw non-blocking socket reads:
// EAGAIN/EWOULDBLOCK/EINTR are mapped to a would-block error that
// implements net.Error with Timeout() == true, which crypto/tls treats as
// non-fatal and leaves the session usable for a later retry. Writes
// delegate to the plain-TCP driver's Send. During connect/accept the
// adapter instead polls the socket so the handshake is driven to
// completion synchronously.
//
// # Readiness
//
// A TLS session may hold decrypted bytes that a raw poll on the socket
// cannot see. The driver drains such bytes into an internal buffer after
// each receive and reports them via Buffered; the package's SelectSet
// uses that to synthesize readiness ("dummy select") for drivers with
// buffered plaintext, guaranteeing liveness without busy-polling.
package tlsdrv
