package tlsdrv

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/relog-project/relog-go/pkg/ptcp"
)

// defaultHandshakeTimeout bounds how long a handshake-phase read waits
// for the socket to become readable.
const defaultHandshakeTimeout = 30 * time.Second

// wouldBlockError reports a pending non-blocking read. It implements
// net.Error with Timeout() == true so crypto/tls treats it as non-fatal
// and keeps the session usable for a later retry.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "operation would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

var errWouldBlock error = wouldBlockError{}

// Compile-time check: crypto/tls inspects errors through this interface.
var _ net.Error = wouldBlockError{}

// isWouldBlock reports whether err is a retryable pending-I/O condition.
func isWouldBlock(err error) bool {
	if errors.Is(err, errWouldBlock) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// rawConn is the net.Conn the TLS record engine performs its I/O on.
// These are the only two points where the TLS session touches the
// network.
type rawConn struct {
	tcp *ptcp.Driver
	fd  int

	// handshaking switches reads from non-blocking to poll-and-retry so
	// connect/accept drive the handshake to completion synchronously.
	handshaking      bool
	handshakeTimeout time.Duration

	// sawEOF records that the transport ended. The record engine reports
	// an end of stream at a record boundary the same way as a
	// close-notify, so this is what tells an abrupt close from a clean
	// one.
	sawEOF bool
}

func newRawConn(tcp *ptcp.Driver) *rawConn {
	return &rawConn{
		tcp:              tcp,
		fd:               tcp.Sock(),
		handshakeTimeout: defaultHandshakeTimeout,
	}
}

// Read performs a raw non-blocking read on the socket, mapping the OS
// outcome onto the error classes the record engine expects.
func (c *rawConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == nil {
			if n == 0 {
				c.sawEOF = true
				return 0, io.EOF
			}
			return n, nil
		}
		switch err {
		case unix.EAGAIN, unix.EINTR:
			if c.handshaking {
				if werr := c.waitReadable(); werr != nil {
					return 0, werr
				}
				continue
			}
			return 0, errWouldBlock
		case unix.EPIPE, unix.ECONNRESET:
			return 0, fmt.Errorf("connection reset: %w", err)
		default:
			return 0, fmt.Errorf("receive failed: %w", err)
		}
	}
}

// Write delegates to the plain-TCP driver's send, which resumes on
// pressure, and completes the whole record as io.Writer requires.
func (c *rawConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := c.tcp.Send(p[total:])
		if err != nil {
			return total, fmt.Errorf("send failed: %w", err)
		}
		total += n
	}
	return total, nil
}

// waitReadable blocks until the socket is readable or the handshake
// timeout expires. The timeout error is deliberately not a would-block:
// it must fail the handshake.
func (c *rawConn) waitReadable() error {
	timeoutMs := int(c.handshakeTimeout / time.Millisecond)
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return errors.New("handshake timed out waiting for peer data")
		}
		return nil
	}
}

// Close is a no-op: socket ownership stays with the driver, which closes
// its plain-TCP transport during teardown.
func (c *rawConn) Close() error { return nil }

func (c *rawConn) LocalAddr() net.Addr {
	return &net.TCPAddr{}
}

func (c *rawConn) RemoteAddr() net.Addr {
	if addr, err := c.tcp.RemoteAddr(); err == nil {
		return addr
	}
	return &net.TCPAddr{}
}

// Deadlines are unsupported; the driver realizes its timing through
// non-blocking I/O and the readiness multiplexer.
func (c *rawConn) SetDeadline(time.Time) error      { return nil }
func (c *rawConn) SetReadDeadline(time.Time) error  { return nil }
func (c *rawConn) SetWriteDeadline(time.Time) error { return nil }

// Compile-time interface satisfaction check.
var _ net.Conn = (*rawConn)(nil)
