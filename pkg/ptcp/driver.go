package ptcp

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/relog-project/relog-go/pkg/log"
	"github.com/relog-project/relog-go/pkg/netstream"
)

// listenBacklog is the accept queue depth for listening drivers.
const listenBacklog = 128

// Driver is the plain-TCP network stream driver. One Driver represents
// one connection or one listener; it is owned by a single execution
// context and not internally synchronized.
type Driver struct {
	fd        int
	listening bool
	aborted   bool
	remote    *net.TCPAddr

	// applied on the next EnableKeepAlive call
	keepInterval int
	keepProbes   int
	keepTime     int

	connID string
	logger log.Logger
}

// NewDriver creates an unconnected plain-TCP driver.
func NewDriver(logger log.Logger) *Driver {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Driver{
		fd:     -1,
		connID: uuid.New().String(),
		logger: logger,
	}
}

// ConnID returns the driver's unique identifier used in log events.
func (d *Driver) ConnID() string {
	return d.connID
}

// SetMode accepts only netstream.ModePlain; this driver has no other mode.
func (d *Driver) SetMode(mode int) error {
	if mode != netstream.ModePlain {
		return fmt.Errorf("%w: mode %d not supported by ptcp driver", netstream.ErrInvalidDriverMode, mode)
	}
	return nil
}

// SetAuthMode accepts only "anon" (or unset); plain TCP cannot
// authenticate peers.
func (d *Driver) SetAuthMode(mode string) error {
	if mode != "" && mode != netstream.AuthModeAnon {
		return fmt.Errorf("%w: authentication mode %q not supported by ptcp driver", netstream.ErrUnsupportedValue, mode)
	}
	return nil
}

// SetPermitExpiredCerts accepts only "off" (or unset).
func (d *Driver) SetPermitExpiredCerts(mode string) error {
	if mode != "" && mode != "off" {
		return fmt.Errorf("%w: permitexpiredcerts mode %q not supported by ptcp driver", netstream.ErrUnsupportedValue, mode)
	}
	return nil
}

// SetPermittedPeers rejects any peer list; there is no peer identity to
// check on a plain connection.
func (d *Driver) SetPermittedPeers(peers []string) error {
	if len(peers) > 0 {
		return fmt.Errorf("%w: permitted peers not supported by ptcp driver", netstream.ErrUnsupportedInMode)
	}
	return nil
}

// Credential path setters are ignored; plain TCP carries no credentials.
func (d *Driver) SetCAFile(string)   {}
func (d *Driver) SetCRLFile(string)  {}
func (d *Driver) SetKeyFile(string)  {}
func (d *Driver) SetCertFile(string) {}

// SetVerifyDepth is ignored; there is no certificate chain to bound.
func (d *Driver) SetVerifyDepth(int) {}

// SetCheckExtendedKeyUsage is ignored.
func (d *Driver) SetCheckExtendedKeyUsage(int) {}

// SetPrioritizeSAN is ignored.
func (d *Driver) SetPrioritizeSAN(int) {}

// SetPriorityString rejects any non-empty priority string.
func (d *Driver) SetPriorityString(s string) error {
	if s != "" {
		return fmt.Errorf("%w: priority string not supported by ptcp driver", netstream.ErrUnsupportedValue)
	}
	return nil
}

// Connect opens a client connection to host:port. network is "tcp",
// "tcp4" or "tcp6"; device optionally binds the socket to an interface.
func (d *Driver) Connect(network, host, port, device string) error {
	addr, err := net.ResolveTCPAddr(network, net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("resolve %s:%s: %w", host, port, err)
	}

	fd, sa, err := newSocket(addr)
	if err != nil {
		return err
	}
	if device != "" {
		if err := unix.BindToDevice(fd, device); err != nil {
			unix.Close(fd)
			return fmt.Errorf("bind to device %s: %w", device, err)
		}
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	// sockets never block on reads; Rcv reports a retryable status instead
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set nonblock: %w", err)
	}

	d.fd = fd
	d.remote = addr
	d.logEvent(log.SeverityDebug, log.CategoryState, "connected")
	return nil
}

// Listen sets the driver up as a listener on address ("host:port" with an
// empty host meaning all interfaces).
func (d *Driver) Listen(network, address, device string) error {
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", address, err)
	}

	fd, sa, err := newSocket(addr)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if device != "" {
		if err := unix.BindToDevice(fd, device); err != nil {
			unix.Close(fd)
			return fmt.Errorf("bind to device %s: %w", device, err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	d.fd = fd
	d.listening = true
	d.logEvent(log.SeverityInfo, log.CategoryState, "listening on "+addr.String())
	return nil
}

// AcceptTCP accepts one pending connection and returns the new driver for
// it. The accepted socket is set non-blocking.
func (d *Driver) AcceptTCP() (*Driver, error) {
	if d.fd < 0 || !d.listening {
		return nil, netstream.ErrNotConnected
	}

	var (
		nfd int
		sa  unix.Sockaddr
		err error
	)
	for {
		nfd, sa, err = unix.Accept(d.fd)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		if err == unix.EAGAIN {
			return nil, netstream.ErrRetry
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	nd := NewDriver(d.logger)
	nd.fd = nfd
	nd.remote = tcpAddrFromSockaddr(sa)
	nd.logEvent(log.SeverityDebug, log.CategoryState, "accepted connection")
	return nd, nil
}

// AcceptConnReq implements the netstream.Driver accept contract.
func (d *Driver) AcceptConnReq() (netstream.Driver, error) {
	nd, err := d.AcceptTCP()
	if err != nil {
		return nil, err
	}
	return nd, nil
}

// Rcv reads available data into buf without blocking. When the socket
// has nothing to deliver it returns netstream.ErrRetry.
func (d *Driver) Rcv(buf []byte) (int, error) {
	if d.aborted {
		return 0, netstream.ErrAbortRequested
	}
	if d.fd < 0 {
		return 0, netstream.ErrNotConnected
	}

	n, err := unix.Read(d.fd, buf)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			return 0, netstream.ErrRetry
		case unix.EPIPE, unix.ECONNRESET:
			return 0, fmt.Errorf("%w: %v", netstream.ErrEOF, err)
		default:
			return 0, fmt.Errorf("%w: %v", netstream.ErrReceive, err)
		}
	}
	if n == 0 {
		return 0, netstream.ErrEOF
	}
	return n, nil
}

// Send writes buf and returns the number of bytes written, which may be
// less than len(buf). When the socket signals pressure the call waits for
// write readiness and resumes, so it never reports a would-block.
func (d *Driver) Send(buf []byte) (int, error) {
	if d.aborted {
		return 0, netstream.ErrAbortRequested
	}
	if d.fd < 0 {
		return 0, netstream.ErrNotConnected
	}

	for {
		n, err := unix.Write(d.fd, buf)
		if err == nil {
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if werr := waitFd(d.fd, unix.POLLOUT, -1); werr != nil {
				return 0, fmt.Errorf("%w: %v", netstream.ErrSend, werr)
			}
			continue
		default:
			return 0, fmt.Errorf("%w: %v", netstream.ErrSend, err)
		}
	}
}

// Abort requests that subsequent I/O fail fast and unblocks any pending
// peer by shutting the socket down. It is meant to be called immediately
// before Close.
func (d *Driver) Abort() {
	d.aborted = true
	if d.fd >= 0 {
		_ = unix.Shutdown(d.fd, unix.SHUT_RDWR)
	}
}

// Close releases the socket.
func (d *Driver) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	d.listening = false
	return err
}

// CheckConnection probes the socket with a non-blocking peek. It returns
// nil while the connection is alive.
func (d *Driver) CheckConnection() error {
	if d.fd < 0 {
		return netstream.ErrNotConnected
	}

	var probe [1]byte
	n, _, err := unix.Recvfrom(d.fd, probe[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("%w: %v", netstream.ErrEOF, err)
	}
	if n == 0 {
		return netstream.ErrEOF
	}
	return nil
}

// Sock returns the underlying OS socket, or -1 if none is open.
func (d *Driver) Sock() int {
	return d.fd
}

// SetSock adopts an already open OS socket. This is primarily useful for
// drivers that layer on top of this one.
func (d *Driver) SetSock(fd int) {
	d.fd = fd
}

// EnableKeepAlive turns on TCP keep-alive probing with the configured
// interval, probe count and idle time.
func (d *Driver) EnableKeepAlive() error {
	if d.fd < 0 {
		return netstream.ErrNotConnected
	}
	if err := unix.SetsockoptInt(d.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("set SO_KEEPALIVE: %w", err)
	}
	if d.keepTime > 0 {
		if err := unix.SetsockoptInt(d.fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, d.keepTime); err != nil {
			return fmt.Errorf("set TCP_KEEPIDLE: %w", err)
		}
	}
	if d.keepInterval > 0 {
		if err := unix.SetsockoptInt(d.fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, d.keepInterval); err != nil {
			return fmt.Errorf("set TCP_KEEPINTVL: %w", err)
		}
	}
	if d.keepProbes > 0 {
		if err := unix.SetsockoptInt(d.fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, d.keepProbes); err != nil {
			return fmt.Errorf("set TCP_KEEPCNT: %w", err)
		}
	}
	d.logEvent(log.SeverityDebug, log.CategoryState, "keep-alive enabled")
	return nil
}

// SetKeepAliveInterval sets the seconds between keep-alive probes.
func (d *Driver) SetKeepAliveInterval(seconds int) {
	d.keepInterval = seconds
}

// SetKeepAliveProbes sets the number of unanswered probes after which the
// connection is considered dead.
func (d *Driver) SetKeepAliveProbes(count int) {
	d.keepProbes = count
}

// SetKeepAliveTime sets the idle seconds before probing starts.
func (d *Driver) SetKeepAliveTime(seconds int) {
	d.keepTime = seconds
}

// RemoteHostname returns the peer's hostname via reverse lookup, falling
// back to the textual IP address.
func (d *Driver) RemoteHostname() (string, error) {
	ip, err := d.RemoteIP()
	if err != nil {
		return "", err
	}
	names, err := net.LookupAddr(ip)
	if err != nil || len(names) == 0 {
		return ip, nil
	}
	return trimTrailingDot(names[0]), nil
}

// RemoteIP returns the peer's IP address in textual form.
func (d *Driver) RemoteIP() (string, error) {
	if d.remote == nil {
		return "", netstream.ErrNotConnected
	}
	return d.remote.IP.String(), nil
}

// RemoteAddr returns the peer's address.
func (d *Driver) RemoteAddr() (net.Addr, error) {
	if d.remote == nil {
		return nil, netstream.ErrNotConnected
	}
	return d.remote, nil
}

func (d *Driver) logEvent(sev log.Severity, cat log.Category, msg string) {
	ev := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: d.connID,
		Severity:     sev,
		Category:     cat,
		Message:      msg,
	}
	if d.remote != nil {
		ev.RemoteAddr = d.remote.String()
	}
	d.logger.Log(ev)
}

// newSocket creates a stream socket matching the address family.
func newSocket(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, nil, fmt.Errorf("socket: %w", err)
		}
		return fd, sa, nil
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	ip := addr.IP
	if ip == nil {
		ip = net.IPv6zero
	}
	copy(sa.Addr[:], ip.To16())
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}
	return fd, sa, nil
}

// tcpAddrFromSockaddr converts an accepted peer sockaddr.
func tcpAddrFromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}

// waitFd polls a single fd for the given events. timeoutMs < 0 blocks.
func waitFd(fd int, events int16, timeoutMs int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(pfd, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ETIMEDOUT
		}
		return nil
	}
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

// LocalPort reports the locally bound port, useful after listening on
// port 0.
func (d *Driver) LocalPort() (int, error) {
	if d.fd < 0 {
		return 0, netstream.ErrNotConnected
	}
	sa, err := unix.Getsockname(d.fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, fmt.Errorf("unexpected socket address type %T", sa)
	}
}

// Compile-time interface satisfaction check.
var _ netstream.Driver = (*Driver)(nil)
