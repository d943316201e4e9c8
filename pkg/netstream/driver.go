package netstream

import (
	"net"
	"time"
)

// Driver modes.
const (
	// ModePlain runs the connection as plain TCP (e.g. before a STARTTLS).
	ModePlain = 0

	// ModeTLS runs the connection as TLS over TCP.
	ModeTLS = 1
)

// Authentication mode names accepted by SetAuthMode.
const (
	// AuthModeName verifies the peer certificate and checks its name
	// against the permitted peer. This is the default.
	AuthModeName = "x509/name"

	// AuthModeCertValid verifies the peer certificate but performs no
	// name check.
	AuthModeCertValid = "x509/certvalid"

	// AuthModeAnon performs no certificate checks whatsoever.
	AuthModeAnon = "anon"
)

// WaitOp selects which readiness condition a SelectSet waits for.
type WaitOp int

const (
	// WaitRead waits for read readiness.
	WaitRead WaitOp = iota

	// WaitWrite waits for write readiness.
	WaitWrite
)

// String returns the wait operation name.
func (op WaitOp) String() string {
	switch op {
	case WaitRead:
		return "READ"
	case WaitWrite:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// Defaults is the process-wide default credential set, resolved by the
// configuration layer and passed explicitly into each driver. A per-driver
// credential path that is unset falls back to the corresponding default.
// An empty field means "no such credential".
type Defaults struct {
	CAFile   string
	CRLFile  string
	KeyFile  string
	CertFile string
}

// Driver is the network stream driver contract. It is implemented by the
// plain-TCP driver and by the TLS driver, which owns a nested plain-TCP
// driver for raw socket plumbing.
//
// A Driver is owned by exactly one execution context and is not internally
// synchronized.
type Driver interface {
	// SetMode selects ModePlain or ModeTLS. Any other value fails with
	// ErrInvalidDriverMode and leaves the mode unchanged.
	SetMode(mode int) error

	// SetAuthMode selects the peer authentication policy. The empty
	// string defaults to AuthModeName. An unsupported name fails with
	// ErrUnsupportedValue and leaves the previous policy unchanged.
	SetAuthMode(mode string) error

	// SetPermitExpiredCerts only accepts "off" (or the empty string);
	// expired certificates are never permitted.
	SetPermitExpiredCerts(mode string) error

	// SetPermittedPeers configures the peer identities accepted during
	// name checking; a non-empty list fails with ErrUnsupportedInMode
	// unless the authentication policy performs name checks. Only the
	// first entry is honored. An empty slice clears the previously
	// configured peer.
	SetPermittedPeers(peers []string) error

	// Credential path setters. An empty path clears the stored path so
	// the process-wide default is used at session-init time.
	SetCAFile(path string)
	SetCRLFile(path string)
	SetKeyFile(path string)
	SetCertFile(path string)

	// SetVerifyDepth bounds the peer certificate chain length. Zero
	// means unlimited.
	SetVerifyDepth(depth int)

	// SetCheckExtendedKeyUsage and SetPrioritizeSAN accept only the
	// mandatory value 1; other values are ignored with a warning since
	// the underlying library always enforces both checks.
	SetCheckExtendedKeyUsage(flag int)
	SetPrioritizeSAN(flag int)

	// SetPriorityString rejects any non-empty cipher priority string
	// with ErrUnsupportedValue; the option has no meaning for this
	// driver family and must not silently succeed.
	SetPriorityString(s string) error

	// Connect opens a client connection. network is a Go network name
	// ("tcp", "tcp4", "tcp6"); device optionally binds the socket to a
	// local interface. In TLS mode the handshake is driven to
	// completion before Connect returns.
	Connect(network, host, port, device string) error

	// Listen sets the driver up as a listener on address.
	Listen(network, address, device string) error

	// AcceptConnReq accepts one pending connection on a listening
	// driver and returns a new, established driver for it. On failure
	// the partially constructed driver is destroyed and no object is
	// returned.
	AcceptConnReq() (Driver, error)

	// Rcv reads available data into buf without blocking. It returns
	// ErrRetry when the operation must be repeated after the next
	// readiness wait, ErrClosed on a clean peer close, and ErrEOF on an
	// end of stream without a clean close.
	Rcv(buf []byte) (int, error)

	// Send writes buf and returns the number of bytes written, which
	// may be less than len(buf).
	Send(buf []byte) (int, error)

	// Abort requests that subsequent I/O fail fast. It is meant to be
	// called immediately before Close.
	Abort()

	// Close tears the connection down, ending an active TLS session
	// gracefully first, and releases all owned resources.
	Close() error

	// CheckConnection probes whether the peer is still reachable.
	CheckConnection() error

	// Sock returns the underlying OS socket, or -1 if none is open.
	Sock() int

	// SetSock adopts an already open OS socket.
	SetSock(fd int)

	// Keep-alive tuning. Interval/probes/time take effect the next time
	// EnableKeepAlive is called.
	EnableKeepAlive() error
	SetKeepAliveInterval(seconds int)
	SetKeepAliveProbes(count int)
	SetKeepAliveTime(seconds int)

	// Remote identity accessors.
	RemoteHostname() (string, error)
	RemoteIP() (string, error)
	RemoteAddr() (net.Addr, error)
}

// SelectSet aggregates drivers into a single readiness wait. A SelectSet
// is owned by one polling loop; registrations are valid for one polling
// round (Add calls, one Select, IsReady calls).
type SelectSet interface {
	// Add registers a driver for the given wait operation.
	Add(d Driver, op WaitOp) error

	// Select waits until at least one registered driver is ready or the
	// timeout expires, and returns the number of ready drivers.
	Select(timeout time.Duration) (int, error)

	// IsReady reports whether the given driver was among the ready ones
	// of the last Select round.
	IsReady(d Driver, op WaitOp) (bool, error)
}
