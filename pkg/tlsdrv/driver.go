package tlsdrv

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/relog-project/relog-go/pkg/log"
	"github.com/relog-project/relog-go/pkg/netstream"
	"github.com/relog-project/relog-go/pkg/ptcp"
)

const (
	// drainChunk is the read size used when moving already-decrypted
	// bytes out of the TLS session into the pending buffer.
	drainChunk = 4096

	// closeNotifyRetries bounds how often a graceful close is retried
	// while the session reports pending I/O.
	closeNotifyRetries = 10
)

// Driver is the TLS-capable network stream driver. It owns a plain-TCP
// driver for all raw socket plumbing and, in TLS mode, runs a TLS
// session on top of it. Like its plain counterpart it is owned by a
// single execution context and not internally synchronized.
type Driver struct {
	tcp *ptcp.Driver

	mode        int
	authMode    string
	permPeer    string
	verifyDepth int

	// per-driver credential paths; empty falls back to defaults
	caFile   string
	crlFile  string
	keyFile  string
	certFile string
	defaults netstream.Defaults

	session *tls.Conn
	raw     *rawConn

	// decrypted bytes already pulled out of the session, served before
	// the session is read again
	pending []byte

	aborted       bool
	credErrLogged bool

	logger log.Logger
}

// NewDriver creates an unconnected driver in plain mode with the
// x509/name authentication policy. defaults supplies the process-wide
// fallback credential set.
func NewDriver(defaults netstream.Defaults, logger log.Logger) *Driver {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Driver{
		tcp:      ptcp.NewDriver(logger),
		mode:     netstream.ModePlain,
		authMode: netstream.AuthModeName,
		defaults: defaults,
		logger:   logger,
	}
}

// ConnID returns the driver's unique identifier used in log events.
func (d *Driver) ConnID() string {
	return d.tcp.ConnID()
}

// SetMode selects plain or TLS operation. It must be called before the
// connection is established; an unknown mode leaves the setting
// unchanged.
func (d *Driver) SetMode(mode int) error {
	if mode != netstream.ModePlain && mode != netstream.ModeTLS {
		return fmt.Errorf("%w: mode %d", netstream.ErrInvalidDriverMode, mode)
	}
	d.mode = mode
	return nil
}

// SetAuthMode selects the peer authentication policy. The empty string
// selects the default x509/name. An unsupported name leaves the previous
// policy unchanged.
func (d *Driver) SetAuthMode(mode string) error {
	switch mode {
	case "":
		d.authMode = netstream.AuthModeName
	case netstream.AuthModeName, netstream.AuthModeCertValid, netstream.AuthModeAnon:
		d.authMode = mode
	default:
		return fmt.Errorf("%w: authentication mode %q", netstream.ErrUnsupportedValue, mode)
	}
	return nil
}

// SetPermitExpiredCerts accepts only "off" (or unset). Expired
// certificates are never permitted by this driver.
func (d *Driver) SetPermitExpiredCerts(mode string) error {
	if mode != "" && mode != "off" {
		return fmt.Errorf("%w: permitexpiredcerts mode %q, only \"off\" is supported", netstream.ErrUnsupportedValue, mode)
	}
	return nil
}

// SetPermittedPeers configures the peer identity accepted during name
// checking, so it is only accepted under the x509/name policy. Only a
// single peer is supported; when more are given the first is honored
// and the rest are ignored with a warning. An empty slice clears the
// configured peer.
func (d *Driver) SetPermittedPeers(peers []string) error {
	if len(peers) == 0 {
		d.permPeer = ""
		return nil
	}
	if d.authMode != netstream.AuthModeName {
		return fmt.Errorf("%w: permitted peers require the %q authentication mode",
			netstream.ErrUnsupportedInMode, netstream.AuthModeName)
	}
	if len(peers) > 1 {
		d.logEvent(log.SeverityWarning, log.CategoryConfig,
			fmt.Sprintf("only one permitted peer supported, using %q and ignoring %d more", peers[0], len(peers)-1), nil)
	}
	d.permPeer = peers[0]
	return nil
}

// Credential path setters. An empty path clears the stored path so the
// process-wide default applies at session bootstrap.
func (d *Driver) SetCAFile(path string)   { d.caFile = path }
func (d *Driver) SetCRLFile(path string)  { d.crlFile = path }
func (d *Driver) SetKeyFile(path string)  { d.keyFile = path }
func (d *Driver) SetCertFile(path string) { d.certFile = path }

// SetVerifyDepth bounds the peer certificate chain length, counting the
// leaf. Zero means unlimited.
func (d *Driver) SetVerifyDepth(depth int) {
	d.verifyDepth = depth
}

// SetCheckExtendedKeyUsage accepts only the mandatory value 1; extended
// key usage is always checked during chain verification.
func (d *Driver) SetCheckExtendedKeyUsage(flag int) {
	if flag != 1 {
		d.logEvent(log.SeverityWarning, log.CategoryConfig,
			"extended key usage checking cannot be disabled, option ignored", nil)
	}
}

// SetPrioritizeSAN accepts only the mandatory value 1; subject
// alternative names always take priority during name matching.
func (d *Driver) SetPrioritizeSAN(flag int) {
	if flag != 1 {
		d.logEvent(log.SeverityWarning, log.CategoryConfig,
			"SAN priority cannot be disabled, option ignored", nil)
	}
}

// SetPriorityString rejects any non-empty cipher priority string; the
// option has no meaning for this driver and must not silently succeed.
func (d *Driver) SetPriorityString(s string) error {
	if s != "" {
		return fmt.Errorf("%w: priority string not supported", netstream.ErrUnsupportedValue)
	}
	return nil
}

// Connect opens a client connection. In TLS mode the handshake is driven
// to completion before Connect returns; on handshake failure the raw
// connection is torn down again.
func (d *Driver) Connect(network, host, port, device string) error {
	if err := d.tcp.Connect(network, host, port, device); err != nil {
		return err
	}
	if d.mode == netstream.ModePlain {
		return nil
	}
	if err := d.bootstrapClientSession(host); err != nil {
		d.tcp.Close()
		return err
	}
	return nil
}

// Listen sets the driver up as a listener. The listening socket itself
// carries no TLS state; sessions are bootstrapped per accepted
// connection.
func (d *Driver) Listen(network, address, device string) error {
	return d.tcp.Listen(network, address, device)
}

// AcceptConnReq accepts one pending connection and returns an
// established driver for it, inheriting this listener's configuration.
// In TLS mode the server handshake completes before the driver is
// handed out; on failure the partially constructed driver is destroyed.
func (d *Driver) AcceptConnReq() (netstream.Driver, error) {
	accepted, err := d.tcp.AcceptTCP()
	if err != nil {
		return nil, err
	}

	nd := &Driver{
		tcp:         accepted,
		mode:        d.mode,
		authMode:    d.authMode,
		permPeer:    d.permPeer,
		verifyDepth: d.verifyDepth,
		caFile:      d.caFile,
		crlFile:     d.crlFile,
		keyFile:     d.keyFile,
		certFile:    d.certFile,
		defaults:    d.defaults,
		logger:      d.logger,
	}
	if nd.mode == netstream.ModeTLS {
		if err := nd.bootstrapServerSession(); err != nil {
			accepted.Close()
			return nil, err
		}
	}
	return nd, nil
}

// Rcv reads available data into buf without blocking. Decrypted bytes
// already drained from the session are served first. It returns
// netstream.ErrRetry when the operation must be repeated after the next
// readiness wait.
func (d *Driver) Rcv(buf []byte) (int, error) {
	if d.aborted {
		return 0, netstream.ErrAbortRequested
	}
	if d.mode == netstream.ModePlain {
		return d.tcp.Rcv(buf)
	}
	if d.session == nil {
		return 0, netstream.ErrNotConnected
	}

	if len(d.pending) > 0 {
		n := copy(buf, d.pending)
		d.pending = d.pending[n:]
		if len(d.pending) == 0 {
			d.pending = nil
		}
		return n, nil
	}

	n, err := d.session.Read(buf)
	if n > 0 {
		d.drainSession()
		return n, nil
	}
	return 0, d.mapReceiveError(err)
}

// drainSession opportunistically moves further decrypted records out of
// the session so Buffered reflects everything a readiness wait on the
// raw socket could never see. Terminal conditions are left in place; the
// next session read rediscovers them once pending is consumed.
func (d *Driver) drainSession() {
	var scratch [drainChunk]byte
	for {
		n, err := d.session.Read(scratch[:])
		if n > 0 {
			d.pending = append(d.pending, scratch[:n]...)
		}
		if err != nil {
			return
		}
	}
}

// mapReceiveError translates a TLS session read outcome into the driver
// error kinds. A close-notify surfaces as a clean close; an end of
// stream without one is an abnormal EOF.
func (d *Driver) mapReceiveError(err error) error {
	switch {
	case err == nil:
		return nil
	case isWouldBlock(err):
		return netstream.ErrRetry
	case errors.Is(err, io.ErrUnexpectedEOF):
		return netstream.ErrEOF
	case errors.Is(err, io.EOF):
		// the session reports an abrupt transport end at a record
		// boundary as a plain EOF; only a true close-notify is clean
		if d.raw != nil && d.raw.sawEOF {
			return netstream.ErrEOF
		}
		return netstream.ErrClosed
	default:
		d.logEvent(log.SeverityError, log.CategoryIO, "TLS receive failed", err)
		return fmt.Errorf("%w: %v", netstream.ErrReceive, err)
	}
}

// Buffered reports the number of decrypted bytes held by the driver that
// a readiness wait on the raw socket cannot observe.
func (d *Driver) Buffered() int {
	return len(d.pending)
}

// Send writes buf and returns the number of bytes written. In TLS mode
// the record layer completes the whole write, resuming internally on
// socket pressure.
func (d *Driver) Send(buf []byte) (int, error) {
	if d.aborted {
		return 0, netstream.ErrAbortRequested
	}
	if d.mode == netstream.ModePlain {
		return d.tcp.Send(buf)
	}
	if d.session == nil {
		return 0, netstream.ErrNotConnected
	}

	n, err := d.session.Write(buf)
	if err != nil {
		d.logEvent(log.SeverityError, log.CategoryIO, "TLS send failed", err)
		return n, fmt.Errorf("%w: %v", netstream.ErrSend, err)
	}
	return n, nil
}

// Abort requests that subsequent I/O fail fast. In TLS mode only the
// flag is set so a following Close can still attempt the close-notify;
// in plain mode the request is forwarded to the transport.
func (d *Driver) Abort() {
	d.aborted = true
	if d.mode == netstream.ModePlain {
		d.tcp.Abort()
	}
}

// Close ends an active TLS session gracefully and releases the
// connection. Safe to call on a driver that never established a
// session.
func (d *Driver) Close() error {
	if d.session != nil {
		d.endSession()
	}
	d.pending = nil
	return d.tcp.Close()
}

// endSession sends the close-notify alert, retrying a bounded number of
// times while the session reports pending I/O and abandoning the
// farewell on any other failure.
func (d *Driver) endSession() {
	for i := 0; i < closeNotifyRetries; i++ {
		err := d.session.CloseWrite()
		if err == nil {
			break
		}
		if !isWouldBlock(err) {
			d.logEvent(log.SeverityDebug, log.CategoryState, "close notify abandoned", err)
			break
		}
	}
	d.session = nil
	d.raw = nil
}

// CheckConnection probes whether the peer is still reachable.
func (d *Driver) CheckConnection() error {
	return d.tcp.CheckConnection()
}

// Sock returns the underlying OS socket, or -1 if none is open.
func (d *Driver) Sock() int {
	return d.tcp.Sock()
}

// SetSock adopts an already open OS socket.
func (d *Driver) SetSock(fd int) {
	d.tcp.SetSock(fd)
}

// LocalPort reports the locally bound port, useful after listening on
// port 0.
func (d *Driver) LocalPort() (int, error) {
	return d.tcp.LocalPort()
}

// EnableKeepAlive turns on TCP keep-alive probing on the underlying
// socket.
func (d *Driver) EnableKeepAlive() error {
	return d.tcp.EnableKeepAlive()
}

// SetKeepAliveInterval sets the seconds between keep-alive probes.
func (d *Driver) SetKeepAliveInterval(seconds int) {
	d.tcp.SetKeepAliveInterval(seconds)
}

// SetKeepAliveProbes sets the number of unanswered probes after which
// the connection is considered dead.
func (d *Driver) SetKeepAliveProbes(count int) {
	d.tcp.SetKeepAliveProbes(count)
}

// SetKeepAliveTime sets the idle seconds before probing starts.
func (d *Driver) SetKeepAliveTime(seconds int) {
	d.tcp.SetKeepAliveTime(seconds)
}

// RemoteHostname returns the peer's hostname via reverse lookup.
func (d *Driver) RemoteHostname() (string, error) {
	return d.tcp.RemoteHostname()
}

// RemoteIP returns the peer's IP address in textual form.
func (d *Driver) RemoteIP() (string, error) {
	return d.tcp.RemoteIP()
}

// RemoteAddr returns the peer's address.
func (d *Driver) RemoteAddr() (net.Addr, error) {
	return d.tcp.RemoteAddr()
}

func (d *Driver) logEvent(sev log.Severity, cat log.Category, msg string, err error) {
	ev := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: d.tcp.ConnID(),
		Severity:     sev,
		Category:     cat,
		Message:      msg,
		TLS:          d.mode == netstream.ModeTLS,
	}
	if err != nil {
		ev.Detail = err.Error()
		if code := netstream.ErrorCode(err); code != 0 {
			ev.Code = &code
		}
	}
	if addr, aerr := d.tcp.RemoteAddr(); aerr == nil {
		ev.RemoteAddr = addr.String()
	}
	d.logger.Log(ev)
}

// Compile-time interface satisfaction check.
var _ netstream.Driver = (*Driver)(nil)
