package tlsdrv

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/relog-project/relog-go/pkg/cert"
	"github.com/relog-project/relog-go/pkg/log"
	"github.com/relog-project/relog-go/pkg/netstream"
)

// credentials is the parsed credential set backing one TLS session.
type credentials struct {
	roots *x509.CertPool
	crl   *x509.RevocationList
	pair  *tls.Certificate
}

// loadCredentials resolves the per-driver credential paths against the
// process defaults and parses everything up front, so a broken file
// surfaces at session bootstrap and not mid-handshake. needRoots and
// needPair mark credentials the session cannot run without.
func (d *Driver) loadCredentials(needRoots, needPair bool) (*credentials, error) {
	creds := &credentials{}

	caFile := d.caFile
	if caFile == "" {
		caFile = d.defaults.CAFile
	}
	if caFile != "" {
		roots, err := cert.LoadCertPool(caFile)
		if err != nil {
			return nil, d.credentialError("CA file", caFile, err)
		}
		creds.roots = roots
	}
	if needRoots && creds.roots == nil {
		return nil, d.credentialError("CA file", "",
			fmt.Errorf("no CA certificate configured for authentication mode %q", d.authMode))
	}

	crlFile := d.crlFile
	if crlFile == "" {
		crlFile = d.defaults.CRLFile
	}
	if crlFile != "" {
		crl, err := cert.LoadCRL(crlFile)
		if err != nil {
			return nil, d.credentialError("CRL file", crlFile, err)
		}
		creds.crl = crl
	}

	certFile := d.certFile
	if certFile == "" {
		certFile = d.defaults.CertFile
	}
	keyFile := d.keyFile
	if keyFile == "" {
		keyFile = d.defaults.KeyFile
	}
	if certFile != "" && keyFile != "" {
		pair, err := cert.LoadKeyPair(certFile, keyFile)
		if err != nil {
			return nil, d.credentialError("certificate/key pair", certFile, err)
		}
		creds.pair = &pair
	}
	if needPair && creds.pair == nil {
		return nil, d.credentialError("certificate/key pair", "",
			fmt.Errorf("no certificate and key configured"))
	}

	return creds, nil
}

// credentialError maps a credential problem onto ErrCredentialParse and
// logs the diagnostic. The log line is emitted once per driver no matter
// how many bootstrap attempts fail.
func (d *Driver) credentialError(what, path string, err error) error {
	if !d.credErrLogged {
		d.credErrLogged = true
		d.logEvent(log.SeverityError, log.CategorySession, "error parsing crypto config", err)
	}
	if path != "" {
		return fmt.Errorf("%w: %s %s: %v", netstream.ErrCredentialParse, what, path, err)
	}
	return fmt.Errorf("%w: %s: %v", netstream.ErrCredentialParse, what, err)
}

// verifyPeer returns the certificate verification callback for this
// driver. An empty name skips the identity check (x509/certvalid).
func (d *Driver) verifyPeer(creds *credentials, name string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		chain, err := cert.VerifyChain(rawCerts, creds.roots, d.verifyDepth, time.Now())
		if err != nil {
			d.logEvent(log.SeverityError, log.CategorySession, "peer certificate verification failed", err)
			return err
		}
		if err := cert.CheckRevocation(chain, creds.crl); err != nil {
			d.logEvent(log.SeverityError, log.CategorySession, "peer certificate is revoked", err)
			return err
		}
		if name != "" {
			if err := cert.VerifyName(chain[0], name); err != nil {
				d.logEvent(log.SeverityError, log.CategorySession, "peer name not permitted", err)
				return err
			}
		}
		return nil
	}
}

// buildClientConfig assembles the client-side TLS configuration. Chain
// verification runs in our callback so InsecureSkipVerify disables only
// the library's built-in checks, never ours.
func (d *Driver) buildClientConfig(creds *credentials, host string) *tls.Config {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
	if creds.pair != nil {
		cfg.Certificates = []tls.Certificate{*creds.pair}
	}

	switch d.authMode {
	case netstream.AuthModeAnon:
		// no verification at all
	case netstream.AuthModeCertValid:
		cfg.ServerName = host
		cfg.VerifyPeerCertificate = d.verifyPeer(creds, "")
	default: // x509/name
		name := d.permPeer
		if name == "" {
			name = host
		}
		cfg.ServerName = name
		cfg.VerifyPeerCertificate = d.verifyPeer(creds, name)
	}
	return cfg
}

// buildServerConfig assembles the server-side TLS configuration. The
// permitted peer, when set, constrains the client identity.
func (d *Driver) buildServerConfig(creds *credentials) *tls.Config {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*creds.pair},
	}

	switch d.authMode {
	case netstream.AuthModeAnon:
		cfg.ClientAuth = tls.NoClientCert
	case netstream.AuthModeCertValid:
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.VerifyPeerCertificate = d.verifyPeer(creds, "")
	default: // x509/name
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.VerifyPeerCertificate = d.verifyPeer(creds, d.permPeer)
	}
	return cfg
}

// bootstrapClientSession loads credentials, wires the TLS record engine
// onto the raw socket and drives the handshake to completion.
func (d *Driver) bootstrapClientSession(host string) error {
	creds, err := d.loadCredentials(d.authMode != netstream.AuthModeAnon, false)
	if err != nil {
		return err
	}

	conn := newRawConn(d.tcp)
	session := tls.Client(conn, d.buildClientConfig(creds, host))
	return d.handshake(conn, session)
}

// bootstrapServerSession is the accept-side counterpart. Servers always
// need a certificate and key.
func (d *Driver) bootstrapServerSession() error {
	creds, err := d.loadCredentials(d.authMode != netstream.AuthModeAnon, true)
	if err != nil {
		return err
	}

	conn := newRawConn(d.tcp)
	session := tls.Server(conn, d.buildServerConfig(creds))
	return d.handshake(conn, session)
}

// handshake runs the TLS handshake synchronously. The adapter's
// handshake phase turns would-block reads into bounded polls, so the
// call returns only on success or a definite failure.
func (d *Driver) handshake(conn *rawConn, session *tls.Conn) error {
	conn.handshaking = true
	err := session.Handshake()
	conn.handshaking = false
	if err != nil {
		d.logEvent(log.SeverityError, log.CategorySession, "TLS handshake failed", err)
		return fmt.Errorf("%w: %v", netstream.ErrTLSHandshake, err)
	}

	d.raw = conn
	d.session = session

	// application records can arrive coalesced with the peer's final
	// handshake flight; move them into the pending buffer now so the
	// first readiness wait sees them
	d.drainSession()

	d.logEvent(log.SeverityDebug, log.CategorySession, "TLS handshake complete", nil)
	return nil
}
