package tlsdrv

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/relog-project/relog-go/pkg/cert"
	"github.com/relog-project/relog-go/pkg/log"
	"github.com/relog-project/relog-go/pkg/netstream"
)

// testCA is an in-test certificate authority that can issue leaf
// credentials and revocation lists.
type testCA struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	path   string
	dir    string
	serial int64
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	dir := t.TempDir()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}

	path := filepath.Join(dir, "ca.pem")
	if err := cert.WriteCertFile(path, caCert); err != nil {
		t.Fatalf("write CA cert: %v", err)
	}

	return &testCA{cert: caCert, key: key, path: path, dir: dir, serial: 1}
}

// leaf holds one issued credential's file paths and parsed certificate.
type leaf struct {
	certPath string
	keyPath  string
	cert     *x509.Certificate
}

// issue creates a leaf certificate signed by the CA with the given SANs
// and validity end.
func (ca *testCA) issue(t *testing.T, name string, sans []string, notAfter time.Time) leaf {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}

	ca.serial++
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(ca.serial),
		Subject:               pkix.Name{CommonName: name},
		DNSNames:              sans,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse leaf cert: %v", err)
	}

	certPath := filepath.Join(ca.dir, name+".pem")
	keyPath := filepath.Join(ca.dir, name+".key")
	if err := cert.WriteCertFile(certPath, parsed); err != nil {
		t.Fatalf("write leaf cert: %v", err)
	}
	if err := cert.WriteKeyFile(keyPath, key); err != nil {
		t.Fatalf("write leaf key: %v", err)
	}

	return leaf{certPath: certPath, keyPath: keyPath, cert: parsed}
}

// revoke writes a CRL listing the given certificates.
func (ca *testCA) revoke(t *testing.T, leaves ...leaf) string {
	t.Helper()

	var entries []x509.RevocationListEntry
	for _, l := range leaves {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   l.cert.SerialNumber,
			RevocationTime: time.Now(),
		})
	}
	template := &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now(),
		NextUpdate:                time.Now().Add(24 * time.Hour),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, ca.cert, ca.key)
	if err != nil {
		t.Fatalf("create CRL: %v", err)
	}

	path := filepath.Join(ca.dir, "revoked.crl")
	if err := os.WriteFile(path, der, 0644); err != nil {
		t.Fatalf("write CRL: %v", err)
	}
	return path
}

// recordingLogger captures driver events for assertions.
type recordingLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *recordingLogger) Log(event log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

// countMessage returns how many captured events carry exactly msg.
func (l *recordingLogger) countMessage(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, ev := range l.events {
		if ev.Message == msg {
			count++
		}
	}
	return count
}

// startListener creates a configured listening driver on loopback and
// returns it with its port.
func startListener(t *testing.T, configure func(*Driver)) (*Driver, string) {
	t.Helper()

	ld := NewDriver(netstream.Defaults{}, nil)
	if configure != nil {
		configure(ld)
	}
	if err := ld.Listen("tcp", "127.0.0.1:0", ""); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { ld.Close() })

	port, err := ld.tcp.LocalPort()
	if err != nil {
		t.Fatalf("LocalPort failed: %v", err)
	}
	return ld, strconv.Itoa(port)
}

type acceptResult struct {
	driver netstream.Driver
	err    error
}

// connectPair establishes a connection between a fresh client driver and
// the listener, driving both handshakes concurrently.
func connectPair(t *testing.T, ld *Driver, port string, configure func(*Driver)) (client *Driver, server netstream.Driver) {
	t.Helper()

	acceptCh := make(chan acceptResult, 1)
	go func() {
		d, err := ld.AcceptConnReq()
		acceptCh <- acceptResult{driver: d, err: err}
	}()

	client = NewDriver(netstream.Defaults{}, nil)
	if configure != nil {
		configure(client)
	}
	if err := client.Connect("tcp", "127.0.0.1", port, ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("AcceptConnReq failed: %v", res.err)
	}
	t.Cleanup(func() { res.driver.Close() })

	return client, res.driver
}

// recv reads exactly want bytes from d, waiting for readiness between
// retries.
func recv(t *testing.T, d netstream.Driver, want int) []byte {
	t.Helper()

	buf := make([]byte, want)
	got := 0
	deadline := time.Now().Add(10 * time.Second)
	for got < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %d of %d bytes", got, want)
		}
		n, err := d.Rcv(buf[got:])
		if errors.Is(err, netstream.ErrRetry) {
			set := NewSelectSet()
			if err := set.Add(d, netstream.WaitRead); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			if _, err := set.Select(time.Second); err != nil {
				t.Fatalf("Select failed: %v", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Rcv failed: %v", err)
		}
		got += n
	}
	return buf
}

// waitRcvErr polls until Rcv reports a non-retryable outcome and returns
// that error.
func waitRcvErr(t *testing.T, d netstream.Driver) error {
	t.Helper()

	buf := make([]byte, 64)
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a receive outcome")
		}
		_, err := d.Rcv(buf)
		if errors.Is(err, netstream.ErrRetry) {
			set := NewSelectSet()
			if aerr := set.Add(d, netstream.WaitRead); aerr != nil {
				t.Fatalf("Add failed: %v", aerr)
			}
			if _, serr := set.Select(time.Second); serr != nil {
				t.Fatalf("Select failed: %v", serr)
			}
			continue
		}
		return err
	}
}
