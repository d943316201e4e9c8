package relog_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/relog-project/relog-go/pkg/cert"
	"github.com/relog-project/relog-go/pkg/config"
	"github.com/relog-project/relog-go/pkg/log"
	"github.com/relog-project/relog-go/pkg/netstream"
	"github.com/relog-project/relog-go/pkg/tlsdrv"
)

// writeTestPKI creates a CA, a server credential and a client credential
// on disk and returns their paths.
func writeTestPKI(t *testing.T) (caPath, srvCert, srvKey, cliCert, cliKey string) {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Integration CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}
	caPath = filepath.Join(dir, "ca.pem")
	if err := cert.WriteCertFile(caPath, caCert); err != nil {
		t.Fatalf("write CA cert: %v", err)
	}

	issue := func(serial int64, cn string, sans []string) (string, string) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		template := &x509.Certificate{
			SerialNumber:          big.NewInt(serial),
			Subject:               pkix.Name{CommonName: cn},
			DNSNames:              sans,
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			KeyUsage:              x509.KeyUsageDigitalSignature,
			ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
			BasicConstraintsValid: true,
		}
		der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
		if err != nil {
			t.Fatalf("create cert: %v", err)
		}
		parsed, err := x509.ParseCertificate(der)
		if err != nil {
			t.Fatalf("parse cert: %v", err)
		}
		certPath := filepath.Join(dir, cn+".pem")
		keyPath := filepath.Join(dir, cn+".key")
		if err := cert.WriteCertFile(certPath, parsed); err != nil {
			t.Fatalf("write cert: %v", err)
		}
		if err := cert.WriteKeyFile(keyPath, key); err != nil {
			t.Fatalf("write key: %v", err)
		}
		return certPath, keyPath
	}

	srvCert, srvKey = issue(2, "server", []string{"server.example.net"})
	cliCert, cliKey = issue(3, "client", []string{"client.example.net"})
	return caPath, srvCert, srvKey, cliCert, cliKey
}

// recvExactly reads want bytes from d, multiplexing through a SelectSet
// the way a receive loop would.
func recvExactly(t *testing.T, d netstream.Driver, want int) []byte {
	t.Helper()

	buf := make([]byte, want)
	got := 0
	deadline := time.Now().Add(15 * time.Second)
	for got < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %d of %d bytes", got, want)
		}
		n, err := d.Rcv(buf[got:])
		if errors.Is(err, netstream.ErrRetry) {
			set := tlsdrv.NewSelectSet()
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

// countingLogger counts all emitted driver events.
type countingLogger struct {
	mu sync.Mutex
	n  int
}

func (c *countingLogger) Log(log.Event) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingLogger) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// TestConfiguredTLSForwarding drives the whole stack: YAML configuration
// builds a mutually authenticating driver pair, a batch of messages
// travels through the TLS session in order, and a graceful teardown
// surfaces as a clean close on the peer.
func TestConfiguredTLSForwarding(t *testing.T) {
	caPath, srvCert, srvKey, cliCert, cliKey := writeTestPKI(t)

	serverYAML := fmt.Sprintf(`
defaults:
  caFile: %s
driver:
  mode: 1
  authMode: x509/name
  permittedPeers:
    - client.example.net
  certFile: %s
  keyFile: %s
  verifyDepth: 2
`, caPath, srvCert, srvKey)

	clientYAML := fmt.Sprintf(`
defaults:
  caFile: %s
driver:
  mode: 1
  authMode: x509/name
  permittedPeers:
    - server.example.net
  certFile: %s
  keyFile: %s
  verifyDepth: 2
`, caPath, cliCert, cliKey)

	srvCfg, err := config.Parse([]byte(serverYAML))
	if err != nil {
		t.Fatalf("parse server config: %v", err)
	}
	cliCfg, err := config.Parse([]byte(clientYAML))
	if err != nil {
		t.Fatalf("parse client config: %v", err)
	}

	events := &countingLogger{}

	listener := tlsdrv.NewDriver(srvCfg.DriverDefaults(), events)
	if err := srvCfg.Driver.Apply(listener); err != nil {
		t.Fatalf("apply server config: %v", err)
	}
	if err := listener.Listen("tcp", "127.0.0.1:0", ""); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer listener.Close()

	port, err := listener.LocalPort()
	if err != nil {
		t.Fatalf("LocalPort failed: %v", err)
	}

	type acceptResult struct {
		conn netstream.Driver
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.AcceptConnReq()
		acceptCh <- acceptResult{conn, err}
	}()

	client := tlsdrv.NewDriver(cliCfg.DriverDefaults(), events)
	if err := cliCfg.Driver.Apply(client); err != nil {
		t.Fatalf("apply client config: %v", err)
	}
	if err := client.Connect("tcp", "127.0.0.1", strconv.Itoa(port), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("AcceptConnReq failed: %v", res.err)
	}
	server := res.conn
	defer server.Close()

	// forward a batch of framed messages and verify order on the far side
	const count = 200
	message := func(i int) string {
		return fmt.Sprintf("<165>1 2026-08-23T10:%02d:00Z host app - - - message %d\n", i%60, i)
	}

	sendErr := make(chan error, 1)
	go func() {
		for i := 0; i < count; i++ {
			payload := []byte(message(i))
			sent := 0
			for sent < len(payload) {
				n, err := client.Send(payload[sent:])
				if err != nil {
					sendErr <- err
					return
				}
				sent += n
			}
		}
		sendErr <- nil
	}()

	var want bytes.Buffer
	for i := 0; i < count; i++ {
		want.WriteString(message(i))
	}

	got := recvExactly(t, server, want.Len())
	if err := <-sendErr; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Error("forwarded stream arrived out of order or corrupted")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("client Close failed: %v", err)
	}

	buf := make([]byte, 64)
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for close notification")
		}
		_, err := server.Rcv(buf)
		if errors.Is(err, netstream.ErrRetry) {
			set := tlsdrv.NewSelectSet()
			if aerr := set.Add(server, netstream.WaitRead); aerr != nil {
				t.Fatalf("Add failed: %v", aerr)
			}
			if _, serr := set.Select(time.Second); serr != nil {
				t.Fatalf("Select failed: %v", serr)
			}
			continue
		}
		if !errors.Is(err, netstream.ErrClosed) {
			t.Errorf("Rcv after client Close = %v, want ErrClosed", err)
		}
		break
	}

	if events.total() == 0 {
		t.Error("drivers should have emitted lifecycle events")
	}
}
