package cert

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verification errors.
var (
	ErrCertExpired     = errors.New("certificate has expired")
	ErrCertNotYetValid = errors.New("certificate is not yet valid")
	ErrCertRevoked     = errors.New("certificate has been revoked")
	ErrInvalidChain    = errors.New("invalid certificate chain")
	ErrNameMismatch    = errors.New("certificate name mismatch")
	ErrDepthExceeded   = errors.New("certificate chain depth exceeded")
)

// CheckValidity verifies that the certificate validity period covers now.
// Expired certificates are never tolerated.
func CheckValidity(cert *x509.Certificate, now time.Time) error {
	if cert == nil {
		return ErrInvalidCert
	}
	if now.Before(cert.NotBefore) {
		return ErrCertNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertExpired
	}
	return nil
}

// VerifyChain verifies the raw peer chain against the given root pool and
// returns the verified chain. The leaf is rawCerts[0]; the remaining
// entries are used as intermediates. maxDepth bounds the length of the
// verified chain including the leaf; zero means unlimited.
func VerifyChain(rawCerts [][]byte, roots *x509.CertPool, maxDepth int, now time.Time) ([]*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("%w: no certificates presented", ErrInvalidChain)
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCert, err)
	}

	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		ic, err := x509.ParseCertificate(raw)
		if err != nil {
			continue
		}
		intermediates.AddCert(ic)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	chains, err := leaf.Verify(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}

	chain := chains[0]
	if maxDepth > 0 && len(chain) > maxDepth {
		return nil, fmt.Errorf("%w: chain length %d exceeds %d", ErrDepthExceeded, len(chain), maxDepth)
	}
	return chain, nil
}

// CheckRevocation rejects any certificate of the chain whose serial number
// appears in the revocation list. A nil CRL accepts everything.
func CheckRevocation(chain []*x509.Certificate, crl *x509.RevocationList) error {
	if crl == nil {
		return nil
	}
	for _, c := range chain {
		for _, revoked := range crl.RevokedCertificateEntries {
			if c.SerialNumber.Cmp(revoked.SerialNumber) == 0 {
				return fmt.Errorf("%w: serial %v", ErrCertRevoked, c.SerialNumber)
			}
		}
	}
	return nil
}

// MatchesName reports whether the certificate identifies itself as name.
// Per RFC 6125, subject alternative names take priority: if the
// certificate carries any SAN entries, one of them must match and the
// CommonName is ignored. Only without SANs is the CommonName consulted.
func MatchesName(cert *x509.Certificate, name string) bool {
	if cert == nil || name == "" {
		return false
	}
	if len(cert.DNSNames) > 0 || len(cert.IPAddresses) > 0 {
		for _, dns := range cert.DNSNames {
			if matchHostname(dns, name) {
				return true
			}
		}
		for _, ip := range cert.IPAddresses {
			if ip.String() == name {
				return true
			}
		}
		return false
	}
	return matchHostname(cert.Subject.CommonName, name)
}

// VerifyName checks the leaf certificate against the permitted name and
// returns ErrNameMismatch when it does not match.
func VerifyName(cert *x509.Certificate, name string) error {
	if !MatchesName(cert, name) {
		return fmt.Errorf("%w: peer %q is not permitted as %q",
			ErrNameMismatch, cert.Subject.CommonName, name)
	}
	return nil
}

// matchHostname compares a certificate pattern against a name,
// case-insensitively, allowing a single leading wildcard label.
func matchHostname(pattern, name string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if pattern == "" || name == "" {
		return false
	}
	if pattern == name {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	// the wildcard covers exactly one label
	idx := strings.IndexByte(name, '.')
	if idx < 0 {
		return false
	}
	return pattern[2:] == name[idx+1:]
}
