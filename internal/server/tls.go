package server

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/konakweb/konak/internal/history"
)

// TLS configuration errors.
var (
	// ErrNoCertificate is returned when TLS is enabled without a
	// certificate file.
	ErrNoCertificate = errors.New("server: no certificate provided")
	// ErrNoPrivateKey is returned when the certificate file contains no
	// private key block.
	ErrNoPrivateKey = errors.New("server: no private key in certificate file")
	// ErrInvalidCertPEM is returned when the certificate file cannot be
	// parsed.
	ErrInvalidCertPEM = errors.New("server: invalid certificate PEM data")
	// ErrInvalidCAPEM is returned when the CA file cannot be parsed.
	ErrInvalidCAPEM = errors.New("server: invalid CA PEM data")
	// ErrKeyDecrypt is returned when an encrypted private key cannot be
	// decrypted with the configured password.
	ErrKeyDecrypt = errors.New("server: failed to decrypt private key")
	// ErrPeerDenied is the policy-denied outcome: the peer chain was
	// cryptographically valid but rejected by the DN allow-list or the
	// depth limit. Distinct from crypto failures for observability.
	ErrPeerDenied = errors.New("server: peer certificate denied by policy")
)

// DefaultVerifyDepth is the default maximum certificate chain depth.
const DefaultVerifyDepth = 9

// PeerPolicy is the injected peer-authentication policy consulted during
// every TLS handshake, plus the password source for encrypted keys. It
// decouples the session manager from any particular callback signature.
type PeerPolicy interface {
	// VerifyPeer inspects the cryptographically verified chains and
	// returns nil to accept the peer. Returning an error (conventionally
	// wrapping ErrPeerDenied) closes the handshake with a policy-denied
	// outcome.
	VerifyPeer(verifiedChains [][]*x509.Certificate) error
	// KeyPassword returns the password for an encrypted private key;
	// empty when the key is not encrypted.
	KeyPassword() string
}

// dnPolicy is the default PeerPolicy: enforce a chain depth limit and an
// optional subject-DN allow-list, recording accepted DNs in the history.
type dnPolicy struct {
	allowedDNs  []string
	verifyDepth int
	password    string
	history     *history.Store
}

// VerifyPeer implements PeerPolicy.
func (p *dnPolicy) VerifyPeer(verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
		return fmt.Errorf("%w: no verified chain", ErrPeerDenied)
	}

	depth := p.verifyDepth
	if depth <= 0 {
		depth = DefaultVerifyDepth
	}
	chain := verifiedChains[0]
	if len(chain) > depth+1 {
		return fmt.Errorf("%w: chain depth %d exceeds limit %d", ErrPeerDenied, len(chain)-1, depth)
	}

	dn := chain[0].Subject.String()
	if len(p.allowedDNs) > 0 {
		allowed := false
		for _, want := range p.allowedDNs {
			if dn == want {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: DN %q not in allow-list", ErrPeerDenied, dn)
		}
	}

	if p.history != nil {
		p.history.TouchPeerDN(dn)
	}
	return nil
}

// KeyPassword implements PeerPolicy.
func (p *dnPolicy) KeyPassword() string {
	return p.password
}

// tlsMaterial names the files the TLS session manager loads.
type tlsMaterial struct {
	// certFile holds the server certificate chain and private key, PEM
	// encoded in one file. The key block may be encrypted.
	certFile string
	// caFile holds the CA certificates used to verify peer chains;
	// required when peer authentication is enabled.
	caFile string
}

// buildTLSConfig builds the long-lived TLS context for a server
// instance: certificate material, optional client CA pool, and the peer
// verification callback when peer authentication is enabled.
func buildTLSConfig(m tlsMaterial, peerAuth bool, policy PeerPolicy) (*tls.Config, error) {
	cert, err := loadKeyPair(m.certFile, policy.KeyPassword())
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if !peerAuth {
		return cfg, nil
	}

	if m.caFile == "" {
		return nil, fmt.Errorf("%w: peer auth without CA file", ErrInvalidCAPEM)
	}
	caPEM, err := os.ReadFile(m.caFile)
	if err != nil {
		return nil, fmt.Errorf("server: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, ErrInvalidCAPEM
	}

	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	cfg.ClientCAs = pool
	// Runs after the library's chain verification, so an error here is a
	// policy denial rather than a crypto failure.
	cfg.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
		return policy.VerifyPeer(verifiedChains)
	}

	return cfg, nil
}

// loadKeyPair loads a certificate chain and private key from one PEM
// file, decrypting a legacy-encrypted key block with password when
// present.
func loadKeyPair(certFile, password string) (tls.Certificate, error) {
	if certFile == "" {
		return tls.Certificate{}, ErrNoCertificate
	}
	data, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("server: read certificate file: %w", err)
	}

	var certPEM, keyPEM []byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case block.Type == "PRIVATE KEY" || strings.HasSuffix(block.Type, " PRIVATE KEY"):
			keyBlock := block
			if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy PEM encryption is the format the cert tooling produces
				der, err := x509.DecryptPEMBlock(block, []byte(password)) //nolint:staticcheck
				if err != nil {
					return tls.Certificate{}, ErrKeyDecrypt
				}
				keyBlock = &pem.Block{Type: block.Type, Bytes: der}
			}
			keyPEM = pem.EncodeToMemory(keyBlock)
		}
	}

	if len(certPEM) == 0 {
		return tls.Certificate{}, ErrInvalidCertPEM
	}
	if len(keyPEM) == 0 {
		return tls.Certificate{}, ErrNoPrivateKey
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrInvalidCertPEM, err)
	}
	return cert, nil
}

// isPolicyDenial reports whether a handshake error was a policy denial
// rather than a cryptographic failure.
func isPolicyDenial(err error) bool {
	return errors.Is(err, ErrPeerDenied)
}
