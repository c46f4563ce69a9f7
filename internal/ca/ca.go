// Package ca owns the local root certificate authority and the per-domain
// leaf certificates used for TLS interception.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 24 * time.Hour
	// leafBackdate tolerates clock skew between us and the client.
	leafBackdate = time.Minute
	// leafRefreshMargin forces regeneration shortly before expiry so a
	// cached leaf is never served into its final seconds.
	leafRefreshMargin = time.Minute

	caCertFile = "ca.pem"
	caKeyFile  = "ca-key.pem"
	certsDir   = "certs"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// Leaf is one issued per-domain certificate.
type Leaf struct {
	CertPEM     []byte
	KeyPEM      []byte
	Certificate tls.Certificate
	NotAfter    time.Time
}

// Authority loads or creates the root CA and issues leaf certificates on
// demand. Leaves are cached in memory and persisted under certs/, keyed by a
// filesystem-safe version of the domain.
type Authority struct {
	dir    string
	logger *slog.Logger

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caPEM  []byte

	mu    sync.Mutex
	cache map[string]*Leaf
}

// NewAuthority ensures the root CA exists under dir and returns an issuer
// backed by it. Creation is idempotent: an existing CA on disk is reused.
func NewAuthority(dir string, logger *slog.Logger) (*Authority, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authority{
		dir:    dir,
		logger: logger,
		cache:  map[string]*Leaf{},
	}
	if err := a.ensureCA(); err != nil {
		return nil, err
	}
	return a, nil
}

// CAPath returns the on-disk location of the root certificate.
func (a *Authority) CAPath() string {
	return filepath.Join(a.dir, caCertFile)
}

// CAPEM returns the root certificate in PEM form.
func (a *Authority) CAPEM() []byte {
	return append([]byte(nil), a.caPEM...)
}

// TrustInstructions describes how to install the root certificate.
func (a *Authority) TrustInstructions() []string {
	path := a.CAPath()
	return []string{
		fmt.Sprintf("Linux: import %s into your browser or system trust store.", path),
		fmt.Sprintf("macOS: open Keychain Access, import %s, then set it to Always Trust.", path),
		fmt.Sprintf("Windows: import %s into Trusted Root Certification Authorities.", path),
	}
}

func (a *Authority) ensureCA() error {
	if err := os.MkdirAll(a.dir, 0o750); err != nil {
		return fmt.Errorf("creating CA directory: %w", err)
	}

	certPath := a.CAPath()
	keyPath := filepath.Join(a.dir, caKeyFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		cert, key, err := parseCA(certPEM, keyPEM)
		if err != nil {
			return fmt.Errorf("loading persisted CA: %w", err)
		}
		a.caCert = cert
		a.caKey = key
		a.caPEM = certPEM
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         "Wardgate Local Root CA",
			Organization:       []string{"Wardgate"},
			OrganizationalUnit: []string{"Local Security Proxy"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("writing CA certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing CA key: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing generated CA certificate: %w", err)
	}

	a.caCert = cert
	a.caKey = key
	a.caPEM = certPEM
	a.logger.Info("generated new root CA", "path", certPath)
	return nil
}

// LeafFor returns a certificate for the domain, issuing a new one when no
// cached leaf is valid for at least another minute.
func (a *Authority) LeafFor(domain string) (*Leaf, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if leaf, ok := a.cache[domain]; ok && leaf.NotAfter.After(now.Add(leafRefreshMargin)) {
		return leaf, nil
	}

	if leaf := a.loadLeaf(domain, now); leaf != nil {
		a.cache[domain] = leaf
		return leaf, nil
	}

	leaf, err := a.issueLeaf(domain, now)
	if err != nil {
		return nil, err
	}
	a.cache[domain] = leaf
	return leaf, nil
}

// loadLeaf revives a persisted leaf if its signature checks out against the
// CA and it is not about to expire.
func (a *Authority) loadLeaf(domain string, now time.Time) *Leaf {
	certPath, keyPath := a.leafPaths(domain)

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil
	}
	if err := cert.CheckSignatureFrom(a.caCert); err != nil {
		return nil
	}
	if !cert.NotAfter.After(now.Add(leafRefreshMargin)) {
		return nil
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil
	}

	return &Leaf{CertPEM: certPEM, KeyPEM: keyPEM, Certificate: pair, NotAfter: cert.NotAfter}
}

func (a *Authority) issueLeaf(domain string, now time.Time) (*Leaf, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key for %s: %w", domain, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   domain,
			Organization: []string{"Wardgate Interception"},
		},
		NotBefore:             now.Add(-leafBackdate),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              leafNames(domain),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, fmt.Errorf("signing leaf for %s: %w", domain, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	certPath, keyPath := a.leafPaths(domain)
	if err := os.MkdirAll(filepath.Dir(certPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating certs directory: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("writing leaf certificate for %s: %w", domain, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing leaf key for %s: %w", domain, err)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("assembling leaf pair for %s: %w", domain, err)
	}

	a.logger.Debug("issued leaf certificate", "domain", domain, "not_after", template.NotAfter)
	return &Leaf{CertPEM: certPEM, KeyPEM: keyPEM, Certificate: pair, NotAfter: template.NotAfter}, nil
}

func (a *Authority) leafPaths(domain string) (certPath, keyPath string) {
	sanitized := unsafeNameChars.ReplaceAllString(domain, "_")
	dir := filepath.Join(a.dir, certsDir)
	return filepath.Join(dir, sanitized+".pem"), filepath.Join(dir, sanitized+".key.pem")
}

// leafNames returns the SANs for a domain: the domain itself plus the
// immediate wildcard parent when the domain has at least three labels, so
// sibling hosts reuse one certificate.
func leafNames(domain string) []string {
	names := []string{domain}
	labels := strings.Split(domain, ".")
	if len(labels) >= 3 {
		names = append(names, "*."+strings.Join(labels[1:], "."))
	}
	return names
}

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("CA certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("CA key is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA key: %w", err)
	}
	return cert, key, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("generating certificate serial: %w", err)
	}
	return serial, nil
}
