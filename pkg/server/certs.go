package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/acme/autocert"
)

// TLSResult holds the TLS config and, for Let's Encrypt, the autocert
// manager whose HTTP handler must answer ACME challenges on port 80.
type TLSResult struct {
	Config      *tls.Config
	AutocertMgr *autocert.Manager
}

// SetupTLS picks a TLS strategy from c in order of preference: Let's
// Encrypt for TLSDomain, the TLSCert/TLSKey pair, then a self-signed
// certificate kept in CertDir.
func SetupTLS(c *Conf) (*TLSResult, error) {
	switch {
	case c.TLSDomain != "":
		dir := c.CertDir
		if dir == "" {
			dir = "certs"
		}
		cacheDir := filepath.Join(dir, "autocert-cache")
		if err := os.MkdirAll(cacheDir, 0700); err != nil {
			return nil, fmt.Errorf("creating autocert cache dir: %w", err)
		}
		log.Info().Str("module", "tls").Str("domain", c.TLSDomain).Msg("using Let's Encrypt")
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(c.TLSDomain),
			Cache:      autocert.DirCache(cacheDir),
		}
		return &TLSResult{Config: m.TLSConfig(), AutocertMgr: m}, nil

	case c.TLSCert != "" && c.TLSKey != "":
		log.Info().Str("module", "tls").Str("cert", c.TLSCert).Msg("loading certificate")
		cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("loading TLS cert: %w", err)
		}
		return &TLSResult{Config: &tls.Config{Certificates: []tls.Certificate{cert}}}, nil

	case c.CertDir != "":
		cfg, err := selfSigned(c.CertDir)
		if err != nil {
			return nil, err
		}
		return &TLSResult{Config: cfg}, nil
	}
	return nil, fmt.Errorf("no TLS strategy configured")
}

// selfSigned loads the certificate in dir, generating it on first use.
func selfSigned(dir string) (*tls.Config, error) {
	certPath := filepath.Join(dir, "self-signed.crt")
	keyPath := filepath.Join(dir, "self-signed.key")

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		log.Info().Str("module", "tls").Str("dir", dir).Msg("using existing self-signed certificate")
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating cert dir: %w", err)
	}
	certPEM, keyPEM, err := generateSelfSigned(time.Now())
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("writing cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing key: %w", err)
	}
	log.Info().Str("module", "tls").Str("dir", dir).Msg("self-signed certificate generated")

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading generated cert: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// generateSelfSigned returns PEM-encoded certificate and key for localhost,
// valid for a year from now.
func generateSelfSigned(now time.Time) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial: %w", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"chanserv"}, CommonName: "localhost"},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
