package fhirclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// MTLSConfig names the client certificate materials for mutual TLS to an
// upstream directory. A missing file is a fatal configuration error at
// startup (spec.md §4.1), never a runtime retry target.
type MTLSConfig struct {
	CertPath string `koanf:"certpath"`
	KeyPath  string `koanf:"keypath"`
	CAPath   string `koanf:"capath"`
}

// IsConfigured reports whether client certificate materials were given.
func (c MTLSConfig) IsConfigured() bool {
	return c.CertPath != "" && c.KeyPath != ""
}

// LoadTLSConfig builds a *tls.Config from c. CertPath ending in ".p12" or
// ".pfx" is loaded as a PKCS#12 bundle (KeyPath is then used as the
// bundle's password file, or treated as the literal passphrase if it
// doesn't name an existing file); any other CertPath/KeyPath pair is
// loaded as PEM. CAPath, if set, is added as the trusted root pool
// instead of the system pool.
func LoadTLSConfig(c MTLSConfig) (*tls.Config, error) {
	if !c.IsConfigured() {
		return nil, nil
	}

	var cert tls.Certificate
	if strings.HasSuffix(strings.ToLower(c.CertPath), ".p12") || strings.HasSuffix(strings.ToLower(c.CertPath), ".pfx") {
		loaded, err := loadPKCS12(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load PKCS#12 client certificate %q: %w", c.CertPath, err)
		}
		cert = loaded
	} else {
		certPEM, err := os.ReadFile(c.CertPath)
		if err != nil {
			return nil, fmt.Errorf("read mTLS client certificate %q: %w", c.CertPath, err)
		}
		keyPEM, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read mTLS client key %q: %w", c.KeyPath, err)
		}
		loaded, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse mTLS client key pair: %w", err)
		}
		cert = loaded
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	if c.CAPath != "" {
		caPEM, err := os.ReadFile(c.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read mTLS CA bundle %q: %w", c.CAPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in CA bundle %q", c.CAPath)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func loadPKCS12(certPath, passwordOrPath string) (tls.Certificate, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	password := passwordOrPath
	if passwordBytes, readErr := os.ReadFile(passwordOrPath); readErr == nil {
		password = strings.TrimSpace(string(passwordBytes))
	}
	privateKey, certificate, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certificate.Raw},
		PrivateKey:  privateKey,
		Leaf:        certificate,
	}, nil
}
