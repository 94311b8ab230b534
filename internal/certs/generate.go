package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// SelfSigned is a freshly generated certificate and its PKCS#8 private key, both DER-encoded.
type SelfSigned struct {
	CertDER []byte
	KeyDER  []byte
}

// GenerateSelfSigned creates an ECDSA P-256 certificate valid for the given
// DNS names and IP addresses. It is meant for development and tests only.
func GenerateSelfSigned(hosts []string, validity time.Duration) (*SelfSigned, error) {
	if len(hosts) == 0 {
		return nil, errors.New("at least one host is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	return &SelfSigned{CertDER: certDER, KeyDER: keyDER}, nil
}

// Write stores the pair in dir as cert.der/key.der, or cert.pem/key.pem when
// asPEM is set, and returns the paths written. The key file is created 0600.
func (s *SelfSigned) Write(dir string, asPEM bool) (certPath, keyPath string, err error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("create certificate directory: %w", err)
	}

	ext := ".der"
	certData, keyData := s.CertDER, s.KeyDER
	if asPEM {
		ext = ".pem"
		certData = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.CertDER})
		keyData = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: s.KeyDER})
	}

	certPath = filepath.Join(dir, "cert"+ext)
	keyPath = filepath.Join(dir, "key"+ext)

	if err := os.WriteFile(certPath, certData, 0o644); err != nil {
		return "", "", fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyData, 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	return certPath, keyPath, nil
}
