// Package certs loads, generates and hot-reloads the proxy's TLS key pair.
package certs

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IsDER reports whether path names a binary DER file. Anything else is read as PEM.
func IsDER(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".der")
}

// LoadKeyPair reads a certificate chain and private key from disk. Each file is
// decoded as DER when its extension is .der and as PEM otherwise.
func LoadKeyPair(certPath, keyPath string) (*tls.Certificate, error) {
	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate chain %s: %w", certPath, err)
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", keyPath, err)
	}

	chain, err := decodeChain(certData, IsDER(certPath))
	if err != nil {
		return nil, fmt.Errorf("decode certificate chain %s: %w", certPath, err)
	}
	key, err := decodeKey(keyData, IsDER(keyPath))
	if err != nil {
		return nil, fmt.Errorf("decode private key %s: %w", keyPath, err)
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	if !publicKeyMatches(leaf.PublicKey, key) {
		return nil, errors.New("private key does not match certificate")
	}

	return &tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func decodeChain(data []byte, der bool) ([][]byte, error) {
	if der {
		if len(data) == 0 {
			return nil, errors.New("empty file")
		}
		return [][]byte{data}, nil
	}

	var chain [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, errors.New("no CERTIFICATE block found")
	}
	return chain, nil
}

func decodeKey(data []byte, der bool) (crypto.Signer, error) {
	if !der {
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				return nil, errors.New("no PRIVATE KEY block found")
			}
			if strings.HasSuffix(block.Type, "PRIVATE KEY") {
				data = block.Bytes
				break
			}
		}
	}

	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(data); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key encoding (want PKCS#8, PKCS#1 or SEC 1)")
}

func publicKeyMatches(pub crypto.PublicKey, key crypto.Signer) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	p, ok := pub.(equaler)
	return ok && p.Equal(key.Public())
}
