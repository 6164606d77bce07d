// Package ekcert validates TPM endorsement key certificates against a set of
// trusted manufacturer roots.
package ekcert

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TrustStore holds manufacturer root and intermediate certificates. It is
// immutable once built and safe for concurrent use.
type TrustStore struct {
	roots         *x509.CertPool
	intermediates *x509.CertPool
	subjects      []string
}

// NewTrustStore builds a store from already parsed certificates. Self-signed
// certificates become roots, the rest intermediates.
func NewTrustStore(certs ...*x509.Certificate) *TrustStore {
	s := &TrustStore{
		roots:         x509.NewCertPool(),
		intermediates: x509.NewCertPool(),
	}
	for _, c := range certs {
		if isSelfSigned(c) {
			s.roots.AddCert(c)
		} else {
			s.intermediates.AddCert(c)
		}
		s.subjects = append(s.subjects, c.Subject.String())
	}
	sort.Strings(s.subjects)
	return s
}

// LoadTrustStore reads every PEM or DER certificate file (.pem, .crt, .cer,
// .der) in dir. A directory without certificates is an error.
func LoadTrustStore(dir string) (*TrustStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ekcert: read trust directory: %w", err)
	}

	var certs []*x509.Certificate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".pem", ".crt", ".cer", ".der":
		default:
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ekcert: read %s: %w", path, err)
		}
		parsed, err := parseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("ekcert: %s: %w", path, err)
		}
		certs = append(certs, parsed...)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("ekcert: no certificates in %s", dir)
	}
	return NewTrustStore(certs...), nil
}

// Len returns the number of certificates in the store.
func (s *TrustStore) Len() int {
	return len(s.subjects)
}

// Subjects lists the distinguished names of the stored certificates.
func (s *TrustStore) Subjects() []string {
	return append([]string(nil), s.subjects...)
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		c, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, err
		}
		return []*x509.Certificate{c}, nil
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, nil
}

func isSelfSigned(c *x509.Certificate) bool {
	if !bytes.Equal(c.RawSubject, c.RawIssuer) {
		return false
	}
	return c.CheckSignatureFrom(c) == nil
}
