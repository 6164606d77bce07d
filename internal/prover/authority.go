package prover

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"ultrablue/internal/ekcert"
	"ultrablue/internal/security"
)

var (
	oidSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidTPMManufacturer  = asn1.ObjectIdentifier{2, 23, 133, 2, 1}
	oidTPMModel         = asn1.ObjectIdentifier{2, 23, 133, 2, 2}
	oidTPMVersion       = asn1.ObjectIdentifier{2, 23, 133, 2, 3}
	authorityValidity   = 20 * 365 * 24 * time.Hour
	certificateValidity = 10 * 365 * 24 * time.Hour
)

// Authority is a stand-in TPM manufacturer CA. It issues endorsement
// certificates shaped like real ones: key encipherment only, the TCG EK
// extended key usage, and a critical directoryName SAN naming the TPM.
type Authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	clk  clock.Clock

	mu     sync.Mutex
	serial int64
}

// NewAuthority creates a self-signed root named name.
func NewAuthority(name string, clk clock.Clock) (*Authority, error) {
	if clk == nil {
		clk = clock.New()
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("prover: authority key: %w", err)
	}
	now := clk.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"ultrablue simulated TPM"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(authorityValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("prover: authority certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{cert: cert, key: key, clk: clk, serial: 1}, nil
}

// Certificate returns the root certificate.
func (a *Authority) Certificate() *x509.Certificate { return a.cert }

// TrustStore returns a trust store holding only this root.
func (a *Authority) TrustStore() *ekcert.TrustStore { return ekcert.NewTrustStore(a.cert) }

// WriteRoot writes the root as PEM to path.
func (a *Authority) WriteRoot(path string) error {
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})
	return security.WriteFileAtomic(path, block, security.PermPublicFile)
}

// IssueEK certifies an endorsement key.
func (a *Authority) IssueEK(pub crypto.PublicKey) ([]byte, error) {
	var usage x509.KeyUsage
	switch pub.(type) {
	case *rsa.PublicKey:
		usage = x509.KeyUsageKeyEncipherment
	case *ecdsa.PublicKey:
		usage = x509.KeyUsageKeyAgreement
	default:
		return nil, fmt.Errorf("prover: unsupported EK type %T", pub)
	}
	san, err := tpmSAN()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.serial++
	serial := a.serial
	a.mu.Unlock()

	now := a.clk.Now()
	tmpl := &x509.Certificate{
		SerialNumber:       big.NewInt(serial),
		NotBefore:          now.Add(-time.Hour),
		NotAfter:           now.Add(certificateValidity),
		KeyUsage:           usage,
		UnknownExtKeyUsage: []asn1.ObjectIdentifier{ekcert.OIDEKCertificate},
		ExtraExtensions:    []pkix.Extension{{Id: oidSubjectAltName, Critical: true, Value: san}},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, pub, a.key)
	if err != nil {
		return nil, fmt.Errorf("prover: issue EK certificate: %w", err)
	}
	return der, nil
}

func tpmSAN() ([]byte, error) {
	name := pkix.Name{ExtraNames: []pkix.AttributeTypeAndValue{
		{Type: oidTPMManufacturer, Value: "id:53494D55"},
		{Type: oidTPMModel, Value: "ultrablue-sim"},
		{Type: oidTPMVersion, Value: "id:00010000"},
	}}
	dn, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		return nil, err
	}
	return asn1.Marshal([]asn1.RawValue{{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: dn}})
}
