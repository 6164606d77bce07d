package ekcert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/andres-erbsen/clock"
	"github.com/google/go-tpm/tpm2"

	"ultrablue/internal/tpmcodec"
)

var (
	ErrUntrustedIssuer  = errors.New("ekcert: certificate does not chain to a trusted root")
	ErrExpired          = errors.New("ekcert: certificate outside its validity period")
	ErrKeyUsageMismatch = errors.New("ekcert: key usage not valid for an endorsement key")
	ErrPublicMismatch   = errors.New("ekcert: EK public area does not match certificate")
)

var (
	oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

	// OIDEKCertificate is tcg-kp-EKCertificate.
	OIDEKCertificate = asn1.ObjectIdentifier{2, 23, 133, 8, 1}
)

const signingKeyUsages = x509.KeyUsageDigitalSignature |
	x509.KeyUsageContentCommitment |
	x509.KeyUsageCertSign |
	x509.KeyUsageCRLSign

// Result is a validated EK certificate.
type Result struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	PublicKey   crypto.PublicKey
}

// Validator checks EK certificates against a TrustStore.
type Validator struct {
	store *TrustStore
	clock clock.Clock
}

// NewValidator returns a validator using clk for validity checks.
func NewValidator(store *TrustStore, clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.New()
	}
	return &Validator{store: store, clock: clk}
}

// Validate parses der and checks, in order, the issuer chain, the validity
// window and key usage, so a certificate from an unknown issuer is always
// reported as untrusted. Revocation is not checked.
func (v *Validator) Validate(der []byte) (*Result, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, tpmcodec.Malformed("ek certificate: %v", err)
	}

	// The TPM SAN is often marked critical and is not understood by
	// crypto/x509.
	var unhandled []asn1.ObjectIdentifier
	for _, oid := range cert.UnhandledCriticalExtensions {
		if !oid.Equal(oidSubjectAltName) {
			unhandled = append(unhandled, oid)
		}
	}
	cert.UnhandledCriticalExtensions = unhandled

	now := v.clock.Now()
	inWindow := !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)

	// Build the chain at a time the leaf is valid; the leaf window itself is
	// checked against now below.
	at := now
	switch {
	case now.Before(cert.NotBefore):
		at = cert.NotBefore
	case now.After(cert.NotAfter):
		at = cert.NotAfter
	}
	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         v.store.roots,
		Intermediates: v.store.intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		var invalid x509.CertificateInvalidError
		if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUntrustedIssuer, err)
	}

	if !inWindow {
		return nil, fmt.Errorf("%w: valid %s to %s, now %s", ErrExpired,
			cert.NotBefore.UTC().Format("2006-01-02"), cert.NotAfter.UTC().Format("2006-01-02"),
			now.UTC().Format("2006-01-02"))
	}

	if err := checkKeyUsage(cert); err != nil {
		return nil, err
	}

	return &Result{
		Certificate: cert,
		Chain:       chains[0],
		PublicKey:   cert.PublicKey,
	}, nil
}

func checkKeyUsage(cert *x509.Certificate) error {
	switch cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if cert.KeyUsage&x509.KeyUsageKeyEncipherment == 0 {
			return fmt.Errorf("%w: RSA key without keyEncipherment", ErrKeyUsageMismatch)
		}
	case *ecdsa.PublicKey:
		if cert.KeyUsage&x509.KeyUsageKeyAgreement == 0 {
			return fmt.Errorf("%w: ECC key without keyAgreement", ErrKeyUsageMismatch)
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrKeyUsageMismatch, cert.PublicKey)
	}
	if cert.KeyUsage&signingKeyUsages != 0 {
		return fmt.Errorf("%w: signing usages set", ErrKeyUsageMismatch)
	}
	if cert.IsCA {
		return fmt.Errorf("%w: certificate is a CA", ErrKeyUsageMismatch)
	}

	if len(cert.ExtKeyUsage) == 0 && len(cert.UnknownExtKeyUsage) == 0 {
		return nil
	}
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageAny {
			return nil
		}
	}
	for _, oid := range cert.UnknownExtKeyUsage {
		if oid.Equal(OIDEKCertificate) {
			return nil
		}
	}
	return fmt.Errorf("%w: extended key usage lacks tcg-kp-EKCertificate", ErrKeyUsageMismatch)
}

type equaler interface {
	Equal(crypto.PublicKey) bool
}

// MatchPublic checks that the prover's EK public area carries the
// certified key.
func MatchPublic(res *Result, ekPublic *tpm2.TPMTPublic) error {
	key, err := tpmcodec.PublicKey(ekPublic)
	if err != nil {
		return err
	}
	certKey, ok := res.PublicKey.(equaler)
	if !ok || !certKey.Equal(key) {
		return ErrPublicMismatch
	}
	return nil
}
