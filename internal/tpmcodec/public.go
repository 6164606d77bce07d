package tpmcodec

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/go-tpm/tpm2"
)

// EncodePublic serializes a public area (TPMT_PUBLIC).
func EncodePublic(p *tpm2.TPMTPublic) []byte {
	return tpm2.Marshal(*p)
}

// DecodePublic parses a public area (TPMT_PUBLIC), such as an EK or AK.
func DecodePublic(b []byte) (pub *tpm2.TPMTPublic, err error) {
	defer recoverMalformed("public area", &err)
	if len(b) == 0 {
		return nil, Malformed("public area: empty buffer")
	}
	pub, err = tpm2.Unmarshal[tpm2.TPMTPublic](b)
	if err != nil {
		return nil, Malformed("public area: %v", err)
	}
	if err := exact("public area", b, tpm2.Marshal(*pub)); err != nil {
		return nil, err
	}
	switch pub.Type {
	case tpm2.TPMAlgRSA, tpm2.TPMAlgECC:
	default:
		return nil, Malformed("public area: unsupported key type 0x%04x", uint16(pub.Type))
	}
	return pub, nil
}

// Name computes the TPM object name (nameAlg || H(TPMT_PUBLIC)).
func Name(p *tpm2.TPMTPublic) ([]byte, error) {
	name, err := tpm2.ObjectName(p)
	if err != nil {
		return nil, fmt.Errorf("tpmcodec: object name: %w", err)
	}
	return clone(name.Buffer), nil
}

// PublicKey extracts the asymmetric key carried in a public area.
func PublicKey(p *tpm2.TPMTPublic) (crypto.PublicKey, error) {
	switch p.Type {
	case tpm2.TPMAlgRSA:
		detail, err := p.Parameters.RSADetail()
		if err != nil {
			return nil, Malformed("rsa parameters: %v", err)
		}
		unique, err := p.Unique.RSA()
		if err != nil {
			return nil, Malformed("rsa modulus: %v", err)
		}
		if len(unique.Buffer) == 0 {
			return nil, Malformed("rsa modulus is empty")
		}
		key, err := tpm2.RSAPub(detail, unique)
		if err != nil {
			return nil, Malformed("rsa key: %v", err)
		}
		return key, nil

	case tpm2.TPMAlgECC:
		detail, err := p.Parameters.ECCDetail()
		if err != nil {
			return nil, Malformed("ecc parameters: %v", err)
		}
		point, err := p.Unique.ECC()
		if err != nil {
			return nil, Malformed("ecc point: %v", err)
		}
		return eccKey(detail.CurveID, point.X.Buffer, point.Y.Buffer)

	default:
		return nil, Malformed("unsupported key type 0x%04x", uint16(p.Type))
	}
}

func eccKey(curveID tpm2.TPMECCCurve, x, y []byte) (*ecdsa.PublicKey, error) {
	var (
		curve elliptic.Curve
		check ecdh.Curve
	)
	switch curveID {
	case tpm2.TPMECCNistP256:
		curve, check = elliptic.P256(), ecdh.P256()
	case tpm2.TPMECCNistP384:
		curve, check = elliptic.P384(), ecdh.P384()
	default:
		return nil, Malformed("unsupported ecc curve 0x%04x", uint16(curveID))
	}

	size := (curve.Params().BitSize + 7) / 8
	if len(x) > size || len(y) > size {
		return nil, Malformed("ecc coordinate longer than %d bytes", size)
	}
	encoded := make([]byte, 1+2*size)
	encoded[0] = 4
	copy(encoded[1+size-len(x):1+size], x)
	copy(encoded[1+2*size-len(y):], y)
	if _, err := check.NewPublicKey(encoded); err != nil {
		return nil, Malformed("ecc point not on curve: %v", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

// ErrNotSigningKey reports a public area unfit to act as an attestation key.
var ErrNotSigningKey = errors.New("tpmcodec: not a restricted signing key")

// CheckAttestationKey verifies the object attributes an AK must carry: a
// restricted signing key that was generated inside, and cannot leave, the TPM.
func CheckAttestationKey(p *tpm2.TPMTPublic) error {
	a := p.ObjectAttributes
	switch {
	case !a.FixedTPM:
		return fmt.Errorf("%w: fixedTPM not set", ErrNotSigningKey)
	case !a.FixedParent:
		return fmt.Errorf("%w: fixedParent not set", ErrNotSigningKey)
	case !a.SensitiveDataOrigin:
		return fmt.Errorf("%w: sensitiveDataOrigin not set", ErrNotSigningKey)
	case !a.Restricted:
		return fmt.Errorf("%w: restricted not set", ErrNotSigningKey)
	case !a.SignEncrypt:
		return fmt.Errorf("%w: sign not set", ErrNotSigningKey)
	case a.Decrypt:
		return fmt.Errorf("%w: decrypt set", ErrNotSigningKey)
	}
	return nil
}

// SymmetricKeyBytes returns the size of the symmetric key an EK public area
// uses to protect imported credentials, defaulting to AES-128.
func SymmetricKeyBytes(p *tpm2.TPMTPublic) int {
	if p == nil || p.Type != tpm2.TPMAlgRSA {
		return 16
	}
	detail, err := p.Parameters.RSADetail()
	if err != nil || detail.Symmetric.Algorithm != tpm2.TPMAlgAES {
		return 16
	}
	bits, err := detail.Symmetric.KeyBits.AES()
	if err != nil || bits == nil || *bits == 0 {
		return 16
	}
	return int(*bits) / 8
}
