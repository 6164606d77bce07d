package tpmcodec

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// AKTemplate is the public template for an RSA-2048 attestation key: a
// restricted RSASSA-SHA256 signing key under the endorsement hierarchy.
func AKTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			Restricted:          true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Symmetric: tpm2.TPMTSymDefObject{Algorithm: tpm2.TPMAlgNull},
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgRSASSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgRSASSA,
						&tpm2.TPMSSigSchemeRSASSA{HashAlg: tpm2.TPMAlgSHA256},
					),
				},
				KeyBits: 2048,
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgRSA,
			&tpm2.TPM2BPublicKeyRSA{Buffer: make([]byte, 256)},
		),
	}
}

// RSAPublicArea fills template with the modulus of key.
func RSAPublicArea(template tpm2.TPMTPublic, key *rsa.PublicKey) (*tpm2.TPMTPublic, error) {
	if template.Type != tpm2.TPMAlgRSA {
		return nil, fmt.Errorf("tpmcodec: template is not an RSA key")
	}
	if key.E != 65537 {
		return nil, fmt.Errorf("tpmcodec: unsupported RSA exponent %d", key.E)
	}
	detail, err := template.Parameters.RSADetail()
	if err != nil {
		return nil, fmt.Errorf("tpmcodec: template parameters: %w", err)
	}
	if int(detail.KeyBits) != key.N.BitLen() {
		return nil, fmt.Errorf("tpmcodec: template wants %d-bit key, got %d", detail.KeyBits, key.N.BitLen())
	}
	pub := template
	pub.Unique = tpm2.NewTPMUPublicID(
		tpm2.TPMAlgRSA,
		&tpm2.TPM2BPublicKeyRSA{Buffer: key.N.Bytes()},
	)
	return &pub, nil
}

// ECCPublicArea fills template with the point of key.
func ECCPublicArea(template tpm2.TPMTPublic, key *ecdsa.PublicKey) (*tpm2.TPMTPublic, error) {
	if template.Type != tpm2.TPMAlgECC {
		return nil, fmt.Errorf("tpmcodec: template is not an ECC key")
	}
	size := (key.Curve.Params().BitSize + 7) / 8
	pt, err := key.ECDH()
	if err != nil {
		return nil, fmt.Errorf("tpmcodec: ecc key: %w", err)
	}
	raw := pt.Bytes()
	pub := template
	pub.Unique = tpm2.NewTPMUPublicID(
		tpm2.TPMAlgECC,
		&tpm2.TPMSECCPoint{
			X: tpm2.TPM2BECCParameter{Buffer: raw[1 : 1+size]},
			Y: tpm2.TPM2BECCParameter{Buffer: raw[1+size:]},
		},
	)
	return &pub, nil
}

// ECCSigningTemplate is a restricted ECDSA signing key on curve.
func ECCSigningTemplate(curve elliptic.Curve) (tpm2.TPMTPublic, error) {
	var (
		id   tpm2.TPMECCCurve
		hash tpm2.TPMIAlgHash
	)
	switch curve {
	case elliptic.P256():
		id, hash = tpm2.TPMECCNistP256, tpm2.TPMAlgSHA256
	case elliptic.P384():
		id, hash = tpm2.TPMECCNistP384, tpm2.TPMAlgSHA384
	default:
		return tpm2.TPMTPublic{}, fmt.Errorf("tpmcodec: unsupported curve %s", curve.Params().Name)
	}
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgECC,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			Restricted:          true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				Symmetric: tpm2.TPMTSymDefObject{Algorithm: tpm2.TPMAlgNull},
				Scheme: tpm2.TPMTECCScheme{
					Scheme: tpm2.TPMAlgECDSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgECDSA,
						&tpm2.TPMSSigSchemeECDSA{HashAlg: hash},
					),
				},
				CurveID: id,
				KDF:     tpm2.TPMTKDFScheme{Scheme: tpm2.TPMAlgNull},
			},
		),
	}, nil
}
