package tpmcodec

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/go-tpm/tpm2"
)

// ErrBadSignature reports a signature that does not verify.
var ErrBadSignature = errors.New("tpmcodec: signature verification failed")

// EncodeSignature serializes a TPMT_SIGNATURE.
func EncodeSignature(sig *tpm2.TPMTSignature) []byte {
	return tpm2.Marshal(*sig)
}

// DecodeSignature parses a TPMT_SIGNATURE. Only RSASSA, RSAPSS and ECDSA
// schemes are accepted.
func DecodeSignature(b []byte) (sig *tpm2.TPMTSignature, err error) {
	defer recoverMalformed("signature", &err)
	if len(b) == 0 {
		return nil, Malformed("signature: empty buffer")
	}
	sig, err = tpm2.Unmarshal[tpm2.TPMTSignature](b)
	if err != nil {
		return nil, Malformed("signature: %v", err)
	}
	if err := exact("signature", b, tpm2.Marshal(*sig)); err != nil {
		return nil, err
	}
	switch sig.SigAlg {
	case tpm2.TPMAlgRSASSA, tpm2.TPMAlgRSAPSS, tpm2.TPMAlgECDSA:
	default:
		return nil, Malformed("signature: unsupported scheme 0x%04x", uint16(sig.SigAlg))
	}
	return sig, nil
}

// NewRSASignature wraps a PKCS#1 v1.5 or PSS signature.
func NewRSASignature(scheme tpm2.TPMIAlgSigScheme, hash HashAlgorithm, sig []byte) *tpm2.TPMTSignature {
	return &tpm2.TPMTSignature{
		SigAlg: scheme,
		Signature: tpm2.NewTPMUSignature(scheme, &tpm2.TPMSSignatureRSA{
			Hash: hash.TPM(),
			Sig:  tpm2.TPM2BPublicKeyRSA{Buffer: sig},
		}),
	}
}

// NewECDSASignature wraps an ECDSA (r, s) pair.
func NewECDSASignature(hash HashAlgorithm, r, s *big.Int) *tpm2.TPMTSignature {
	return &tpm2.TPMTSignature{
		SigAlg: tpm2.TPMAlgECDSA,
		Signature: tpm2.NewTPMUSignature(tpm2.TPMAlgECDSA, &tpm2.TPMSSignatureECC{
			Hash:       hash.TPM(),
			SignatureR: tpm2.TPM2BECCParameter{Buffer: r.Bytes()},
			SignatureS: tpm2.TPM2BECCParameter{Buffer: s.Bytes()},
		}),
	}
}

// VerifySignature checks sig over data with key. The digest algorithm is the
// one named inside the signature.
func VerifySignature(key crypto.PublicKey, data []byte, sig *tpm2.TPMTSignature) error {
	switch sig.SigAlg {
	case tpm2.TPMAlgRSASSA, tpm2.TPMAlgRSAPSS:
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: RSA signature for %T key", ErrBadSignature, key)
		}
		var (
			rsaSig *tpm2.TPMSSignatureRSA
			err    error
		)
		if sig.SigAlg == tpm2.TPMAlgRSAPSS {
			rsaSig, err = sig.Signature.RSAPSS()
		} else {
			rsaSig, err = sig.Signature.RSASSA()
		}
		if err != nil {
			return Malformed("rsa signature: %v", err)
		}
		digest, h, err := digestOf(HashAlgorithm(rsaSig.Hash), data)
		if err != nil {
			return err
		}
		if sig.SigAlg == tpm2.TPMAlgRSAPSS {
			err = rsa.VerifyPSS(pub, h, digest, rsaSig.Sig.Buffer, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto})
		} else {
			err = rsa.VerifyPKCS1v15(pub, h, digest, rsaSig.Sig.Buffer)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return nil

	case tpm2.TPMAlgECDSA:
		pub, ok := key.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: ECDSA signature for %T key", ErrBadSignature, key)
		}
		eccSig, err := sig.Signature.ECDSA()
		if err != nil {
			return Malformed("ecdsa signature: %v", err)
		}
		digest, _, err := digestOf(HashAlgorithm(eccSig.Hash), data)
		if err != nil {
			return err
		}
		r := new(big.Int).SetBytes(eccSig.SignatureR.Buffer)
		s := new(big.Int).SetBytes(eccSig.SignatureS.Buffer)
		if !ecdsa.Verify(pub, digest, r, s) {
			return ErrBadSignature
		}
		return nil

	default:
		return Malformed("unsupported signature scheme 0x%04x", uint16(sig.SigAlg))
	}
}

func digestOf(alg HashAlgorithm, data []byte) ([]byte, crypto.Hash, error) {
	h, err := alg.Crypto()
	if err != nil {
		return nil, 0, Malformed("signature digest: %v", err)
	}
	hh := h.New()
	hh.Write(data)
	return hh.Sum(nil), h, nil
}
