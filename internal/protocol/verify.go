package protocol

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/google/go-tpm/tpm2"

	"ultrablue/internal/message"
	"ultrablue/internal/tpmcodec"
)

// NonceSize is the size of the quote challenge.
const NonceSize = 32

// NewNonce returns NonceSize bytes from rnd, or crypto/rand if rnd is nil.
func NewNonce(rnd io.Reader) ([]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, fmt.Errorf("protocol: nonce: %w", err)
	}
	return nonce, nil
}

// BaselinePolicy decides what happens when a device has no recorded PCR
// baseline.
type BaselinePolicy int

const (
	// BaselineStrict fails with ErrBaselineMissing.
	BaselineStrict BaselinePolicy = iota
	// BaselineEnroll accepts the first quoted digest and records it.
	BaselineEnroll
)

func (p BaselinePolicy) String() string {
	if p == BaselineEnroll {
		return "enroll"
	}
	return "strict"
}

// ParseBaselinePolicy accepts "strict" and "enroll". An empty string is
// strict.
func ParseBaselinePolicy(s string) (BaselinePolicy, error) {
	switch s {
	case "strict", "":
		return BaselineStrict, nil
	case "enroll":
		return BaselineEnroll, nil
	default:
		return 0, fmt.Errorf("protocol: unknown baseline policy %q", s)
	}
}

// QuoteCheck carries everything VerifyQuote needs.
type QuoteCheck struct {
	AKKey     crypto.PublicKey
	Nonce     []byte
	Selection tpmcodec.PCRSelection
	Response  *message.QuoteResponse
}

// VerifyQuote checks the quote signature, the nonce echo, the quoted
// selection and, when register values are reported, that they hash to the
// quoted digest.
func VerifyQuote(c QuoteCheck) (*tpmcodec.Quote, error) {
	sig, err := tpmcodec.DecodeSignature(c.Response.Signature)
	if err != nil {
		return nil, err
	}
	if err := tpmcodec.VerifySignature(c.AKKey, c.Response.Attest, sig); err != nil {
		if errors.Is(err, tpmcodec.ErrBadSignature) {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return nil, err
	}

	quote, err := tpmcodec.DecodeQuote(c.Response.Attest)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(quote.Nonce, c.Nonce) != 1 {
		return nil, ErrNonceMismatch
	}
	if !quote.Selection.Equal(c.Selection) {
		return nil, fmt.Errorf("%w: quoted selection differs from the requested one", ErrPCRMismatch)
	}

	if len(c.Response.PCRValues) > 0 {
		hash, err := signatureHash(sig)
		if err != nil {
			return nil, err
		}
		digest, err := tpmcodec.PCRDigest(hash, c.Selection, c.Response.ValuesByBank())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPCRMismatch, err)
		}
		if !bytes.Equal(digest, quote.PCRDigest) {
			return nil, fmt.Errorf("%w: reported values do not hash to the quoted digest", ErrPCRMismatch)
		}
	}
	return quote, nil
}

// CheckBaseline compares the quoted digest against baseline. With no
// baseline, BaselineEnroll returns the digest to record.
func CheckBaseline(quote *tpmcodec.Quote, baseline []byte, policy BaselinePolicy) (newBaseline []byte, err error) {
	if len(baseline) == 0 {
		if policy == BaselineStrict {
			return nil, ErrBaselineMissing
		}
		return append([]byte(nil), quote.PCRDigest...), nil
	}
	if subtle.ConstantTimeCompare(baseline, quote.PCRDigest) != 1 {
		return nil, fmt.Errorf("%w: quoted digest differs from baseline", ErrPCRMismatch)
	}
	return nil, nil
}

func signatureHash(sig *tpm2.TPMTSignature) (crypto.Hash, error) {
	var alg tpm2.TPMIAlgHash
	switch sig.SigAlg {
	case tpm2.TPMAlgRSASSA:
		s, err := sig.Signature.RSASSA()
		if err != nil {
			return 0, tpmcodec.Malformed("signature: %v", err)
		}
		alg = s.Hash
	case tpm2.TPMAlgRSAPSS:
		s, err := sig.Signature.RSAPSS()
		if err != nil {
			return 0, tpmcodec.Malformed("signature: %v", err)
		}
		alg = s.Hash
	case tpm2.TPMAlgECDSA:
		s, err := sig.Signature.ECDSA()
		if err != nil {
			return 0, tpmcodec.Malformed("signature: %v", err)
		}
		alg = s.Hash
	default:
		return 0, tpmcodec.Malformed("signature: unsupported scheme")
	}
	h, err := tpmcodec.HashAlgorithm(alg).Crypto()
	if err != nil {
		return 0, tpmcodec.Malformed("signature: %v", err)
	}
	return h, nil
}
