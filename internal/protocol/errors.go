package protocol

import (
	"context"
	"errors"

	"ultrablue/internal/ekcert"
	"ultrablue/internal/tpmcodec"
	"ultrablue/internal/transport"
)

var (
	ErrEKChanged        = errors.New("protocol: endorsement certificate differs from the registered one")
	ErrActivationFailed = errors.New("protocol: credential activation failed")
	ErrSignatureInvalid = errors.New("protocol: quote signature invalid")
	ErrNonceMismatch    = errors.New("protocol: quote nonce mismatch")
	ErrUnexpectedState  = errors.New("protocol: unexpected message")
	ErrPCRMismatch      = errors.New("protocol: PCR values do not match")
	ErrBaselineMissing  = errors.New("protocol: no PCR baseline recorded for device")
	ErrCancelled        = errors.New("protocol: session cancelled")
)

// FailureKind classifies why a session failed. Its string form is what the
// registry stores.
type FailureKind int

const (
	KindNone FailureKind = iota
	KindUnreachable
	KindTimeout
	KindLinkLost
	KindSessionBusy
	KindMalformed
	KindUntrustedIssuer
	KindExpired
	KindKeyUsageMismatch
	KindPublicMismatch
	KindEKChanged
	KindActivationFailed
	KindSignatureInvalid
	KindNonceMismatch
	KindUnexpectedState
	KindPCRMismatch
	KindBaselineMissing
	KindCancelled
	KindInternal
)

var kindNames = map[FailureKind]string{
	KindNone:             "",
	KindUnreachable:      "unreachable",
	KindTimeout:          "timeout",
	KindLinkLost:         "link_lost",
	KindSessionBusy:      "session_busy",
	KindMalformed:        "malformed",
	KindUntrustedIssuer:  "untrusted_issuer",
	KindExpired:          "expired",
	KindKeyUsageMismatch: "key_usage_mismatch",
	KindPublicMismatch:   "public_mismatch",
	KindEKChanged:        "ek_changed",
	KindActivationFailed: "activation_failed",
	KindSignatureInvalid: "signature_invalid",
	KindNonceMismatch:    "nonce_mismatch",
	KindUnexpectedState:  "unexpected_state",
	KindPCRMismatch:      "pcr_mismatch",
	KindBaselineMissing:  "baseline_missing",
	KindCancelled:        "cancelled",
	KindInternal:         "internal",
}

func (k FailureKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

// ParseFailureKind is the inverse of String. Unknown names map to
// KindInternal.
func ParseFailureKind(s string) FailureKind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindInternal
}

// Transient reports whether the failure came from the link rather than from
// the device's evidence.
func (k FailureKind) Transient() bool {
	switch k {
	case KindUnreachable, KindTimeout, KindLinkLost, KindSessionBusy, KindCancelled:
		return true
	}
	return false
}

// Classify maps an error onto a FailureKind. nil maps to KindNone.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, transport.ErrLinkLost):
		return KindLinkLost
	case errors.Is(err, transport.ErrUnreachable):
		return KindUnreachable
	case errors.Is(err, transport.ErrSessionBusy):
		return KindSessionBusy
	case errors.Is(err, ekcert.ErrUntrustedIssuer):
		return KindUntrustedIssuer
	case errors.Is(err, ekcert.ErrExpired):
		return KindExpired
	case errors.Is(err, ekcert.ErrKeyUsageMismatch):
		return KindKeyUsageMismatch
	case errors.Is(err, ekcert.ErrPublicMismatch):
		return KindPublicMismatch
	case errors.Is(err, ErrEKChanged):
		return KindEKChanged
	case errors.Is(err, ErrActivationFailed):
		return KindActivationFailed
	case errors.Is(err, ErrSignatureInvalid):
		return KindSignatureInvalid
	case errors.Is(err, ErrNonceMismatch):
		return KindNonceMismatch
	case errors.Is(err, ErrUnexpectedState):
		return KindUnexpectedState
	case errors.Is(err, ErrPCRMismatch):
		return KindPCRMismatch
	case errors.Is(err, ErrBaselineMissing):
		return KindBaselineMissing
	case errors.Is(err, tpmcodec.ErrMalformed):
		return KindMalformed
	default:
		return KindInternal
	}
}
