// Package protocol implements the verifier side of the attestation
// handshake: endorsement key validation, attestation key provisioning through
// credential activation, and the quote challenge.
//
// Each state is its own type. Step functions take the one state they are
// legal from and return the next, so an out-of-order transition does not
// compile.
package protocol

import (
	"crypto"

	"github.com/google/go-tpm/tpm2"

	"ultrablue/internal/ekcert"
	"ultrablue/internal/message"
	"ultrablue/internal/tpmcodec"
)

// State is one step of the handshake.
type State interface {
	Name() string
	terminal() bool
}

// Idle is the state before any message was sent.
type Idle struct{}

// EKRequested awaits the endorsement key.
type EKRequested struct{}

// EKValidated holds a trusted endorsement key.
type EKValidated struct {
	EKCert   []byte
	EK       *ekcert.Result
	EKPublic *tpm2.TPMTPublic
}

// AKProvisioned holds an attestation key proven to live beside the EK.
type AKProvisioned struct {
	EKValidated
	AKPublic *tpm2.TPMTPublic
	AKKey    crypto.PublicKey
	AKName   []byte
}

// Challenged awaits the quote over Nonce.
type Challenged struct {
	AKProvisioned
	Nonce     []byte
	Selection tpmcodec.PCRSelection
}

// QuoteReceived holds the undecoded quote response.
type QuoteReceived struct {
	Challenged
	Response *message.QuoteResponse
}

// Verified holds a quote that passed every check.
type Verified struct {
	QuoteReceived
	Quote *tpmcodec.Quote
	// NewBaseline is set when the quoted digest was accepted as the
	// device's first baseline.
	NewBaseline []byte
}

// Succeeded is the terminal state of an attestation that passed.
type Succeeded struct {
	Verified
}

// Failed is the terminal state of any failed attestation.
type Failed struct {
	// From names the last state reached.
	From string
	// Target names the state the failing step was moving to.
	Target string
	Kind   FailureKind
	Err    error
}

func (Idle) Name() string          { return "idle" }
func (EKRequested) Name() string   { return "ek_requested" }
func (EKValidated) Name() string   { return "ek_validated" }
func (AKProvisioned) Name() string { return "ak_provisioned" }
func (Challenged) Name() string    { return "challenged" }
func (QuoteReceived) Name() string { return "quote_received" }
func (Verified) Name() string      { return "verified" }
func (Succeeded) Name() string     { return "succeeded" }
func (Failed) Name() string        { return "failed" }

func (Idle) terminal() bool          { return false }
func (EKRequested) terminal() bool   { return false }
func (EKValidated) terminal() bool   { return false }
func (AKProvisioned) terminal() bool { return false }
func (Challenged) terminal() bool    { return false }
func (QuoteReceived) terminal() bool { return false }
func (Verified) terminal() bool      { return false }
func (Succeeded) terminal() bool     { return true }
func (Failed) terminal() bool        { return true }

// IsTerminal reports whether s ends the session.
func IsTerminal(s State) bool { return s.terminal() }

func (f Failed) Error() string {
	msg := "attestation failed in " + f.From
	if f.Target != "" {
		msg += " before " + f.Target
	}
	if f.Err == nil {
		return msg
	}
	return msg + ": " + f.Err.Error()
}

func (f Failed) Unwrap() error { return f.Err }
