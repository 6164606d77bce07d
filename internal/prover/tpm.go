// Package prover implements the attested side of the handshake: a TPM
// abstraction with software and hardware backends, a simulated EK
// manufacturer, and the message server that answers a verifier over a
// transport channel.
package prover

import (
	"errors"

	"github.com/google/go-tpm/tpm2"

	"ultrablue/internal/tpmcodec"
)

var (
	ErrTPMNotAvailable = errors.New("prover: TPM not available")
	ErrTPMNotOpen      = errors.New("prover: TPM not open")
	ErrNoEKCertificate = errors.New("prover: no endorsement certificate provisioned")
	ErrActivation      = errors.New("prover: credential activation failed")
)

// SecretPCR receives the secret a verifier returns with a successful
// verdict.
const SecretPCR = 9

// QuoteResult is a signed quote and the register values it covers.
type QuoteResult struct {
	// Attest is the marshaled TPMS_ATTEST.
	Attest []byte
	// Signature is the marshaled TPMT_SIGNATURE over Attest.
	Signature []byte
	Values    map[tpmcodec.HashAlgorithm]map[int][]byte
}

// TPM is what the server needs from a TPM.
type TPM interface {
	// EndorsementCertificate returns the DER EK certificate.
	EndorsementCertificate() ([]byte, error)
	EndorsementPublic() (*tpm2.TPMTPublic, error)
	AttestationPublic() (*tpm2.TPMTPublic, error)
	// ActivateCredential recovers the secret sealed to the AK name under
	// the EK. blob and encSecret carry no size prefixes.
	ActivateCredential(blob, encSecret []byte) ([]byte, error)
	Quote(nonce []byte, sel tpmcodec.PCRSelection) (*QuoteResult, error)
	// Extend measures data into pcr in every allocated bank.
	Extend(pcr int, data []byte) error
	Manufacturer() string
	Close() error
}

// pcrSnapshot is a set of register values and the PCR update counter they
// were read under.
type pcrSnapshot struct {
	counter uint32
	values  map[tpmcodec.HashAlgorithm]map[int][]byte
}

// quoteWithValues runs quote between a read of the selected registers and a
// read of the update counter. If the counter moved, a register changed
// around the quote and the values are left out; the signed digest alone is
// still verifiable.
func quoteWithValues(read func() (pcrSnapshot, error), quote func() (*QuoteResult, error), counter func() (uint32, error)) (*QuoteResult, error) {
	before, err := read()
	if err != nil {
		return nil, err
	}
	q, err := quote()
	if err != nil {
		return nil, err
	}
	after, err := counter()
	if err != nil {
		return nil, err
	}
	if after == before.counter {
		q.Values = before.values
	}
	return q, nil
}
