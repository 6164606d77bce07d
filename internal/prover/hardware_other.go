//go:build !linux

package prover

import (
	"github.com/google/go-tpm/tpm2"

	"ultrablue/internal/tpmcodec"
)

// HardwareTPM is only implemented on Linux.
type HardwareTPM struct{}

func OpenHardwareTPM(string) (*HardwareTPM, error) { return nil, ErrTPMNotAvailable }

func (*HardwareTPM) EndorsementCertificate() ([]byte, error)      { return nil, ErrTPMNotAvailable }
func (*HardwareTPM) EndorsementPublic() (*tpm2.TPMTPublic, error) { return nil, ErrTPMNotAvailable }
func (*HardwareTPM) AttestationPublic() (*tpm2.TPMTPublic, error) { return nil, ErrTPMNotAvailable }
func (*HardwareTPM) ActivateCredential([]byte, []byte) ([]byte, error) {
	return nil, ErrTPMNotAvailable
}
func (*HardwareTPM) Quote([]byte, tpmcodec.PCRSelection) (*QuoteResult, error) {
	return nil, ErrTPMNotAvailable
}
func (*HardwareTPM) Extend(int, []byte) error { return ErrTPMNotAvailable }
func (*HardwareTPM) Manufacturer() string     { return "none" }
func (*HardwareTPM) Close() error             { return nil }
