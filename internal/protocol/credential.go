package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	legacy "github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/legacy/tpm2/credactivation"
	"github.com/google/go-tpm/tpm2"

	"ultrablue/internal/tpmcodec"
)

// CredentialSecretSize is the size of the secret sealed to the AK name.
const CredentialSecretSize = 32

// Credential is an activation challenge: a secret only a TPM holding both
// the EK and an object named AKName can recover.
type Credential struct {
	Blob      []byte
	Encrypted []byte
	Secret    []byte
}

// MakeCredential seals a fresh secret to akName under the EK public area.
// Blob and Encrypted are the contents of TPM2B_ID_OBJECT and
// TPM2B_ENCRYPTED_SECRET, without their size prefixes.
func MakeCredential(rnd io.Reader, ek *tpm2.TPMTPublic, akName []byte) (*Credential, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	if len(akName) < 2 {
		return nil, fmt.Errorf("%w: AK name too short", tpmcodec.ErrMalformed)
	}
	ekKey, err := tpmcodec.PublicKey(ek)
	if err != nil {
		return nil, err
	}

	secret := make([]byte, CredentialSecretSize)
	if _, err := io.ReadFull(rnd, secret); err != nil {
		return nil, fmt.Errorf("protocol: credential secret: %w", err)
	}

	name := &legacy.HashValue{
		Alg:   legacy.Algorithm(binary.BigEndian.Uint16(akName)),
		Value: akName[2:],
	}
	blob, encSecret, err := credactivation.Generate(name, ekKey, tpmcodec.SymmetricKeyBytes(ek), secret)
	if err != nil {
		return nil, fmt.Errorf("%w: make credential: %v", ErrActivationFailed, err)
	}

	return &Credential{
		Blob:      blob[2:],
		Encrypted: encSecret[2:],
		Secret:    secret,
	}, nil
}
