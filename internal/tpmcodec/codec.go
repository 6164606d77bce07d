// Package tpmcodec encodes and decodes the TPM 2.0 wire structures exchanged
// during a remote attestation: public areas, PCR selections, quotes and
// signatures.
//
// Integers are big-endian, per TPM wire convention. Decoders are strict: a
// buffer that is truncated, carries trailing bytes, or declares a size that
// disagrees with its contents is rejected with ErrMalformed. Decoding never
// panics on hostile input.
package tpmcodec

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// maxPCRBanks bounds the bank count accepted in a TPML_PCR_SELECTION.
const maxPCRBanks = 16

// ErrMalformed reports a structure that could not be decoded.
var ErrMalformed = errors.New("tpmcodec: malformed structure")

// Malformed returns an error wrapping ErrMalformed with a description.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// recoverMalformed converts a panic raised while unmarshalling untrusted
// bytes into ErrMalformed. It must be deferred directly.
func recoverMalformed(what string, err *error) {
	if r := recover(); r != nil {
		*err = Malformed("%s: %v", what, r)
	}
}

// exact checks that re-encoding a decoded value reproduces the input size.
func exact(what string, in []byte, reencoded []byte) error {
	if len(reencoded) != len(in) {
		return Malformed("%s: structure spans %d bytes, buffer has %d", what, len(reencoded), len(in))
	}
	return nil
}

// clone copies b, mapping empty slices to nil so decoded values compare
// equal to the values they were encoded from.
func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// checkSelectionCount rejects a TPML_PCR_SELECTION whose declared count
// exceeds maxPCRBanks before it reaches the reflective unmarshaller.
func checkSelectionCount(s *cryptobyte.String) error {
	var count uint32
	if !s.ReadUint32(&count) {
		return nil
	}
	if count > maxPCRBanks {
		return Malformed("pcr selection declares %d banks", count)
	}
	return nil
}

// checkQuoteCounts walks the fixed prefix of a TPMS_ATTEST quote up to its
// PCR selection and applies checkSelectionCount. Short buffers are left for
// the unmarshaller to reject.
func checkQuoteCounts(b []byte) error {
	s := cryptobyte.String(b)
	var name, extra cryptobyte.String
	if !s.Skip(4+2) ||
		!s.ReadUint16LengthPrefixed(&name) ||
		!s.ReadUint16LengthPrefixed(&extra) ||
		!s.Skip(8+4+4+1+8) {
		return nil
	}
	return checkSelectionCount(&s)
}
