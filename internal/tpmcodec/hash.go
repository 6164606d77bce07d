package tpmcodec

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// HashAlgorithm is a TPM hash algorithm identifier (TPM_ALG_ID).
type HashAlgorithm uint16

const (
	HashSHA1   HashAlgorithm = 0x0004
	HashSHA256 HashAlgorithm = 0x000B
	HashSHA384 HashAlgorithm = 0x000C
	HashSHA512 HashAlgorithm = 0x000D
)

func (h HashAlgorithm) String() string {
	switch h {
	case HashSHA1:
		return "SHA-1"
	case HashSHA256:
		return "SHA-256"
	case HashSHA384:
		return "SHA-384"
	case HashSHA512:
		return "SHA-512"
	default:
		return fmt.Sprintf("Unknown(0x%04X)", uint16(h))
	}
}

// Crypto maps the algorithm onto the standard library hash.
func (h HashAlgorithm) Crypto() (crypto.Hash, error) {
	switch h {
	case HashSHA1:
		return crypto.SHA1, nil
	case HashSHA256:
		return crypto.SHA256, nil
	case HashSHA384:
		return crypto.SHA384, nil
	case HashSHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("tpmcodec: unsupported hash algorithm %s", h)
	}
}

// Size returns the digest size in bytes, or 0 for unknown algorithms.
func (h HashAlgorithm) Size() int {
	c, err := h.Crypto()
	if err != nil {
		return 0
	}
	return c.Size()
}

// TPM returns the go-tpm algorithm identifier.
func (h HashAlgorithm) TPM() tpm2.TPMIAlgHash {
	return tpm2.TPMIAlgHash(h)
}

// ParseHashAlgorithm accepts the names used in configuration files.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch s {
	case "sha1", "SHA1", "SHA-1":
		return HashSHA1, nil
	case "sha256", "SHA256", "SHA-256":
		return HashSHA256, nil
	case "sha384", "SHA384", "SHA-384":
		return HashSHA384, nil
	case "sha512", "SHA512", "SHA-512":
		return HashSHA512, nil
	default:
		return 0, fmt.Errorf("tpmcodec: unknown hash algorithm %q", s)
	}
}
