package tpmcodec

import (
	"crypto"
	"errors"
	"fmt"
	"sort"

	"github.com/google/go-tpm/tpm2"
	"golang.org/x/crypto/cryptobyte"
)

const (
	// NumPCRs is the number of PCRs in a PC Client platform bank.
	NumPCRs = 24

	// sizeofSelect is the bitmap size covering NumPCRs registers.
	sizeofSelect = NumPCRs / 8

	// maxSizeofSelect bounds the bitmap accepted from the wire.
	maxSizeofSelect = 4
)

// PCRBank selects registers within one hash bank.
type PCRBank struct {
	Hash HashAlgorithm `json:"hash"`
	PCRs []int         `json:"pcrs"`
}

// PCRSelection is a per-bank, per-index register selection
// (TPML_PCR_SELECTION).
type PCRSelection []PCRBank

// DefaultPCRSelection returns the boot-integrity registers checked by
// default: SHA-256 PCRs 0 through 7 (firmware, firmware configuration,
// option ROMs, boot manager, GPT and Secure Boot policy).
func DefaultPCRSelection() PCRSelection {
	return PCRSelection{{
		Hash: HashSHA256,
		PCRs: []int{0, 1, 2, 3, 4, 5, 6, 7},
	}}
}

// NewPCRSelection builds a single-bank selection, sorting the indices.
func NewPCRSelection(hash HashAlgorithm, pcrs ...int) (PCRSelection, error) {
	sorted := append([]int(nil), pcrs...)
	sort.Ints(sorted)
	sel := PCRSelection{{Hash: hash, PCRs: sorted}}
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return sel, nil
}

// Validate checks hash algorithms and register indices.
func (s PCRSelection) Validate() error {
	if len(s) == 0 {
		return errors.New("tpmcodec: empty PCR selection")
	}
	seenBank := make(map[HashAlgorithm]bool, len(s))
	for _, bank := range s {
		if bank.Hash.Size() == 0 {
			return fmt.Errorf("tpmcodec: PCR bank uses unsupported hash %s", bank.Hash)
		}
		if seenBank[bank.Hash] {
			return fmt.Errorf("tpmcodec: PCR bank %s selected twice", bank.Hash)
		}
		seenBank[bank.Hash] = true
		for i, pcr := range bank.PCRs {
			if pcr < 0 || pcr >= NumPCRs {
				return fmt.Errorf("tpmcodec: PCR index %d out of range", pcr)
			}
			if i > 0 && bank.PCRs[i-1] >= pcr {
				return fmt.Errorf("tpmcodec: PCR indices must be strictly ascending")
			}
		}
	}
	return nil
}

// Count returns the total number of selected registers.
func (s PCRSelection) Count() int {
	n := 0
	for _, bank := range s {
		n += len(bank.PCRs)
	}
	return n
}

// Equal reports whether two selections name the same registers in the same
// bank order.
func (s PCRSelection) Equal(o PCRSelection) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i].Hash != o[i].Hash || len(s[i].PCRs) != len(o[i].PCRs) {
			return false
		}
		for j := range s[i].PCRs {
			if s[i].PCRs[j] != o[i].PCRs[j] {
				return false
			}
		}
	}
	return true
}

// TPM converts s to a TPML_PCR_SELECTION.
func (s PCRSelection) TPM() (tpm2.TPMLPCRSelection, error) {
	if err := s.Validate(); err != nil {
		return tpm2.TPMLPCRSelection{}, err
	}
	out := tpm2.TPMLPCRSelection{PCRSelections: make([]tpm2.TPMSPCRSelection, 0, len(s))}
	for _, bank := range s {
		bitmap := make([]byte, sizeofSelect)
		for _, pcr := range bank.PCRs {
			bitmap[pcr/8] |= 1 << (pcr % 8)
		}
		out.PCRSelections = append(out.PCRSelections, tpm2.TPMSPCRSelection{
			Hash:      bank.Hash.TPM(),
			PCRSelect: bitmap,
		})
	}
	return out, nil
}

func pcrSelectionFromTPM(l tpm2.TPMLPCRSelection) (PCRSelection, error) {
	if len(l.PCRSelections) == 0 {
		return nil, Malformed("PCR selection has no banks")
	}
	sel := make(PCRSelection, 0, len(l.PCRSelections))
	for _, s := range l.PCRSelections {
		if len(s.PCRSelect) == 0 || len(s.PCRSelect) > maxSizeofSelect {
			return nil, Malformed("PCR bitmap of %d bytes", len(s.PCRSelect))
		}
		bank := PCRBank{Hash: HashAlgorithm(s.Hash)}
		for i, b := range s.PCRSelect {
			for bit := 0; bit < 8; bit++ {
				if b&(1<<bit) != 0 {
					bank.PCRs = append(bank.PCRs, i*8+bit)
				}
			}
		}
		sel = append(sel, bank)
	}
	if err := sel.Validate(); err != nil {
		return nil, Malformed("%v", err)
	}
	return sel, nil
}

// EncodePCRSelection serializes a selection as TPML_PCR_SELECTION.
func EncodePCRSelection(s PCRSelection) ([]byte, error) {
	l, err := s.TPM()
	if err != nil {
		return nil, err
	}
	return tpm2.Marshal(l), nil
}

// DecodePCRSelection parses a TPML_PCR_SELECTION.
func DecodePCRSelection(b []byte) (sel PCRSelection, err error) {
	defer recoverMalformed("pcr selection", &err)
	if len(b) == 0 {
		return nil, Malformed("pcr selection: empty buffer")
	}
	in := cryptobyte.String(b)
	if err := checkSelectionCount(&in); err != nil {
		return nil, err
	}
	l, err := tpm2.Unmarshal[tpm2.TPMLPCRSelection](b)
	if err != nil {
		return nil, Malformed("pcr selection: %v", err)
	}
	if err := exact("pcr selection", b, tpm2.Marshal(*l)); err != nil {
		return nil, err
	}
	return pcrSelectionFromTPM(*l)
}

// PCRDigest computes the quote digest over PCR values: the hash of the
// concatenation of the selected registers, bank by bank in ascending index
// order. values maps bank to index to register contents.
func PCRDigest(hash crypto.Hash, sel PCRSelection, values map[HashAlgorithm]map[int][]byte) ([]byte, error) {
	h := hash.New()
	for _, bank := range sel {
		regs := values[bank.Hash]
		for _, pcr := range bank.PCRs {
			v, ok := regs[pcr]
			if !ok {
				return nil, fmt.Errorf("tpmcodec: missing value for %s PCR %d", bank.Hash, pcr)
			}
			if len(v) != bank.Hash.Size() {
				return nil, fmt.Errorf("tpmcodec: %s PCR %d has %d bytes", bank.Hash, pcr, len(v))
			}
			h.Write(v)
		}
	}
	return h.Sum(nil), nil
}
