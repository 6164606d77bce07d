package prover

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	legacy "github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpm2"
	"golang.org/x/crypto/cryptobyte"

	"ultrablue/internal/tpmcodec"
)

const softwareFirmware = 0x0001_0000_0000_0000

// SoftwareTPM simulates a TPM with an RSA endorsement key certified by an
// Authority and an RSA attestation key. It implements the credential
// activation and quote commands exactly enough for a verifier to check them.
// WARNING: keys live in process memory. Use only for tests and self-tests.
type SoftwareTPM struct {
	mu sync.Mutex

	ekKey  *rsa.PrivateKey
	ekPub  *tpm2.TPMTPublic
	ekCert []byte

	akKey  *rsa.PrivateKey
	akPub  *tpm2.TPMTPublic
	akName []byte

	pcrs      map[tpmcodec.HashAlgorithm]*[tpmcodec.NumPCRs][]byte
	clk       clock.Clock
	startTime time.Time
	closed    bool
}

// NewSoftwareTPM generates fresh keys and has auth certify the EK.
func NewSoftwareTPM(auth *Authority, clk clock.Clock) (*SoftwareTPM, error) {
	if clk == nil {
		clk = clock.New()
	}
	ekKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("prover: EK: %w", err)
	}
	ekPub, err := tpmcodec.RSAPublicArea(tpm2.RSAEKTemplate, &ekKey.PublicKey)
	if err != nil {
		return nil, err
	}
	akKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("prover: AK: %w", err)
	}
	akPub, err := tpmcodec.RSAPublicArea(tpmcodec.AKTemplate(), &akKey.PublicKey)
	if err != nil {
		return nil, err
	}
	akName, err := tpmcodec.Name(akPub)
	if err != nil {
		return nil, err
	}

	s := &SoftwareTPM{
		ekKey:     ekKey,
		ekPub:     ekPub,
		akKey:     akKey,
		akPub:     akPub,
		akName:    akName,
		pcrs:      make(map[tpmcodec.HashAlgorithm]*[tpmcodec.NumPCRs][]byte),
		clk:       clk,
		startTime: clk.Now(),
	}
	for _, h := range []tpmcodec.HashAlgorithm{tpmcodec.HashSHA1, tpmcodec.HashSHA256, tpmcodec.HashSHA384} {
		var bank [tpmcodec.NumPCRs][]byte
		for i := range bank {
			bank[i] = make([]byte, h.Size())
		}
		s.pcrs[h] = &bank
	}
	// Simulated measured boot.
	for pcr, event := range []string{"firmware", "firmware-config", "option-roms", "option-rom-config", "bootloader", "bootloader-config", "platform", "secure-boot-policy"} {
		if err := s.extendAll(pcr, []byte(event)); err != nil {
			return nil, err
		}
	}

	if auth != nil {
		if s.ekCert, err = auth.IssueEK(&ekKey.PublicKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Extend measures data into pcr in every bank.
func (s *SoftwareTPM) Extend(pcr int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extendAll(pcr, data)
}

// ReadPCR returns the current value of pcr in the alg bank.
func (s *SoftwareTPM) ReadPCR(alg tpmcodec.HashAlgorithm, pcr int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bank, ok := s.pcrs[alg]
	if !ok {
		return nil, fmt.Errorf("prover: PCR bank %s not allocated", alg)
	}
	if pcr < 0 || pcr >= tpmcodec.NumPCRs {
		return nil, fmt.Errorf("prover: PCR %d out of range", pcr)
	}
	return append([]byte(nil), bank[pcr]...), nil
}

func (s *SoftwareTPM) extendAll(pcr int, data []byte) error {
	if pcr < 0 || pcr >= tpmcodec.NumPCRs {
		return fmt.Errorf("prover: PCR %d out of range", pcr)
	}
	for alg, bank := range s.pcrs {
		hash, err := alg.Crypto()
		if err != nil {
			return err
		}
		event := hash.New()
		event.Write(data)
		h := hash.New()
		h.Write(bank[pcr])
		h.Write(event.Sum(nil))
		bank[pcr] = h.Sum(nil)
	}
	return nil
}

func (s *SoftwareTPM) EndorsementCertificate() ([]byte, error) {
	if s.ekCert == nil {
		return nil, ErrNoEKCertificate
	}
	return s.ekCert, nil
}

func (s *SoftwareTPM) EndorsementPublic() (*tpm2.TPMTPublic, error) { return s.ekPub, nil }

func (s *SoftwareTPM) AttestationPublic() (*tpm2.TPMTPublic, error) { return s.akPub, nil }

// EndorsementKey returns the EK public key.
func (s *SoftwareTPM) EndorsementKey() crypto.PublicKey { return &s.ekKey.PublicKey }

// ActivateCredential is TPM2_ActivateCredential against the loaded AK.
func (s *SoftwareTPM) ActivateCredential(blob, encSecret []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrTPMNotOpen
	}

	label := append([]byte("IDENTITY"), 0)
	seed, err := rsa.DecryptOAEP(sha256.New(), nil, s.ekKey, encSecret, label)
	if err != nil {
		return nil, fmt.Errorf("%w: seed: %v", ErrActivation, err)
	}

	in := cryptobyte.String(blob)
	var integrity cryptobyte.String
	if !in.ReadUint16LengthPrefixed(&integrity) || in.Empty() {
		return nil, fmt.Errorf("%w: malformed credential blob", ErrActivation)
	}
	encIdentity := []byte(in)

	macKey, err := legacy.KDFa(legacy.AlgSHA256, seed, "INTEGRITY", nil, nil, sha256.Size*8)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActivation, err)
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(encIdentity)
	mac.Write(s.akName)
	if !hmac.Equal(mac.Sum(nil), integrity) {
		return nil, fmt.Errorf("%w: integrity check failed", ErrActivation)
	}

	symKey, err := legacy.KDFa(legacy.AlgSHA256, seed, "STORAGE", s.akName, nil, len(seed)*8)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActivation, err)
	}
	block, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActivation, err)
	}
	plain := make([]byte, len(encIdentity))
	cipher.NewCFBDecrypter(block, make([]byte, aes.BlockSize)).XORKeyStream(plain, encIdentity)

	out := cryptobyte.String(plain)
	var secret cryptobyte.String
	if !out.ReadUint16LengthPrefixed(&secret) || !out.Empty() {
		return nil, fmt.Errorf("%w: malformed credential", ErrActivation)
	}
	return []byte(secret), nil
}

// Quote signs the selected registers and nonce with the AK.
func (s *SoftwareTPM) Quote(nonce []byte, sel tpmcodec.PCRSelection) (*QuoteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrTPMNotOpen
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	values := make(map[tpmcodec.HashAlgorithm]map[int][]byte)
	for _, b := range sel {
		bank, ok := s.pcrs[b.Hash]
		if !ok {
			return nil, fmt.Errorf("prover: PCR bank %s not allocated", b.Hash)
		}
		regs := make(map[int][]byte, len(b.PCRs))
		for _, pcr := range b.PCRs {
			regs[pcr] = append([]byte(nil), bank[pcr]...)
		}
		values[b.Hash] = regs
	}
	digest, err := tpmcodec.PCRDigest(crypto.SHA256, sel, values)
	if err != nil {
		return nil, err
	}

	attest, err := tpmcodec.EncodeQuote(&tpmcodec.Quote{
		QualifiedSigner: s.akName,
		Nonce:           nonce,
		Clock: tpmcodec.ClockInfo{
			Clock: uint64(s.clk.Now().Sub(s.startTime).Milliseconds()),
			Safe:  true,
		},
		FirmwareVersion: softwareFirmware,
		Selection:       sel,
		PCRDigest:       digest,
	})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(attest)
	raw, err := rsa.SignPKCS1v15(rand.Reader, s.akKey, crypto.SHA256, sum[:])
	if err != nil {
		return nil, fmt.Errorf("prover: sign quote: %w", err)
	}
	sig := tpmcodec.NewRSASignature(tpm2.TPMAlgRSASSA, tpmcodec.HashSHA256, raw)

	return &QuoteResult{
		Attest:    attest,
		Signature: tpmcodec.EncodeSignature(sig),
		Values:    values,
	}, nil
}

func (s *SoftwareTPM) Manufacturer() string { return "Software Simulator" }

func (s *SoftwareTPM) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
