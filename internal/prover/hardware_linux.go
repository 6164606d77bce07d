//go:build linux

package prover

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"ultrablue/internal/tpmcodec"
)

// DevicePaths are tried in order by OpenHardwareTPM.
var DevicePaths = []string{
	"/dev/tpmrm0", // resource manager
	"/dev/tpm0",
}

const (
	// TCG EK credential profile index of the RSA-2048 EK certificate.
	ekCertIndex = 0x01c00002
	nvChunkSize = 768
	// TPM2_PCR_Read returns at most eight digests.
	maxPCRRead = 8
)

// HardwareTPM drives a TPM 2.0 device. The EK and AK are primary keys
// re-derived from the endorsement hierarchy when the device is opened, so
// the AK name is stable across restarts.
type HardwareTPM struct {
	mu        sync.Mutex
	path      string
	transport transport.TPMCloser

	ekHandle tpm2.TPMHandle
	ekName   tpm2.TPM2BName
	ekPub    *tpm2.TPMTPublic
	ekCert   []byte

	akHandle tpm2.TPMHandle
	akName   tpm2.TPM2BName
	akPub    *tpm2.TPMTPublic

	banks        []tpmcodec.HashAlgorithm
	manufacturer string
	closed       bool
}

// OpenHardwareTPM opens path, or the first usable entry of DevicePaths when
// path is empty, and loads the endorsement and attestation keys.
func OpenHardwareTPM(path string) (*HardwareTPM, error) {
	if path == "" {
		for _, p := range DevicePaths {
			if f, err := os.OpenFile(p, os.O_RDWR, 0); err == nil {
				f.Close()
				path = p
				break
			}
		}
		if path == "" {
			return nil, ErrTPMNotAvailable
		}
	}

	t, err := transport.OpenTPM(path)
	if err != nil {
		return nil, fmt.Errorf("prover: open %s: %w", path, err)
	}
	h := &HardwareTPM{path: path, transport: t}
	if err := h.init(); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *HardwareTPM) init() error {
	h.manufacturer = readManufacturer(h.transport)
	h.banks = readBanks(h.transport)

	ek, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}.Execute(h.transport)
	if err != nil {
		return fmt.Errorf("prover: create EK: %w", err)
	}
	h.ekHandle, h.ekName = ek.ObjectHandle, ek.Name
	if h.ekPub, err = ek.OutPublic.Contents(); err != nil {
		return fmt.Errorf("prover: EK public: %w", err)
	}

	ak, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpmcodec.AKTemplate()),
	}.Execute(h.transport)
	if err != nil {
		return fmt.Errorf("prover: create AK: %w", err)
	}
	h.akHandle, h.akName = ak.ObjectHandle, ak.Name
	if h.akPub, err = ak.OutPublic.Contents(); err != nil {
		return fmt.Errorf("prover: AK public: %w", err)
	}

	// A TPM without a provisioned certificate can still answer, but no
	// verifier will accept it.
	h.ekCert, _ = h.readNV(ekCertIndex)
	return nil
}

func (h *HardwareTPM) readNV(index tpm2.TPMHandle) ([]byte, error) {
	pubRsp, err := tpm2.NVReadPublic{NVIndex: index}.Execute(h.transport)
	if err != nil {
		return nil, err
	}
	pub, err := pubRsp.NVPublic.Contents()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, pub.DataSize)
	for off := 0; off < int(pub.DataSize); off += nvChunkSize {
		n := min(nvChunkSize, int(pub.DataSize)-off)
		rsp, err := tpm2.NVRead{
			AuthHandle: tpm2.AuthHandle{
				Handle: tpm2.TPMRHOwner,
				Auth:   tpm2.PasswordAuth(nil),
			},
			NVIndex: tpm2.NamedHandle{Handle: index, Name: pubRsp.NVName},
			Size:    uint16(n),
			Offset:  uint16(off),
		}.Execute(h.transport)
		if err != nil {
			return nil, fmt.Errorf("NVRead at %d: %w", off, err)
		}
		out = append(out, rsp.Data.Buffer...)
	}
	return out, nil
}

func (h *HardwareTPM) EndorsementCertificate() ([]byte, error) {
	if h.ekCert == nil {
		return nil, ErrNoEKCertificate
	}
	return h.ekCert, nil
}

func (h *HardwareTPM) EndorsementPublic() (*tpm2.TPMTPublic, error) { return h.ekPub, nil }

func (h *HardwareTPM) AttestationPublic() (*tpm2.TPMTPublic, error) { return h.akPub, nil }

// ActivateCredential runs TPM2_ActivateCredential. The EK's admin role is
// satisfied with a PolicySecret session on the endorsement hierarchy.
func (h *HardwareTPM) ActivateCredential(blob, encSecret []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrTPMNotOpen
	}

	sess, cleanup, err := tpm2.PolicySession(h.transport, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: policy session: %v", ErrActivation, err)
	}
	defer cleanup()

	_, err = tpm2.PolicySecret{
		AuthHandle:    tpm2.AuthHandle{Handle: tpm2.TPMRHEndorsement, Auth: tpm2.PasswordAuth(nil)},
		PolicySession: sess.Handle(),
		NonceTPM:      sess.NonceTPM(),
	}.Execute(h.transport)
	if err != nil {
		return nil, fmt.Errorf("%w: policy secret: %v", ErrActivation, err)
	}

	rsp, err := tpm2.ActivateCredential{
		ActivateHandle: tpm2.AuthHandle{
			Handle: h.akHandle,
			Name:   h.akName,
			Auth:   tpm2.PasswordAuth(nil),
		},
		KeyHandle: tpm2.AuthHandle{
			Handle: h.ekHandle,
			Name:   h.ekName,
			Auth:   sess,
		},
		CredentialBlob: tpm2.TPM2BIDObject{Buffer: blob},
		Secret:         tpm2.TPM2BEncryptedSecret{Buffer: encSecret},
	}.Execute(h.transport)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActivation, err)
	}
	return rsp.CertInfo.Buffer, nil
}

// Quote signs the selected registers with the AK. The register values are
// included only when no PCR changed between reading them and the quote.
func (h *HardwareTPM) Quote(nonce []byte, sel tpmcodec.PCRSelection) (*QuoteResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrTPMNotOpen
	}

	pcrSel, err := sel.TPM()
	if err != nil {
		return nil, err
	}
	quote := func() (*QuoteResult, error) {
		rsp, err := tpm2.Quote{
			SignHandle: tpm2.AuthHandle{
				Handle: h.akHandle,
				Name:   h.akName,
				Auth:   tpm2.PasswordAuth(nil),
			},
			QualifyingData: tpm2.TPM2BData{Buffer: nonce},
			InScheme: tpm2.TPMTSigScheme{
				Scheme: tpm2.TPMAlgRSASSA,
				Details: tpm2.NewTPMUSigScheme(
					tpm2.TPMAlgRSASSA,
					&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256},
				),
			},
			PCRSelect: pcrSel,
		}.Execute(h.transport)
		if err != nil {
			return nil, fmt.Errorf("prover: quote: %w", err)
		}
		attest, err := rsp.Quoted.Contents()
		if err != nil {
			return nil, fmt.Errorf("prover: quote contents: %w", err)
		}
		return &QuoteResult{
			Attest:    tpm2.Marshal(attest),
			Signature: tpm2.Marshal(rsp.Signature),
		}, nil
	}
	return quoteWithValues(func() (pcrSnapshot, error) { return h.readPCRs(sel) }, quote, h.pcrUpdateCounter)
}

// readPCRs reads sel at most maxPCRRead registers per command and fails if
// the update counter changes between commands.
func (h *HardwareTPM) readPCRs(sel tpmcodec.PCRSelection) (pcrSnapshot, error) {
	snap := pcrSnapshot{values: make(map[tpmcodec.HashAlgorithm]map[int][]byte, len(sel))}
	first := true
	for _, bank := range sel {
		regs := make(map[int][]byte, len(bank.PCRs))
		for start := 0; start < len(bank.PCRs); start += maxPCRRead {
			chunk := bank.PCRs[start:min(start+maxPCRRead, len(bank.PCRs))]
			in, err := tpmcodec.PCRSelection{{Hash: bank.Hash, PCRs: chunk}}.TPM()
			if err != nil {
				return pcrSnapshot{}, err
			}
			rsp, err := tpm2.PCRRead{PCRSelectionIn: in}.Execute(h.transport)
			if err != nil {
				return pcrSnapshot{}, fmt.Errorf("prover: read %s PCRs %v: %w", bank.Hash, chunk, err)
			}
			if len(rsp.PCRValues.Digests) != len(chunk) {
				return pcrSnapshot{}, fmt.Errorf("prover: %s PCRs %v not allocated", bank.Hash, chunk)
			}
			if first {
				snap.counter, first = rsp.PCRUpdateCounter, false
			} else if rsp.PCRUpdateCounter != snap.counter {
				return pcrSnapshot{}, fmt.Errorf("prover: PCRs changed while reading %s bank", bank.Hash)
			}
			// Digests come back in ascending register order.
			for i, pcr := range chunk {
				regs[pcr] = rsp.PCRValues.Digests[i].Buffer
			}
		}
		snap.values[bank.Hash] = regs
	}
	return snap, nil
}

func (h *HardwareTPM) pcrUpdateCounter() (uint32, error) {
	// An empty selection returns only the counter.
	rsp, err := tpm2.PCRRead{PCRSelectionIn: tpm2.TPMLPCRSelection{}}.Execute(h.transport)
	if err != nil {
		return 0, fmt.Errorf("prover: read PCR update counter: %w", err)
	}
	return rsp.PCRUpdateCounter, nil
}

// Extend runs TPM2_PCR_Extend with the digest of data in every allocated
// bank whose hash is supported.
func (h *HardwareTPM) Extend(pcr int, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrTPMNotOpen
	}
	if pcr < 0 || pcr >= tpmcodec.NumPCRs {
		return fmt.Errorf("prover: PCR %d out of range", pcr)
	}

	var digests []tpm2.TPMTHA
	for _, alg := range h.banks {
		hash, err := alg.Crypto()
		if err != nil {
			continue
		}
		d := hash.New()
		d.Write(data)
		digests = append(digests, tpm2.TPMTHA{HashAlg: alg.TPM(), Digest: d.Sum(nil)})
	}
	if len(digests) == 0 {
		return fmt.Errorf("prover: no PCR bank to extend")
	}
	_, err := tpm2.PCRExtend{
		PCRHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(pcr),
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digests: tpm2.TPMLDigestValues{Digests: digests},
	}.Execute(h.transport)
	if err != nil {
		return fmt.Errorf("prover: extend PCR %d: %w", pcr, err)
	}
	return nil
}

func (h *HardwareTPM) Manufacturer() string { return h.manufacturer }

// Close flushes the loaded keys and releases the device.
func (h *HardwareTPM) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, handle := range []tpm2.TPMHandle{h.akHandle, h.ekHandle} {
		if handle != 0 {
			tpm2.FlushContext{FlushHandle: handle}.Execute(h.transport)
		}
	}
	return h.transport.Close()
}

func readManufacturer(t transport.TPM) string {
	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}.Execute(t)
	if err != nil {
		return "unknown"
	}
	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil || len(props.TPMProperty) == 0 {
		return "unknown"
	}
	mfr := props.TPMProperty[0].Value
	return fmt.Sprintf("%c%c%c%c", byte(mfr>>24), byte(mfr>>16), byte(mfr>>8), byte(mfr))
}

// readBanks lists the hash algorithms with at least one allocated PCR. It
// falls back to SHA-256 when the capability cannot be read.
func readBanks(t transport.TPM) []tpmcodec.HashAlgorithm {
	fallback := []tpmcodec.HashAlgorithm{tpmcodec.HashSHA256}
	rsp, err := tpm2.GetCapability{Capability: tpm2.TPMCapPCRs, PropertyCount: 1}.Execute(t)
	if err != nil {
		return fallback
	}
	assigned, err := rsp.CapabilityData.Data.AssignedPCR()
	if err != nil {
		return fallback
	}
	var banks []tpmcodec.HashAlgorithm
	for _, s := range assigned.PCRSelections {
		for _, b := range s.PCRSelect {
			if b != 0 {
				banks = append(banks, tpmcodec.HashAlgorithm(s.Hash))
				break
			}
		}
	}
	if len(banks) == 0 {
		return fallback
	}
	return banks
}
