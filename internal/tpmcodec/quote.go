package tpmcodec

import (
	"github.com/google/go-tpm/tpm2"
)

// ClockInfo mirrors TPMS_CLOCK_INFO.
type ClockInfo struct {
	Clock        uint64 `json:"clock"`
	ResetCount   uint32 `json:"reset_count"`
	RestartCount uint32 `json:"restart_count"`
	Safe         bool   `json:"safe"`
}

// Quote is a decoded TPMS_ATTEST of type TPM_ST_ATTEST_QUOTE.
type Quote struct {
	QualifiedSigner []byte
	// Nonce is the extraData field: the verifier's challenge echoed back.
	Nonce           []byte
	Clock           ClockInfo
	FirmwareVersion uint64
	Selection       PCRSelection
	PCRDigest       []byte
}

// EncodeQuote serializes q as a TPMS_ATTEST quote structure.
func EncodeQuote(q *Quote) ([]byte, error) {
	sel, err := q.Selection.TPM()
	if err != nil {
		return nil, err
	}
	attest := tpm2.TPMSAttest{
		Magic:           tpm2.TPMGeneratedValue,
		Type:            tpm2.TPMSTAttestQuote,
		QualifiedSigner: tpm2.TPM2BName{Buffer: q.QualifiedSigner},
		ExtraData:       tpm2.TPM2BData{Buffer: q.Nonce},
		ClockInfo: tpm2.TPMSClockInfo{
			Clock:        q.Clock.Clock,
			ResetCount:   q.Clock.ResetCount,
			RestartCount: q.Clock.RestartCount,
			Safe:         q.Clock.Safe,
		},
		FirmwareVersion: q.FirmwareVersion,
		Attested: tpm2.NewTPMUAttest(tpm2.TPMSTAttestQuote, &tpm2.TPMSQuoteInfo{
			PCRSelect: sel,
			PCRDigest: tpm2.TPM2BDigest{Buffer: q.PCRDigest},
		}),
	}
	return tpm2.Marshal(attest), nil
}

// DecodeQuote parses a TPMS_ATTEST and requires it to be a TPM-generated
// quote.
func DecodeQuote(b []byte) (q *Quote, err error) {
	defer recoverMalformed("quote", &err)
	if len(b) == 0 {
		return nil, Malformed("quote: empty buffer")
	}
	if err := checkQuoteCounts(b); err != nil {
		return nil, err
	}
	attest, err := tpm2.Unmarshal[tpm2.TPMSAttest](b)
	if err != nil {
		return nil, Malformed("quote: %v", err)
	}
	if err := exact("quote", b, tpm2.Marshal(*attest)); err != nil {
		return nil, err
	}
	if attest.Magic != tpm2.TPMGeneratedValue {
		return nil, Malformed("quote: magic 0x%08x is not TPM_GENERATED_VALUE", uint32(attest.Magic))
	}
	if attest.Type != tpm2.TPMSTAttestQuote {
		return nil, Malformed("quote: attestation type 0x%04x is not a quote", uint16(attest.Type))
	}
	info, err := attest.Attested.Quote()
	if err != nil {
		return nil, Malformed("quote: %v", err)
	}
	sel, err := pcrSelectionFromTPM(info.PCRSelect)
	if err != nil {
		return nil, err
	}
	return &Quote{
		QualifiedSigner: clone(attest.QualifiedSigner.Buffer),
		Nonce:           clone(attest.ExtraData.Buffer),
		Clock: ClockInfo{
			Clock:        attest.ClockInfo.Clock,
			ResetCount:   attest.ClockInfo.ResetCount,
			RestartCount: attest.ClockInfo.RestartCount,
			Safe:         attest.ClockInfo.Safe,
		},
		FirmwareVersion: attest.FirmwareVersion,
		Selection:       sel,
		PCRDigest:       clone(info.PCRDigest.Buffer),
	}, nil
}
