// Package message defines the typed envelopes exchanged between verifier and
// prover. Each frame payload is a one-byte type followed by a body made of
// 16-bit length-prefixed fields, all big-endian.
package message

import (
	"fmt"
	"sort"

	"golang.org/x/crypto/cryptobyte"

	"ultrablue/internal/tpmcodec"
)

// Type identifies a message.
type Type uint8

const (
	TypeEKRequest Type = iota + 1
	TypeEKResponse
	TypeAKRequest
	TypeAKResponse
	TypeActivationChallenge
	TypeActivationResponse
	TypeQuoteRequest
	TypeQuoteResponse
	TypeVerdict
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeEKRequest:
		return "ek-request"
	case TypeEKResponse:
		return "ek-response"
	case TypeAKRequest:
		return "ak-request"
	case TypeAKResponse:
		return "ak-response"
	case TypeActivationChallenge:
		return "activation-challenge"
	case TypeActivationResponse:
		return "activation-response"
	case TypeQuoteRequest:
		return "quote-request"
	case TypeQuoteResponse:
		return "quote-response"
	case TypeVerdict:
		return "verdict"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is implemented by every envelope.
type Message interface {
	Type() Type
	marshal(b *cryptobyte.Builder)
	unmarshal(s *cryptobyte.String) error
}

// EKRequest asks the prover for its endorsement key.
type EKRequest struct{}

// EKResponse carries the EK certificate (DER) and EK public area.
type EKResponse struct {
	Cert   []byte
	Public []byte
}

// AKRequest asks the prover to create an attestation key.
type AKRequest struct{}

// AKResponse carries the AK public area.
type AKResponse struct {
	Public []byte
}

// ActivationChallenge carries the credential blob and encrypted seed produced
// by MakeCredential.
type ActivationChallenge struct {
	Credential []byte
	Secret     []byte
}

// ActivationResponse carries the secret recovered by ActivateCredential.
type ActivationResponse struct {
	Secret []byte
}

// QuoteRequest challenges the prover for a quote over Selection.
type QuoteRequest struct {
	Nonce     []byte
	Selection tpmcodec.PCRSelection
}

// PCRValue is one register value reported alongside a quote.
type PCRValue struct {
	Hash  tpmcodec.HashAlgorithm
	Index int
	Value []byte
}

// QuoteResponse carries the raw TPMS_ATTEST, its TPMT_SIGNATURE and the
// register values the quote digest was computed over.
type QuoteResponse struct {
	Attest    []byte
	Signature []byte
	PCRValues []PCRValue
}

// Verdict notifies the prover of the verifier's decision. A successful
// verdict may carry the device's secret for the prover to measure.
type Verdict struct {
	Succeeded bool
	Secret    []byte
}

// Error is a prover-side refusal.
type Error struct {
	Reason string
}

func (EKRequest) Type() Type           { return TypeEKRequest }
func (EKResponse) Type() Type          { return TypeEKResponse }
func (AKRequest) Type() Type           { return TypeAKRequest }
func (AKResponse) Type() Type          { return TypeAKResponse }
func (ActivationChallenge) Type() Type { return TypeActivationChallenge }
func (ActivationResponse) Type() Type  { return TypeActivationResponse }
func (QuoteRequest) Type() Type        { return TypeQuoteRequest }
func (QuoteResponse) Type() Type       { return TypeQuoteResponse }
func (Verdict) Type() Type             { return TypeVerdict }
func (Error) Type() Type               { return TypeError }

// ValuesByBank indexes the reported values for tpmcodec.PCRDigest.
func (r *QuoteResponse) ValuesByBank() map[tpmcodec.HashAlgorithm]map[int][]byte {
	out := make(map[tpmcodec.HashAlgorithm]map[int][]byte)
	for _, v := range r.PCRValues {
		if out[v.Hash] == nil {
			out[v.Hash] = make(map[int][]byte)
		}
		out[v.Hash][v.Index] = v.Value
	}
	return out
}

// PCRValuesFromMap flattens values into bank then index order.
func PCRValuesFromMap(values map[tpmcodec.HashAlgorithm]map[int][]byte) []PCRValue {
	var out []PCRValue
	for hash, regs := range values {
		for idx, v := range regs {
			out = append(out, PCRValue{Hash: hash, Index: idx, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hash != out[j].Hash {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Index < out[j].Index
	})
	return out
}
