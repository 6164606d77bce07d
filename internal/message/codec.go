package message

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"

	"ultrablue/internal/tpmcodec"
)

// MaxPCRValues bounds the register values accepted in one quote response.
const MaxPCRValues = 4 * tpmcodec.NumPCRs

var errShort = errors.New("short field")

// Marshal encodes m as type || body.
func Marshal(m Message) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(uint8(m.Type()))
	m.marshal(&b)
	return b.Bytes()
}

// Unmarshal decodes a frame payload. Unknown types, short or over-long
// bodies fail with tpmcodec.ErrMalformed.
func Unmarshal(payload []byte) (Message, error) {
	s := cryptobyte.String(payload)
	var t uint8
	if !s.ReadUint8(&t) {
		return nil, tpmcodec.Malformed("message: empty payload")
	}
	m, err := New(Type(t))
	if err != nil {
		return nil, err
	}
	if err := m.unmarshal(&s); err != nil {
		return nil, tpmcodec.Malformed("message %s: %v", m.Type(), err)
	}
	if !s.Empty() {
		return nil, tpmcodec.Malformed("message %s: %d trailing bytes", m.Type(), len(s))
	}
	return m, nil
}

// New returns a zero message of type t.
func New(t Type) (Message, error) {
	switch t {
	case TypeEKRequest:
		return &EKRequest{}, nil
	case TypeEKResponse:
		return &EKResponse{}, nil
	case TypeAKRequest:
		return &AKRequest{}, nil
	case TypeAKResponse:
		return &AKResponse{}, nil
	case TypeActivationChallenge:
		return &ActivationChallenge{}, nil
	case TypeActivationResponse:
		return &ActivationResponse{}, nil
	case TypeQuoteRequest:
		return &QuoteRequest{}, nil
	case TypeQuoteResponse:
		return &QuoteResponse{}, nil
	case TypeVerdict:
		return &Verdict{}, nil
	case TypeError:
		return &Error{}, nil
	default:
		return nil, tpmcodec.Malformed("message: unknown type %d", uint8(t))
	}
}

func addField(b *cryptobyte.Builder, v []byte) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(v)
	})
}

func readField(s *cryptobyte.String, out *[]byte) error {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) {
		return errShort
	}
	if len(v) > 0 {
		*out = append([]byte(nil), v...)
	} else {
		*out = nil
	}
	return nil
}

func (EKRequest) marshal(*cryptobyte.Builder)         {}
func (*EKRequest) unmarshal(*cryptobyte.String) error { return nil }
func (AKRequest) marshal(*cryptobyte.Builder)         {}
func (*AKRequest) unmarshal(*cryptobyte.String) error { return nil }

func (m EKResponse) marshal(b *cryptobyte.Builder) {
	addField(b, m.Cert)
	addField(b, m.Public)
}

func (m *EKResponse) unmarshal(s *cryptobyte.String) error {
	if err := readField(s, &m.Cert); err != nil {
		return err
	}
	return readField(s, &m.Public)
}

func (m AKResponse) marshal(b *cryptobyte.Builder) {
	addField(b, m.Public)
}

func (m *AKResponse) unmarshal(s *cryptobyte.String) error {
	return readField(s, &m.Public)
}

func (m ActivationChallenge) marshal(b *cryptobyte.Builder) {
	addField(b, m.Credential)
	addField(b, m.Secret)
}

func (m *ActivationChallenge) unmarshal(s *cryptobyte.String) error {
	if err := readField(s, &m.Credential); err != nil {
		return err
	}
	return readField(s, &m.Secret)
}

func (m ActivationResponse) marshal(b *cryptobyte.Builder) {
	addField(b, m.Secret)
}

func (m *ActivationResponse) unmarshal(s *cryptobyte.String) error {
	return readField(s, &m.Secret)
}

func (m QuoteRequest) marshal(b *cryptobyte.Builder) {
	addField(b, m.Nonce)
	sel, err := tpmcodec.EncodePCRSelection(m.Selection)
	if err != nil {
		b.SetError(err)
		return
	}
	addField(b, sel)
}

func (m *QuoteRequest) unmarshal(s *cryptobyte.String) error {
	if err := readField(s, &m.Nonce); err != nil {
		return err
	}
	var raw []byte
	if err := readField(s, &raw); err != nil {
		return err
	}
	sel, err := tpmcodec.DecodePCRSelection(raw)
	if err != nil {
		return err
	}
	m.Selection = sel
	return nil
}

func (m QuoteResponse) marshal(b *cryptobyte.Builder) {
	addField(b, m.Attest)
	addField(b, m.Signature)
	if len(m.PCRValues) > MaxPCRValues {
		b.SetError(errors.New("message: too many PCR values"))
		return
	}
	b.AddUint8(uint8(len(m.PCRValues)))
	for _, v := range m.PCRValues {
		if v.Index < 0 || v.Index >= tpmcodec.NumPCRs {
			b.SetError(errors.New("message: PCR index out of range"))
			return
		}
		b.AddUint16(uint16(v.Hash))
		b.AddUint8(uint8(v.Index))
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(v.Value)
		})
	}
}

func (m *QuoteResponse) unmarshal(s *cryptobyte.String) error {
	if err := readField(s, &m.Attest); err != nil {
		return err
	}
	if err := readField(s, &m.Signature); err != nil {
		return err
	}
	var n uint8
	if !s.ReadUint8(&n) {
		return errShort
	}
	if int(n) > MaxPCRValues {
		return errors.New("too many PCR values")
	}
	m.PCRValues = nil
	for i := 0; i < int(n); i++ {
		var (
			hash  uint16
			index uint8
			value cryptobyte.String
		)
		if !s.ReadUint16(&hash) || !s.ReadUint8(&index) || !s.ReadUint8LengthPrefixed(&value) {
			return errShort
		}
		if int(index) >= tpmcodec.NumPCRs {
			return errors.New("PCR index out of range")
		}
		m.PCRValues = append(m.PCRValues, PCRValue{
			Hash:  tpmcodec.HashAlgorithm(hash),
			Index: int(index),
			Value: append([]byte(nil), value...),
		})
	}
	return nil
}

func (m Verdict) marshal(b *cryptobyte.Builder) {
	if m.Succeeded {
		b.AddUint8(1)
	} else {
		b.AddUint8(0)
	}
	addField(b, m.Secret)
}

func (m *Verdict) unmarshal(s *cryptobyte.String) error {
	var v uint8
	if !s.ReadUint8(&v) {
		return errShort
	}
	if v > 1 {
		return errors.New("verdict is not a boolean")
	}
	m.Succeeded = v == 1
	if err := readField(s, &m.Secret); err != nil {
		return err
	}
	if !m.Succeeded && len(m.Secret) > 0 {
		return errors.New("secret sent with a failed verdict")
	}
	return nil
}

func (m Error) marshal(b *cryptobyte.Builder) {
	addField(b, []byte(m.Reason))
}

func (m *Error) unmarshal(s *cryptobyte.String) error {
	var raw []byte
	if err := readField(s, &raw); err != nil {
		return err
	}
	m.Reason = string(raw)
	return nil
}
