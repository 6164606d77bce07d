package message

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ultrablue/internal/tpmcodec"
)

func sampleMessages() []Message {
	return []Message{
		&EKRequest{},
		&EKResponse{Cert: []byte{0x30, 0x82, 0x01}, Public: []byte{0x00, 0x01}},
		&AKRequest{},
		&AKResponse{Public: []byte("ak public")},
		&ActivationChallenge{Credential: []byte("blob"), Secret: []byte("seed")},
		&ActivationResponse{Secret: bytes.Repeat([]byte{7}, 32)},
		&QuoteRequest{Nonce: bytes.Repeat([]byte{1}, 32), Selection: tpmcodec.DefaultPCRSelection()},
		&QuoteResponse{
			Attest:    []byte("attest"),
			Signature: []byte("sig"),
			PCRValues: []PCRValue{
				{Hash: tpmcodec.HashSHA256, Index: 0, Value: bytes.Repeat([]byte{0xaa}, 32)},
				{Hash: tpmcodec.HashSHA256, Index: 7, Value: bytes.Repeat([]byte{0xbb}, 32)},
			},
		},
		&Verdict{Succeeded: true},
		&Verdict{Succeeded: true, Secret: []byte("device secret")},
		&Error{Reason: "tpm unavailable"},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		t.Run(m.Type().String(), func(t *testing.T) {
			b, err := Marshal(m)
			require.NoError(t, err)
			assert.Equal(t, byte(m.Type()), b[0])

			got, err := Unmarshal(b)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestUnmarshalRejectsTruncatedAndTrailing(t *testing.T) {
	for _, m := range sampleMessages() {
		b, err := Marshal(m)
		require.NoError(t, err)

		for n := 0; n < len(b); n++ {
			_, err := Unmarshal(b[:n])
			assert.ErrorIs(t, err, tpmcodec.ErrMalformed, "%s prefix %d", m.Type(), n)
		}

		_, err = Unmarshal(append(b, 0))
		assert.ErrorIs(t, err, tpmcodec.ErrMalformed, "%s with trailing byte", m.Type())
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	for _, b := range [][]byte{{0xee, 0x00}, nil} {
		if _, err := Unmarshal(b); !errors.Is(err, tpmcodec.ErrMalformed) {
			t.Fatalf("Unmarshal(%x) = %v, want ErrMalformed", b, err)
		}
	}
}

func TestVerdictMustBeBoolean(t *testing.T) {
	if _, err := Unmarshal([]byte{byte(TypeVerdict), 2, 0, 0}); !errors.Is(err, tpmcodec.ErrMalformed) {
		t.Fatalf("verdict byte 2: got %v, want ErrMalformed", err)
	}
}

func TestFailedVerdictCarriesNoSecret(t *testing.T) {
	b, err := Marshal(&Verdict{Secret: []byte("device secret")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Unmarshal(b); !errors.Is(err, tpmcodec.ErrMalformed) {
		t.Fatalf("failed verdict with a secret: got %v, want ErrMalformed", err)
	}

	b, err = Marshal(&Verdict{Succeeded: true, Secret: []byte("device secret")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	m, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := m.(*Verdict).Secret; string(got) != "device secret" {
		t.Fatalf("Secret = %q, want %q", got, "device secret")
	}
}

func TestQuoteRequestInvalidSelection(t *testing.T) {
	_, err := Marshal(&QuoteRequest{Nonce: []byte{1}, Selection: tpmcodec.PCRSelection{{Hash: tpmcodec.HashSHA256, PCRs: []int{40}}}})
	assert.Error(t, err)
}

func TestOversizedFieldFails(t *testing.T) {
	_, err := Marshal(&EKResponse{Cert: make([]byte, 70000)})
	assert.Error(t, err)
}

func TestPCRValuesFromMap(t *testing.T) {
	values := map[tpmcodec.HashAlgorithm]map[int][]byte{
		tpmcodec.HashSHA256: {3: {3}, 1: {1}},
		tpmcodec.HashSHA1:   {2: {2}},
	}
	flat := PCRValuesFromMap(values)
	require.Len(t, flat, 3)
	assert.Equal(t, tpmcodec.HashSHA1, flat[0].Hash)
	assert.Equal(t, 1, flat[1].Index)
	assert.Equal(t, 3, flat[2].Index)

	resp := &QuoteResponse{PCRValues: flat}
	assert.Equal(t, values, resp.ValuesByBank())
}
