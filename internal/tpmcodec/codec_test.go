package tpmcodec

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func testQuote() *Quote {
	return &Quote{
		QualifiedSigner: []byte{0x00, 0x0b, 1, 2, 3, 4},
		Nonce:           []byte("0123456789abcdef0123456789abcdef"),
		Clock: ClockInfo{
			Clock:        123456,
			ResetCount:   3,
			RestartCount: 1,
			Safe:         true,
		},
		FirmwareVersion: 0x0001000200030004,
		Selection:       DefaultPCRSelection(),
		PCRDigest:       make([]byte, 32),
	}
}

// requireMalformedEverywhere feeds every strict prefix and a one-byte
// extension of b to decode and expects ErrMalformed each time.
func requireMalformedEverywhere(t *testing.T, b []byte, decode func([]byte) error) {
	t.Helper()
	for n := 0; n < len(b); n++ {
		err := decode(b[:n])
		require.Error(t, err, "prefix of %d bytes decoded", n)
		require.True(t, errors.Is(err, ErrMalformed), "prefix of %d bytes: %v", n, err)
	}
	extended := append(append([]byte(nil), b...), 0x00)
	err := decode(extended)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestQuoteRoundTrip(t *testing.T) {
	for _, safe := range []bool{true, false} {
		q := testQuote()
		q.Clock.Safe = safe
		b, err := EncodeQuote(q)
		require.NoError(t, err)

		decoded, err := DecodeQuote(b)
		require.NoError(t, err)
		assert.Equal(t, q, decoded, "safe=%v", safe)
	}
}

func TestQuoteTruncation(t *testing.T) {
	b, err := EncodeQuote(testQuote())
	require.NoError(t, err)

	requireMalformedEverywhere(t, b, func(in []byte) error {
		_, err := DecodeQuote(in)
		return err
	})
}

func TestDecodeQuoteRejectsBadMagic(t *testing.T) {
	b, err := EncodeQuote(testQuote())
	require.NoError(t, err)

	b[0] ^= 0xff
	_, err = DecodeQuote(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeQuoteRejectsOtherAttestationTypes(t *testing.T) {
	b, err := EncodeQuote(testQuote())
	require.NoError(t, err)

	// TPM_ST_ATTEST_TIME follows the 4-byte magic.
	b[4], b[5] = 0x80, 0x19
	_, err = DecodeQuote(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsHugeListCounts(t *testing.T) {
	_, err := DecodePCRSelection([]byte{0xff, 0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)

	b, err := EncodeQuote(testQuote())
	require.NoError(t, err)
	// Overwrite the selection count that precedes the first bank.
	off := len(b) - (4 + 2 + 1 + 3 + 2 + 32)
	b[off], b[off+1], b[off+2], b[off+3] = 0x7f, 0xff, 0xff, 0xff
	_, err = DecodeQuote(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	garbage := make([]byte, 512)
	for i := 0; i < 200; i++ {
		n := i % len(garbage)
		_, err := rand.Read(garbage[:n])
		require.NoError(t, err)
		assert.NotPanics(t, func() {
			_, _ = DecodeQuote(garbage[:n])
			_, _ = DecodePublic(garbage[:n])
			_, _ = DecodeSignature(garbage[:n])
			_, _ = DecodePCRSelection(garbage[:n])
		})
	}
}

func TestPCRSelectionRoundTrip(t *testing.T) {
	cases := []PCRSelection{
		DefaultPCRSelection(),
		{{Hash: HashSHA1, PCRs: []int{0, 23}}},
		{{Hash: HashSHA256, PCRs: []int{7}}, {Hash: HashSHA384, PCRs: []int{8, 9, 10}}},
	}
	for _, sel := range cases {
		b, err := EncodePCRSelection(sel)
		require.NoError(t, err)
		got, err := DecodePCRSelection(b)
		require.NoError(t, err)
		assert.True(t, sel.Equal(got), "want %v got %v", sel, got)
	}
}

func TestPCRSelectionValidation(t *testing.T) {
	tests := []struct {
		name string
		sel  PCRSelection
	}{
		{"empty", PCRSelection{}},
		{"out of range", PCRSelection{{Hash: HashSHA256, PCRs: []int{24}}}},
		{"negative", PCRSelection{{Hash: HashSHA256, PCRs: []int{-1}}}},
		{"duplicate index", PCRSelection{{Hash: HashSHA256, PCRs: []int{3, 3}}}},
		{"duplicate bank", PCRSelection{{Hash: HashSHA256, PCRs: []int{1}}, {Hash: HashSHA256, PCRs: []int{2}}}},
		{"unknown hash", PCRSelection{{Hash: HashAlgorithm(0x1234), PCRs: []int{1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodePCRSelection(tt.sel)
			assert.Error(t, err)
		})
	}
}

func TestNewPCRSelectionSorts(t *testing.T) {
	sel, err := NewPCRSelection(HashSHA256, 7, 0, 4)
	if err != nil {
		t.Fatalf("NewPCRSelection: %v", err)
	}
	want := []int{0, 4, 7}
	if got := sel[0].PCRs; len(got) != len(want) || got[0] != 0 || got[1] != 4 || got[2] != 7 {
		t.Fatalf("PCRs = %v, want %v", got, want)
	}
	if n := sel.Count(); n != 3 {
		t.Fatalf("Count() = %d, want 3", n)
	}

	if _, err := NewPCRSelection(HashSHA256, 1, 1); err == nil {
		t.Fatal("duplicate register accepted")
	}
}

func TestPCRDigest(t *testing.T) {
	sel := DefaultPCRSelection()
	values := map[HashAlgorithm]map[int][]byte{HashSHA256: {}}
	h := sha256.New()
	for _, pcr := range sel[0].PCRs {
		v := sha256.Sum256([]byte{byte(pcr)})
		values[HashSHA256][pcr] = v[:]
		h.Write(v[:])
	}

	digest, err := PCRDigest(crypto.SHA256, sel, values)
	require.NoError(t, err)
	assert.Equal(t, h.Sum(nil), digest)

	delete(values[HashSHA256], 3)
	_, err = PCRDigest(crypto.SHA256, sel, values)
	assert.Error(t, err)
}

func TestPublicRoundTripRSA(t *testing.T) {
	key := testRSAKey(t)
	pub, err := RSAPublicArea(AKTemplate(), &key.PublicKey)
	require.NoError(t, err)

	b := EncodePublic(pub)
	decoded, err := DecodePublic(b)
	require.NoError(t, err)
	assert.Equal(t, b, EncodePublic(decoded))

	got, err := PublicKey(decoded)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(got))

	require.NoError(t, CheckAttestationKey(decoded))

	name, err := Name(decoded)
	require.NoError(t, err)
	digest := sha256.Sum256(b)
	assert.Equal(t, append([]byte{0x00, 0x0b}, digest[:]...), name)

	requireMalformedEverywhere(t, b, func(in []byte) error {
		_, err := DecodePublic(in)
		return err
	})
}

func TestPublicRoundTripECC(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl, err := ECCSigningTemplate(elliptic.P256())
	require.NoError(t, err)
	pub, err := ECCPublicArea(tmpl, &key.PublicKey)
	require.NoError(t, err)

	decoded, err := DecodePublic(EncodePublic(pub))
	require.NoError(t, err)
	got, err := PublicKey(decoded)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(got))
}

func TestPublicKeyRejectsPointOffCurve(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl, err := ECCSigningTemplate(elliptic.P256())
	require.NoError(t, err)
	pub, err := ECCPublicArea(tmpl, &key.PublicKey)
	require.NoError(t, err)

	point, err := pub.Unique.ECC()
	require.NoError(t, err)
	point.Y.Buffer[len(point.Y.Buffer)-1] ^= 0x01

	_, err = PublicKey(pub)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCheckAttestationKey(t *testing.T) {
	key := testRSAKey(t)
	pub, err := RSAPublicArea(AKTemplate(), &key.PublicKey)
	require.NoError(t, err)

	unrestricted := *pub
	unrestricted.ObjectAttributes.Restricted = false
	assert.ErrorIs(t, CheckAttestationKey(&unrestricted), ErrNotSigningKey)

	exportable := *pub
	exportable.ObjectAttributes.FixedTPM = false
	assert.ErrorIs(t, CheckAttestationKey(&exportable), ErrNotSigningKey)

	decrypting := *pub
	decrypting.ObjectAttributes.Decrypt = true
	assert.ErrorIs(t, CheckAttestationKey(&decrypting), ErrNotSigningKey)
}

func TestSignatureRSASSA(t *testing.T) {
	key := testRSAKey(t)
	data := []byte("attested data")
	digest := sha256.Sum256(data)
	raw, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	b := EncodeSignature(NewRSASignature(tpm2.TPMAlgRSASSA, HashSHA256, raw))
	sig, err := DecodeSignature(b)
	require.NoError(t, err)
	require.NoError(t, VerifySignature(&key.PublicKey, data, sig))

	err = VerifySignature(&key.PublicKey, []byte("other data"), sig)
	assert.ErrorIs(t, err, ErrBadSignature)

	requireMalformedEverywhere(t, b, func(in []byte) error {
		_, err := DecodeSignature(in)
		return err
	})
}

func TestSignatureRSAPSS(t *testing.T) {
	key := testRSAKey(t)
	data := []byte("attested data")
	digest := sha256.Sum256(data)
	raw, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	require.NoError(t, err)

	sig, err := DecodeSignature(EncodeSignature(NewRSASignature(tpm2.TPMAlgRSAPSS, HashSHA256, raw)))
	require.NoError(t, err)
	assert.NoError(t, VerifySignature(&key.PublicKey, data, sig))
}

func TestSignatureECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	data := []byte("attested data")
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	require.NoError(t, err)

	sig, err := DecodeSignature(EncodeSignature(NewECDSASignature(HashSHA256, r, s)))
	require.NoError(t, err)
	assert.NoError(t, VerifySignature(&key.PublicKey, data, sig))

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifySignature(&other.PublicKey, data, sig), ErrBadSignature)
}

func TestVerifySignatureKeyTypeMismatch(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sig := NewRSASignature(tpm2.TPMAlgRSASSA, HashSHA256, []byte{1, 2, 3})
	assert.ErrorIs(t, VerifySignature(&key.PublicKey, []byte("x"), sig), ErrBadSignature)
}

func TestParseHashAlgorithm(t *testing.T) {
	tests := []struct {
		in   string
		want HashAlgorithm
		size int
	}{
		{"sha1", HashSHA1, 20},
		{"sha256", HashSHA256, 32},
		{"SHA-384", HashSHA384, 48},
		{"SHA512", HashSHA512, 64},
	}
	for _, tt := range tests {
		h, err := ParseHashAlgorithm(tt.in)
		if err != nil {
			t.Fatalf("ParseHashAlgorithm(%q): %v", tt.in, err)
		}
		if h != tt.want || h.Size() != tt.size {
			t.Errorf("ParseHashAlgorithm(%q) = %s (%d bytes), want %s (%d bytes)", tt.in, h, h.Size(), tt.want, tt.size)
		}
	}
	if s := HashSHA256.String(); s != "SHA-256" {
		t.Errorf("String() = %q", s)
	}

	if _, err := ParseHashAlgorithm("md5"); err == nil {
		t.Error("md5 accepted")
	}
	if n := HashAlgorithm(0x99).Size(); n != 0 {
		t.Errorf("unknown algorithm size = %d, want 0", n)
	}
}
