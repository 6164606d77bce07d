package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ultrablue/internal/transport"
)

var testNow = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func registries(t *testing.T) map[string]Registry {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]Registry{
		"memory": NewMemory(),
		"sqlite": db,
	}
}

func mustDevice(t *testing.T, name string, addr transport.Address, cert string) Device {
	t.Helper()
	d, err := NewDevice(name, addr, []byte(cert), testNow)
	require.NoError(t, err)
	return d
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	for name, r := range registries(t) {
		t.Run(name, func(t *testing.T) {
			d := mustDevice(t, "laptop", "AA:BB:CC:DD:EE:01", "cert-1")
			require.NoError(t, r.Register(ctx, d))

			got, err := r.Get(ctx, d.UID)
			require.NoError(t, err)
			assert.Equal(t, d.Name, got.Name)
			assert.Equal(t, d.Address, got.Address)
			assert.Equal(t, d.EKCert, got.EKCert)
			assert.True(t, got.CreatedAt.Equal(testNow))
			assert.False(t, got.Attested())
			assert.Nil(t, got.PCRBaseline)
			assert.Nil(t, got.Secret)

			byAddr, err := r.GetByAddress(ctx, d.Address)
			require.NoError(t, err)
			assert.Equal(t, d.UID, byAddr.UID)

			_, err = r.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = r.GetByAddress(ctx, "00:00:00:00:00:00")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRegisterKnownAddress(t *testing.T) {
	ctx := context.Background()
	for name, r := range registries(t) {
		t.Run(name, func(t *testing.T) {
			d := mustDevice(t, "desktop", "AA:BB:CC:DD:EE:02", "cert-1")
			require.NoError(t, r.Register(ctx, d))

			same := mustDevice(t, "desktop2", d.Address, "cert-1")
			assert.ErrorIs(t, r.Register(ctx, same), ErrAlreadyRegistered)

			changed := mustDevice(t, "imposter", d.Address, "cert-2")
			assert.ErrorIs(t, r.Register(ctx, changed), ErrEKChanged)

			got, err := r.Get(ctx, d.UID)
			require.NoError(t, err)
			assert.Equal(t, []byte("cert-1"), got.EKCert, "certificate must never be overwritten")
		})
	}
}

func TestRecordOutcome(t *testing.T) {
	ctx := context.Background()
	for name, r := range registries(t) {
		t.Run(name, func(t *testing.T) {
			d := mustDevice(t, "server", "AA:BB:CC:DD:EE:03", "cert")
			require.NoError(t, r.Register(ctx, d))

			failedAt := testNow.Add(time.Hour)
			require.NoError(t, r.RecordOutcome(ctx, d.UID, Outcome{At: failedAt, Failure: "untrusted_issuer"}))
			got, err := r.Get(ctx, d.UID)
			require.NoError(t, err)
			assert.True(t, got.LastAttestation.Equal(failedAt))
			assert.False(t, got.LastSucceeded)
			assert.Equal(t, "untrusted_issuer", got.LastFailure)
			assert.Equal(t, []byte("cert"), got.EKCert)

			okAt := failedAt.Add(time.Minute)
			require.NoError(t, r.RecordOutcome(ctx, d.UID, Outcome{At: okAt, Succeeded: true, Failure: "ignored"}))
			got, err = r.Get(ctx, d.UID)
			require.NoError(t, err)
			assert.True(t, got.LastSucceeded)
			assert.Empty(t, got.LastFailure)

			assert.ErrorIs(t, r.RecordOutcome(ctx, "missing", Outcome{At: okAt}), ErrNotFound)
		})
	}
}

func TestSecretStored(t *testing.T) {
	ctx := context.Background()
	for name, r := range registries(t) {
		t.Run(name, func(t *testing.T) {
			secret, err := NewSecret()
			require.NoError(t, err)
			require.Len(t, secret, SecretSize)

			d := mustDevice(t, "vault", "AA:BB:CC:DD:EE:06", "cert")
			d.Secret = secret
			require.NoError(t, r.Register(ctx, d))

			got, err := r.Get(ctx, d.UID)
			require.NoError(t, err)
			assert.Equal(t, secret, got.Secret)

			other, err := NewSecret()
			require.NoError(t, err)
			assert.NotEqual(t, secret, other)
		})
	}
}

func TestRenameDeleteBaseline(t *testing.T) {
	ctx := context.Background()
	for name, r := range registries(t) {
		t.Run(name, func(t *testing.T) {
			a := mustDevice(t, "first", "AA:BB:CC:DD:EE:04", "a")
			b := mustDevice(t, "second", "AA:BB:CC:DD:EE:05", "b")
			b.CreatedAt = testNow.Add(time.Second)
			require.NoError(t, r.Register(ctx, a))
			require.NoError(t, r.Register(ctx, b))

			assert.ErrorIs(t, r.Rename(ctx, a.UID, "abc"), ErrInvalidName)
			assert.ErrorIs(t, r.Rename(ctx, a.UID, "thirteen-char"), ErrInvalidName)
			require.NoError(t, r.Rename(ctx, a.UID, "renamed"))
			assert.ErrorIs(t, r.Rename(ctx, "missing", "renamed"), ErrNotFound)

			digest := []byte{1, 2, 3}
			require.NoError(t, r.SetBaseline(ctx, b.UID, digest))

			list, err := r.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "renamed", list[0].Name)
			assert.Equal(t, digest, list[1].PCRBaseline)

			require.NoError(t, r.Delete(ctx, a.UID))
			assert.ErrorIs(t, r.Delete(ctx, a.UID), ErrNotFound)
			list, err = r.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestReturnedDevicesAreCopies(t *testing.T) {
	ctx := context.Background()
	r := NewMemory()
	d := mustDevice(t, "phone", "AA:BB:CC:DD:EE:06", "cert")
	require.NoError(t, r.Register(ctx, d))

	got, err := r.Get(ctx, d.UID)
	require.NoError(t, err)
	got.EKCert[0] = 'X'
	got.Name = "mutated"

	again, err := r.Get(ctx, d.UID)
	require.NoError(t, err)
	assert.Equal(t, []byte("cert"), again.EKCert)
	assert.Equal(t, "phone", again.Name)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	db, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	d := mustDevice(t, "persist", "AA:BB:CC:DD:EE:07", "cert")
	require.NoError(t, db.Register(ctx, d))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	v, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	got, err := db.Get(ctx, d.UID)
	require.NoError(t, err)
	assert.Equal(t, "persist", got.Name)
}

func TestStatusLine(t *testing.T) {
	d := Device{}
	assert.Equal(t, "N/A", d.StatusLine(time.UTC))

	d.LastAttestation = testNow
	d.LastSucceeded = true
	assert.Equal(t, "Succeed on 2026-03-01 12:30", d.StatusLine(time.UTC))

	d.LastSucceeded = false
	d.LastFailure = "nonce_mismatch"
	assert.Equal(t, "Failed on 2026-03-01 12:30", d.StatusLine(time.UTC))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"abc", false},
		{"abcd", true},
		{"twelve-chars", true},
		{"thirteen-char", false},
		{"éèàç", true},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.valid {
			assert.NoError(t, err, tt.name)
		} else {
			assert.ErrorIs(t, err, ErrInvalidName, tt.name)
		}
	}
}

func TestNewDevice(t *testing.T) {
	d, err := NewDevice("laptop", "AA:BB:CC:DD:EE:08", []byte("c"), testNow)
	require.NoError(t, err)
	assert.Len(t, d.UID, 36)

	other, err := NewDevice("laptop", "AA:BB:CC:DD:EE:08", []byte("c"), testNow)
	require.NoError(t, err)
	assert.NotEqual(t, d.UID, other.UID)

	_, err = NewDevice("laptop", "AA:BB:CC:DD:EE:08", nil, testNow)
	assert.Error(t, err)
	_, err = NewDevice("x", "AA:BB:CC:DD:EE:08", []byte("c"), testNow)
	assert.ErrorIs(t, err, ErrInvalidName)
}
