package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ultrablue/internal/config"
	"ultrablue/internal/prover"
	"ultrablue/internal/registry"
)

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ULTRABLUE_CONFIG_DIR", filepath.Join(dir, "config"))
	t.Setenv("ULTRABLUE_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("ULTRABLUE_LOG_LEVEL", "error")
}

// seed registers a device backed by a fresh software TPM in the sqlite
// registry the CLI opens by default.
func seed(t *testing.T, name string) registry.Device {
	t.Helper()
	auth, err := prover.NewAuthority("CLI Test Root", nil)
	require.NoError(t, err)
	sim, err := prover.NewSoftwareTPM(auth, nil)
	require.NoError(t, err)
	defer sim.Close()
	cert, err := sim.EndorsementCertificate()
	require.NoError(t, err)

	ctx := context.Background()
	path := config.DefaultConfig().Storage.Path
	db, err := registry.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	d, err := registry.NewDevice(name, "AA:BB:CC:DD:EE:01", cert, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, db.Register(ctx, d))
	return d
}

func runCmd(t *testing.T, cmd string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), cmd, args, &out)
	return out.String(), err
}

func TestListEmpty(t *testing.T) {
	isolate(t)
	out, err := runCmd(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No devices registered")
}

func TestRegistryCommands(t *testing.T) {
	isolate(t)
	d := seed(t, "laptop")

	out, err := runCmd(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, d.UID)
	assert.Contains(t, out, "laptop")
	assert.Contains(t, out, "N/A")

	out, err = runCmd(t, "show", "laptop")
	require.NoError(t, err)
	assert.Contains(t, out, "UID:        "+d.UID)
	assert.Contains(t, out, "Baseline:   none")
	assert.Contains(t, out, "CLI Test Root")

	_, err = runCmd(t, "rename", d.UID, "desktop")
	require.NoError(t, err)
	out, err = runCmd(t, "show", "desktop")
	require.NoError(t, err)
	assert.Contains(t, out, "Name:       desktop")

	_, err = runCmd(t, "rename", "desktop", "x")
	assert.ErrorIs(t, err, registry.ErrInvalidName)

	_, err = runCmd(t, "delete", "desktop")
	require.NoError(t, err)
	_, err = runCmd(t, "show", d.UID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestEnrollRejectsBadAddress(t *testing.T) {
	isolate(t)
	_, err := runCmd(t, "enroll", "not-an-address", "laptop")
	assert.Error(t, err)
}

func TestUsageErrors(t *testing.T) {
	isolate(t)
	for _, tc := range [][]string{
		{"show"},
		{"rename", "one"},
		{"enroll", "AA:BB:CC:DD:EE:FF"},
		{"attest"},
		{"bogus"},
	} {
		_, err := runCmd(t, tc[0], tc[1:]...)
		var usage usageError
		assert.True(t, errors.As(err, &usage), "%v: %v", tc, err)
	}
}

func TestSelftest(t *testing.T) {
	out, err := runCmd(t, "selftest")
	require.NoError(t, err)
	assert.Contains(t, out, "enroll      ok")
	assert.Contains(t, out, "attest      ok")
	assert.Contains(t, out, "rejected (pcr_mismatch)")
}

func TestSetupFailureClosesWhatWasOpened(t *testing.T) {
	isolate(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	t.Setenv("ULTRABLUE_STORAGE_BACKEND", "sqlite")
	t.Setenv("ULTRABLUE_STORAGE_PATH", filepath.Join(blocker, "db", "devices.db"))

	closed := 0
	a := &app{out: io.Discard, closers: []func() error{func() error { closed++; return nil }}}
	require.Error(t, a.setup(context.Background()))
	assert.Equal(t, 1, closed)
	assert.Empty(t, a.closers)

	_, err := newApp(context.Background(), io.Discard)
	assert.Error(t, err)
}
