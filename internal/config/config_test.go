package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ultrablue/internal/protocol"
	"ultrablue/internal/tpmcodec"
)

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ULTRABLUE_CONFIG_DIR", filepath.Join(dir, "config"))
	t.Setenv("ULTRABLUE_DATA_DIR", filepath.Join(dir, "data"))
}

func TestDefaultConfigIsValid(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	sel, err := cfg.Selection()
	require.NoError(t, err)
	assert.True(t, sel.Equal(tpmcodec.DefaultPCRSelection()))

	sc, err := cfg.Session()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, sc.Protocol.RoundTimeout)
	assert.Equal(t, 2*time.Minute, sc.Timeout)
	assert.Equal(t, protocol.BaselineStrict, sc.Protocol.Policy)
	assert.Equal(t, 20*time.Second, sc.Transport.ConnectTimeout)

	assert.Equal(t, filepath.Join(DataDir(), "devices.db"), cfg.Storage.Path)
	assert.Equal(t, "config.toml", filepath.Base(ConfigPath()))
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFormats(t *testing.T) {
	isolate(t)
	files := map[string]string{
		"config.toml": `
version = 1
[protocol]
round_timeout_ms = 5000
pcr_bank = "sha1"
pcrs = [0, 7]
baseline_policy = "enroll"
[storage]
backend = "memory"
`,
		"config.json": `{
  "version": 1,
  "protocol": {"round_timeout_ms": 5000, "pcr_bank": "sha1", "pcrs": [0, 7], "baseline_policy": "enroll"},
  "storage": {"backend": "memory"}
}`,
		"config.yaml": `
version: 1
protocol:
  round_timeout_ms: 5000
  pcr_bank: sha1
  pcrs: [0, 7]
  baseline_policy: enroll
storage:
  backend: memory
`,
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "memory", cfg.Storage.Backend)
			assert.Equal(t, 5000, cfg.Protocol.RoundTimeoutMs)
			assert.Equal(t, []int{0, 7}, cfg.Protocol.PCRs)
			// Unset keys keep their defaults.
			assert.Equal(t, "hci0", cfg.Transport.Adapter)

			sc, err := cfg.Session()
			require.NoError(t, err)
			assert.Equal(t, protocol.BaselineEnroll, sc.Protocol.Policy)
			assert.Equal(t, tpmcodec.HashSHA1, sc.Protocol.Selection[0].Hash)
		})
	}
}

func TestLoadRejectsUnknownTOMLKey(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[protocol]\nround_timeout = 5\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("ULTRABLUE_STORAGE_BACKEND", "memory")
	t.Setenv("ULTRABLUE_ROUND_TIMEOUT_MS", "1500")
	t.Setenv("ULTRABLUE_PCRS", "0, 2,4")
	t.Setenv("ULTRABLUE_BASELINE_POLICY", "enroll")
	t.Setenv("ULTRABLUE_METRICS_ENABLED", "true")
	t.Setenv("ULTRABLUE_SESSION_TIMEOUT_MS", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 1500, cfg.Protocol.RoundTimeoutMs)
	assert.Equal(t, []int{0, 2, 4}, cfg.Protocol.PCRs)
	assert.Equal(t, "enroll", cfg.Protocol.BaselinePolicy)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 120_000, cfg.Protocol.SessionTimeoutMs)
}

func TestValidationErrors(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.Backend = "postgres"
	cfg.Protocol.RoundTimeoutMs = 0
	cfg.Protocol.PCRs = []int{3, 99}
	cfg.Protocol.BaselinePolicy = "sometimes"
	cfg.Transport.MaxBackoffMs = 1
	cfg.Logging.Output = "syslog"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "no-port"

	err := cfg.Validate()
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "%v", err)
	for _, field := range []string{
		"storage.backend",
		"protocol.round_timeout_ms",
		"protocol.pcrs",
		"protocol.baseline_policy",
		"transport.max_backoff_ms",
		"logging.output",
		"metrics.listen",
	} {
		assert.True(t, verrs.Has(field), field)
	}
	assert.False(t, verrs.Has("schema"))
}

func TestSchemaValidation(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	require.NoError(t, validateSchema(cfg))

	cfg.Protocol.PCRs = []int{1, 1}
	assert.Error(t, validateSchema(cfg))
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Protocol.PCRs = []int{0, 4, 7}
	cfg.Metrics.Enabled = true
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoaderReloadKeepsTrustRoots(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Trust.RootsDir = "/etc/ultrablue/roots"
	require.NoError(t, cfg.Save(path))

	l, err := NewLoader(path, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	l.OnChange(func(old, new *Config) {
		calls.Add(1)
		assert.Equal(t, 30_000, old.Protocol.RoundTimeoutMs)
	})

	changed := cfg.Clone()
	changed.Protocol.RoundTimeoutMs = 7000
	changed.Trust.RootsDir = "/tmp/elsewhere"
	require.NoError(t, changed.Save(path))
	require.NoError(t, l.Reload())

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 7000, l.Config().Protocol.RoundTimeoutMs)
	assert.Equal(t, "/etc/ultrablue/roots", l.Config().Trust.RootsDir)

	// An invalid file is rejected and the current config stays.
	require.NoError(t, os.WriteFile(path, []byte("[protocol]\nround_timeout_ms = -1\n"), 0o600))
	assert.Error(t, l.Reload())
	assert.Equal(t, 7000, l.Config().Protocol.RoundTimeoutMs)
}

func TestLoaderWatch(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, DefaultConfig().Save(path))

	l, err := NewLoader(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.Watch(context.Background()))
	defer l.Close()

	reloaded := make(chan int, 4)
	l.OnChange(func(_, new *Config) { reloaded <- new.Protocol.RoundTimeoutMs })

	cfg := DefaultConfig()
	cfg.Protocol.RoundTimeoutMs = 4242
	require.NoError(t, cfg.Save(path))

	select {
	case v := <-reloaded:
		assert.Equal(t, 4242, v)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
