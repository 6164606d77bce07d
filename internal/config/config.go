// Package config handles configuration loading and validation for the
// ultrablue verifier and prover daemon.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"ultrablue/internal/logging"
	"ultrablue/internal/protocol"
	"ultrablue/internal/security"
	"ultrablue/internal/session"
	"ultrablue/internal/tpmcodec"
	"ultrablue/internal/transport"
)

// Version is the current configuration format version.
const Version = 1

// Config is the complete configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Storage   StorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Trust     TrustConfig     `toml:"trust" json:"trust" yaml:"trust"`
	Protocol  ProtocolConfig  `toml:"protocol" json:"protocol" yaml:"protocol"`
	Transport TransportConfig `toml:"transport" json:"transport" yaml:"transport"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics" json:"metrics" yaml:"metrics"`
	Prover    ProverConfig    `toml:"prover" json:"prover" yaml:"prover"`
}

// StorageConfig selects the device registry.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// TrustConfig locates the EK manufacturer roots.
type TrustConfig struct {
	// RootsDir holds PEM or DER root and intermediate certificates. It is
	// read once at startup.
	RootsDir string `toml:"roots_dir" json:"roots_dir" yaml:"roots_dir"`
}

// ProtocolConfig tunes the attestation handshake.
type ProtocolConfig struct {
	RoundTimeoutMs   int    `toml:"round_timeout_ms" json:"round_timeout_ms" yaml:"round_timeout_ms"`
	SessionTimeoutMs int    `toml:"session_timeout_ms" json:"session_timeout_ms" yaml:"session_timeout_ms"`
	PCRBank          string `toml:"pcr_bank" json:"pcr_bank" yaml:"pcr_bank"`
	PCRs             []int  `toml:"pcrs" json:"pcrs" yaml:"pcrs"`

	// BaselinePolicy is "strict" (the default) or "enroll".
	BaselinePolicy string `toml:"baseline_policy" json:"baseline_policy" yaml:"baseline_policy"`
}

// TransportConfig tunes BLE connections.
type TransportConfig struct {
	Adapter          string `toml:"adapter" json:"adapter" yaml:"adapter"`
	ConnectTimeoutMs int    `toml:"connect_timeout_ms" json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	SendTimeoutMs    int    `toml:"send_timeout_ms" json:"send_timeout_ms" yaml:"send_timeout_ms"`
	InitialBackoffMs int    `toml:"initial_backoff_ms" json:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMs     int    `toml:"max_backoff_ms" json:"max_backoff_ms" yaml:"max_backoff_ms"`

	// ProbeAdapter checks over D-Bus that the adapter is powered before
	// dialing.
	ProbeAdapter bool `toml:"probe_adapter" json:"probe_adapter" yaml:"probe_adapter"`
}

type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// ProverConfig configures the prover daemon.
type ProverConfig struct {
	// Device is the TPM character device; empty tries the usual paths.
	Device        string `toml:"device" json:"device" yaml:"device"`
	IdleTimeoutMs int    `toml:"idle_timeout_ms" json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Selection returns the configured PCR selection.
func (c *Config) Selection() (tpmcodec.PCRSelection, error) {
	hash, err := tpmcodec.ParseHashAlgorithm(c.Protocol.PCRBank)
	if err != nil {
		return nil, err
	}
	return tpmcodec.NewPCRSelection(hash, c.Protocol.PCRs...)
}

// Session returns the settings an orchestrator applies to new sessions.
func (c *Config) Session() (session.Config, error) {
	sel, err := c.Selection()
	if err != nil {
		return session.Config{}, err
	}
	policy, err := protocol.ParseBaselinePolicy(c.Protocol.BaselinePolicy)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Protocol: protocol.Config{
			RoundTimeout: ms(c.Protocol.RoundTimeoutMs),
			Selection:    sel,
			Policy:       policy,
		},
		Transport: c.TransportOptions(),
		Timeout:   ms(c.Protocol.SessionTimeoutMs),
	}, nil
}

// TransportOptions returns channel options without a probe; callers that
// set ProbeAdapter attach one.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		ConnectTimeout: ms(c.Transport.ConnectTimeoutMs),
		SendTimeout:    ms(c.Transport.SendTimeoutMs),
		InitialBackoff: ms(c.Transport.InitialBackoffMs),
		MaxBackoff:     ms(c.Transport.MaxBackoffMs),
	}
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxBackups: c.Logging.MaxBackups,
		Component:  component,
	}, nil
}

// ProverIdleTimeout bounds the prover's wait for the next request.
func (c *Config) ProverIdleTimeout() time.Duration { return ms(c.Prover.IdleTimeoutMs) }

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Protocol.PCRs = append([]int(nil), c.Protocol.PCRs...)
	return &out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{}
	if c.Storage.Backend == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, security.PermSecretDir); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Save writes c as TOML.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return security.WriteSecretFile(path, buf.Bytes())
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ULTRABLUE_"

// ApplyEnvOverrides applies ULTRABLUE_* environment variables. Malformed
// numeric values are ignored.
func (c *Config) ApplyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_PATH", &c.Storage.Path)
	str("TRUST_ROOTS_DIR", &c.Trust.RootsDir)

	num("ROUND_TIMEOUT_MS", &c.Protocol.RoundTimeoutMs)
	num("SESSION_TIMEOUT_MS", &c.Protocol.SessionTimeoutMs)
	str("PCR_BANK", &c.Protocol.PCRBank)
	str("BASELINE_POLICY", &c.Protocol.BaselinePolicy)
	if v := os.Getenv(EnvPrefix + "PCRS"); v != "" {
		if pcrs, err := parseIntList(v); err == nil {
			c.Protocol.PCRs = pcrs
		}
	}

	str("ADAPTER", &c.Transport.Adapter)
	num("CONNECT_TIMEOUT_MS", &c.Transport.ConnectTimeoutMs)
	flag("PROBE_ADAPTER", &c.Transport.ProbeAdapter)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("LOG_FILE", &c.Logging.FilePath)

	flag("METRICS_ENABLED", &c.Metrics.Enabled)
	str("METRICS_LISTEN", &c.Metrics.Listen)

	str("TPM_DEVICE", &c.Prover.Device)
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
