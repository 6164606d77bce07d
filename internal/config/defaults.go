package config

import (
	"os"
	"path/filepath"

	"ultrablue/internal/logging"
)

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    filepath.Join(dir, "devices.db"),
		},
		Trust: TrustConfig{
			RootsDir: filepath.Join(ConfigDir(), "roots"),
		},
		Protocol: ProtocolConfig{
			RoundTimeoutMs:   30_000,
			SessionTimeoutMs: 120_000,
			PCRBank:          "sha256",
			PCRs:             []int{0, 1, 2, 3, 4, 5, 6, 7},
			BaselinePolicy:   "strict",
		},
		Transport: TransportConfig{
			Adapter:          "hci0",
			ConnectTimeoutMs: 20_000,
			SendTimeoutMs:    10_000,
			InitialBackoffMs: 250,
			MaxBackoffMs:     2_000,
			ProbeAdapter:     true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "localhost:9464",
		},
		Prover: ProverConfig{
			IdleTimeoutMs: 60_000,
		},
	}
}

// ConfigDir is ULTRABLUE_CONFIG_DIR, else $XDG_CONFIG_HOME/ultrablue.
func ConfigDir() string {
	if v := os.Getenv(EnvPrefix + "CONFIG_DIR"); v != "" {
		return v
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "ultrablue")
}

// DataDir is ULTRABLUE_DATA_DIR, else $XDG_DATA_HOME/ultrablue.
func DataDir() string {
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		return v
	}
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "ultrablue")
}

// ConfigPath is the default configuration file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}
