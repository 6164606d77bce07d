package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ultrablue/internal/logging"
	"ultrablue/internal/protocol"
	"ultrablue/internal/tpmcodec"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether a field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, v := range e {
		if v.Field == field {
			return true
		}
	}
	return false
}

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "ultrablue://config.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateConfig checks every section, then checks the effective
// configuration against the embedded JSON schema. It returns
// ValidationErrors.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version < 1 || c.Version > Version {
		add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			add("storage.path", "required for the sqlite backend")
		}
	case "memory":
	default:
		add("storage.backend", "must be sqlite or memory, got %q", c.Storage.Backend)
	}

	if c.Protocol.RoundTimeoutMs <= 0 {
		add("protocol.round_timeout_ms", "must be positive")
	}
	if c.Protocol.SessionTimeoutMs < 0 {
		add("protocol.session_timeout_ms", "must not be negative")
	}
	if c.Protocol.SessionTimeoutMs > 0 && c.Protocol.SessionTimeoutMs < c.Protocol.RoundTimeoutMs {
		add("protocol.session_timeout_ms", "must not be shorter than round_timeout_ms")
	}
	if hash, err := tpmcodec.ParseHashAlgorithm(c.Protocol.PCRBank); err != nil {
		add("protocol.pcr_bank", "%v", err)
	} else if _, err := tpmcodec.NewPCRSelection(hash, c.Protocol.PCRs...); err != nil {
		add("protocol.pcrs", "%v", err)
	}
	if _, err := protocol.ParseBaselinePolicy(c.Protocol.BaselinePolicy); err != nil {
		add("protocol.baseline_policy", "%v", err)
	}

	if c.Transport.ConnectTimeoutMs <= 0 {
		add("transport.connect_timeout_ms", "must be positive")
	}
	if c.Transport.InitialBackoffMs <= 0 {
		add("transport.initial_backoff_ms", "must be positive")
	}
	if c.Transport.MaxBackoffMs < c.Transport.InitialBackoffMs {
		add("transport.max_backoff_ms", "must not be below initial_backoff_ms")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		add("logging.format", "%v", err)
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file", "both":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "required when output is %s", c.Logging.Output)
		}
	default:
		add("logging.output", "must be stdout, stderr, file or both, got %q", c.Logging.Output)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			add("metrics.listen", "%v", err)
		}
	}

	if c.Prover.IdleTimeoutMs <= 0 {
		add("prover.idle_timeout_ms", "must be positive")
	}

	if len(errs) == 0 {
		if err := validateSchema(c); err != nil {
			add("schema", "%v", err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateSchema(c *Config) error {
	schema, err := configSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
