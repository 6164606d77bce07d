// Package session runs attestation sessions end to end: it leases the
// device address, connects, drives the protocol machine and records the
// outcome in the registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"

	"ultrablue/internal/ekcert"
	"ultrablue/internal/metrics"
	"ultrablue/internal/protocol"
	"ultrablue/internal/registry"
	"ultrablue/internal/transport"
)

const (
	ModeAttest = "attest"
	ModeEnroll = "enroll"
)

// ConnectError reports a session that never got a channel to the device.
// Such sessions leave no trace in the registry.
type ConnectError struct {
	Address transport.Address
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Config is the part of the configuration a session snapshots when it
// starts.
type Config struct {
	Protocol  protocol.Config
	Transport transport.Options

	// Timeout bounds a whole session once connected. Zero means no bound
	// beyond the per-round timeouts.
	Timeout time.Duration
}

// DefaultConfig returns the protocol and transport defaults with a two
// minute session bound.
func DefaultConfig() Config {
	return Config{
		Protocol:  protocol.DefaultConfig(),
		Transport: transport.DefaultOptions(),
		Timeout:   2 * time.Minute,
	}
}

// Result is what a terminal session produced.
type Result struct {
	// Device is the registry record after the outcome was stored.
	Device registry.Device
	// Final is Succeeded or Failed.
	Final protocol.State
}

// Options carries the optional collaborators of an Orchestrator.
type Options struct {
	Config  Config
	Radio   *transport.Radio
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Orchestrator runs sessions against devices. It is safe for concurrent
// use; sessions on different addresses are independent.
type Orchestrator struct {
	registry  registry.Registry
	dialer    transport.Dialer
	validator *ekcert.Validator
	radio     *transport.Radio
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

// New returns an orchestrator storing outcomes in reg.
func New(reg registry.Registry, dialer transport.Dialer, validator *ekcert.Validator, opts Options) *Orchestrator {
	if opts.Radio == nil {
		opts.Radio = transport.NewRadio()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "session")
	}
	if opts.Config.Protocol.RoundTimeout == 0 && len(opts.Config.Protocol.Selection) == 0 {
		opts.Config = DefaultConfig()
	}
	return &Orchestrator{
		registry:  reg,
		dialer:    dialer,
		validator: validator,
		radio:     opts.Radio,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		cfg:       opts.Config,
	}
}

// SetConfig replaces the configuration used by sessions started afterwards.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Attest runs a session against the registered device uid and stores its
// outcome. The returned error is nil only if the device attested
// successfully; a protocol failure is returned as a protocol.Failed value.
func (o *Orchestrator) Attest(ctx context.Context, uid string) (Result, error) {
	dev, err := o.registry.Get(ctx, uid)
	if err != nil {
		return Result{}, err
	}
	cfg := o.config()
	expect := protocol.Expect{EKCert: dev.EKCert, Baseline: dev.PCRBaseline, Secret: dev.Secret}

	final, err := o.run(ctx, ModeAttest, dev.Address, cfg, expect)
	if err != nil {
		return Result{Device: dev}, err
	}

	outcome := registry.Outcome{At: o.clock.Now()}
	switch s := final.(type) {
	case protocol.Succeeded:
		outcome.Succeeded = true
		if s.NewBaseline != nil {
			if err := o.registry.SetBaseline(ctx, uid, s.NewBaseline); err != nil {
				return Result{Device: dev, Final: final}, fmt.Errorf("record baseline: %w", err)
			}
		}
	case protocol.Failed:
		outcome.Failure = s.Kind.String()
	}
	if err := o.registry.RecordOutcome(ctx, uid, outcome); err != nil {
		return Result{Device: dev, Final: final}, fmt.Errorf("record outcome: %w", err)
	}

	dev, err = o.registry.Get(ctx, uid)
	if err != nil {
		return Result{Final: final}, err
	}
	return Result{Device: dev, Final: final}, failure(final)
}

// Enroll pairs a new device at addr under name. The device is registered
// only if the session succeeds, with the quoted digest as its baseline and
// a fresh secret that every successful verdict carries back to it.
func (o *Orchestrator) Enroll(ctx context.Context, addr transport.Address, name string) (Result, error) {
	if err := registry.ValidateName(name); err != nil {
		return Result{}, err
	}
	if _, err := o.registry.GetByAddress(ctx, addr); err == nil {
		return Result{}, fmt.Errorf("%w: %s", registry.ErrAlreadyRegistered, addr)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return Result{}, err
	}

	cfg := o.config()
	cfg.Protocol.Policy = protocol.BaselineEnroll
	secret, err := registry.NewSecret()
	if err != nil {
		return Result{}, err
	}

	final, err := o.run(ctx, ModeEnroll, addr, cfg, protocol.Expect{Secret: secret})
	if err != nil {
		return Result{}, err
	}
	ok, succeeded := final.(protocol.Succeeded)
	if !succeeded {
		return Result{Final: final}, failure(final)
	}

	now := o.clock.Now()
	dev, err := registry.NewDevice(name, addr, ok.EKCert, now)
	if err != nil {
		return Result{Final: final}, err
	}
	dev.LastAttestation = now
	dev.LastSucceeded = true
	dev.PCRBaseline = ok.NewBaseline
	dev.Secret = secret
	if err := o.registry.Register(ctx, dev); err != nil {
		return Result{Final: final}, fmt.Errorf("register device: %w", err)
	}
	return Result{Device: dev, Final: final}, nil
}

// run leases addr, connects and drives one machine to a terminal state.
// A non-nil error means the session must not be recorded: the address was
// busy, the connection failed or dropped before the first request, or ctx
// was cancelled.
func (o *Orchestrator) run(ctx context.Context, mode string, addr transport.Address, cfg Config, expect protocol.Expect) (protocol.State, error) {
	id := uuid.NewString()
	logger := o.logger.With("session", id, "address", addr.String(), "mode", mode)

	lease, err := o.radio.Lease(addr)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	start := time.Now()
	o.metrics.SessionStarted(mode)
	outcome, kind := "aborted", ""
	defer func() {
		o.metrics.SessionEnded(mode, outcome, kind, time.Since(start))
	}()

	if cfg.Transport.Logger == nil {
		cfg.Transport.Logger = logger
	}
	ch, err := transport.Connect(ctx, o.dialer, addr, cfg.Transport)
	if err != nil {
		logger.Warn("connect failed", "error", err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrCancelled, ctx.Err())
		}
		return nil, &ConnectError{Address: addr, Err: err}
	}
	defer ch.Close()

	sctx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	logger.Debug("session started")
	final := protocol.NewMachine(ch, o.validator, cfg.Protocol, expect, logger).Run(sctx)

	if f, ok := final.(protocol.Failed); ok {
		if f.Kind == protocol.KindCancelled || errors.Is(ctx.Err(), context.Canceled) {
			outcome = "cancelled"
			logger.Info("session cancelled", "state", f.From)
			return nil, fmt.Errorf("%w: in %s", protocol.ErrCancelled, f.From)
		}
		if f.From == (protocol.Idle{}).Name() {
			// Nothing reached the prover; treat it like a failed connect.
			outcome = "unreachable"
			logger.Warn("link failed before the first request", "error", f.Err)
			return nil, &ConnectError{Address: addr, Err: f}
		}
		outcome, kind = "failed", f.Kind.String()
		return final, nil
	}
	outcome = "succeeded"
	return final, nil
}

func failure(final protocol.State) error {
	if f, ok := final.(protocol.Failed); ok {
		return f
	}
	return nil
}
