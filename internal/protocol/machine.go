package protocol

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"time"

	"ultrablue/internal/ekcert"
	"ultrablue/internal/message"
	"ultrablue/internal/tpmcodec"
)

// Conn is the message channel a Machine talks over. *transport.Channel
// implements it.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Config tunes a Machine.
type Config struct {
	// RoundTimeout bounds each wait for a prover message.
	RoundTimeout time.Duration

	// Selection is the PCR selection requested in the quote.
	Selection tpmcodec.PCRSelection

	// Policy applies when Expect.Baseline is empty.
	Policy BaselinePolicy

	// Rand sources nonces and credential secrets. Defaults to crypto/rand.
	Rand io.Reader
}

// DefaultConfig requests SHA-256 PCRs 0-7 with a 30 second round timeout
// and a strict baseline policy.
func DefaultConfig() Config {
	return Config{
		RoundTimeout: 30 * time.Second,
		Selection:    tpmcodec.DefaultPCRSelection(),
		Policy:       BaselineStrict,
	}
}

// Expect holds what is already known about the device.
type Expect struct {
	// EKCert, when set, must equal the certificate the prover presents.
	EKCert []byte
	// Baseline is the expected quote PCR digest.
	Baseline []byte
	// Secret is returned to the prover with a successful verdict.
	Secret []byte
}

// verdictTimeout bounds the best-effort verdict notification.
const verdictTimeout = 2 * time.Second

// Machine drives one attestation over a Conn.
type Machine struct {
	conn      Conn
	validator *ekcert.Validator
	cfg       Config
	expect    Expect
	logger    *slog.Logger
}

// NewMachine returns a machine ready to Run.
func NewMachine(conn Conn, validator *ekcert.Validator, cfg Config, expect Expect, logger *slog.Logger) *Machine {
	if len(cfg.Selection) == 0 {
		cfg.Selection = tpmcodec.DefaultPCRSelection()
	}
	if logger == nil {
		logger = slog.Default().With("component", "protocol")
	}
	return &Machine{
		conn:      conn,
		validator: validator,
		cfg:       cfg,
		expect:    expect,
		logger:    logger,
	}
}

// Run drives the handshake from Idle to a terminal state. It never returns
// an intermediate state. Once a verdict is reached and the link is still
// usable, the prover is notified of it on a best-effort basis.
func (m *Machine) Run(ctx context.Context) State {
	final := m.run(ctx)

	if f, ok := final.(Failed); ok {
		m.logger.Warn("attestation failed", "state", f.From, "kind", f.Kind.String(), "error", f.Err)
		if !f.Kind.Transient() {
			m.notify(ctx, false)
		}
		return final
	}
	m.logger.Info("attestation succeeded")
	m.notify(ctx, true)
	return final
}

func (m *Machine) run(ctx context.Context) State {
	var cur State = Idle{}
	fail := func(target State, err error) State {
		return Failed{From: cur.Name(), Target: target.Name(), Kind: Classify(err), Err: err}
	}

	ekReq, err := m.RequestEK(ctx, Idle{})
	if err != nil {
		return fail(EKRequested{}, err)
	}
	cur = m.advance(cur, ekReq)

	ekv, err := m.ValidateEK(ctx, ekReq)
	if err != nil {
		return fail(EKValidated{}, err)
	}
	cur = m.advance(cur, ekv)

	akp, err := m.ProvisionAK(ctx, ekv)
	if err != nil {
		return fail(AKProvisioned{}, err)
	}
	cur = m.advance(cur, akp)

	ch, err := m.Challenge(ctx, akp)
	if err != nil {
		return fail(Challenged{}, err)
	}
	cur = m.advance(cur, ch)

	qr, err := m.AwaitQuote(ctx, ch)
	if err != nil {
		return fail(QuoteReceived{}, err)
	}
	cur = m.advance(cur, qr)

	v, err := m.Verify(qr)
	if err != nil {
		return fail(Verified{}, err)
	}
	cur = m.advance(cur, v)

	done := m.Finish(v)
	m.advance(cur, done)
	return done
}

func (m *Machine) advance(from, to State) State {
	m.logger.Debug("transition", "from", from.Name(), "to", to.Name())
	return to
}

// RequestEK asks the prover for its endorsement key.
func (m *Machine) RequestEK(ctx context.Context, _ Idle) (EKRequested, error) {
	if err := m.send(ctx, &message.EKRequest{}); err != nil {
		return EKRequested{}, err
	}
	return EKRequested{}, nil
}

// ValidateEK receives the EK certificate and public area, validates the
// certificate, checks that both carry the same key and, for a known device,
// that the certificate has not changed.
func (m *Machine) ValidateEK(ctx context.Context, _ EKRequested) (EKValidated, error) {
	msg, err := m.receive(ctx, message.TypeEKResponse)
	if err != nil {
		return EKValidated{}, err
	}
	resp := msg.(*message.EKResponse)

	if len(m.expect.EKCert) > 0 && !bytes.Equal(m.expect.EKCert, resp.Cert) {
		return EKValidated{}, ErrEKChanged
	}
	res, err := m.validator.Validate(resp.Cert)
	if err != nil {
		return EKValidated{}, err
	}
	pub, err := tpmcodec.DecodePublic(resp.Public)
	if err != nil {
		return EKValidated{}, err
	}
	if err := ekcert.MatchPublic(res, pub); err != nil {
		return EKValidated{}, err
	}
	return EKValidated{EKCert: resp.Cert, EK: res, EKPublic: pub}, nil
}

// ProvisionAK obtains an attestation key and proves, through credential
// activation, that it resides in the same TPM as the EK.
func (m *Machine) ProvisionAK(ctx context.Context, s EKValidated) (AKProvisioned, error) {
	if err := m.send(ctx, &message.AKRequest{}); err != nil {
		return AKProvisioned{}, err
	}
	msg, err := m.receive(ctx, message.TypeAKResponse)
	if err != nil {
		return AKProvisioned{}, err
	}
	akPub, err := tpmcodec.DecodePublic(msg.(*message.AKResponse).Public)
	if err != nil {
		return AKProvisioned{}, err
	}
	if err := tpmcodec.CheckAttestationKey(akPub); err != nil {
		return AKProvisioned{}, fmt.Errorf("%w: %v", ErrActivationFailed, err)
	}
	akKey, err := tpmcodec.PublicKey(akPub)
	if err != nil {
		return AKProvisioned{}, err
	}
	akName, err := tpmcodec.Name(akPub)
	if err != nil {
		return AKProvisioned{}, tpmcodec.Malformed("%v", err)
	}

	cred, err := MakeCredential(m.cfg.Rand, s.EKPublic, akName)
	if err != nil {
		return AKProvisioned{}, err
	}
	if err := m.send(ctx, &message.ActivationChallenge{Credential: cred.Blob, Secret: cred.Encrypted}); err != nil {
		return AKProvisioned{}, err
	}
	msg, err = m.receive(ctx, message.TypeActivationResponse)
	if err != nil {
		return AKProvisioned{}, err
	}
	if subtle.ConstantTimeCompare(msg.(*message.ActivationResponse).Secret, cred.Secret) != 1 {
		return AKProvisioned{}, fmt.Errorf("%w: recovered secret does not match", ErrActivationFailed)
	}

	return AKProvisioned{
		EKValidated: s,
		AKPublic:    akPub,
		AKKey:       akKey,
		AKName:      akName,
	}, nil
}

// Challenge sends a fresh nonce and the PCR selection to quote.
func (m *Machine) Challenge(ctx context.Context, s AKProvisioned) (Challenged, error) {
	nonce, err := NewNonce(m.cfg.Rand)
	if err != nil {
		return Challenged{}, err
	}
	if err := m.send(ctx, &message.QuoteRequest{Nonce: nonce, Selection: m.cfg.Selection}); err != nil {
		return Challenged{}, err
	}
	return Challenged{AKProvisioned: s, Nonce: nonce, Selection: m.cfg.Selection}, nil
}

// AwaitQuote waits for the quote response.
func (m *Machine) AwaitQuote(ctx context.Context, s Challenged) (QuoteReceived, error) {
	msg, err := m.receive(ctx, message.TypeQuoteResponse)
	if err != nil {
		return QuoteReceived{}, err
	}
	return QuoteReceived{Challenged: s, Response: msg.(*message.QuoteResponse)}, nil
}

// Verify checks the quote and applies the baseline policy.
func (m *Machine) Verify(s QuoteReceived) (Verified, error) {
	quote, err := VerifyQuote(QuoteCheck{
		AKKey:     s.AKKey,
		Nonce:     s.Nonce,
		Selection: s.Selection,
		Response:  s.Response,
	})
	if err != nil {
		return Verified{}, err
	}
	newBaseline, err := CheckBaseline(quote, m.expect.Baseline, m.cfg.Policy)
	if err != nil {
		return Verified{}, err
	}
	return Verified{QuoteReceived: s, Quote: quote, NewBaseline: newBaseline}, nil
}

// Finish accepts a verified quote.
func (m *Machine) Finish(s Verified) Succeeded {
	return Succeeded{Verified: s}
}

func (m *Machine) notify(ctx context.Context, succeeded bool) {
	ctx, cancel := context.WithTimeout(ctx, verdictTimeout)
	defer cancel()
	v := &message.Verdict{Succeeded: succeeded}
	if succeeded {
		v.Secret = m.expect.Secret
	}
	if err := m.send(ctx, v); err != nil {
		m.logger.Debug("verdict notification not delivered", "error", err)
	}
}

func (m *Machine) send(ctx context.Context, msg message.Message) error {
	payload, err := message.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: encode %s: %w", msg.Type(), err)
	}
	return m.conn.Send(ctx, payload)
}

func (m *Machine) receive(ctx context.Context, want message.Type) (message.Message, error) {
	payload, err := m.conn.Receive(ctx, m.cfg.RoundTimeout)
	if err != nil {
		return nil, err
	}
	msg, err := message.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	if e, ok := msg.(*message.Error); ok {
		return nil, fmt.Errorf("%w: prover refused %s: %s", ErrUnexpectedState, want, e.Reason)
	}
	if msg.Type() != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedState, msg.Type(), want)
	}
	return msg, nil
}
