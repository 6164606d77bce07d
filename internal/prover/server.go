package prover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ultrablue/internal/message"
	"ultrablue/internal/tpmcodec"
	"ultrablue/internal/transport"
)

// Conn is the message channel the server answers on. *transport.Channel
// implements it.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// ErrNoVerdict is returned by Serve when the verifier went away without
// announcing a verdict.
var ErrNoVerdict = errors.New("prover: session ended without a verdict")

// Server answers one verifier at a time from a TPM.
type Server struct {
	tpm         TPM
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewServer returns a server backed by tpm. Each wait for the next request
// is bounded by idleTimeout.
func NewServer(tpm TPM, idleTimeout time.Duration, logger *slog.Logger) *Server {
	if idleTimeout <= 0 {
		idleTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default().With("component", "prover")
	}
	return &Server{tpm: tpm, idleTimeout: idleTimeout, logger: logger}
}

// Serve handles requests on conn until the verifier sends its verdict,
// which is returned. A secret carried by a successful verdict is extended
// into SecretPCR. Any other end of the session is an error.
func (s *Server) Serve(ctx context.Context, conn Conn) (bool, error) {
	for {
		payload, err := conn.Receive(ctx, s.idleTimeout)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrNoVerdict, err)
		}
		req, err := message.Unmarshal(payload)
		if err != nil {
			s.logger.Warn("dropping malformed request", "error", err)
			if err := s.reply(ctx, conn, &message.Error{Reason: "malformed request"}); err != nil {
				return false, err
			}
			continue
		}
		if v, ok := req.(*message.Verdict); ok {
			s.logger.Info("verdict received", "succeeded", v.Succeeded)
			if v.Succeeded && len(v.Secret) > 0 {
				if err := s.tpm.Extend(SecretPCR, v.Secret); err != nil {
					return true, fmt.Errorf("prover: measure secret: %w", err)
				}
				s.logger.Debug("secret measured", "pcr", SecretPCR)
			}
			return v.Succeeded, nil
		}

		s.logger.Debug("request", "type", req.Type().String())
		resp, err := s.handle(req)
		if err != nil {
			s.logger.Warn("request failed", "type", req.Type().String(), "error", err)
			resp = &message.Error{Reason: err.Error()}
		}
		if err := s.reply(ctx, conn, resp); err != nil {
			return false, err
		}
	}
}

// ServeLink serves one session on an accepted link and closes it.
func (s *Server) ServeLink(ctx context.Context, link transport.Link, opts transport.Options) (bool, error) {
	ch, err := transport.NewChannel(link, opts)
	if err != nil {
		_ = link.Close()
		return false, err
	}
	defer ch.Close()
	return s.Serve(ctx, ch)
}

func (s *Server) handle(req message.Message) (message.Message, error) {
	switch req := req.(type) {
	case *message.EKRequest:
		cert, err := s.tpm.EndorsementCertificate()
		if err != nil {
			return nil, err
		}
		pub, err := s.tpm.EndorsementPublic()
		if err != nil {
			return nil, err
		}
		return &message.EKResponse{Cert: cert, Public: tpmcodec.EncodePublic(pub)}, nil

	case *message.AKRequest:
		pub, err := s.tpm.AttestationPublic()
		if err != nil {
			return nil, err
		}
		return &message.AKResponse{Public: tpmcodec.EncodePublic(pub)}, nil

	case *message.ActivationChallenge:
		secret, err := s.tpm.ActivateCredential(req.Credential, req.Secret)
		if err != nil {
			return nil, err
		}
		return &message.ActivationResponse{Secret: secret}, nil

	case *message.QuoteRequest:
		q, err := s.tpm.Quote(req.Nonce, req.Selection)
		if err != nil {
			return nil, err
		}
		return &message.QuoteResponse{
			Attest:    q.Attest,
			Signature: q.Signature,
			PCRValues: message.PCRValuesFromMap(q.Values),
		}, nil

	default:
		return nil, fmt.Errorf("unexpected %s", req.Type())
	}
}

func (s *Server) reply(ctx context.Context, conn Conn, m message.Message) error {
	payload, err := message.Marshal(m)
	if err != nil {
		return fmt.Errorf("prover: encode %s: %w", m.Type(), err)
	}
	return conn.Send(ctx, payload)
}
