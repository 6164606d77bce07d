package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"ultrablue/internal/ekcert"
	"ultrablue/internal/logging"
	"ultrablue/internal/protocol"
	"ultrablue/internal/prover"
	"ultrablue/internal/registry"
	"ultrablue/internal/session"
	"ultrablue/internal/transport"
)

const selftestAddr transport.Address = "02:00:00:00:00:01"

// cmdSelftest runs enrollment and two attestations against a software TPM
// over an in-process link. The second attestation follows a PCR extension
// and must be rejected.
func cmdSelftest(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("selftest", flag.ContinueOnError)
	pcr := fs.Int("pcr", 7, "PCR to extend before the last attestation")
	if err := fs.Parse(args); err != nil {
		return usageError("selftest [-pcr 7]")
	}

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}
	logger, err := logging.New(&logging.Config{Level: level, Format: logging.FormatText, Output: "stderr", Component: "selftest"})
	if err != nil {
		return err
	}
	defer logger.Close()

	auth, err := prover.NewAuthority("Ultrablue Selftest Root", nil)
	if err != nil {
		return fmt.Errorf("create authority: %w", err)
	}
	sim, err := prover.NewSoftwareTPM(auth, nil)
	if err != nil {
		return fmt.Errorf("create software TPM: %w", err)
	}
	defer sim.Close()

	server := prover.NewServer(sim, 10*time.Second, logger.WithComponent("prover").Logger)
	dialer := &transport.PipeDialer{
		MTU: transport.DefaultMTU,
		Accept: func(l transport.Link) {
			if _, err := server.ServeLink(ctx, l, transport.Options{}); err != nil {
				logger.Debug("prover session ended", "error", err)
			}
		},
	}

	cfg := session.DefaultConfig()
	cfg.Protocol.RoundTimeout = 10 * time.Second
	cfg.Timeout = 30 * time.Second
	reg := registry.NewMemory()
	defer reg.Close()
	orch := session.New(reg, dialer, ekcert.NewValidator(auth.TrustStore(), nil), session.Options{
		Config: cfg,
		Logger: logger.WithComponent("session").Logger,
	})

	enrolled, err := orch.Enroll(ctx, selftestAddr, "selftest")
	if err != nil {
		return fmt.Errorf("enroll: %w", err)
	}
	fmt.Fprintf(out, "enroll      ok    %s\n", enrolled.Device.UID)

	if _, err := orch.Attest(ctx, enrolled.Device.UID); err != nil {
		return fmt.Errorf("attest: %w", err)
	}
	fmt.Fprintln(out, "attest      ok")

	if err := sim.Extend(*pcr, []byte("ultrablue selftest")); err != nil {
		return err
	}
	_, err = orch.Attest(ctx, enrolled.Device.UID)
	var f protocol.Failed
	if !errors.As(err, &f) || f.Kind != protocol.KindPCRMismatch {
		return fmt.Errorf("attest after extending PCR %d: expected %s, got %v", *pcr, protocol.KindPCRMismatch, err)
	}
	fmt.Fprintf(out, "tampered    ok    rejected (%s)\n", f.Kind)
	return nil
}
