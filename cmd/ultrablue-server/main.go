// ultrablue-server is the prover daemon. It advertises the ultrablue GATT
// service and answers attestation sessions from its TPM, one verifier at a
// time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ultrablue/internal/config"
	"ultrablue/internal/logging"
	"ultrablue/internal/prover"
	"ultrablue/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	device := flag.String("device", "", "TPM device (default from config)")
	simulate := flag.String("simulate", "", "use a software TPM and write its root certificate to this path")
	name := flag.String("name", "ultrablue", "advertised device name")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *device, *simulate, *name, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, device, simulate, name string, verbose bool) error {
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	lc, err := cfg.LoggerConfig("ultrablue-server")
	if err != nil {
		return err
	}
	if verbose {
		lc.Level = logging.LevelDebug
	}
	logger, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	tpm, err := openTPM(cfg, device, simulate)
	if err != nil {
		return err
	}
	defer tpm.Close()
	logger.Info("TPM ready", "manufacturer", tpm.Manufacturer())

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	periph := transport.NewPeripheral(logger.WithComponent("peripheral").Logger)
	go func() {
		err := transport.Advertise(ctx, cfg.Transport.Adapter, name, periph, func(addr transport.Address) {
			fmt.Printf("Advertising as %q at %s\n", name, addr)
		})
		if err != nil {
			cancel(fmt.Errorf("advertise: %w", err))
		}
	}()

	server := prover.NewServer(tpm, cfg.ProverIdleTimeout(), logger.WithComponent("prover").Logger)
	for {
		link, err := periph.Accept(ctx)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		opts := cfg.TransportOptions()
		opts.Logger = logger.WithComponent("channel").Logger
		ok, err := server.ServeLink(ctx, link, opts)
		switch {
		case err != nil:
			logger.Warn("session ended", "error", err)
		case ok:
			logger.Info("attestation succeeded")
		default:
			logger.Warn("attestation failed")
		}
	}
}

func openTPM(cfg *config.Config, device, simulate string) (prover.TPM, error) {
	if simulate != "" {
		auth, err := prover.NewAuthority("Ultrablue Simulated EK Root", nil)
		if err != nil {
			return nil, err
		}
		if err := auth.WriteRoot(simulate); err != nil {
			return nil, fmt.Errorf("write root certificate: %w", err)
		}
		return prover.NewSoftwareTPM(auth, nil)
	}

	if device == "" {
		device = cfg.Prover.Device
	}
	tpm, err := prover.OpenHardwareTPM(device)
	if err != nil {
		if errors.Is(err, prover.ErrTPMNotAvailable) {
			return nil, fmt.Errorf("%w (use -simulate to run with a software TPM)", err)
		}
		return nil, err
	}
	return tpm, nil
}
