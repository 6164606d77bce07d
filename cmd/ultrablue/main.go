// ultrablue is the verifier CLI: it enrolls TPM devices over Bluetooth Low
// Energy, attests them and manages the device registry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ultrablue/internal/config"
	"ultrablue/internal/ekcert"
	"ultrablue/internal/health"
	"ultrablue/internal/logging"
	"ultrablue/internal/metrics"
	"ultrablue/internal/registry"
	"ultrablue/internal/session"
	"ultrablue/internal/transport"
)

var (
	configPath = flag.String("config", "", "path to config file")
	verbose    = flag.Bool("v", false, "log at debug level")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var usageErr usageError
		if errors.As(err, &usageErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return "usage: ultrablue " + string(e) }

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "selftest":
		return cmdSelftest(ctx, args, out)
	case "help":
		usage()
		return nil
	}

	a, err := newApp(ctx, out)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "list":
		return a.cmdList(ctx)
	case "show":
		if len(args) != 1 {
			return usageError("show <device>")
		}
		return a.cmdShow(ctx, args[0])
	case "rename":
		if len(args) != 2 {
			return usageError("rename <device> <name>")
		}
		return a.cmdRename(ctx, args[0], args[1])
	case "delete":
		if len(args) != 1 {
			return usageError("delete <device>")
		}
		return a.cmdDelete(ctx, args[0])
	case "enroll":
		if len(args) != 2 {
			return usageError("enroll <address> <name>")
		}
		return a.cmdEnroll(ctx, args[0], args[1])
	case "attest":
		return a.cmdAttest(ctx, args)
	case "monitor":
		return a.cmdMonitor(ctx, args)
	default:
		usage()
		return usageError(fmt.Sprintf("unknown command %q", cmd))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ultrablue - TPM remote attestation over Bluetooth Low Energy

Usage: ultrablue [options] <command> [args]

Commands:
  enroll <address> <name>   Pair a new device (address from its QR code)
  attest <device>...        Attest registered devices (-all for every device)
  monitor                   Attest every device periodically
  list                      List registered devices and their last status
  show <device>             Show a device record
  rename <device> <name>    Rename a device (4 to 12 characters)
  delete <device>           Remove a device
  selftest                  Run a loopback session against a software TPM
  help                      Show this help message

A device is named by its UID or its display name.

Options:
  -config <path>  Path to config file (default: ~/.config/ultrablue/config.toml)
  -v              Log at debug level`)
}

// app holds what every registry-backed command needs.
type app struct {
	cfg     *config.Config
	cfgPath string
	logger  *logging.Logger
	reg     registry.Registry
	metrics *metrics.Metrics
	out     io.Writer

	closers []func() error
}

func newApp(ctx context.Context, out io.Writer) (*app, error) {
	a := &app{out: out}
	if err := a.setup(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// setup loads the configuration and opens what the commands share. On
// failure everything opened so far is closed again.
func (a *app) setup(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			a.Close()
			a.closers = nil
		}
	}()

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg, a.cfgPath = cfg, path

	if err := a.setupLogging(cfg); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	switch cfg.Storage.Backend {
	case "memory":
		a.reg = registry.NewMemory()
	default:
		db, err := registry.OpenSQLite(ctx, cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		a.reg = db
	}
	a.closers = append(a.closers, a.reg.Close)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		checker := health.NewChecker(nil)
		checker.Register(&health.Component{Name: "registry", Critical: true, Check: health.RegistryCheck(a.reg)})
		if cfg.Transport.ProbeAdapter {
			checker.Register(&health.Component{
				Name:  "adapter",
				Check: health.AdapterCheck(transport.NewAdapterProbe(cfg.Transport.Adapter)),
			})
		}
		routes := map[string]http.Handler{"/healthz": checker.Handler()}
		go func() {
			if err := a.metrics.Serve(ctx, cfg.Metrics.Listen, a.logger.WithComponent("metrics").Logger, routes); err != nil {
				a.logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}
	return nil
}

func (a *app) setupLogging(cfg *config.Config) error {
	lc, err := cfg.LoggerConfig("ultrablue")
	if err != nil {
		return err
	}
	if *verbose {
		lc.Level = logging.LevelDebug
	}
	l, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(l)
	a.logger = l
	a.closers = append(a.closers, l.Close)
	return nil
}

// orchestrator wires the BLE dialer and the configured trust roots.
func (a *app) orchestrator() (*session.Orchestrator, error) {
	store, err := ekcert.LoadTrustStore(a.cfg.Trust.RootsDir)
	if err != nil {
		return nil, fmt.Errorf("load trust roots: %w", err)
	}
	a.logger.Debug("trust roots loaded", "count", store.Len())

	dialer, err := transport.NewBLEDialer(a.cfg.Transport.Adapter, a.logger.WithComponent("ble").Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, dialer.Close)

	sc, err := a.sessionConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	return session.New(a.reg, dialer, ekcert.NewValidator(store, nil), session.Options{
		Config:  sc,
		Metrics: a.metrics,
		Logger:  a.logger.WithComponent("session").Logger,
	}), nil
}

func (a *app) sessionConfig(cfg *config.Config) (session.Config, error) {
	sc, err := cfg.Session()
	if err != nil {
		return session.Config{}, err
	}
	if cfg.Transport.ProbeAdapter {
		sc.Transport.Probe = transport.NewAdapterProbe(cfg.Transport.Adapter)
	}
	return sc, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
