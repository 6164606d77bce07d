package main

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"text/tabwriter"
	"time"

	"ultrablue/internal/config"
	"ultrablue/internal/protocol"
	"ultrablue/internal/registry"
	"ultrablue/internal/session"
	"ultrablue/internal/transport"
)

const displayTime = "2006-01-02 15:04"

// resolve finds a device by UID, then by display name.
func (a *app) resolve(ctx context.Context, ref string) (registry.Device, error) {
	d, err := a.reg.Get(ctx, ref)
	if err == nil || !errors.Is(err, registry.ErrNotFound) {
		return d, err
	}
	devices, err := a.reg.List(ctx)
	if err != nil {
		return registry.Device{}, err
	}
	var matches []registry.Device
	for _, d := range devices {
		if d.Name == ref {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return registry.Device{}, fmt.Errorf("%w: %s", registry.ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return registry.Device{}, fmt.Errorf("%d devices are named %q, use a UID", len(matches), ref)
	}
}

func (a *app) cmdList(ctx context.Context) error {
	devices, err := a.reg.List(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(a.out, "No devices registered")
		return nil
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tNAME\tADDRESS\tSTATUS")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.UID, d.Name, d.Address, d.StatusLine(time.Local))
	}
	return w.Flush()
}

func (a *app) cmdShow(ctx context.Context, ref string) error {
	d, err := a.resolve(ctx, ref)
	if err != nil {
		return err
	}
	printDevice(a, d)
	return nil
}

func printDevice(a *app, d registry.Device) {
	fmt.Fprintf(a.out, "Name:       %s\n", d.Name)
	fmt.Fprintf(a.out, "UID:        %s\n", d.UID)
	fmt.Fprintf(a.out, "Address:    %s\n", d.Address)
	fmt.Fprintf(a.out, "Enrolled:   %s\n", d.CreatedAt.Local().Format(displayTime))
	fmt.Fprintf(a.out, "Status:     %s\n", d.StatusLine(time.Local))
	if d.LastFailure != "" {
		fmt.Fprintf(a.out, "Failure:    %s\n", d.LastFailure)
	}
	if d.PCRBaseline != nil {
		fmt.Fprintf(a.out, "Baseline:   %s\n", hex.EncodeToString(d.PCRBaseline))
	} else {
		fmt.Fprintln(a.out, "Baseline:   none")
	}
	if d.Secret != nil {
		fmt.Fprintln(a.out, "Secret:     set")
	} else {
		fmt.Fprintln(a.out, "Secret:     none")
	}

	cert, err := x509.ParseCertificate(d.EKCert)
	if err != nil {
		fmt.Fprintf(a.out, "EK cert:    unparseable (%v)\n", err)
		return
	}
	fmt.Fprintf(a.out, "EK issuer:  %s\n", cert.Issuer)
	fmt.Fprintf(a.out, "EK expires: %s\n", cert.NotAfter.Local().Format(displayTime))
}

func (a *app) cmdRename(ctx context.Context, ref, name string) error {
	d, err := a.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if err := a.reg.Rename(ctx, d.UID, name); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Renamed %s to %s\n", d.Name, name)
	return nil
}

func (a *app) cmdDelete(ctx context.Context, ref string) error {
	d, err := a.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if err := a.reg.Delete(ctx, d.UID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted %s (%s)\n", d.Name, d.UID)
	return nil
}

func (a *app) cmdEnroll(ctx context.Context, rawAddr, name string) error {
	addr, err := transport.ParseAddress(rawAddr)
	if err != nil {
		return err
	}
	if err := registry.ValidateName(name); err != nil {
		return err
	}
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	res, err := orch.Enroll(ctx, addr, name)
	if err != nil {
		return describeFailure("enrollment", err)
	}
	fmt.Fprintf(a.out, "Enrolled %s (%s)\n", res.Device.Name, res.Device.UID)
	printDevice(a, res.Device)
	return nil
}

func (a *app) cmdAttest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("attest", flag.ContinueOnError)
	all := fs.Bool("all", false, "attest every registered device")
	if err := fs.Parse(args); err != nil {
		return usageError("attest [-all] <device>...")
	}
	if !*all && fs.NArg() == 0 {
		return usageError("attest [-all] <device>...")
	}

	var devices []registry.Device
	if *all {
		list, err := a.reg.List(ctx)
		if err != nil {
			return err
		}
		devices = list
	} else {
		for _, ref := range fs.Args() {
			d, err := a.resolve(ctx, ref)
			if err != nil {
				return err
			}
			devices = append(devices, d)
		}
	}

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	return a.attestAll(ctx, orch, devices)
}

func (a *app) attestAll(ctx context.Context, orch *session.Orchestrator, devices []registry.Device) error {
	failed := 0
	for _, d := range devices {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := orch.Attest(ctx, d.UID)
		if err != nil {
			failed++
			fmt.Fprintf(a.out, "%-12s %v\n", d.Name, describeFailure("attestation", err))
			continue
		}
		fmt.Fprintf(a.out, "%-12s %s\n", d.Name, res.Device.StatusLine(time.Local))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d attestations failed", failed, len(devices))
	}
	return nil
}

func (a *app) cmdMonitor(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	interval := fs.Duration("interval", 15*time.Minute, "time between attestation rounds")
	if err := fs.Parse(args); err != nil || *interval <= 0 {
		return usageError("monitor [-interval 15m]")
	}

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}

	loader, err := config.NewLoader(a.cfgPath, a.logger.WithComponent("config").Logger)
	if err != nil {
		return err
	}
	loader.OnChange(func(_, cfg *config.Config) {
		sc, err := a.sessionConfig(cfg)
		if err != nil {
			a.logger.Warn("ignoring reloaded session settings", "error", err)
			return
		}
		orch.SetConfig(sc)
	})
	if err := loader.Watch(ctx); err != nil {
		a.logger.Warn("config changes will not be picked up", "error", err)
	} else {
		defer loader.Close()
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		devices, err := a.reg.List(ctx)
		if err != nil {
			return err
		}
		if err := a.attestAll(ctx, orch, devices); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("attestation round finished with failures", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// describeFailure names the failure kind of a session error.
func describeFailure(what string, err error) error {
	var cerr *session.ConnectError
	if errors.As(err, &cerr) {
		return fmt.Errorf("%s not attempted, device unreachable: %w", what, err)
	}
	var f protocol.Failed
	if errors.As(err, &f) {
		return fmt.Errorf("%s failed (%s): %w", what, f.Kind, err)
	}
	return err
}
