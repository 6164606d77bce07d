//go:build linux || darwin

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/examples/lib/dev"
)

// BLEDialer connects to ultrablue peripherals as a GATT central.
type BLEDialer struct {
	device ble.Device
	logger *slog.Logger
}

// NewBLEDialer opens the named HCI adapter ("default" or e.g. "hci0" on
// Linux).
func NewBLEDialer(adapter string, logger *slog.Logger) (*BLEDialer, error) {
	d, err := dev.NewDevice(adapter)
	if err != nil {
		return nil, fmt.Errorf("%w: open adapter %q: %v", ErrUnreachable, adapter, err)
	}
	if logger == nil {
		logger = slog.Default().With("component", "ble")
	}
	return &BLEDialer{device: d, logger: logger}, nil
}

// Close stops the local adapter.
func (d *BLEDialer) Close() error {
	return d.device.Stop()
}

// Dial connects to addr, discovers the ultrablue characteristic and
// negotiates the MTU.
func (d *BLEDialer) Dial(ctx context.Context, addr Address) (Link, error) {
	cln, err := d.device.Dial(ctx, ble.NewAddr(addr.String()))
	if err != nil {
		return nil, err
	}

	profile, err := cln.DiscoverProfile(true)
	if err != nil {
		_ = cln.CancelConnection()
		return nil, fmt.Errorf("discover profile: %w", err)
	}
	found := profile.Find(ble.NewCharacteristic(CharacteristicUUID))
	if found == nil {
		_ = cln.CancelConnection()
		return nil, fmt.Errorf("%s does not expose the ultrablue characteristic", addr)
	}
	chr, ok := found.(*ble.Characteristic)
	if !ok {
		_ = cln.CancelConnection()
		return nil, fmt.Errorf("%s: unexpected attribute %T", addr, found)
	}

	mtu := DefaultMTU
	if tx, err := cln.ExchangeMTU(ble.MaxMTU); err == nil && tx-3 > mtu {
		mtu = tx - 3
	} else if err != nil {
		d.logger.Debug("MTU exchange failed, using default", "address", addr.String(), "error", err)
	}

	return &centralLink{client: cln, chr: chr, mtu: mtu}, nil
}

type centralLink struct {
	client ble.Client
	chr    *ble.Characteristic
	mtu    int

	closeOnce sync.Once
	closeErr  error
}

func (l *centralLink) Write(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Write requests are acknowledged, which paces the sender.
	return l.client.WriteCharacteristic(l.chr, chunk, false)
}

func (l *centralLink) Notify(handler func([]byte)) error {
	return l.client.Subscribe(l.chr, false, func(req []byte) {
		handler(append([]byte(nil), req...))
	})
}

func (l *centralLink) MTU() int { return l.mtu }

func (l *centralLink) Disconnected() <-chan struct{} { return l.client.Disconnected() }

func (l *centralLink) Close() error {
	l.closeOnce.Do(func() {
		_ = l.client.Unsubscribe(l.chr, false)
		l.closeErr = l.client.CancelConnection()
	})
	return l.closeErr
}

// Advertise opens the adapter, registers the peripheral's service and
// advertises it under name until ctx ends. ready receives the local
// address, which is what a verifier registers, when the platform reports
// one.
func Advertise(ctx context.Context, adapter, name string, p *Peripheral, ready func(Address)) error {
	d, err := dev.NewDevice(adapter)
	if err != nil {
		return fmt.Errorf("%w: open adapter %q: %v", ErrUnreachable, adapter, err)
	}
	defer d.Stop()

	if err := d.AddService(p.Service()); err != nil {
		return fmt.Errorf("add GATT service: %w", err)
	}
	if ready != nil {
		if addr, ok := localAddress(d); ok {
			ready(addr)
		}
	}

	err = d.AdvertiseNameAndServices(ctx, name, ServiceUUID)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
