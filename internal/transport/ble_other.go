//go:build !linux && !darwin

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
)

// BLEDialer is unavailable on this platform.
type BLEDialer struct{}

func NewBLEDialer(string, *slog.Logger) (*BLEDialer, error) {
	return nil, fmt.Errorf("%w: no BLE stack on %s", ErrUnreachable, runtime.GOOS)
}

func (*BLEDialer) Close() error { return nil }

func (*BLEDialer) Dial(context.Context, Address) (Link, error) {
	return nil, ErrUnreachable
}

func Advertise(context.Context, string, string, *Peripheral, func(Address)) error {
	return fmt.Errorf("%w: no BLE stack on %s", ErrUnreachable, runtime.GOOS)
}
