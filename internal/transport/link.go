package transport

import (
	"context"
)

// DefaultMTU is the ATT payload size left by the minimum BLE MTU of 23 bytes.
const DefaultMTU = 20

// Link is a connected, bidirectional chunk pipe: one GATT characteristic
// written by the central and notified by the peripheral.
type Link interface {
	// Write sends a single chunk of at most MTU bytes.
	Write(ctx context.Context, chunk []byte) error

	// Notify registers the callback receiving inbound chunks. It is called
	// once, before any Write. The callback may run on any goroutine and must
	// not block for long.
	Notify(handler func(chunk []byte)) error

	// MTU is the maximum chunk size accepted by Write.
	MTU() int

	// Disconnected is closed when the link drops or is closed.
	Disconnected() <-chan struct{}

	// Close tears down the link.
	Close() error
}

// Dialer opens links to peripherals.
type Dialer interface {
	Dial(ctx context.Context, addr Address) (Link, error)
}

// AdapterProbe reports whether the local radio is usable.
type AdapterProbe interface {
	Powered(ctx context.Context) (bool, error)
}
