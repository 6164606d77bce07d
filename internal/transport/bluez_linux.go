//go:build linux

package transport

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName        = "org.bluez"
	bluezAdapterPowered = "org.bluez.Adapter1.Powered"
)

// BlueZProbe asks bluetoothd over the system bus whether an adapter is
// powered.
type BlueZProbe struct {
	// Adapter is the HCI device name, e.g. "hci0".
	Adapter string
}

// NewAdapterProbe returns a probe for the named adapter. "default" and the
// empty string select hci0.
func NewAdapterProbe(adapter string) AdapterProbe {
	if adapter == "" || adapter == "default" {
		adapter = "hci0"
	}
	return &BlueZProbe{Adapter: adapter}
}

func (p *BlueZProbe) Powered(ctx context.Context) (bool, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	path := dbus.ObjectPath("/org/bluez/" + p.Adapter)
	v, err := conn.Object(bluezBusName, path).GetProperty(bluezAdapterPowered)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", bluezAdapterPowered, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%s has type %s", bluezAdapterPowered, v.Signature())
	}
	return powered, nil
}
