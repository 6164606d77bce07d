//go:build linux

package transport

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// localAddress reads the public address of the HCI controller behind d.
func localAddress(d ble.Device) (Address, bool) {
	ld, ok := d.(*linux.Device)
	if !ok || ld.HCI == nil {
		return "", false
	}
	addr, err := ParseAddress(ld.HCI.Addr().String())
	if err != nil {
		return "", false
	}
	return addr, true
}
