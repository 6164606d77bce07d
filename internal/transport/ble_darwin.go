//go:build darwin

package transport

import "github.com/go-ble/ble"

// CoreBluetooth does not expose the local adapter address.
func localAddress(ble.Device) (Address, bool) { return "", false }
