package transport

import "github.com/go-ble/ble"

var (
	// ServiceUUID identifies the ultrablue GATT service.
	ServiceUUID = ble.MustParse("ebee1789-50b3-4943-8396-16c0b7231cad")

	// CharacteristicUUID is the single characteristic carrying frames:
	// written by the verifier, notified by the prover.
	CharacteristicUUID = ble.MustParse("ebee1790-50b3-4943-8396-16c0b7231cad")
)
