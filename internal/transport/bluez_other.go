//go:build !linux

package transport

// NewAdapterProbe returns nil: adapter state is only observable through BlueZ.
func NewAdapterProbe(string) AdapterProbe {
	return nil
}
