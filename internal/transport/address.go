package transport

import (
	"fmt"
	"strings"
	"sync"
)

// Address is a normalized BLE device address, XX:XX:XX:XX:XX:XX in upper case.
type Address string

func (a Address) String() string { return string(a) }

// ParseAddress validates a BLE address as scanned from a registration QR
// code. The 17-character form is accepted, optionally followed by a single
// newline or NUL terminator.
func ParseAddress(s string) (Address, error) {
	if len(s) == 18 && (s[17] == '\n' || s[17] == 0) {
		s = s[:17]
	}
	if len(s) != 17 {
		return "", fmt.Errorf("%w: %q has %d characters", ErrInvalidAddress, s, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%3 == 2 {
			if c != ':' {
				return "", fmt.Errorf("%w: %q: expected ':' at offset %d", ErrInvalidAddress, s, i)
			}
			continue
		}
		if !isHex(c) {
			return "", fmt.Errorf("%w: %q: bad hex digit at offset %d", ErrInvalidAddress, s, i)
		}
	}
	return Address(strings.ToUpper(s)), nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// Radio hands out exclusive leases on addresses so that at most one session
// talks to a device at a time. Leases are not queued.
type Radio struct {
	mu   sync.Mutex
	held map[Address]struct{}
}

// NewRadio returns a Radio with no leases held.
func NewRadio() *Radio {
	return &Radio{held: make(map[Address]struct{})}
}

// Lease reserves addr, failing with ErrSessionBusy if it is already held.
func (r *Radio) Lease(addr Address) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.held[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, addr)
	}
	r.held[addr] = struct{}{}
	return &Lease{radio: r, addr: addr}, nil
}

// Held reports whether addr is currently leased.
func (r *Radio) Held(addr Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[addr]
	return ok
}

// Lease is an exclusive claim on an address.
type Lease struct {
	radio *Radio
	addr  Address
	once  sync.Once
}

// Address returns the leased address.
func (l *Lease) Address() Address { return l.addr }

// Release returns the address to the radio. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.radio.mu.Lock()
		delete(l.radio.held, l.addr)
		l.radio.mu.Unlock()
	})
}
