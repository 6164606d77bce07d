// Package registry persists enrolled devices and the outcome of their last
// attestation. Devices are values; a Registry is the only place they change.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"ultrablue/internal/transport"
)

var (
	ErrNotFound          = errors.New("registry: device not found")
	ErrInvalidName       = errors.New("registry: device name must be 4 to 12 characters")
	ErrAlreadyRegistered = errors.New("registry: address already registered")
	ErrEKChanged         = errors.New("registry: endorsement certificate differs from the registered one")
)

const (
	MinNameLength = 4
	MaxNameLength = 12

	// StatusTimeLayout formats attestation times in StatusLine.
	StatusTimeLayout = "2006-01-02 15:04"

	// SecretSize is the length of the secrets NewSecret generates.
	SecretSize = 32
)

// Device is a registered prover.
type Device struct {
	UID     string
	Name    string
	Address transport.Address
	// EKCert is the DER endorsement certificate recorded at enrollment.
	EKCert []byte

	// LastAttestation is zero if the device was never attested.
	LastAttestation time.Time
	LastSucceeded   bool
	// LastFailure is the failure kind of the last failed attestation.
	LastFailure string

	// PCRBaseline is the expected quote PCR digest, nil if none recorded.
	PCRBaseline []byte
	// Secret is sent back with every successful verdict, nil if the
	// device was enrolled without one.
	Secret    []byte
	CreatedAt time.Time
}

// Attested reports whether the device went through at least one
// attestation.
func (d Device) Attested() bool { return !d.LastAttestation.IsZero() }

// StatusLine formats the last outcome for display: "N/A", "Succeed on
// <time>" or "Failed on <time>". The failure kind is deliberately absent.
func (d Device) StatusLine(loc *time.Location) string {
	if !d.Attested() {
		return "N/A"
	}
	if loc == nil {
		loc = time.Local
	}
	when := d.LastAttestation.In(loc).Format(StatusTimeLayout)
	if d.LastSucceeded {
		return "Succeed on " + when
	}
	return "Failed on " + when
}

func (d Device) clone() Device {
	d.EKCert = append([]byte(nil), d.EKCert...)
	if d.PCRBaseline != nil {
		d.PCRBaseline = append([]byte(nil), d.PCRBaseline...)
	}
	if d.Secret != nil {
		d.Secret = append([]byte(nil), d.Secret...)
	}
	return d
}

// NewSecret returns SecretSize random bytes.
func NewSecret() ([]byte, error) {
	b := make([]byte, SecretSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("registry: generate secret: %w", err)
	}
	return b, nil
}

// ValidateName checks the display name length in characters.
func ValidateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < MinNameLength || n > MaxNameLength {
		return fmt.Errorf("%w: %q has %d", ErrInvalidName, name, n)
	}
	return nil
}

// NewDevice builds a device ready for Register with a fresh UID.
func NewDevice(name string, addr transport.Address, ekCert []byte, now time.Time) (Device, error) {
	if err := ValidateName(name); err != nil {
		return Device{}, err
	}
	if len(ekCert) == 0 {
		return Device{}, errors.New("registry: device has no endorsement certificate")
	}
	return Device{
		UID:       uuid.NewString(),
		Name:      name,
		Address:   addr,
		EKCert:    append([]byte(nil), ekCert...),
		CreatedAt: now,
	}, nil
}

// Outcome is the result of one terminal attestation session.
type Outcome struct {
	At        time.Time
	Succeeded bool
	// Failure is the failure kind, empty on success.
	Failure string
}

// Registry stores devices.
type Registry interface {
	// Register stores a new device. A known address fails with
	// ErrAlreadyRegistered, or ErrEKChanged if the certificate differs.
	Register(ctx context.Context, d Device) error
	Get(ctx context.Context, uid string) (Device, error)
	GetByAddress(ctx context.Context, addr transport.Address) (Device, error)
	// List returns devices in enrollment order.
	List(ctx context.Context) ([]Device, error)
	Rename(ctx context.Context, uid, name string) error
	// RecordOutcome stores the last attestation time and result.
	RecordOutcome(ctx context.Context, uid string, o Outcome) error
	SetBaseline(ctx context.Context, uid string, digest []byte) error
	Delete(ctx context.Context, uid string) error
	Close() error
}
