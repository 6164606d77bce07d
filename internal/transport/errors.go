// Package transport carries framed messages between a verifier and a prover
// over a BLE GATT characteristic, or over an in-memory pipe in tests.
//
// A Link moves raw chunks of at most MTU bytes. A Channel sits on top of a
// Link, splits outbound messages into frames and chunks, and reassembles
// inbound notifications into whole messages delivered in order to blocking
// Receive calls.
package transport

import (
	"errors"

	"ultrablue/internal/tpmcodec"
)

var (
	// ErrUnreachable is returned when no connection could be established.
	ErrUnreachable = errors.New("transport: device unreachable")

	// ErrTimeout is returned when an operation exceeded its deadline.
	ErrTimeout = errors.New("transport: timed out")

	// ErrLinkLost is returned when the link dropped mid-session.
	ErrLinkLost = errors.New("transport: link lost")

	// ErrSessionBusy is returned when an address already has an active session.
	ErrSessionBusy = errors.New("transport: session already active for address")

	// ErrFrameTooLarge is returned for frames above MaxFrameSize. It is a
	// codec error.
	ErrFrameTooLarge = frameTooLarge{}

	// ErrInvalidAddress is returned by ParseAddress.
	ErrInvalidAddress = errors.New("transport: invalid BLE address")
)

type frameTooLarge struct{}

func (frameTooLarge) Error() string { return "transport: frame too large" }

func (frameTooLarge) Is(target error) bool { return target == tpmcodec.ErrMalformed }
