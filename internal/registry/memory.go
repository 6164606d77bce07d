package registry

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"ultrablue/internal/transport"
)

// Memory is a Registry held in process memory.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]Device
	seq     map[string]int
	next    int
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]Device),
		seq:     make(map[string]int),
	}
}

func (m *Memory) Register(_ context.Context, d Device) error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.devices {
		if existing.Address == d.Address {
			if !bytes.Equal(existing.EKCert, d.EKCert) {
				return ErrEKChanged
			}
			return ErrAlreadyRegistered
		}
	}
	if _, ok := m.devices[d.UID]; ok {
		return ErrAlreadyRegistered
	}
	m.devices[d.UID] = d.clone()
	m.next++
	m.seq[d.UID] = m.next
	return nil
}

func (m *Memory) Get(_ context.Context, uid string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[uid]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d.clone(), nil
}

func (m *Memory) GetByAddress(_ context.Context, addr transport.Address) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.Address == addr {
			return d.clone(), nil
		}
	}
	return Device{}, ErrNotFound
}

func (m *Memory) List(_ context.Context) ([]Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].UID] < m.seq[out[j].UID] })
	return out, nil
}

func (m *Memory) update(uid string, fn func(*Device)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[uid]
	if !ok {
		return ErrNotFound
	}
	fn(&d)
	m.devices[uid] = d
	return nil
}

func (m *Memory) Rename(_ context.Context, uid, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return m.update(uid, func(d *Device) { d.Name = name })
}

func (m *Memory) RecordOutcome(_ context.Context, uid string, o Outcome) error {
	return m.update(uid, func(d *Device) {
		d.LastAttestation = o.At
		d.LastSucceeded = o.Succeeded
		d.LastFailure = o.Failure
		if o.Succeeded {
			d.LastFailure = ""
		}
	})
}

func (m *Memory) SetBaseline(_ context.Context, uid string, digest []byte) error {
	return m.update(uid, func(d *Device) { d.PCRBaseline = append([]byte(nil), digest...) })
}

func (m *Memory) Delete(_ context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[uid]; !ok {
		return ErrNotFound
	}
	delete(m.devices, uid)
	delete(m.seq, uid)
	return nil
}

func (m *Memory) Close() error { return nil }
