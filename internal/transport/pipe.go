package transport

import (
	"context"
	"fmt"
	"sync"
)

// pipeQueue bounds chunks in flight from one end of a pipe to the other.
const pipeQueue = 1024

// NewPipe returns two connected in-memory links with the given MTU. Chunks
// written to one end are delivered asynchronously, in order, to the other
// end's notification handler. Closing either end disconnects both.
func NewPipe(mtu int) (Link, Link) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	shared := &pipeState{down: make(chan struct{})}
	a := newPipeEnd(mtu, shared)
	b := newPipeEnd(mtu, shared)
	a.peer, b.peer = b, a
	return a, b
}

type pipeState struct {
	once sync.Once
	down chan struct{}
}

func (s *pipeState) disconnect() {
	s.once.Do(func() { close(s.down) })
}

type pipeEnd struct {
	mtu    int
	shared *pipeState
	peer   *pipeEnd
	queue  chan []byte

	notifyOnce sync.Once
}

func newPipeEnd(mtu int, shared *pipeState) *pipeEnd {
	return &pipeEnd{
		mtu:    mtu,
		shared: shared,
		queue:  make(chan []byte, pipeQueue),
	}
}

func (p *pipeEnd) Write(ctx context.Context, chunk []byte) error {
	if len(chunk) > p.mtu {
		return fmt.Errorf("transport: chunk of %d bytes exceeds MTU %d", len(chunk), p.mtu)
	}
	buf := append([]byte(nil), chunk...)
	select {
	case <-p.shared.down:
		return ErrLinkLost
	default:
	}
	select {
	case p.peer.queue <- buf:
		return nil
	case <-p.shared.down:
		return ErrLinkLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Notify(handler func([]byte)) error {
	started := false
	p.notifyOnce.Do(func() {
		started = true
		go p.pump(handler)
	})
	if !started {
		return fmt.Errorf("transport: handler already registered")
	}
	return nil
}

func (p *pipeEnd) pump(handler func([]byte)) {
	for {
		select {
		case chunk := <-p.queue:
			handler(chunk)
		case <-p.shared.down:
			// Deliver what was written before the disconnect.
			for {
				select {
				case chunk := <-p.queue:
					handler(chunk)
				default:
					return
				}
			}
		}
	}
}

func (p *pipeEnd) MTU() int { return p.mtu }

func (p *pipeEnd) Disconnected() <-chan struct{} { return p.shared.down }

func (p *pipeEnd) Close() error {
	p.shared.disconnect()
	return nil
}

// PipeDialer dials in-memory pipes. Each successful Dial hands the far end
// to Accept on its own goroutine.
type PipeDialer struct {
	MTU    int
	Accept func(Link)

	// Fail, when set, is returned by every Dial.
	Fail error
}

func (d *PipeDialer) Dial(ctx context.Context, addr Address) (Link, error) {
	if d.Fail != nil {
		return nil, d.Fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	near, far := NewPipe(d.MTU)
	if d.Accept != nil {
		go d.Accept(far)
	}
	return near, nil
}
