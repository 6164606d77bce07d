package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-ble/ble"
)

// Peripheral serves the ultrablue characteristic as a GATT server and turns
// each subscribed central into a Link. One central is served at a time;
// writes from any other connection are ignored.
type Peripheral struct {
	logger *slog.Logger
	links  chan *peripheralLink

	mu      sync.Mutex
	current *peripheralLink
}

// NewPeripheral returns a peripheral with no connected central.
func NewPeripheral(logger *slog.Logger) *Peripheral {
	if logger == nil {
		logger = slog.Default().With("component", "peripheral")
	}
	return &Peripheral{
		logger: logger,
		links:  make(chan *peripheralLink),
	}
}

// Service builds the GATT service to register with ble.AddService.
func (p *Peripheral) Service() *ble.Service {
	svc := ble.NewService(ServiceUUID)
	chr := svc.NewCharacteristic(CharacteristicUUID)
	chr.HandleWrite(ble.WriteHandlerFunc(p.handleWrite))
	chr.HandleNotify(ble.NotifyHandlerFunc(p.handleNotify))
	return svc
}

// Accept blocks until a central subscribes to the characteristic.
func (p *Peripheral) Accept(ctx context.Context) (Link, error) {
	select {
	case l := <-p.links:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Peripheral) handleNotify(req ble.Request, n ble.Notifier) {
	remote := req.Conn().RemoteAddr().String()

	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		p.logger.Warn("rejecting second central", "remote", remote)
		return
	}
	mtu := n.Cap()
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	l := &peripheralLink{
		remote:   remote,
		notifier: n,
		mtu:      mtu,
		down:     make(chan struct{}),
		pending:  make(chan []byte, pipeQueue),
	}
	p.current = l
	p.mu.Unlock()

	p.logger.Info("central subscribed", "remote", remote, "mtu", mtu)

	defer func() {
		p.mu.Lock()
		if p.current == l {
			p.current = nil
		}
		p.mu.Unlock()
		l.disconnect()
		p.logger.Info("central gone", "remote", remote)
	}()

	select {
	case p.links <- l:
	case <-n.Context().Done():
		return
	}

	// The notifier is only valid while this handler runs.
	select {
	case <-n.Context().Done():
	case <-l.down:
	}
}

func (p *Peripheral) handleWrite(req ble.Request, rsp ble.ResponseWriter) {
	p.mu.Lock()
	l := p.current
	p.mu.Unlock()

	if l == nil || l.remote != req.Conn().RemoteAddr().String() {
		rsp.SetStatus(ble.ErrWriteNotPerm)
		return
	}
	if err := l.deliver(append([]byte(nil), req.Data()...)); err != nil {
		p.logger.Warn("dropping central", "remote", l.remote, "error", err)
		rsp.SetStatus(ble.ErrInsuffResources)
	}
}

type peripheralLink struct {
	remote   string
	notifier ble.Notifier
	mtu      int

	mu      sync.Mutex
	handler func([]byte)
	pending chan []byte

	downOnce sync.Once
	down     chan struct{}
}

// deliver hands chunk to the handler, or queues it until Notify registers
// one. The lock is held throughout so no chunk overtakes the queued ones.
// A full queue disconnects the link: a lost chunk would corrupt reassembly.
func (l *peripheralLink) deliver(chunk []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler != nil {
		l.handler(chunk)
		return nil
	}
	select {
	case l.pending <- chunk:
		return nil
	default:
		l.disconnect()
		return fmt.Errorf("%w: %d chunks queued before subscription", ErrLinkLost, cap(l.pending))
	}
}

func (l *peripheralLink) Write(ctx context.Context, chunk []byte) error {
	if len(chunk) > l.mtu {
		return fmt.Errorf("transport: chunk of %d bytes exceeds MTU %d", len(chunk), l.mtu)
	}
	select {
	case <-l.down:
		return ErrLinkLost
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := l.notifier.Write(chunk); err != nil {
		return fmt.Errorf("%w: notify: %v", ErrLinkLost, err)
	}
	return nil
}

func (l *peripheralLink) Notify(handler func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler != nil {
		return fmt.Errorf("transport: handler already registered")
	}
drain:
	for {
		select {
		case chunk := <-l.pending:
			handler(chunk)
		default:
			break drain
		}
	}
	l.handler = handler
	return nil
}

func (l *peripheralLink) MTU() int { return l.mtu }

func (l *peripheralLink) Disconnected() <-chan struct{} { return l.down }

func (l *peripheralLink) disconnect() {
	l.downOnce.Do(func() { close(l.down) })
}

func (l *peripheralLink) Close() error {
	l.disconnect()
	return l.notifier.Close()
}
