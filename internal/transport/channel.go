package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff/v4"
)

// Options tunes channel establishment and I/O.
type Options struct {
	// ConnectTimeout bounds dialing, including retries.
	ConnectTimeout time.Duration

	// SendTimeout bounds a single Send. Zero means only the caller's
	// context applies.
	SendTimeout time.Duration

	// InitialBackoff and MaxBackoff shape the dial retry schedule.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Probe, when set, is consulted before dialing.
	Probe AdapterProbe

	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultOptions returns the timeouts used by the CLI.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 20 * time.Second,
		SendTimeout:    10 * time.Second,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default().With("component", "transport")
	}
	return o
}

// inboxSize is the number of reassembled messages buffered ahead of Receive.
const inboxSize = 32

// Channel is a framed, ordered message pipe over a Link.
type Channel struct {
	link        Link
	clock       clock.Clock
	logger      *slog.Logger
	sendTimeout time.Duration

	mu    sync.Mutex
	reasm *reassembler

	inbox chan []byte

	failed   chan struct{}
	failOnce sync.Once
	failErr  error

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Connect dials addr and wraps the resulting link in a Channel. Dial errors
// are retried with exponential backoff until opts.ConnectTimeout elapses. It
// fails with ErrUnreachable or ErrTimeout; if ctx itself ends first, its error
// is returned.
func Connect(ctx context.Context, d Dialer, addr Address, opts Options) (*Channel, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("address", addr.String())

	if opts.Probe != nil {
		powered, err := opts.Probe.Powered(ctx)
		switch {
		case err != nil:
			logger.Debug("adapter probe failed", "error", err)
		case !powered:
			return nil, fmt.Errorf("%w: bluetooth adapter is powered off", ErrUnreachable)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff
	b.MaxElapsedTime = 0

	var (
		link    Link
		lastErr error
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		l, err := d.Dial(cctx, addr)
		if err != nil {
			lastErr = err
			logger.Debug("dial failed", "attempt", attempt, "error", err)
			return err
		}
		link = l
		return nil
	}, backoff.WithContext(b, cctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cctx.Err() != nil && (lastErr == nil || errors.Is(lastErr, context.DeadlineExceeded)) {
			return nil, fmt.Errorf("%w: connecting to %s", ErrTimeout, addr)
		}
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrUnreachable, addr, attempt, lastErr)
	}

	ch, err := NewChannel(link, opts)
	if err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	logger.Debug("connected", "attempts", attempt, "mtu", link.MTU())
	return ch, nil
}

// NewChannel wraps an established link, such as one accepted by a
// peripheral.
func NewChannel(link Link, opts Options) (*Channel, error) {
	opts = opts.withDefaults()
	c := &Channel{
		link:        link,
		clock:       opts.Clock,
		logger:      opts.Logger,
		sendTimeout: opts.SendTimeout,
		reasm:       newReassembler(),
		inbox:       make(chan []byte, inboxSize),
		failed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	if err := link.Notify(c.onChunk); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return c, nil
}

func (c *Channel) onChunk(chunk []byte) {
	c.mu.Lock()
	payloads, err := c.reasm.feed(chunk)
	c.mu.Unlock()

	for _, p := range payloads {
		select {
		case c.inbox <- p:
		case <-c.done:
			return
		}
	}
	if err != nil {
		c.fail(err)
	}
}

func (c *Channel) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		close(c.failed)
	})
}

// Send frames payload and writes it chunk by chunk. It fails with
// ErrLinkLost or ErrTimeout. Sending on a closed channel panics.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		panic("transport: send on closed channel")
	}
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}

	for _, chunk := range Chunk(frame, c.link.MTU()) {
		select {
		case <-c.link.Disconnected():
			return ErrLinkLost
		default:
		}
		if ctx.Err() != nil {
			return contextError(ctx)
		}
		if err := c.link.Write(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return contextError(ctx)
			}
			if errors.Is(err, ErrLinkLost) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrLinkLost, err)
		}
	}
	return nil
}

// Receive returns the next complete message. It waits at most timeout (no
// limit if zero) and fails with ErrTimeout, ErrLinkLost, or the frame error
// that broke reassembly. Cancelling ctx returns context.Canceled.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case p := <-c.inbox:
		return p, nil
	default:
	}
	if c.closed.Load() {
		return nil, ErrLinkLost
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := c.clock.Timer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case p := <-c.inbox:
		return p, nil
	case <-c.failed:
		return nil, c.failErr
	case <-c.link.Disconnected():
		select {
		case p := <-c.inbox:
			return p, nil
		default:
		}
		return nil, ErrLinkLost
	case <-c.done:
		return nil, ErrLinkLost
	case <-expired:
		return nil, fmt.Errorf("%w: no message within %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, contextError(ctx)
	}
}

// Close releases the link. It is idempotent; the link is closed exactly once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.mu.Lock()
		partial := c.reasm.pending()
		c.mu.Unlock()
		if partial {
			c.logger.Debug("closing with a partial frame buffered")
		}
		c.closeErr = c.link.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// contextError maps a finished context onto the transport taxonomy:
// deadlines become ErrTimeout, cancellation is returned unchanged.
func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
