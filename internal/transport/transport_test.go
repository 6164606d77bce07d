package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ultrablue/internal/tpmcodec"
)

func testOptions() Options {
	return Options{
		ConnectTimeout: 500 * time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}
}

// countingLink records how often Close reaches the underlying link.
type countingLink struct {
	Link
	closes atomic.Int32
}

func (c *countingLink) Close() error {
	c.closes.Add(1)
	return c.Link.Close()
}

func channelPair(t *testing.T, mtu int) (*Channel, *Channel) {
	t.Helper()
	a, b := NewPipe(mtu)
	ca, err := NewChannel(a, testOptions())
	require.NoError(t, err)
	cb, err := NewChannel(b, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "aa:bb:cc:dd:ee:ff", want: "AA:BB:CC:DD:EE:FF"},
		{in: "00:1A:7D:DA:71:13", want: "00:1A:7D:DA:71:13"},
		{in: "00:1A:7D:DA:71:13\n", want: "00:1A:7D:DA:71:13"},
		{in: "00:1A:7D:DA:71:13\x00", want: "00:1A:7D:DA:71:13"},
		{in: "00:1A:7D:DA:71:13\n\n", wantErr: true},
		{in: "00:1A:7D:DA:71:1", wantErr: true},
		{in: "00-1A-7D-DA-71-13", wantErr: true},
		{in: "00:1A:7D:DA:71:1G", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidAddress, "%q", tt.in)
			continue
		}
		require.NoError(t, err, "%q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestRadioLease(t *testing.T) {
	r := NewRadio()
	addr := Address("AA:BB:CC:DD:EE:FF")

	lease, err := r.Lease(addr)
	require.NoError(t, err)
	assert.True(t, r.Held(addr))

	_, err = r.Lease(addr)
	assert.ErrorIs(t, err, ErrSessionBusy)

	other, err := r.Lease("11:22:33:44:55:66")
	require.NoError(t, err)
	other.Release()

	lease.Release()
	lease.Release()
	assert.False(t, r.Held(addr))

	again, err := r.Lease(addr)
	require.NoError(t, err)
	again.Release()
}

func TestRadioConcurrentLeases(t *testing.T) {
	r := NewRadio()
	addr := Address("AA:BB:CC:DD:EE:FF")

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		busy    atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Lease(addr)
			if err == nil {
				granted.Add(1)
			} else if errors.Is(err, ErrSessionBusy) {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
	assert.Equal(t, int32(15), busy.Load())
}

func TestReassemblerArbitrarySplits(t *testing.T) {
	msgs := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0x42}, 1000), []byte("last")}
	var stream []byte
	for _, m := range msgs {
		f, err := EncodeFrame(m)
		require.NoError(t, err)
		stream = append(stream, f...)
	}

	for _, size := range []int{1, 3, 7, 20, 512, len(stream)} {
		r := newReassembler()
		var got [][]byte
		for _, c := range Chunk(stream, size) {
			out, err := r.feed(c)
			require.NoError(t, err)
			got = append(got, out...)
		}
		require.Len(t, got, len(msgs), "chunk size %d", size)
		for i := range msgs {
			assert.True(t, bytes.Equal(msgs[i], got[i]), "chunk size %d message %d", size, i)
		}
		assert.False(t, r.pending())
	}
}

func TestFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, tpmcodec.ErrMalformed)

	r := newReassembler()
	_, err = r.feed([]byte{0xff, 0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestChannelSendReceive(t *testing.T) {
	a, b := channelPair(t, 20)
	ctx := context.Background()

	big := bytes.Repeat([]byte("ultrablue"), 500)
	require.NoError(t, a.Send(ctx, []byte("hello")))
	require.NoError(t, a.Send(ctx, big))

	got, err := b.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = b.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, big, got)

	require.NoError(t, b.Send(ctx, []byte("reply")))
	got, err = a.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), got)
}

func TestChannelReceiveTimeout(t *testing.T) {
	a, _ := channelPair(t, 20)

	start := time.Now()
	_, err := a.Receive(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestChannelReceiveCancelled(t *testing.T) {
	a, _ := channelPair(t, 20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestChannelContextDeadlineIsTimeout(t *testing.T) {
	a, _ := channelPair(t, 20)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Receive(ctx, 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestChannelLinkLost(t *testing.T) {
	a, b := channelPair(t, 20)
	require.NoError(t, b.Close())

	_, err := a.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrLinkLost)

	err = a.Send(context.Background(), []byte("anyone?"))
	assert.ErrorIs(t, err, ErrLinkLost)
}

func TestChannelCloseIdempotent(t *testing.T) {
	near, far := NewPipe(20)
	counted := &countingLink{Link: near}
	ch, err := NewChannel(counted, testOptions())
	require.NoError(t, err)
	defer far.Close()

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, int32(1), counted.closes.Load())
	assert.True(t, ch.Closed())

	_, err = ch.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrLinkLost)
}

func TestChannelSendAfterClosePanics(t *testing.T) {
	a, _ := channelPair(t, 20)
	require.NoError(t, a.Close())

	assert.Panics(t, func() {
		_ = a.Send(context.Background(), []byte("late"))
	})
}

func TestChannelOversizedAnnouncementFailsReceive(t *testing.T) {
	near, far := NewPipe(20)
	ch, err := NewChannel(near, testOptions())
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, far.Write(context.Background(), []byte{0x7f, 0xff, 0xff, 0xff}))
	_, err = ch.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, tpmcodec.ErrMalformed)
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	d := &flakyDialer{failures: 2, attempts: &attempts}

	ch, err := Connect(context.Background(), d, "AA:BB:CC:DD:EE:FF", testOptions())
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, int32(3), attempts.Load())
}

func TestConnectUnreachable(t *testing.T) {
	d := &PipeDialer{Fail: errors.New("connection refused")}

	_, err := Connect(context.Background(), d, "AA:BB:CC:DD:EE:FF", Options{
		ConnectTimeout: 50 * time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestConnectTimeoutWhenDialHangs(t *testing.T) {
	d := dialerFunc(func(ctx context.Context, _ Address) (Link, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := Connect(context.Background(), d, "AA:BB:CC:DD:EE:FF", Options{ConnectTimeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestConnectAdapterOff(t *testing.T) {
	opts := testOptions()
	opts.Probe = staticProbe(false)

	_, err := Connect(context.Background(), &PipeDialer{}, "AA:BB:CC:DD:EE:FF", opts)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Connect(ctx, &PipeDialer{Fail: errors.New("down")}, "AA:BB:CC:DD:EE:FF", testOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipeDialerAccept(t *testing.T) {
	accepted := make(chan Link, 1)
	d := &PipeDialer{MTU: 64, Accept: func(l Link) { accepted <- l }}

	ch, err := Connect(context.Background(), d, "AA:BB:CC:DD:EE:FF", testOptions())
	require.NoError(t, err)
	defer ch.Close()

	far := <-accepted
	server, err := NewChannel(far, testOptions())
	require.NoError(t, err)
	defer server.Close()

	require.NoError(t, ch.Send(context.Background(), []byte("ping")))
	got, err := server.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)
}

type dialerFunc func(ctx context.Context, addr Address) (Link, error)

func (f dialerFunc) Dial(ctx context.Context, addr Address) (Link, error) { return f(ctx, addr) }

type flakyDialer struct {
	failures int32
	attempts *atomic.Int32
}

func (d *flakyDialer) Dial(ctx context.Context, addr Address) (Link, error) {
	if d.attempts.Add(1) <= d.failures {
		return nil, errors.New("le-connection-abort-by-local")
	}
	near, _ := NewPipe(20)
	return near, nil
}

type staticProbe bool

func (p staticProbe) Powered(context.Context) (bool, error) { return bool(p), nil }

func newTestPeripheralLink(queue int) *peripheralLink {
	return &peripheralLink{
		remote:  "11:22:33:44:55:66",
		mtu:     DefaultMTU,
		down:    make(chan struct{}),
		pending: make(chan []byte, queue),
	}
}

func TestPeripheralLinkKeepsOrderAcrossSubscription(t *testing.T) {
	l := newTestPeripheralLink(pipeQueue)
	const n = 500

	var (
		mu  sync.Mutex
		got []byte
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			if err := l.deliver([]byte{byte(i)}); err != nil {
				t.Errorf("deliver %d: %v", i, err)
				return
			}
		}
	}()
	time.Sleep(time.Millisecond)
	if err := l.Notify(func(c []byte) {
		mu.Lock()
		got = append(got, c...)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("received %d chunks, want %d", len(got), n)
	}
	for i, b := range got {
		if b != byte(i) {
			t.Fatalf("chunk %d carries %d", i, b)
		}
	}
}

func TestPeripheralLinkOverflowDisconnects(t *testing.T) {
	l := newTestPeripheralLink(2)
	for i := 0; i < 2; i++ {
		if err := l.deliver([]byte{byte(i)}); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	if err := l.deliver([]byte{2}); !errors.Is(err, ErrLinkLost) {
		t.Fatalf("deliver past the queue: got %v, want ErrLinkLost", err)
	}
	select {
	case <-l.Disconnected():
	default:
		t.Fatal("link still up after overflow")
	}
}
