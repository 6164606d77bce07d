package transport

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxFrameSize bounds a single message payload.
	MaxFrameSize = 64 * 1024

	frameHeaderSize = 4
)

// EncodeFrame prefixes payload with its 4-byte big-endian length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// Chunk splits frame into writes of at most mtu bytes.
func Chunk(frame []byte, mtu int) [][]byte {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	chunks := make([][]byte, 0, (len(frame)+mtu-1)/mtu)
	for len(frame) > 0 {
		n := min(mtu, len(frame))
		chunks = append(chunks, frame[:n])
		frame = frame[n:]
	}
	return chunks
}

// reassembler rebuilds frames from arbitrarily split chunks.
type reassembler struct {
	buf  []byte
	want int // payload length of the frame in progress, -1 if unknown
}

func newReassembler() *reassembler {
	return &reassembler{want: -1}
}

// feed appends a chunk and returns every payload it completes.
func (r *reassembler) feed(chunk []byte) ([][]byte, error) {
	r.buf = append(r.buf, chunk...)
	var out [][]byte
	for {
		if r.want < 0 {
			if len(r.buf) < frameHeaderSize {
				return out, nil
			}
			n := binary.BigEndian.Uint32(r.buf)
			if n > MaxFrameSize {
				r.buf = nil
				return out, fmt.Errorf("%w: peer announced %d bytes", ErrFrameTooLarge, n)
			}
			r.want = int(n)
			r.buf = r.buf[frameHeaderSize:]
		}
		if len(r.buf) < r.want {
			return out, nil
		}
		payload := make([]byte, r.want)
		copy(payload, r.buf[:r.want])
		out = append(out, payload)
		r.buf = r.buf[r.want:]
		r.want = -1
		if len(r.buf) == 0 {
			r.buf = nil
		}
	}
}

// pending reports whether a partial frame is buffered.
func (r *reassembler) pending() bool {
	return r.want >= 0 || len(r.buf) > 0
}
