package console

// maxBufferBytes clamps a detached session's replay buffer.
const maxBufferBytes = 1 << 20

// ring accumulates output chunks while no client is attached, evicting the
// oldest chunks once the total passes maxBufferBytes.
type ring struct {
	chunks [][]byte
	size   int
	limit  int
}

func newRing() *ring {
	return &ring{limit: maxBufferBytes}
}

func (r *ring) append(p []byte) {
	if len(p) == 0 {
		return
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	r.chunks = append(r.chunks, buf)
	r.size += len(buf)
	// Always retain at least the newest chunk.
	for r.size > r.limit && len(r.chunks) > 1 {
		r.size -= len(r.chunks[0])
		r.chunks = r.chunks[1:]
	}
}

// drain returns the buffered bytes in production order and resets the ring.
func (r *ring) drain() []byte {
	if r.size == 0 {
		r.chunks = nil
		return nil
	}
	out := make([]byte, 0, r.size)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	r.chunks = nil
	r.size = 0
	return out
}

func (r *ring) bytes() int { return r.size }
