package supervisor

// ring is a byte buffer that retains only the most recent max bytes. Not
// safe for concurrent use; callers hold the owning process lock.
type ring struct {
	max       int
	buf       []byte
	truncated bool
}

func newRing(max int) *ring {
	return &ring{max: max}
}

func (r *ring) write(p []byte) {
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.max {
		keep := make([]byte, r.max)
		copy(keep, r.buf[len(r.buf)-r.max:])
		r.buf = keep
		r.truncated = true
	}
}

func (r *ring) bytes() []byte {
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *ring) len() int {
	return len(r.buf)
}
