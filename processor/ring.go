package processor

import "tickflow/models"

// tickRing keeps the most recent ticks up to a fixed capacity.
type tickRing struct {
	buf   []models.Tick
	start int
	size  int
}

func newTickRing(capacity int) *tickRing {
	return &tickRing{buf: make([]models.Tick, capacity)}
}

func (r *tickRing) push(t models.Tick) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = t
		r.size++
		return
	}
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

func (r *tickRing) len() int { return r.size }

func (r *tickRing) last() (models.Tick, bool) {
	if r.size == 0 {
		return models.Tick{}, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// items copies the buffered ticks oldest first.
func (r *tickRing) items() []models.Tick {
	out := make([]models.Tick, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
