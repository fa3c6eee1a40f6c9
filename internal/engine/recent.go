package engine

import "github.com/alanyoungcy/spotengine/internal/domain"

// tradeRing keeps the newest n trade ticks of a market.
type tradeRing struct {
	buf   []domain.TradeTick
	start int
	size  int
}

func newTradeRing(n int) *tradeRing {
	return &tradeRing{buf: make([]domain.TradeTick, n)}
}

func (r *tradeRing) push(t domain.TradeTick) {
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

// list returns the ticks oldest first.
func (r *tradeRing) list() []domain.TradeTick {
	out := make([]domain.TradeTick, r.size)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// load replaces the contents with ticks, keeping the newest when ticks
// exceeds the capacity.
func (r *tradeRing) load(ticks []domain.TradeTick) {
	r.start, r.size = 0, 0
	for _, t := range ticks {
		r.push(t)
	}
}
