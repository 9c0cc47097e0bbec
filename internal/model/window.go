package model

import "time"

// Point is a single timestamped observation.
type Point struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Window keeps the most recent observations up to a fixed capacity. Pushing into a
// full window overwrites the oldest entry. The backing slice grows lazily so short-lived
// processes do not pay for the full capacity.
type Window struct {
	buf  []Point
	size int
	head int // index of the oldest point once buf is full
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{size: capacity}
}

// WindowFrom rebuilds a window from points in chronological order, keeping the newest.
func WindowFrom(capacity int, points []Point) *Window {
	w := NewWindow(capacity)
	for _, p := range points {
		w.Push(p)
	}
	return w
}

func (w *Window) Cap() int { return w.size }

func (w *Window) Len() int { return len(w.buf) }

func (w *Window) Push(p Point) {
	if len(w.buf) < w.size {
		w.buf = append(w.buf, p)
		return
	}
	w.buf[w.head] = p
	w.head = (w.head + 1) % w.size
}

// Points returns a copy of the retained observations, oldest first.
func (w *Window) Points() []Point {
	out := make([]Point, len(w.buf))
	for i := range out {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Last returns the newest observation.
func (w *Window) Last() (Point, bool) {
	if len(w.buf) == 0 {
		return Point{}, false
	}
	return w.buf[(w.head+len(w.buf)-1)%len(w.buf)], true
}

// Mean is the arithmetic mean of the retained values; ok is false for an empty window.
func (w *Window) Mean() (mean float64, ok bool) {
	if len(w.buf) == 0 {
		return 0, false
	}
	var sum float64
	for _, p := range w.buf {
		sum += p.Value
	}
	return sum / float64(len(w.buf)), true
}

func (w *Window) Clone() *Window {
	return WindowFrom(w.size, w.Points())
}
