package metrics

// Window is a fixed-capacity ring buffer of float64 samples.
//
// Invariants:
//   - 0 ≤ Count ≤ len(samples)
//   - 0 ≤ next < len(samples)
//   - once full, each Add overwrites the oldest sample
//
// Thread-safety: none. Owned by an Aggregator, which serializes access.
type Window struct {
	samples []float64
	next    int
	count   int
}

// NewWindow creates a window holding at most size samples (size < 1 is treated as 1)
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{samples: make([]float64, size)}
}

// Add appends a sample, evicting the oldest when full
func (w *Window) Add(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// Len returns the number of samples held
func (w *Window) Len() int { return w.count }

// Cap returns the window capacity
func (w *Window) Cap() int { return len(w.samples) }

// Reset drops all samples
func (w *Window) Reset() {
	w.next = 0
	w.count = 0
}

// Values returns the samples oldest-first (copy)
func (w *Window) Values() []float64 {
	out := make([]float64, 0, w.count)
	start := (w.next - w.count + len(w.samples)) % len(w.samples)
	for i := 0; i < w.count; i++ {
		out = append(out, w.samples[(start+i)%len(w.samples)])
	}
	return out
}

// Stats returns mean, min and max. An empty window yields zeros.
func (w *Window) Stats() (mean, min, max float64) {
	if w.count == 0 {
		return 0, 0, 0
	}
	values := w.Values()
	min, max = values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return sum / float64(len(values)), min, max
}
