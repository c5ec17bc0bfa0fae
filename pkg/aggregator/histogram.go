package aggregator

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// histogramMin is the lowest trackable latency (1µs).
	histogramMin = int64(1)
	// histogramMax is the highest trackable latency (10 minutes, in µs).
	histogramMax = int64(10 * time.Minute / time.Microsecond)
	// histogramSigFigs is the histogram precision in significant figures.
	histogramSigFigs = 3
)

// safeHistogram is a mutex-guarded HdrHistogram recording latencies in
// microseconds.
type safeHistogram struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newSafeHistogram() *safeHistogram {
	return &safeHistogram{
		hist: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
	}
}

// Record adds one latency observation. Values outside the trackable range
// are clamped rather than dropped.
func (h *safeHistogram) Record(latency time.Duration) {
	us := latency.Microseconds()
	if us < histogramMin {
		us = histogramMin
	}

	if us > histogramMax {
		us = histogramMax
	}

	h.mu.Lock()
	_ = h.hist.RecordValue(us)
	h.mu.Unlock()
}

func (h *safeHistogram) ValueAtQuantile(q float64) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	return time.Duration(h.hist.ValueAtQuantile(q)) * time.Microsecond
}

func (h *safeHistogram) Min() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	return time.Duration(h.hist.Min()) * time.Microsecond
}

func (h *safeHistogram) Max() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	return time.Duration(h.hist.Max()) * time.Microsecond
}

func (h *safeHistogram) Mean() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	return time.Duration(h.hist.Mean()) * time.Microsecond
}

func (h *safeHistogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.hist.TotalCount()
}
