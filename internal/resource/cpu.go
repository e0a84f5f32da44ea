package resource

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CPUSampler computes aggregate CPU utilization from /proc/stat deltas.
// The first sample establishes a baseline and reports 0.
type CPUSampler struct {
	path string

	mu        sync.Mutex
	prevBusy  uint64
	prevTotal uint64
	primed    bool

	// percent holds the float64 bits of the last computed utilization.
	percent atomic.Uint64
}

// NewCPUSampler returns a sampler over /proc/stat. The path is overridable
// for tests.
func NewCPUSampler(path string) *CPUSampler {
	if path == "" {
		path = "/proc/stat"
	}
	return &CPUSampler{path: path}
}

// Percent returns the most recent utilization in [0,100].
func (s *CPUSampler) Percent() float64 {
	return math.Float64frombits(s.percent.Load())
}

// Sample reads one /proc/stat snapshot and updates Percent from the delta
// against the previous call.
func (s *CPUSampler) Sample() (float64, error) {
	busy, total, err := s.read()
	if err != nil {
		return s.Percent(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pct float64
	if s.primed && total > s.prevTotal {
		pct = float64(busy-s.prevBusy) / float64(total-s.prevTotal) * 100
		pct = math.Max(0, math.Min(100, pct))
	}
	s.prevBusy, s.prevTotal, s.primed = busy, total, true
	s.percent.Store(math.Float64bits(pct))
	return pct, nil
}

// Run samples on a ticker until ctx is cancelled.
func (s *CPUSampler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample() //nolint:errcheck // transient read failures keep the last value
		}
	}
}

// read parses the aggregate "cpu" line: user nice system idle iowait irq
// softirq steal. Idle plus iowait counts as idle time.
func (s *CPUSampler) read() (busy, total uint64, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, 0, fmt.Errorf("resource: read %s: %w", s.path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var vals []uint64
		for _, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("resource: parse %s field %q: %w", s.path, f, err)
			}
			vals = append(vals, v)
		}
		var idle uint64
		for i, v := range vals {
			total += v
			if i == 3 || i == 4 { // idle, iowait
				idle += v
			}
		}
		return total - idle, total, nil
	}
	return 0, 0, fmt.Errorf("resource: no aggregate cpu line in %s", s.path)
}
