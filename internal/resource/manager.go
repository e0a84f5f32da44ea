// Package resource bounds the service's use of transcription and synthesis
// capacity, tracks live AudioSocket connections, and signals audio throttling
// under load.
package resource

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/condoware/porteiro/internal/observe"
	"github.com/condoware/porteiro/internal/session"
)

const (
	// throttleSessionFloor is the active-session count above which CPU
	// pressure starts to throttle outbound audio pacing.
	throttleSessionFloor = 3

	// throttleCPUPercent is the CPU utilization above which throttling kicks
	// in once the session floor is exceeded.
	throttleCPUPercent = 85
)

// Limits sizes the capability semaphores.
type Limits struct {
	Transcriptions int64
	Syntheses      int64
}

// DetectLimits tiers the semaphore sizes by available hardware.
func DetectLimits() Limits {
	return computeLimits(runtime.NumCPU(), readMemTotal())
}

// computeLimits applies the sizing tiers. Memory is in bytes.
func computeLimits(cores int, memBytes uint64) Limits {
	const gib = 1 << 30
	switch {
	case cores >= 4 && memBytes >= 8*gib:
		return Limits{Transcriptions: 6, Syntheses: 3}
	case cores >= 2 && memBytes >= 4*gib:
		return Limits{Transcriptions: 2, Syntheses: 2}
	default:
		return Limits{Transcriptions: 1, Syntheses: 1}
	}
}

// readMemTotal parses MemTotal from /proc/meminfo. Returns 0 when the file
// is unreadable, which lands in the most conservative tier.
func readMemTotal() uint64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// ConnInfo describes one registered AudioSocket connection.
type ConnInfo struct {
	Conn         net.Conn
	Role         session.Role
	RegisteredAt time.Time
}

type connKey struct {
	callID string
	role   session.Role
}

// Manager owns the capability semaphores and the live connection registry.
type Manager struct {
	limits     Limits
	transcribe *semaphore.Weighted
	synthesize *semaphore.Weighted
	logger     *slog.Logger

	// cpuPercent is swappable in tests.
	cpuPercent func() float64

	mu    sync.Mutex
	conns map[connKey]ConnInfo
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithCPUPercent overrides the CPU utilization source.
func WithCPUPercent(fn func() float64) Option {
	return func(m *Manager) { m.cpuPercent = fn }
}

// NewManager creates a manager with the given limits. Zero or negative
// limit fields fall back to 1.
func NewManager(limits Limits, opts ...Option) *Manager {
	if limits.Transcriptions < 1 {
		limits.Transcriptions = 1
	}
	if limits.Syntheses < 1 {
		limits.Syntheses = 1
	}
	sampler := NewCPUSampler("")
	m := &Manager{
		limits:     limits,
		transcribe: semaphore.NewWeighted(limits.Transcriptions),
		synthesize: semaphore.NewWeighted(limits.Syntheses),
		logger:     slog.Default(),
		cpuPercent: sampler.Percent,
		conns:      make(map[connKey]ConnInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limits returns the configured semaphore sizes.
func (m *Manager) Limits() Limits {
	return m.limits
}

// AcquireTranscription blocks for a transcription slot. The returned release
// is safe to call more than once.
func (m *Manager) AcquireTranscription(ctx context.Context) (func(), error) {
	return acquire(ctx, m.transcribe, "transcription")
}

// AcquireSynthesis blocks for a synthesis slot. Satisfies phrasecache.Gate.
func (m *Manager) AcquireSynthesis(ctx context.Context) (func(), error) {
	return acquire(ctx, m.synthesize, "synthesis")
}

func acquire(ctx context.Context, sem *semaphore.Weighted, kind string) (func(), error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("resource: acquire %s slot: %w", kind, err)
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// Register records a live connection for a call leg.
func (m *Manager) Register(callID string, role session.Role, conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[connKey{callID, role}]; !exists {
		observe.DefaultMetrics().ActiveLegs.Add(context.Background(), 1)
	}
	m.conns[connKey{callID, role}] = ConnInfo{
		Conn:         conn,
		Role:         role,
		RegisteredAt: time.Now(),
	}
}

// Unregister drops a leg's connection record.
func (m *Manager) Unregister(callID string, role session.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[connKey{callID, role}]; exists {
		observe.DefaultMetrics().ActiveLegs.Add(context.Background(), -1)
	}
	delete(m.conns, connKey{callID, role})
}

// Lookup returns the registered connection for a call leg.
func (m *Manager) Lookup(callID string, role session.Role) (ConnInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.conns[connKey{callID, role}]
	return info, ok
}

// ActiveSessions counts distinct call IDs with at least one live leg.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(m.conns))
	for k := range m.conns {
		seen[k.callID] = struct{}{}
	}
	return len(seen)
}

// ThrottleAudio reports whether leg handlers should stretch their frame
// pacing: more than three active sessions while the CPU runs hot.
func (m *Manager) ThrottleAudio() bool {
	return m.ActiveSessions() > throttleSessionFloor && m.cpuPercent() > throttleCPUPercent
}
