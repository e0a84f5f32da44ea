package resource

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/condoware/porteiro/internal/session"
)

func TestComputeLimits_Tiers(t *testing.T) {
	t.Parallel()

	const gib = 1 << 30
	cases := []struct {
		name  string
		cores int
		mem   uint64
		want  Limits
	}{
		{"workstation", 8, 16 * gib, Limits{Transcriptions: 6, Syntheses: 3}},
		{"four cores eight gib", 4, 8 * gib, Limits{Transcriptions: 6, Syntheses: 3}},
		{"small vm", 2, 4 * gib, Limits{Transcriptions: 2, Syntheses: 2}},
		{"four cores low memory", 4, 2 * gib, Limits{Transcriptions: 1, Syntheses: 1}},
		{"single core", 1, 16 * gib, Limits{Transcriptions: 1, Syntheses: 1}},
		{"unknown memory", 8, 0, Limits{Transcriptions: 1, Syntheses: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := computeLimits(tc.cores, tc.mem); got != tc.want {
				t.Errorf("computeLimits(%d, %d) = %+v, want %+v", tc.cores, tc.mem, got, tc.want)
			}
		})
	}
}

func TestAcquire_BlocksAtLimit(t *testing.T) {
	t.Parallel()

	m := NewManager(Limits{Transcriptions: 1, Syntheses: 1})

	release, err := m.AcquireTranscription(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.AcquireTranscription(ctx); err == nil {
		t.Fatal("second acquire must block until release")
	}

	release()
	release() // double release must be harmless

	if rel, err := m.AcquireTranscription(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	} else {
		rel()
	}
}

func TestConnectionRegistry(t *testing.T) {
	t.Parallel()

	m := NewManager(Limits{Transcriptions: 1, Syntheses: 1})
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	m.Register("call-1", session.RoleVisitor, c1)
	m.Register("call-1", session.RoleResident, c2)
	m.Register("call-2", session.RoleVisitor, c1)

	if got := m.ActiveSessions(); got != 2 {
		t.Errorf("ActiveSessions = %d, want 2", got)
	}
	if info, ok := m.Lookup("call-1", session.RoleResident); !ok || info.Role != session.RoleResident {
		t.Errorf("Lookup(call-1, resident) = %+v, %v", info, ok)
	}

	m.Unregister("call-1", session.RoleVisitor)
	m.Unregister("call-1", session.RoleResident)
	if got := m.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions after unregister = %d, want 1", got)
	}
	if _, ok := m.Lookup("call-1", session.RoleVisitor); ok {
		t.Error("unregistered leg must not resolve")
	}
}

func TestThrottleAudio(t *testing.T) {
	t.Parallel()

	cpu := 90.0
	m := NewManager(Limits{Transcriptions: 1, Syntheses: 1},
		WithCPUPercent(func() float64 { return cpu }))

	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()
	for i := 0; i < 4; i++ {
		m.Register(fmt.Sprintf("call-%d", i), session.RoleVisitor, conn)
	}

	if !m.ThrottleAudio() {
		t.Error("4 sessions at 90%% CPU must throttle")
	}
	cpu = 50
	if m.ThrottleAudio() {
		t.Error("4 sessions at 50%% CPU must not throttle")
	}
	cpu = 90
	m.Unregister("call-3", session.RoleVisitor)
	if m.ThrottleAudio() {
		t.Error("3 sessions must not throttle regardless of CPU")
	}
}

func TestCPUSampler(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stat")
	write := func(busyIdle string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(busyIdle), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s := NewCPUSampler(path)

	// Baseline: 100 busy (user) + 100 idle.
	write("cpu 100 0 0 100 0 0 0 0\ncpu0 50 0 0 50 0 0 0 0\n")
	if pct, err := s.Sample(); err != nil || pct != 0 {
		t.Fatalf("first sample = %v, %v; want 0 (baseline)", pct, err)
	}

	// Delta: +60 busy, +40 idle → 60%.
	write("cpu 160 0 0 140 0 0 0 0\n")
	pct, err := s.Sample()
	if err != nil {
		t.Fatal(err)
	}
	if pct != 60 {
		t.Errorf("second sample = %v, want 60", pct)
	}
	if got := s.Percent(); got != 60 {
		t.Errorf("Percent() = %v, want 60", got)
	}
}

func TestCPUSampler_BadFile(t *testing.T) {
	t.Parallel()

	s := NewCPUSampler(filepath.Join(t.TempDir(), "missing"))
	if _, err := s.Sample(); err == nil {
		t.Error("missing file must error")
	}
}
