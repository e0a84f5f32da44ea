// Package extension supervises the TCP listener pairs that accept the two
// call legs. Each directory extension gets a visitor listener (its IA port)
// and a resident listener (its return port); the set of pairs follows the
// directory at runtime through change notifications and explicit refreshes.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/condoware/porteiro/internal/directory"
	"github.com/condoware/porteiro/internal/session"
)

const (
	// DefaultVisitorPort and DefaultResidentPort form the compatibility pair
	// started when neither the directory nor the snapshot yields any
	// extension.
	DefaultVisitorPort  = 8080
	DefaultResidentPort = 8081

	// portScan is how many consecutive ports are tried when the configured
	// one is taken.
	portScan = 100

	// readBufferBytes sizes the socket read buffer of accepted legs. The PBX
	// streams audio continuously; a large kernel buffer rides out transcription
	// stalls without dropping frames.
	readBufferBytes = 1 << 20

	// acceptRetryDelay throttles the accept loop after a transient error.
	acceptRetryDelay = 100 * time.Millisecond
)

// ErrUnknown is returned when an operation names an extension that is not
// running.
var ErrUnknown = errors.New("extension: unknown extension")

// Runner serves one accepted leg connection until it ends. It owns the
// connection.
type Runner interface {
	Run(ctx context.Context, conn net.Conn) error
}

// HandlerFactory builds a fresh Runner for each accepted connection of the
// given role.
type HandlerFactory func(role session.Role) Runner

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	// BindIP is the listen address used when a directory row carries none.
	BindIP string

	// SnapshotPath is the local JSON mirror of the extension set, used as a
	// fallback when the directory is unreachable at startup. Empty disables
	// the mirror.
	SnapshotPath string

	// Store is the extension directory. Nil means snapshot/default only.
	Store directory.Store

	// Watcher delivers directory change events. Nil disables hot updates.
	Watcher directory.Watcher

	// Factory builds the per-connection leg handlers.
	Factory HandlerFactory

	Logger *slog.Logger
}

// Diff summarises one reconciliation against the directory.
type Diff struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

// Status describes one running listener pair. The ports are the ones actually
// bound, which differ from the directory row's after a port-conflict scan.
type Status struct {
	directory.Extension

	VisitorPort  int `json:"visitor_port"`
	ResidentPort int `json:"resident_port"`
}

// pair is one running extension: two listeners and their accept loops. Leg
// handlers started from a pair outlive it; stopping a pair only stops new
// connections.
type pair struct {
	spec         directory.Extension
	visitor      net.Listener
	resident     net.Listener
	visitorPort  int
	residentPort int
	wg           sync.WaitGroup
}

// Manager owns the set of listener pairs.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	// base is the context legs run under. Pairs close independently of it so
	// that a deleted extension's in-flight sessions run to completion.
	base context.Context

	mu    sync.Mutex
	pairs map[int]*pair
}

// NewManager creates a Manager. Start must be called before use.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		base:   context.Background(),
		pairs:  make(map[int]*pair),
	}
}

// Start loads the extension set and brings up all listener pairs in parallel.
// Load order: directory, then local snapshot, then the built-in default pair.
// A successful directory load refreshes the snapshot. When a Watcher is
// configured, Start also begins applying directory changes until ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.base = ctx

	specs, fromStore := m.loadSpecs(ctx)
	if len(specs) == 0 {
		m.logger.Warn("no extensions available; starting default pair",
			"visitor_port", DefaultVisitorPort, "resident_port", DefaultResidentPort)
		specs = []directory.Extension{{
			BindIP:     m.cfg.BindIP,
			IAPort:     DefaultVisitorPort,
			ReturnPort: DefaultResidentPort,
		}}
		fromStore = false
	}

	var g errgroup.Group
	for _, spec := range specs {
		g.Go(func() error { return m.startPair(spec) })
	}
	if err := g.Wait(); err != nil {
		m.Stop()
		return fmt.Errorf("extension: startup: %w", err)
	}
	if fromStore {
		m.mirror(specs)
	}

	if m.cfg.Watcher != nil {
		events, err := m.cfg.Watcher.Watch(ctx)
		if err != nil {
			m.Stop()
			return fmt.Errorf("extension: watch directory: %w", err)
		}
		go m.watch(events)
	}
	return nil
}

// Stop closes every listener pair. Running legs are not interrupted.
func (m *Manager) Stop() {
	m.mu.Lock()
	ids := make([]int, 0, len(m.pairs))
	for id := range m.pairs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopPair(id)
	}
}

// Refresh reconciles the running pairs against the directory and reports what
// changed. Individual pair failures are joined into the returned error; the
// rest of the reconciliation still applies.
func (m *Manager) Refresh(ctx context.Context) (Diff, error) {
	if m.cfg.Store == nil {
		return Diff{}, errors.New("extension: no directory store configured")
	}
	specs, err := m.cfg.Store.Extensions(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("extension: refresh: %w", err)
	}

	want := make(map[int]directory.Extension, len(specs))
	for _, spec := range specs {
		want[spec.ID] = spec
	}
	m.mu.Lock()
	current := make(map[int]directory.Extension, len(m.pairs))
	for id, p := range m.pairs {
		current[id] = p.spec
	}
	m.mu.Unlock()

	var diff Diff
	var errs []error
	for id, spec := range want {
		running, ok := current[id]
		switch {
		case !ok:
			diff.Added++
			if err := m.startPair(spec); err != nil {
				errs = append(errs, err)
			}
		case running != spec:
			diff.Updated++
			m.stopPair(id)
			if err := m.startPair(spec); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for id := range current {
		if _, ok := want[id]; !ok {
			diff.Removed++
			m.stopPair(id)
		}
	}

	m.mirror(specs)
	m.logger.Info("extensions refreshed",
		"added", diff.Added, "updated", diff.Updated, "removed", diff.Removed)
	return diff, errors.Join(errs...)
}

// Restart stops and re-binds one pair, keeping its current directory row.
// Returns ErrUnknown when no such pair is running.
func (m *Manager) Restart(id int) error {
	m.mu.Lock()
	p, ok := m.pairs[id]
	var spec directory.Extension
	if ok {
		spec = p.spec
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknown, id)
	}
	m.stopPair(id)
	return m.startPair(spec)
}

// Running lists the running pairs sorted by extension id.
func (m *Manager) Running() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.pairs))
	for _, p := range m.pairs {
		out = append(out, Status{
			Extension:    p.spec,
			VisitorPort:  p.visitorPort,
			ResidentPort: p.residentPort,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// loadSpecs reads the extension set from the directory, falling back to the
// local snapshot. The bool reports whether the directory answered.
func (m *Manager) loadSpecs(ctx context.Context) ([]directory.Extension, bool) {
	if m.cfg.Store != nil {
		specs, err := m.cfg.Store.Extensions(ctx)
		if err == nil {
			return specs, true
		}
		m.logger.Warn("directory unavailable; trying local snapshot", "error", err)
	}
	if m.cfg.SnapshotPath != "" {
		specs, err := readSnapshot(m.cfg.SnapshotPath)
		if err != nil {
			m.logger.Warn("snapshot unavailable", "path", m.cfg.SnapshotPath, "error", err)
			return nil, false
		}
		m.logger.Info("extensions restored from snapshot",
			"path", m.cfg.SnapshotPath, "count", len(specs))
		return specs, false
	}
	return nil, false
}

// startPair binds both listeners of one extension and starts their accept
// loops.
func (m *Manager) startPair(spec directory.Extension) error {
	host := spec.BindIP
	if host == "" {
		host = m.cfg.BindIP
	}

	visitor, visitorPort, err := bindListener(host, spec.IAPort)
	if err != nil {
		return fmt.Errorf("extension %d visitor: %w", spec.ID, err)
	}
	resident, residentPort, err := bindListener(host, spec.ReturnPort)
	if err != nil {
		visitor.Close()
		return fmt.Errorf("extension %d resident: %w", spec.ID, err)
	}
	if spec.IAPort > 0 && visitorPort != spec.IAPort {
		m.logger.Warn("visitor port in use; shifted",
			"extension_id", spec.ID, "want", spec.IAPort, "got", visitorPort)
	}
	if spec.ReturnPort > 0 && residentPort != spec.ReturnPort {
		m.logger.Warn("resident port in use; shifted",
			"extension_id", spec.ID, "want", spec.ReturnPort, "got", residentPort)
	}

	p := &pair{
		spec:         spec,
		visitor:      visitor,
		resident:     resident,
		visitorPort:  visitorPort,
		residentPort: residentPort,
	}

	m.mu.Lock()
	if _, exists := m.pairs[spec.ID]; exists {
		m.mu.Unlock()
		visitor.Close()
		resident.Close()
		return fmt.Errorf("extension: id %d already running", spec.ID)
	}
	m.pairs[spec.ID] = p
	m.mu.Unlock()

	p.wg.Add(2)
	go m.acceptLoop(p, visitor, session.RoleVisitor)
	go m.acceptLoop(p, resident, session.RoleResident)

	m.logger.Info("extension listening", "extension_id", spec.ID,
		"visitor_port", visitorPort, "resident_port", residentPort,
		"building_id", spec.BuildingID)
	return nil
}

// stopPair closes one pair's listeners and waits for its accept loops. Legs
// already accepted keep running.
func (m *Manager) stopPair(id int) bool {
	m.mu.Lock()
	p, ok := m.pairs[id]
	if ok {
		delete(m.pairs, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.visitor.Close()
	p.resident.Close()
	p.wg.Wait()
	m.logger.Info("extension stopped", "extension_id", id)
	return true
}

// acceptLoop serves one listener, handing each connection to a fresh Runner.
func (m *Manager) acceptLoop(p *pair, ln net.Listener, role session.Role) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("accept failed", "extension_id", p.spec.ID,
				"role", role, "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.SetReadBuffer(readBufferBytes); err != nil {
				m.logger.Debug("set read buffer failed", "error", err)
			}
		}
		go func() {
			// Legs run under the manager lifetime, not the pair's, so a
			// removed extension's sessions finish naturally.
			if err := m.cfg.Factory(role).Run(m.base, conn); err != nil {
				m.logger.Error("leg handler failed", "extension_id", p.spec.ID,
					"role", role, "error", err)
			}
		}()
	}
}

// watch applies directory change events until the channel closes, mirroring
// every change to the snapshot.
func (m *Manager) watch(events <-chan directory.ChangeEvent) {
	for ev := range events {
		m.logger.Info("directory change", "action", ev.Action,
			"extension_id", ev.Extension.ID)
		switch ev.Action {
		case directory.ActionInsert:
			if err := m.startPair(ev.Extension); err != nil {
				m.logger.Error("insert failed", "error", err)
			}
		case directory.ActionUpdate:
			m.stopPair(ev.Extension.ID)
			if err := m.startPair(ev.Extension); err != nil {
				m.logger.Error("update failed", "error", err)
			}
		case directory.ActionDelete:
			if !m.stopPair(ev.Extension.ID) {
				m.logger.Warn("delete for unknown extension",
					"extension_id", ev.Extension.ID)
			}
		}
		m.mirrorRunning()
	}
}

// mirror persists specs to the snapshot file, when configured.
func (m *Manager) mirror(specs []directory.Extension) {
	if m.cfg.SnapshotPath == "" {
		return
	}
	if err := writeSnapshot(m.cfg.SnapshotPath, specs); err != nil {
		m.logger.Error("snapshot write failed",
			"path", m.cfg.SnapshotPath, "error", err)
	}
}

// mirrorRunning persists the currently running spec set.
func (m *Manager) mirrorRunning() {
	m.mu.Lock()
	specs := make([]directory.Extension, 0, len(m.pairs))
	for _, p := range m.pairs {
		specs = append(specs, p.spec)
	}
	m.mu.Unlock()
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	m.mirror(specs)
}

// bindListener binds host:port, scanning forward over consecutive ports when
// the requested one is taken. Port 0 binds an ephemeral port directly. The
// returned port is the one actually bound.
func bindListener(host string, port int) (net.Listener, int, error) {
	attempts := 1
	if port > 0 {
		attempts = portScan
	}
	var lastErr error
	for off := 0; off < attempts; off++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+off)))
		if err != nil {
			lastErr = err
			continue
		}
		actual := port + off
		if ta, ok := ln.Addr().(*net.TCPAddr); ok {
			actual = ta.Port
		}
		return ln, actual, nil
	}
	return nil, 0, fmt.Errorf("no free port in [%d,%d): %w", port, port+attempts, lastErr)
}
