// Package phrasecache caches synthesized phrase audio on disk so that fixed
// prompts (greeting, farewells, status fillers) are synthesized once per
// voice, not once per call.
package phrasecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/singleflight"

	"github.com/condoware/porteiro/internal/observe"
	"github.com/condoware/porteiro/pkg/provider/tts"
)

// Gate bounds concurrent synthesis. Cache hits never touch it.
type Gate interface {
	// AcquireSynthesis blocks until a synthesis slot is free or ctx is done.
	// The returned release function must be called exactly once.
	AcquireSynthesis(ctx context.Context) (func(), error)
}

// Cache is a disk-backed phrase audio cache. Entries are raw 8 kHz s16le PCM
// stored as .slin files keyed by voice and text.
type Cache struct {
	dir    string
	synth  tts.Synthesizer
	gate   Gate
	logger *slog.Logger

	// flight collapses concurrent misses on the same phrase into one
	// synthesis call.
	flight singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithGate bounds miss-path synthesis with g.
func WithGate(g Gate) Option {
	return func(c *Cache) { c.gate = g }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache rooted at dir, creating the directory if needed.
func New(dir string, synth tts.Synthesizer, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("phrasecache: create %q: %w", dir, err)
	}
	c := &Cache{dir: dir, synth: synth, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key returns the cache key of a phrase: hex sha256 over voice and text with
// a separator so ("ab","c") and ("a","bc") cannot collide.
func Key(voice, text string) string {
	sum := sha256.Sum256([]byte(voice + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Get returns the PCM for a phrase, synthesizing and storing it on a miss.
func (c *Cache) Get(ctx context.Context, text, voice string) ([]byte, error) {
	key := Key(voice, text)
	path := filepath.Join(c.dir, key+".slin")

	if pcm, err := os.ReadFile(path); err == nil && len(pcm) > 0 {
		observe.DefaultMetrics().RecordCacheLookup(ctx, true)
		return pcm, nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("phrase cache read failed; resynthesizing", "path", path, "error", err)
	}
	observe.DefaultMetrics().RecordCacheLookup(ctx, false)

	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.fill(ctx, path, text, voice)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) fill(ctx context.Context, path, text, voice string) ([]byte, error) {
	if c.gate != nil {
		release, err := c.gate.AcquireSynthesis(ctx)
		if err != nil {
			return nil, fmt.Errorf("phrasecache: acquire synthesis slot: %w", err)
		}
		defer release()
	}

	start := time.Now()
	pcm, err := c.synth.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, fmt.Errorf("phrasecache: synthesize: %w", err)
	}
	if err := renameio.WriteFile(path, pcm, 0o644); err != nil {
		// The caller still gets audio; only persistence failed.
		c.logger.Warn("phrase cache write failed", "path", path, "error", err)
	}
	c.logger.Debug("phrase cached",
		"voice", voice, "bytes", len(pcm), "took", time.Since(start))
	return pcm, nil
}

// Prewarm synthesizes and stores every phrase not already cached. Individual
// failures are logged and skipped; the first context error aborts.
func (c *Cache) Prewarm(ctx context.Context, voice string, phrases []string) error {
	for _, text := range phrases {
		if text == "" {
			continue
		}
		if _, err := c.Get(ctx, text, voice); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("prewarm skipped phrase", "error", err)
		}
	}
	return nil
}

// Len reports how many phrases are cached on disk.
func (c *Cache) Len() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("phrasecache: read dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".slin" {
			n++
		}
	}
	return n, nil
}
