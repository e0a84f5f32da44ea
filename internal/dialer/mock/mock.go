// Package mock provides a test double for the dialer.Publisher interface.
package mock

import (
	"context"
	"sync"
)

// Publisher records published payloads. Set Err to inject bus failures.
type Publisher struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by every Publish.
	Err error

	// Published holds the bodies in publish order.
	Published [][]byte

	closed bool
}

func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	p.Published = append(p.Published, cp)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Bodies returns a copy of the published payloads.
func (p *Publisher) Bodies() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.Published))
	copy(out, p.Published)
	return out
}

// Closed reports whether Close was called.
func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
