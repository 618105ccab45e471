// Package partition implements the work-partitioning caller side of the
// lease contract: each worker process independently claims a slice of a
// shared candidate set, tolerating races because Acquire is the final
// arbiter.
package partition

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/tickstore/internal/storage"
)

// Option configures a Partitioner.
type Option func(*Partitioner)

// WithHolderID overrides the generated holder identity. Holder IDs must be
// stable for the lifetime of a run and unique across runs.
func WithHolderID(id string) Option {
	return func(p *Partitioner) { p.holder = id }
}

// WithHostname overrides the recorded hostname.
func WithHostname(host string) Option {
	return func(p *Partitioner) { p.host = host }
}

// Partitioner claims and maintains leases on work identifiers for one
// worker run.
type Partitioner struct {
	leases storage.LeaseStore
	holder string
	host   string
	ttl    time.Duration

	mu   sync.Mutex
	held map[string]bool
}

// New returns a partitioner with a holder ID derived from hostname, pid,
// and a random suffix, so two runs on one host never collide.
func New(leases storage.LeaseStore, ttl time.Duration, opts ...Option) *Partitioner {
	host, _ := os.Hostname()
	p := &Partitioner{
		leases: leases,
		holder: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		host:   host,
		ttl:    ttl,
		held:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HolderID returns the identity this partitioner acquires leases under.
func (p *Partitioner) HolderID() string { return p.holder }

// Claim asks for the currently unleased candidates and acquires up to max
// of them (max <= 0 means no limit). A false from Acquire just means
// another worker got there first; it is not an error.
func (p *Partitioner) Claim(ctx context.Context, candidates []string, max int) ([]string, error) {
	free, err := p.leases.Available(ctx, candidates)
	if err != nil {
		return nil, err
	}

	var claimed []string
	for _, id := range free {
		if max > 0 && len(claimed) >= max {
			break
		}
		ok, err := p.leases.Acquire(ctx, id, p.holder, p.host, p.ttl)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		p.mu.Lock()
		p.held[id] = true
		p.mu.Unlock()
		claimed = append(claimed, id)
	}
	return claimed, nil
}

// Extend pushes every held lease's expiry forward by the configured TTL.
// Leases that could not be extended were lost to expiry and are forgotten.
func (p *Partitioner) Extend(ctx context.Context) error {
	for _, id := range p.Held() {
		ok, err := p.leases.Extend(ctx, id, p.holder, p.ttl)
		if err != nil {
			return err
		}
		if !ok {
			p.mu.Lock()
			delete(p.held, id)
			p.mu.Unlock()
		}
	}
	return nil
}

// ReleaseAll releases every held lease. Safe to call on shutdown even when
// some leases have already expired.
func (p *Partitioner) ReleaseAll(ctx context.Context) error {
	for _, id := range p.Held() {
		if err := p.leases.Release(ctx, id, p.holder); err != nil {
			return err
		}
		p.mu.Lock()
		delete(p.held, id)
		p.mu.Unlock()
	}
	return nil
}

// Held returns the identifiers this partitioner believes it holds, sorted.
func (p *Partitioner) Held() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.held))
	for id := range p.held {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
