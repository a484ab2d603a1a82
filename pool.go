// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package crawlhttp

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/bufbuild/crawlhttp/message"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HostPoolFactory creates the HostConnectionPool for a host key.
type HostPoolFactory func(HostKey) (*HostConnectionPool, error)

// PoolOption is an option used to customize a ConnectionPool.
type PoolOption interface {
	apply(*poolOptions)
}

// WithHostPoolFactory sets how host pools are created. It takes precedence
// over WithHostPoolOptions.
func WithHostPoolFactory(factory HostPoolFactory) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.factory = factory
	})
}

// WithHostPoolOptions sets the options that the default factory passes
// to NewHostConnectionPool.
func WithHostPoolOptions(options ...HostPoolOption) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.hostOptions = append(opts.hostOptions, options...)
	})
}

// WithPoolLogger sets the logger for pool events. Host pools created by
// the default factory log to it too, unless WithHostPoolOptions says
// otherwise. The default discards everything.
func WithPoolLogger(logger *zap.Logger) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.logger = logger
	})
}

type poolOptionFunc func(*poolOptions)

func (f poolOptionFunc) apply(opts *poolOptions) {
	f(opts)
}

type poolOptions struct {
	factory     HostPoolFactory
	hostOptions []HostPoolOption
	logger      *zap.Logger
}

func (opts *poolOptions) applyDefaults() {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.factory == nil {
		hostOptions := append([]HostPoolOption{WithHostPoolLogger(opts.logger)}, opts.hostOptions...)
		opts.factory = func(key HostKey) (*HostConnectionPool, error) {
			return NewHostConnectionPool(key, hostOptions...)
		}
	}
}

// ConnectionPool maps host keys to HostConnectionPools, creating them on
// first use. Pools are only removed by Clean.
type ConnectionPool struct {
	factory HostPoolFactory
	logger  *zap.Logger

	mu sync.RWMutex
	// +checklocks:mu
	pools map[HostKey]*HostConnectionPool
	// +checklocks:mu
	closed bool
}

// NewConnectionPool returns an empty ConnectionPool.
func NewConnectionPool(options ...PoolOption) *ConnectionPool {
	var opts poolOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	return &ConnectionPool{
		factory: opts.factory,
		logger:  opts.logger,
		pools:   map[HostKey]*HostConnectionPool{},
	}
}

// Fetch performs req using the host pool for key. Unlike fetching through
// GetOrCreate, the host pool cannot be removed by a concurrent Clean while
// the fetch is in progress.
func (p *ConnectionPool) Fetch(ctx context.Context, key HostKey, req *message.Request) (*message.Response, error) {
	pool, err := p.getOrCreate(key, true)
	if err != nil {
		return nil, err
	}
	defer pool.users.Add(-1)
	return pool.Fetch(ctx, req)
}

// GetOrCreate returns the host pool for key, creating it if needed.
// Concurrent calls for the same key return the same pool.
func (p *ConnectionPool) GetOrCreate(key HostKey) (*HostConnectionPool, error) {
	return p.getOrCreate(key, false)
}

// getOrCreate gets the host pool for key, creating one if none exists. If
// reserve is true, the pool's user count is incremented while the lock is
// held, so Clean cannot remove it before the caller is done.
func (p *ConnectionPool) getOrCreate(key HostKey, reserve bool) (*HostConnectionPool, error) {
	p.mu.RLock()
	closed := p.closed
	pool := p.pools[key]
	if pool != nil && reserve {
		pool.users.Add(1)
	}
	p.mu.RUnlock()

	if closed {
		return nil, ErrPoolClosed
	}
	if pool != nil {
		return pool, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// double-check in case things changed while upgrading lock
	if p.closed {
		return nil, ErrPoolClosed
	}
	pool = p.pools[key]
	if pool == nil {
		var err error
		pool, err = p.factory(key)
		if err != nil {
			return nil, fmt.Errorf("creating pool for %s: %w", key, err)
		}
		p.pools[key] = pool
		p.logger.Debug("host pool created", zap.Stringer("host", key), zap.Int("hosts", len(p.pools)))
	}
	if reserve {
		pool.users.Add(1)
	}
	return pool, nil
}

// Get returns the host pool for key, if there is one.
func (p *ConnectionPool) Get(key HostKey) (*HostConnectionPool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pool, ok := p.pools[key]
	return pool, ok
}

// Len returns the number of host pools.
func (p *ConnectionPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pools)
}

// All iterates over a snapshot of the host pools, in no particular order.
func (p *ConnectionPool) All() iter.Seq2[HostKey, *HostConnectionPool] {
	return maps.All(p.snapshot())
}

// Clean closes idle connections in every host pool and then removes the
// host pools left with no connections and no fetches in progress.
func (p *ConnectionPool) Clean() {
	pools := slices.Collect(maps.Values(p.snapshot()))
	for _, pool := range pools {
		pool.Clean()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for key, pool := range p.pools {
		if pool.reclaimable() {
			delete(p.pools, key)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("host pools removed", zap.Int("removed", removed), zap.Int("hosts", len(p.pools)))
	}
}

func (p *ConnectionPool) snapshot() map[HostKey]*HostConnectionPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.pools)
}

// Close closes every host pool and removes them. Subsequent fetches fail
// with ErrPoolClosed.
func (p *ConnectionPool) Close() error {
	var pools map[HostKey]*HostConnectionPool
	func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		pools = p.pools
		p.pools = map[HostKey]*HostConnectionPool{}
	}()
	var grp errgroup.Group
	for _, pool := range pools {
		grp.Go(pool.Close)
	}
	return grp.Wait()
}
