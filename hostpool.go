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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/crawlhttp/conn"
	"github.com/bufbuild/crawlhttp/fetcherr"
	"github.com/bufbuild/crawlhttp/internal"
	"github.com/bufbuild/crawlhttp/internal/conns"
	"github.com/bufbuild/crawlhttp/message"
	"github.com/bufbuild/crawlhttp/recorder"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultMaxConnections is the default limit of connections per host.
const DefaultMaxConnections = 6

var (
	// ErrPoolClosed is returned by fetches on a closed pool.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrPoolOverloaded is returned when a fetch would have to wait for a
	// connection but the wait queue is full. See WithMaxPending.
	ErrPoolOverloaded = errors.New("too many fetches waiting for a connection")
)

// ConnFactory creates a new, disconnected connection for a host.
type ConnFactory func(HostKey) conn.Conn

// NewConnFactory returns a ConnFactory that creates a *conn.Connection
// with the given params.
func NewConnFactory(params conn.Params) ConnFactory {
	return func(key HostKey) conn.Conn {
		return conn.New(key.Host, key.Port, key.TLS(), params)
	}
}

// HostPoolOption is an option used to customize a HostConnectionPool.
type HostPoolOption interface {
	apply(*hostPoolOptions)
}

// WithMaxConnections limits how many connections, busy or idle, the pool
// holds at once. Fetches beyond this limit wait for a connection to be
// released. The default is DefaultMaxConnections.
func WithMaxConnections(maxConns int) HostPoolOption {
	return hostPoolOptionFunc(func(opts *hostPoolOptions) {
		opts.MaxConnections = maxConns
	})
}

// WithMinConnections sets how many idle connections are exempt from the
// idle timeout and from cleaning. The default is zero.
func WithMinConnections(minConns int) HostPoolOption {
	return hostPoolOptionFunc(func(opts *hostPoolOptions) {
		opts.MinConnections = minConns
	})
}

// WithIdleTimeout closes connections that have been idle for the given
// duration. Expired connections are noticed when the pool is next used or
// cleaned. The default of zero keeps idle connections until Clean.
func WithIdleTimeout(timeout time.Duration) HostPoolOption {
	return hostPoolOptionFunc(func(opts *hostPoolOptions) {
		opts.IdleTimeout = timeout
	})
}

// WithConnFactory sets how the pool creates connections. This is where
// connection params such as timeouts are decided. The default creates a
// *conn.Connection with zero params.
func WithConnFactory(factory ConnFactory) HostPoolOption {
	return hostPoolOptionFunc(func(opts *hostPoolOptions) {
		opts.connFactory = factory
	})
}

// WithRateLimit limits how often fetches may start, to at most
// perSecond on average with bursts of up to burst. By default there is no
// limit.
func WithRateLimit(perSecond float64, burst int) HostPoolOption {
	return hostPoolOptionFunc(func(opts *hostPoolOptions) {
		opts.RateLimit = perSecond
		opts.RateBurst = burst
	})
}

// WithMaxPending bounds the number of fetches that may wait for a
// connection. Once that many are waiting, further fetches fail with
// ErrPoolOverloaded instead of queueing. The default of zero means no
// bound.
func WithMaxPending(maxPending int) HostPoolOption {
	return hostPoolOptionFunc(func(opts *hostPoolOptions) {
		opts.MaxPending = maxPending
	})
}

// WithHostPoolLogger sets the logger for pool events. The default
// discards everything.
func WithHostPoolLogger(logger *zap.Logger) HostPoolOption {
	return hostPoolOptionFunc(func(opts *hostPoolOptions) {
		opts.logger = logger
	})
}

type hostPoolOptionFunc func(*hostPoolOptions)

func (f hostPoolOptionFunc) apply(opts *hostPoolOptions) {
	f(opts)
}

type hostPoolOptions struct {
	MaxConnections int           `validate:"gte=1"`
	MinConnections int           `validate:"gte=0,ltefield=MaxConnections"`
	IdleTimeout    time.Duration `validate:"gte=0"`
	MaxPending     int           `validate:"gte=0"`
	RateLimit      float64       `validate:"gte=0"`
	RateBurst      int           `validate:"gte=0"`

	connFactory ConnFactory
	logger      *zap.Logger
	clock       internal.Clock
}

func (opts *hostPoolOptions) applyDefaults() {
	if opts.MaxConnections == 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.connFactory == nil {
		opts.connFactory = NewConnFactory(conn.Params{})
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.RateLimit > 0 && opts.RateBurst == 0 {
		opts.RateBurst = 1
	}
}

// HostConnectionPool is a bounded set of connections to one host. Fetches
// reuse idle connections, open new ones up to the limit, and otherwise
// wait in FIFO order for a connection to be released.
//
// A connection whose fetch failed is always discarded, so a broken
// connection never affects later fetches.
type HostConnectionPool struct {
	key     HostKey
	opts    hostPoolOptions
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *zap.Logger

	// users counts fetches routed through a ConnectionPool that have not
	// finished. It is incremented with the ConnectionPool's lock held.
	users atomic.Int32

	mu sync.Mutex
	// +checklocks:mu
	idle conns.Idle
	// +checklocks:mu
	live int
	// +checklocks:mu
	pending int
	// +checklocks:mu
	closed bool
}

// NewHostConnectionPool returns an empty pool for key.
func NewHostConnectionPool(key HostKey, options ...HostPoolOption) (*HostConnectionPool, error) {
	var opts hostPoolOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	if err := internal.ValidateStruct(opts); err != nil {
		return nil, fmt.Errorf("invalid host pool options: %w", err)
	}
	pool := &HostConnectionPool{
		key:    key,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxConnections)),
		logger: opts.logger.With(zap.Stringer("host", key)),
	}
	if opts.RateLimit > 0 {
		pool.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return pool, nil
}

// Key returns the host key of the pool.
func (p *HostConnectionPool) Key() HostKey {
	return p.key
}

// Fetch performs req on a pooled connection, waiting for one if the pool
// is at capacity. Errors from the connection are returned unchanged.
func (p *HostConnectionPool) Fetch(ctx context.Context, req *message.Request) (*message.Response, error) {
	if err := p.acquire(ctx); err != nil {
		recorder.FromContext(ctx).Error(err)
		return nil, err
	}
	defer p.sem.Release(1)

	if err := p.throttle(ctx); err != nil {
		recorder.FromContext(ctx).Error(err)
		return nil, err
	}
	c, err := p.checkout()
	if err != nil {
		recorder.FromContext(ctx).Error(err)
		return nil, err
	}
	resp, err := c.Fetch(ctx, req)
	p.checkin(c, err)
	return resp, err
}

// acquire takes a capacity slot, queueing behind earlier fetches if there
// is none free.
func (p *HostConnectionPool) acquire(ctx context.Context) error {
	if p.sem.TryAcquire(1) {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.opts.MaxPending > 0 && p.pending >= p.opts.MaxPending {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", p.key, ErrPoolOverloaded)
	}
	p.pending++
	p.mu.Unlock()
	p.logger.Debug("fetch queued")

	err := p.sem.Acquire(ctx, 1)

	p.mu.Lock()
	p.pending--
	p.mu.Unlock()
	if err != nil {
		kind := fetcherr.Network
		if errors.Is(err, context.DeadlineExceeded) {
			kind = fetcherr.TimedOut
		}
		return fetcherr.New(kind, "wait for connection", err)
	}
	return nil
}

func (p *HostConnectionPool) throttle(ctx context.Context) error {
	if p.limiter == nil || p.limiter.Allow() {
		return nil
	}
	p.logger.Debug("fetch throttled", zap.Float64("limit", p.opts.RateLimit))
	if err := p.limiter.Wait(ctx); err != nil {
		kind := fetcherr.Network
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == nil {
			// Wait fails early when the wait would outlast the deadline.
			kind = fetcherr.TimedOut
		}
		return fetcherr.New(kind, "rate limit", err)
	}
	return nil
}

// checkout returns an idle connection that still looks usable, or a new
// one. The caller must hold a capacity slot.
func (p *HostConnectionPool) checkout() (conn.Conn, error) {
	for {
		c, fresh, err := p.take()
		if err != nil {
			return nil, err
		}
		if fresh || isHealthy(c) {
			return c, nil
		}
		p.discard(c, "unhealthy")
	}
}

func (p *HostConnectionPool) take() (c conn.Conn, fresh bool, err error) {
	var expired []conn.Conn
	defer func() {
		p.closeConns(expired, "idle timeout")
	}()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrPoolClosed
	}
	expired = p.expireLocked()
	if c, ok := p.idle.Pop(); ok {
		return c, false, nil
	}
	c = p.opts.connFactory(p.key)
	p.live++
	p.logger.Debug("connection created", zap.Int("live", p.live))
	return c, true, nil
}

// checkin returns c to the idle set after a successful fetch, or discards
// it.
func (p *HostConnectionPool) checkin(c conn.Conn, fetchErr error) {
	p.mu.Lock()
	reuse := fetchErr == nil && c.State() != conn.Closed && !p.closed
	if reuse {
		p.idle.Push(c, p.opts.clock.Now())
		p.mu.Unlock()
		return
	}
	p.live--
	live := p.live
	p.mu.Unlock()
	_ = c.Close()
	if fetchErr != nil {
		p.logger.Debug("connection discarded", zap.Error(fetchErr), zap.Int("live", live))
	}
}

func (p *HostConnectionPool) discard(c conn.Conn, reason string) {
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.closeConns([]conn.Conn{c}, reason)
}

// expireLocked removes idle connections past the idle timeout, keeping
// the configured minimum. The caller closes them after unlocking.
//
// +checklocks:p.mu
func (p *HostConnectionPool) expireLocked() []conn.Conn {
	expired := p.idle.Expire(p.opts.clock.Now(), p.opts.IdleTimeout, p.opts.MinConnections)
	p.live -= len(expired)
	return expired
}

func (p *HostConnectionPool) closeConns(cs []conn.Conn, reason string) {
	for _, c := range cs {
		_ = c.Close()
	}
	if len(cs) > 0 {
		p.logger.Debug("connections closed", zap.String("reason", reason), zap.Int("count", len(cs)))
	}
}

// Len returns the number of live connections, busy or idle.
func (p *HostConnectionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// IdleLen returns the number of idle connections.
func (p *HostConnectionPool) IdleLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}

// Pending returns the number of fetches waiting for a connection.
func (p *HostConnectionPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Clean closes idle connections, apart from the configured minimum.
func (p *HostConnectionPool) Clean() {
	p.closeIdle(p.opts.MinConnections)
}

// CloseIdle closes every idle connection.
func (p *HostConnectionPool) CloseIdle() {
	p.closeIdle(0)
}

func (p *HostConnectionPool) closeIdle(keep int) {
	p.mu.Lock()
	closing := p.idle.Trim(keep)
	p.live -= len(closing)
	p.mu.Unlock()
	p.closeConns(closing, "clean")
}

// reclaimable reports whether the pool has no connections and nobody
// using it, so a ConnectionPool may drop it.
func (p *HostConnectionPool) reclaimable() bool {
	if p.users.Load() > 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live == 0 && p.pending == 0
}

// Close closes the pool and its idle connections. Busy connections are
// closed when their fetch completes, and new fetches fail with
// ErrPoolClosed.
func (p *HostConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle.Drain()
	p.live -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type healthChecker interface {
	Healthy() bool
}

func isHealthy(c conn.Conn) bool {
	if c.State() == conn.Closed {
		return false
	}
	if checker, ok := c.(healthChecker); ok {
		return checker.Healthy()
	}
	return true
}
