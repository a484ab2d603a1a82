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
	"time"

	"github.com/bufbuild/crawlhttp/conn"
	"github.com/bufbuild/crawlhttp/internal"
	"github.com/bufbuild/crawlhttp/message"
	"github.com/bufbuild/crawlhttp/recorder"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const tracerName = "github.com/bufbuild/crawlhttp"

// ErrClientClosed is returned by Fetch after the client was closed.
var ErrClientClosed = errors.New("client is closed")

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	apply(*clientOptions)
}

// WithConnectionPool makes the client fetch through the given pool. The
// caller keeps ownership of the pool: Close does not close it. When this
// option is used, WithConnectionParams and WithMaxConnectionsPerHost have
// no effect.
func WithConnectionPool(pool *ConnectionPool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.pool = pool
	})
}

// WithConnectionParams configures the connections the client creates.
func WithConnectionParams(params conn.Params) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.params = params
	})
}

// WithMaxConnectionsPerHost limits the connections to each host. The
// default is DefaultMaxConnections.
func WithMaxConnectionsPerHost(maxConns int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.MaxConnsPerHost = maxConns
	})
}

// WithLogger sets the logger for the client and the pools it creates.
// The default discards everything.
func WithLogger(logger *zap.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithRecorder sets a recorder that observes every fetch. A recorder
// passed to Fetch is notified in addition to this one.
func WithRecorder(rec recorder.Recorder) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.recorder = rec
	})
}

// WithTracerProvider sets the OpenTelemetry tracer provider used to create
// a span for every fetch. By default no spans are recorded.
func WithTracerProvider(provider trace.TracerProvider) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tracerProvider = provider
	})
}

// WithCleanInterval makes the client call Clean on its connection pool
// periodically. By default the pool is only cleaned when the caller
// calls Client.Clean.
func WithCleanInterval(interval time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.CleanInterval = interval
	})
}

// WithRootContext configures the root context used for any background
// goroutines that the client may create. If not specified,
// [context.Background] is used.
//
// Cancelling the context stops background cleaning; it does not close
// the client.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	rootCtx         context.Context //nolint:containedctx
	pool            *ConnectionPool
	params          conn.Params
	MaxConnsPerHost int           `validate:"gte=0"`
	CleanInterval   time.Duration `validate:"gte=0"`
	logger          *zap.Logger
	recorder        recorder.Recorder
	tracerProvider  trace.TracerProvider
	clock           internal.Clock
}

func (opts *clientOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.tracerProvider == nil {
		opts.tracerProvider = noop.NewTracerProvider()
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
	if opts.MaxConnsPerHost == 0 {
		opts.MaxConnsPerHost = DefaultMaxConnections
	}
}

// FetchOption is an option that applies to a single fetch.
type FetchOption interface {
	applyToFetch(*fetchOptions)
}

// WithFetchRecorder sets a recorder for a single fetch.
func WithFetchRecorder(rec recorder.Recorder) FetchOption {
	return fetchOptionFunc(func(opts *fetchOptions) {
		opts.recorder = rec
	})
}

type fetchOptionFunc func(*fetchOptions)

func (f fetchOptionFunc) applyToFetch(opts *fetchOptions) {
	f(opts)
}

type fetchOptions struct {
	recorder recorder.Recorder
}

// Client fetches requests through a ConnectionPool. It never retries: a
// failed fetch returns the error of the connection or pool unchanged, and
// callers that want another attempt call Fetch again.
type Client struct {
	pool     *ConnectionPool
	ownsPool bool
	recorder recorder.Recorder
	logger   *zap.Logger
	tracer   trace.Tracer

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu     sync.RWMutex
	closed bool
}

// NewClient returns a new client that uses the given options.
func NewClient(options ...ClientOption) (*Client, error) {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	if err := opts.params.Validate(); err != nil {
		return nil, err
	}
	if err := internal.ValidateStruct(opts); err != nil {
		return nil, fmt.Errorf("invalid client options: %w", err)
	}

	client := &Client{
		pool:     opts.pool,
		recorder: opts.recorder,
		logger:   opts.logger,
		tracer:   opts.tracerProvider.Tracer(tracerName),
		done:     make(chan struct{}),
	}
	if client.pool == nil {
		client.ownsPool = true
		client.pool = NewConnectionPool(
			WithPoolLogger(opts.logger),
			WithHostPoolOptions(
				WithMaxConnections(opts.MaxConnsPerHost),
				WithConnFactory(NewConnFactory(opts.params)),
			),
		)
	}
	var ctx context.Context
	ctx, client.cancel = context.WithCancel(opts.rootCtx)
	if opts.CleanInterval > 0 {
		go client.cleanLoop(ctx, opts.clock, opts.CleanInterval)
	} else {
		close(client.done)
	}
	return client, nil
}

// Fetch performs req and returns the complete response. Each call gets a
// new fetch ID that is reported to recorders and attached to the trace
// span of the fetch.
func (c *Client) Fetch(ctx context.Context, req *message.Request, options ...FetchOption) (*message.Response, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClientClosed
	}
	var opts fetchOptions
	for _, opt := range options {
		opt.applyToFetch(&opts)
	}

	key := HostKeyOf(req)
	fetchID := uuid.New()
	rawURL := req.URL().String()
	if c.recorder != nil || opts.recorder != nil {
		ctx = recorder.NewContext(ctx, recorder.Multi(c.recorder, opts.recorder), recorder.Event{
			FetchID: fetchID,
			Target:  key.String(),
			Method:  req.Method(),
			URL:     rawURL,
		})
	}
	ctx, span := c.tracer.Start(ctx, "crawlhttp.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("crawlhttp.fetch_id", fetchID.String()),
			attribute.String("http.request.method", req.Method()),
			attribute.String("url.full", rawURL),
			attribute.String("server.address", key.Host),
			attribute.Int("server.port", key.Port),
		),
	)
	defer span.End()

	resp, err := c.pool.Fetch(ctx, key, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("fetch failed",
			zap.Stringer("fetch_id", fetchID),
			zap.Stringer("host", key),
			zap.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// ConnectionPool returns the pool the client fetches through.
func (c *Client) ConnectionPool() *ConnectionPool {
	return c.pool
}

// Clean cleans the client's connection pool. See ConnectionPool.Clean.
func (c *Client) Clean() {
	c.pool.Clean()
}

func (c *Client) cleanLoop(ctx context.Context, clock internal.Clock, interval time.Duration) {
	defer close(c.done)
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.pool.Clean()
		}
	}
}

// Close stops background cleaning and, unless the pool was supplied with
// WithConnectionPool, closes the pool. Fetches in progress complete, but
// new fetches fail with ErrClientClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		<-c.done
		if c.ownsPool {
			c.closeErr = c.pool.Close()
		}
	})
	return c.closeErr
}
