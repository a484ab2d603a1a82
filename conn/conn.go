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


// Package conn provides the representation of a physical connection to a
// single host. A [Connection] owns at most one TCP (optionally TLS) socket
// and runs one request/response transaction at a time over it, keeping the
// socket open between transactions when the server allows it.
//
// Connections are usually created and recycled by a pool in the
// [github.com/bufbuild/crawlhttp] package. Every error returned by Fetch is
// a [fetcherr.Error], and a connection that fails is never reused.
package conn

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/crawlhttp/fetcherr"
	"github.com/bufbuild/crawlhttp/message"
	"github.com/bufbuild/crawlhttp/recorder"
)

// State is the lifecycle state of a connection.
type State int32

const (
	// Disconnected is the state of a new connection: no socket is open.
	Disconnected State = iota
	// Connecting means a socket is being opened.
	Connecting
	// Connected means a socket is open and idle.
	Connected
	// InUse means a fetch is in progress.
	InUse
	// Closed is terminal. A closed connection can never be used again.
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case InUse:
		return "in use"
	case Closed:
		return "closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

var (
	// ErrClosed is wrapped by errors from Fetch on a closed connection.
	ErrClosed = errors.New("connection is closed")
	// ErrBusy is returned by Fetch when another fetch is in progress.
	ErrBusy = errors.New("connection is in use")
)

// healthCheckWait is how long Healthy waits for a hung-up peer to show up
// as EOF.
const healthCheckWait = time.Millisecond

// healthCheckIdle is how long a connection must have been idle before
// Healthy probes the socket. A peer rarely hangs up sooner than that.
const healthCheckIdle = time.Second

//nolint:gochecknoglobals
var aLongTimeAgo = time.Unix(1, 0)

// Conn is a connection that can perform fetches. It is implemented by
// *Connection; pools accept the interface so that tests can substitute
// their own.
type Conn interface {
	// Fetch sends req and reads the complete response. Any error leaves
	// the connection Closed.
	Fetch(ctx context.Context, req *message.Request) (*message.Response, error)
	// State returns the current lifecycle state.
	State() State
	// Close closes the socket, if any, and makes the connection Closed.
	Close() error
}

// Connection is a Conn to one host and port.
type Connection struct {
	host      string
	port      int
	useTLS    bool
	params    Params
	tlsConfig *tls.Config
	tlsErr    error

	state atomic.Int32

	// mu is held for the whole of a fetch.
	mu        sync.Mutex
	netConn   net.Conn
	br        *bufio.Reader
	idleSince time.Time
	// probeAfter is healthCheckIdle, except in tests.
	probeAfter time.Duration
}

var _ Conn = (*Connection)(nil)

// New returns a disconnected connection to host and port. The socket is
// opened by the first Fetch.
func New(host string, port int, useTLS bool, params Params) *Connection {
	conn := &Connection{
		host:       host,
		port:       port,
		useTLS:     useTLS,
		params:     params,
		probeAfter: healthCheckIdle,
	}
	if useTLS {
		conn.tlsConfig, conn.tlsErr = params.tlsConfig(host)
	}
	return conn
}

// Host returns the host the connection connects to.
func (c *Connection) Host() string {
	return c.host
}

// Port returns the port the connection connects to.
func (c *Connection) Port() int {
	return c.port
}

// TLS reports whether the connection uses TLS.
func (c *Connection) TLS() bool {
	return c.useTLS
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Fetch performs one transaction: it connects if needed, writes req, reads
// the response and then either keeps the socket for another fetch or
// closes it, according to ShouldClose.
//
// Errors are classified as fetcherr kinds: certificate problems are
// SSLVerification, timeouts are TimedOut, malformed responses are Protocol
// and everything else is Network. Any error closes the connection. A
// recorder in ctx is told about the bytes sent and received.
func (c *Connection) Fetch(ctx context.Context, req *message.Request) (_ *message.Response, retErr error) {
	if !c.mu.TryLock() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()

	tracker := recorder.FromContext(ctx)
	defer func() {
		if retErr != nil {
			tracker.Error(retErr)
		}
	}()

	if c.State() == Closed {
		return nil, fetcherr.New(fetcherr.Network, "fetch", ErrClosed)
	}
	if c.netConn == nil {
		if err := c.connect(ctx); err != nil {
			_ = c.closeLocked()
			return nil, err
		}
	}
	c.state.Store(int32(InUse))
	resp, reusable, err := c.transact(ctx, req, tracker)
	if err != nil {
		_ = c.closeLocked()
		return nil, err
	}
	if !reusable || mustClose(resp) {
		_ = c.closeLocked()
	} else {
		c.idleSince = time.Now()
		c.state.Store(int32(Connected))
	}
	return resp, nil
}

func (c *Connection) connect(ctx context.Context) error {
	c.state.Store(int32(Connecting))
	if c.tlsErr != nil {
		return fetcherr.New(fetcherr.SSLVerification, "tls config", c.tlsErr)
	}
	if c.params.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.params.ConnectTimeout)
		defer cancel()
	}
	addresses, err := c.addresses(ctx)
	if err != nil {
		return classify(ctx, "resolve", err)
	}
	var (
		dialer  net.Dialer
		netConn net.Conn
		errs    []error
	)
	for _, address := range addresses {
		netConn, err = dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			break
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if netConn == nil {
		return classify(ctx, "connect", errors.Join(errs...))
	}
	if c.useTLS {
		tlsConn := tls.Client(netConn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = netConn.Close()
			return classify(ctx, "tls handshake", err)
		}
		netConn = tlsConn
	}
	c.netConn = netConn
	c.br = bufio.NewReader(netConn)
	c.state.Store(int32(Connected))
	return nil
}

func (c *Connection) addresses(ctx context.Context) ([]string, error) {
	if c.params.Resolver == nil {
		return []string{net.JoinHostPort(c.host, strconv.Itoa(c.port))}, nil
	}
	addresses, err := c.params.Resolver.Resolve(ctx, c.host, c.port)
	if err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: c.host, IsNotFound: true}
	}
	return addresses, nil
}

// transact runs one request/response exchange on the open socket. It
// reports the socket as not reusable if ctx interrupted it, even when the
// exchange itself completed.
func (c *Connection) transact(
	ctx context.Context,
	req *message.Request,
	tracker *recorder.Tracker,
) (resp *message.Response, reusable bool, err error) {
	rw := &fetchConn{
		conn:         c.netConn,
		ctx:          ctx,
		readTimeout:  c.params.ReadTimeout,
		writeTimeout: c.params.WriteTimeout,
		done:         make(chan struct{}),
	}
	if tracker != nil {
		rw.received = &bytes.Buffer{}
	}
	stop := context.AfterFunc(ctx, rw.interrupt)
	defer func() {
		if !stop() {
			<-rw.done
			reusable = false
		}
	}()

	if _, err := req.WriteTo(rw); err != nil {
		return nil, false, classify(ctx, "write request", err)
	}
	if tracker != nil {
		sent := req.HeaderBytes()
		tracker.Request(append(sent, req.Body()...))
	}
	c.br.Reset(rw)
	resp, err = message.ReadResponse(c.br, req.Method(), c.params.limits())
	if rw.received != nil {
		tracker.Response(rw.received.Bytes())
	}
	if err != nil {
		return nil, false, classify(ctx, "read response", err)
	}
	return resp, true, nil
}

// Healthy reports whether an idle connection can be used for another
// fetch. A connection whose peer has hung up, or has sent data nobody
// asked for, is closed and reported as unhealthy. The socket is only
// probed once the connection has been idle for a second; a connection
// used more recently is assumed to be healthy.
func (c *Connection) Healthy() bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()
	switch c.State() {
	case Closed:
		return false
	case Disconnected:
		return true
	case Connecting, Connected, InUse:
	}
	if c.netConn == nil {
		return true
	}
	if c.br.Buffered() > 0 {
		_ = c.closeLocked()
		return false
	}
	if time.Since(c.idleSince) < c.probeAfter {
		return true
	}
	_ = c.netConn.SetReadDeadline(time.Now().Add(healthCheckWait))
	var peek [1]byte
	n, err := c.netConn.Read(peek[:])
	_ = c.netConn.SetReadDeadline(time.Time{})
	if n == 0 && isTimeout(err) {
		return true
	}
	_ = c.closeLocked()
	return false
}

// Close closes the socket, waiting for a fetch in progress to finish.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	c.state.Store(int32(Closed))
	if c.netConn == nil {
		return nil
	}
	err := c.netConn.Close()
	c.netConn = nil
	c.br = nil
	return err
}

func (c *Connection) String() string {
	scheme := "http"
	if c.useTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s (%s)", scheme, net.JoinHostPort(c.host, strconv.Itoa(c.port)), c.State())
}

// fetchConn applies the per-operation timeouts of one fetch to a socket.
// Each read and each write gets a fresh deadline, capped by the deadline
// of ctx. Cancelling ctx forces the deadline into the past, unblocking any
// operation in progress.
type fetchConn struct {
	conn         net.Conn
	ctx          context.Context //nolint:containedctx
	readTimeout  time.Duration
	writeTimeout time.Duration
	received     *bytes.Buffer

	mu          sync.Mutex
	interrupted bool
	done        chan struct{}
}

func (f *fetchConn) Read(p []byte) (int, error) {
	if err := f.arm(f.conn.SetReadDeadline, f.readTimeout); err != nil {
		return 0, err
	}
	n, err := f.conn.Read(p)
	if f.received != nil && n > 0 {
		f.received.Write(p[:n])
	}
	return n, err
}

func (f *fetchConn) Write(p []byte) (int, error) {
	if err := f.arm(f.conn.SetWriteDeadline, f.writeTimeout); err != nil {
		return 0, err
	}
	return f.conn.Write(p)
}

func (f *fetchConn) arm(setDeadline func(time.Time) error, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interrupted {
		return f.ctx.Err()
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := f.ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	return setDeadline(deadline)
}

func (f *fetchConn) interrupt() {
	defer close(f.done)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = true
	_ = f.conn.SetDeadline(aLongTimeAgo)
}
