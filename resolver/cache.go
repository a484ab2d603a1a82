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


package resolver

import (
	"context"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/bufbuild/crawlhttp/internal"
	"golang.org/x/sync/singleflight"
)

// DefaultLookupTimeout bounds a lookup made by a caching resolver. Lookups
// are shared by all callers asking for the same host, so they do not end
// with any one caller's context.
const DefaultLookupTimeout = 30 * time.Second

// NewCachingResolver returns a Resolver that remembers successful results
// of other for ttl. Concurrent lookups of the same host and port are
// collapsed into a single call to other. Failures are not cached.
//
// A caller whose context ends while a lookup is in progress gets the
// context's error right away; the lookup continues for the other callers,
// for at most DefaultLookupTimeout.
func NewCachingResolver(other Resolver, ttl time.Duration) Resolver {
	return &cachingResolver{
		resolver:      other,
		ttl:           ttl,
		lookupTimeout: DefaultLookupTimeout,
		clock:         internal.NewRealClock(),
		entries:       map[string]cacheEntry{},
	}
}

type cacheEntry struct {
	addresses []string
	expires   time.Time
}

type cachingResolver struct {
	resolver      Resolver
	ttl           time.Duration
	lookupTimeout time.Duration
	clock         internal.Clock
	group         singleflight.Group

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func (c *cachingResolver) Resolve(ctx context.Context, host string, port int) ([]string, error) {
	key := net.JoinHostPort(host, strconv.Itoa(port))
	if addresses, ok := c.lookup(key); ok {
		return addresses, nil
	}
	results := c.group.DoChan(key, func() (any, error) {
		// Other callers may be waiting on this lookup too, so it is
		// detached from the caller's cancellation.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupTimeout)
		defer cancel()
		addresses, err := c.resolver.Resolve(lookupCtx, host, port)
		if err != nil {
			return nil, err
		}
		c.store(key, addresses)
		return addresses, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		addresses, _ := result.Val.([]string)
		return slices.Clone(addresses), nil
	}
}

func (c *cachingResolver) lookup(key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return slices.Clone(entry.addresses), true
}

func (c *cachingResolver) store(key string, addresses []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	// Sweep expired entries so that the map tracks only hosts in use.
	for k, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{addresses: addresses, expires: now.Add(c.ttl)}
}
