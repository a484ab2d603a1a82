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


// Package crawlhttp is an HTTP/1.1 client engine for web crawlers. It
// fetches one complete response per request, over connections it pools
// per host, and reports every failure as one of a small set of error kinds
// (see package fetcherr) so that crawl schedulers can decide what to do
// next.
//
// To fetch pages, create a [Client] and pass it requests built with
// [message.NewRequest]:
//
//	client, err := crawlhttp.NewClient()
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	req, err := message.NewRequest("https://example.com/robots.txt")
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Fetch(ctx, req)
//
// The client never retries. A fetch that fails is reported once and the
// connection it used is discarded.
//
// # Pooling
//
// Connections are grouped by [HostKey]: the scheme, the normalized host
// and the port of the request. Each host gets a [HostConnectionPool] that
// opens at most [DefaultMaxConnections] connections (configurable with
// [WithMaxConnectionsPerHost]). Fetches beyond that wait for a connection
// in FIFO order. Idle connections are reused, most recently used first,
// and checked for a server-side close before being handed out.
//
// A [ConnectionPool] maps host keys to host pools. It is safe for
// concurrent use and grows as new hosts are fetched. Call
// [ConnectionPool.Clean], or configure [WithCleanInterval], to close idle
// connections and drop host pools that are no longer in use; a long crawl
// touches many hosts and would otherwise keep all of them.
//
// # Observability
//
// Every fetch gets a unique ID. Recorders set with [WithRecorder] or
// [WithFetchRecorder] see the raw bytes sent and received under that ID
// (see package recorder), and a span is started for each fetch on the
// tracer provider given to [WithTracerProvider].
package crawlhttp
