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


// Package resolver provides name resolution for connections. A [Resolver]
// turns a host name and port into the list of "ip:port" addresses that a
// connection tries in order.
//
// [NewDNSResolver] queries DNS through a [net.Resolver], with control over
// which address families are used. [NewCachingResolver] wraps any Resolver
// and keeps its answers for a fixed TTL, which matters for a crawler that
// opens many connections to the same hosts.
package resolver
