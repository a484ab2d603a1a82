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
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/bufbuild/crawlhttp/message"
	"golang.org/x/net/idna"
)

// Hosts on the web do not always follow the strict domain-name rules
// (underscores are common), so only the IDNA mapping is enforced.
//
//nolint:gochecknoglobals
var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.StrictDomainName(false),
	idna.Transitional(false),
)

// HostKey identifies the remote endpoint of a HostConnectionPool. Two
// requests share connections exactly when their host keys are equal.
type HostKey struct {
	// Scheme is "http" or "https".
	Scheme string
	// Host is the lower-case ASCII (punycode) host name or an IP literal
	// without brackets.
	Host string
	Port int
}

// NewHostKey returns the normalized host key for the given parts. The
// scheme is lower-cased, the host is converted to its ASCII form and a
// zero port is replaced by the scheme's default.
func NewHostKey(scheme, host string, port int) HostKey {
	scheme = strings.ToLower(scheme)
	if port == 0 {
		port = message.DefaultPort(scheme)
	}
	return HostKey{Scheme: scheme, Host: normalizeHost(host), Port: port}
}

// HostKeyOf returns the host key of the request's URL.
func HostKeyOf(req *message.Request) HostKey {
	return NewHostKey(req.Scheme(), req.Hostname(), req.Port())
}

func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.String()
	}
	ascii, err := hostProfile.ToASCII(host)
	if err != nil {
		// Let name resolution report the problem.
		return strings.ToLower(host)
	}
	return ascii
}

// TLS reports whether connections for the key use TLS.
func (k HostKey) TLS() bool {
	return k.Scheme == "https"
}

// Address returns the "host:port" form of the key.
func (k HostKey) Address() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

func (k HostKey) String() string {
	return k.Scheme + "://" + k.Address()
}
