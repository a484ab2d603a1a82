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
	"net/netip"
	"strconv"
)

// AddressFamilyAffinity is an option that allows control over the preference
// for which addresses to consider when resolving, based on their address
// family.
type AddressFamilyAffinity int

const (
	// PreferIPv4 will result in only IPv4 addresses being used, if any
	// IPv4 addresses are present. If no IPv4 addresses are resolved, then
	// all addresses will be used.
	PreferIPv4 AddressFamilyAffinity = iota

	// RequireIPv4 will result in only IPv4 addresses being used. If no IPv4
	// addresses are present, no addresses will be resolved.
	RequireIPv4

	// PreferIPv6 will result in only IPv6 addresses being used, if any
	// IPv6 addresses are present. If no IPv6 addresses are resolved, then
	// all addresses will be used.
	PreferIPv6

	// RequireIPv6 will result in only IPv6 addresses being used. If no IPv6
	// addresses are present, no addresses will be resolved.
	RequireIPv6

	// UseBothIPv4AndIPv6 will result in all addresses being used, regardless of
	// their address family.
	UseBothIPv4AndIPv6
)

// Resolver resolves a host name into the addresses a connection may dial.
type Resolver interface {
	// Resolve returns "ip:port" addresses for host, in the order they
	// should be tried. An IP literal host resolves to itself. It returns
	// an error if no usable address was found.
	Resolve(ctx context.Context, host string, port int) ([]string, error)
}

// NewDNSResolver creates a new resolver that resolves DNS names using the
// given [net.Resolver], or [net.DefaultResolver] if it is nil. The
// specified address family affinity value can be used to prefer or require
// either IPv4 or IPv6 addresses, in cases where there are both A and AAAA
// records.
func NewDNSResolver(
	resolver *net.Resolver,
	affinity AddressFamilyAffinity,
) Resolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &dnsResolver{
		resolver: resolver,
		affinity: affinity,
	}
}

type dnsResolver struct {
	resolver *net.Resolver
	affinity AddressFamilyAffinity
}

func (r *dnsResolver) Resolve(ctx context.Context, host string, port int) ([]string, error) {
	var addresses []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		addresses = []netip.Addr{addr}
	} else {
		network := "ip"
		switch r.affinity {
		case RequireIPv4:
			network = "ip4"
		case RequireIPv6:
			network = "ip6"
		}
		addresses, err = r.resolver.LookupNetIP(ctx, network, host)
		if err != nil {
			return nil, err
		}
	}
	addresses = r.filter(addresses)
	if len(addresses) == 0 {
		return nil, &net.DNSError{
			Err:        "no suitable address found",
			Name:       host,
			IsNotFound: true,
		}
	}
	portStr := strconv.Itoa(port)
	result := make([]string, len(addresses))
	for i, address := range addresses {
		result[i] = net.JoinHostPort(address.Unmap().String(), portStr)
	}
	return result, nil
}

func (r *dnsResolver) filter(addresses []netip.Addr) []netip.Addr {
	var ip4Addresses, ip6Addresses []netip.Addr
	for _, address := range addresses {
		if address.Is4() || address.Is4In6() {
			ip4Addresses = append(ip4Addresses, address)
		} else {
			ip6Addresses = append(ip6Addresses, address)
		}
	}
	switch r.affinity {
	case PreferIPv4:
		if len(ip4Addresses) > 0 {
			return ip4Addresses
		}
	case RequireIPv4:
		return ip4Addresses
	case PreferIPv6:
		if len(ip6Addresses) > 0 {
			return ip6Addresses
		}
	case RequireIPv6:
		return ip6Addresses
	case UseBothIPv4AndIPv6:
	}
	return addresses
}
