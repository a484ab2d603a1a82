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


package conn

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/bufbuild/crawlhttp/internal"
	"github.com/bufbuild/crawlhttp/message"
	"github.com/bufbuild/crawlhttp/resolver"
)

// Params configures a Connection. It is passed by value and never
// modified after the connection is created.
//
// The zero value is usable: no timeouts besides those of the context given
// to Fetch, no certificate verification and the system resolver.
type Params struct {
	// ConnectTimeout bounds the TCP connect and the TLS handshake.
	ConnectTimeout time.Duration `validate:"gte=0"`
	// ReadTimeout bounds each read from the socket, so a response that
	// keeps trickling in does not time out.
	ReadTimeout time.Duration `validate:"gte=0"`
	// WriteTimeout bounds each write to the socket.
	WriteTimeout time.Duration `validate:"gte=0"`

	// VerifyCertificates enables verification of the server's certificate
	// chain and host name.
	VerifyCertificates bool
	// RootCAs is the trust store used when verifying. If nil, CACertFile
	// is loaded instead, and if that is empty the system pool is used.
	RootCAs *x509.CertPool
	// CACertFile is a PEM bundle of trusted CA certificates.
	CACertFile string `validate:"omitempty,file"`

	// Resolver resolves the connection's host. If nil, the host is dialed
	// directly and the dialer does its own name resolution.
	Resolver resolver.Resolver

	// MaxLineBytes and MaxHeaderBytes bound the response header. Zero
	// means the defaults of the message package.
	MaxLineBytes   int `validate:"gte=0"`
	MaxHeaderBytes int `validate:"gte=0"`
	// MaxBodyBytes bounds the response body. Zero means no limit.
	MaxBodyBytes int64 `validate:"gte=0"`
}

// Validate reports whether p is consistent.
func (p Params) Validate() error {
	if err := internal.ValidateStruct(p); err != nil {
		return fmt.Errorf("invalid connection params: %w", err)
	}
	return nil
}

func (p Params) limits() message.Limits {
	return message.Limits{
		MaxLineBytes:   p.MaxLineBytes,
		MaxHeaderBytes: p.MaxHeaderBytes,
		MaxBodyBytes:   p.MaxBodyBytes,
	}
}

func (p Params) tlsConfig(serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !p.VerifyCertificates, //nolint:gosec // verification is opt-in for crawling
		NextProtos:         []string{"http/1.1"},
		MinVersion:         tls.VersionTLS12,
	}
	switch {
	case p.RootCAs != nil:
		cfg.RootCAs = p.RootCAs
	case p.CACertFile != "":
		pem, err := os.ReadFile(p.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificates: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", p.CACertFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
