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

package message

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// DefaultPort returns the well-known port for the given URL scheme: 443
// for "https" and 80 for everything else.
func DefaultPort(scheme string) int {
	if strings.EqualFold(scheme, "https") {
		return 443
	}
	return 80
}

// RequestOption customizes a request built by [NewRequest].
type RequestOption interface {
	apply(*Request)
}

// WithMethod sets the request method. The default is GET.
func WithMethod(method string) RequestOption {
	return requestOptionFunc(func(r *Request) {
		r.method = method
	})
}

// WithHeader adds a header field. It may be given more than once; fields
// are serialized in the order they were added.
func WithHeader(name, value string) RequestOption {
	return requestOptionFunc(func(r *Request) {
		r.header.Add(name, value)
	})
}

// WithBody sets the request body. The slice is retained, not copied.
func WithBody(body []byte) RequestOption {
	return requestOptionFunc(func(r *Request) {
		r.body = body
	})
}

// Request is an HTTP/1.1 request. It is immutable once built.
type Request struct {
	method string
	url    *url.URL
	header Header
	body   []byte
}

// NewRequest parses rawURL and returns a GET request for it, customized by
// opts. Only "http" and "https" URLs are accepted.
func NewRequest(rawURL string, opts ...RequestOption) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing request URL: %w", err)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("request URL %q has no host", rawURL)
	}
	if port := parsed.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("request URL %q has invalid port %q", rawURL, port)
		}
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""

	req := &Request{method: "GET", url: parsed}
	for _, opt := range opts {
		opt.apply(req)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Request) validate() error {
	if r.method == "" || !httpguts.ValidHeaderFieldName(r.method) {
		return fmt.Errorf("invalid request method %q", r.method)
	}
	for _, f := range r.header.fields {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return fmt.Errorf("invalid header field name %q", f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			// Don't include the value in the error, because it may be sensitive.
			return fmt.Errorf("invalid header field value for %q", f.Name)
		}
	}
	return nil
}

// Method returns the request method.
func (r *Request) Method() string {
	return r.method
}

// URL returns a copy of the request URL.
func (r *Request) URL() *url.URL {
	clone := *r.url
	if r.url.User != nil {
		user := *r.url.User
		clone.User = &user
	}
	return &clone
}

// Scheme returns the lower-case URL scheme.
func (r *Request) Scheme() string {
	return r.url.Scheme
}

// Hostname returns the URL host without any port or IPv6 brackets.
func (r *Request) Hostname() string {
	return r.url.Hostname()
}

// Port returns the explicit URL port, or the scheme's default port.
func (r *Request) Port() int {
	if port := r.url.Port(); port != "" {
		n, _ := strconv.Atoi(port) // validated by NewRequest
		return n
	}
	return DefaultPort(r.url.Scheme)
}

// Header returns a copy of the caller-supplied header fields.
func (r *Request) Header() Header {
	return r.header.Clone()
}

// Body returns the request body, or nil. It must not be modified.
func (r *Request) Body() []byte {
	return r.body
}

// HostHeader returns the value sent in the Host field: the host, plus the
// port only when it differs from the scheme's default.
func (r *Request) HostHeader() string {
	if value, ok := r.header.Lookup("Host"); ok {
		return value
	}
	host := r.url.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := r.Port(); port != DefaultPort(r.url.Scheme) {
		return net.JoinHostPort(r.url.Hostname(), strconv.Itoa(port))
	}
	return host
}

// HeaderBytes returns the canonical request head: the request line, the
// Host field, the remaining fields in insertion order and the terminating
// blank line, all CRLF-terminated.
func (r *Request) HeaderBytes() []byte {
	var buf bytes.Buffer
	r.writeHead(&buf)
	return buf.Bytes()
}

// WriteTo writes the request head followed by the body to w.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	r.writeHead(&buf)
	n, err := w.Write(buf.Bytes())
	total := int64(n)
	if err != nil || len(r.body) == 0 {
		return total, err
	}
	n, err = w.Write(r.body)
	total += int64(n)
	return total, err
}

func (r *Request) writeHead(buf *bytes.Buffer) {
	buf.WriteString(r.method)
	buf.WriteByte(' ')
	buf.WriteString(r.url.RequestURI())
	buf.WriteString(" HTTP/1.1\r\n")
	writeField(buf, "Host", r.HostHeader())
	for _, f := range r.header.fields {
		if strings.EqualFold(f.Name, "Host") {
			continue
		}
		writeField(buf, f.Name, f.Value)
	}
	if r.body != nil && !r.header.Has("Content-Length") && !r.header.Has("Transfer-Encoding") {
		writeField(buf, "Content-Length", strconv.Itoa(len(r.body)))
	}
	buf.WriteString("\r\n")
}

func writeField(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

type requestOptionFunc func(*Request)

func (f requestOptionFunc) apply(r *Request) {
	f(r)
}
