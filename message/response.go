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
	"bufio"
	"bytes"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bufbuild/crawlhttp/fetcherr"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/text/encoding/charmap"
)

const (
	// DefaultMaxLineBytes is the default limit for a single status, header
	// or chunk-size line.
	DefaultMaxLineBytes = 8 << 10
	// DefaultMaxHeaderBytes is the default limit for the whole header block.
	DefaultMaxHeaderBytes = 1 << 20
)

// Framing describes how a response body was delimited on the wire.
type Framing int

const (
	// FramingNone means the response has no body by definition (HEAD, 1xx,
	// 204 and 304).
	FramingNone Framing = iota
	// FramingLength means the body length came from Content-Length.
	FramingLength
	// FramingChunked means the body used chunked transfer coding.
	FramingChunked
	// FramingClose means the body ran until the server closed the
	// connection. Such a connection can never be reused.
	FramingClose
)

// Limits bounds how much data ReadResponse accepts. Zero fields use the
// package defaults.
type Limits struct {
	MaxLineBytes   int
	MaxHeaderBytes int
	// MaxBodyBytes bounds the body, whatever its framing. Zero means no
	// limit.
	MaxBodyBytes int64
}

func (l Limits) checkBody(size int64) error {
	if l.MaxBodyBytes > 0 && size > l.MaxBodyBytes {
		return fetcherr.Errorf(fetcherr.Protocol, "read body", "body exceeds %d bytes", l.MaxBodyBytes)
	}
	return nil
}

func (l Limits) withDefaults() Limits {
	if l.MaxLineBytes <= 0 {
		l.MaxLineBytes = DefaultMaxLineBytes
	}
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	return l
}

// Response is a fully read HTTP/1.x response. Values are only produced by
// ReadResponse and should be treated as read-only.
type Response struct {
	// Version is the protocol version, like "HTTP/1.1".
	Version    string
	StatusCode int
	// Reason is the reason phrase. It may be empty.
	Reason  string
	Header  Header
	Body    []byte
	Framing Framing
}

// ParseStatusLine splits a raw status line into its version, status code
// and reason phrase. Fields may be separated by any run of whitespace, and
// trailing whitespace (including CRLF) is ignored. The reason phrase may be
// missing. A reason phrase that is not valid UTF-8 is decoded as Latin-1,
// so that every byte maps to the code point of the same value.
//
// A malformed version or status code results in a fetcherr.Protocol error.
func ParseStatusLine(line []byte) (version string, code int, reason string, err error) {
	line = bytes.TrimRight(line, " \t\r\n")
	versionField, rest := cutField(line)
	codeField, rest := cutField(rest)
	if !validVersion(versionField) {
		return "", 0, "", fetcherr.Errorf(fetcherr.Protocol, "parse status line", "invalid version in %q", line)
	}
	if len(codeField) == 0 {
		return "", 0, "", fetcherr.Errorf(fetcherr.Protocol, "parse status line", "missing status code in %q", line)
	}
	code, convErr := strconv.Atoi(string(codeField))
	if !allDigits(codeField) || convErr != nil {
		return "", 0, "", fetcherr.Errorf(fetcherr.Protocol, "parse status line", "invalid status code in %q", line)
	}
	return string(versionField), code, decodeText(rest), nil
}

// cutField returns the first whitespace-delimited field of b and whatever
// follows the whitespace after it.
func cutField(b []byte) (field, rest []byte) {
	b = bytes.TrimLeft(b, " \t")
	end := bytes.IndexAny(b, " \t")
	if end < 0 {
		return b, nil
	}
	return b[:end], bytes.TrimLeft(b[end:], " \t")
}

// validVersion reports whether v looks like "HTTP/<digits>.<digits>".
func validVersion(v []byte) bool {
	num, ok := bytes.CutPrefix(v, []byte("HTTP/"))
	if !ok {
		return false
	}
	major, minor, ok := bytes.Cut(num, []byte("."))
	return ok && allDigits(major) && allDigits(minor)
}

func allDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		// ISO 8859-1 maps every byte, so this should not happen.
		return string(b)
	}
	return string(decoded)
}

// ParseVersion returns the major and minor numbers of a version string
// like "HTTP/1.0". It reports false if version is malformed.
func ParseVersion(version string) (major, minor int, ok bool) {
	if !validVersion([]byte(version)) {
		return 0, 0, false
	}
	majorStr, minorStr, _ := strings.Cut(strings.TrimPrefix(version, "HTTP/"), ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// ReadResponse reads one complete response to a request with the given
// method from br. Interim 1xx responses other than 101 are skipped.
//
// Malformed framing is reported as a fetcherr.Protocol error. I/O errors
// from br, including io.EOF and io.ErrUnexpectedEOF when the peer closes
// early, are returned as they are so the caller can classify them.
func ReadResponse(br *bufio.Reader, method string, limits Limits) (*Response, error) {
	limits = limits.withDefaults()
	for {
		line, err := readLine(br, limits.MaxLineBytes)
		if err != nil {
			return nil, err
		}
		version, code, reason, err := ParseStatusLine(line)
		if err != nil {
			return nil, err
		}
		header, err := readHeader(br, limits)
		if err != nil {
			return nil, err
		}
		if code >= 100 && code < 200 && code != 101 {
			continue
		}
		resp := &Response{
			Version:    version,
			StatusCode: code,
			Reason:     reason,
			Header:     header,
		}
		if err := readBody(br, method, resp, limits); err != nil {
			return nil, err
		}
		return resp, nil
	}
}

func readHeader(br *bufio.Reader, limits Limits) (Header, error) {
	var header Header
	total := 0
	for {
		line, err := readLine(br, limits.MaxLineBytes)
		if err != nil {
			return Header{}, err
		}
		if len(line) == 0 {
			return header, nil
		}
		total += len(line)
		if total > limits.MaxHeaderBytes {
			return Header{}, fetcherr.Errorf(fetcherr.Protocol, "read header", "header block exceeds %d bytes", limits.MaxHeaderBytes)
		}
		if line[0] == ' ' || line[0] == '\t' {
			if !header.appendValue(string(bytes.TrimSpace(line))) {
				return Header{}, fetcherr.Errorf(fetcherr.Protocol, "read header", "continuation line before first field")
			}
			continue
		}
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			return Header{}, fetcherr.Errorf(fetcherr.Protocol, "read header", "malformed field %q", line)
		}
		nameStr := string(bytes.TrimRight(name, " \t"))
		if !httpguts.ValidHeaderFieldName(nameStr) {
			return Header{}, fetcherr.Errorf(fetcherr.Protocol, "read header", "invalid field name %q", name)
		}
		header.Add(nameStr, decodeText(bytes.TrimSpace(value)))
	}
}

func readBody(br *bufio.Reader, method string, resp *Response, limits Limits) error {
	code := resp.StatusCode
	if strings.EqualFold(method, "HEAD") || (code >= 100 && code < 200) || code == 204 || code == 304 {
		resp.Framing = FramingNone
		return nil
	}
	if isChunked(resp.Header) {
		resp.Framing = FramingChunked
		body, err := readChunked(br, &resp.Header, limits)
		if err != nil {
			return err
		}
		resp.Body = body
		return nil
	}
	if values := resp.Header.Values("Content-Length"); len(values) > 0 {
		length, err := contentLength(values)
		if err != nil {
			return err
		}
		if err := limits.checkBody(length); err != nil {
			return err
		}
		resp.Framing = FramingLength
		// The buffer grows with the data that actually arrives, never
		// with the length the server claims.
		var body bytes.Buffer
		if _, err := io.CopyN(&body, br, length); err != nil {
			return unexpectedEOF(err)
		}
		resp.Body = body.Bytes()
		return nil
	}
	resp.Framing = FramingClose
	src := io.Reader(br)
	if limits.MaxBodyBytes > 0 && limits.MaxBodyBytes < math.MaxInt64 {
		src = io.LimitReader(br, limits.MaxBodyBytes+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if err := limits.checkBody(int64(len(body))); err != nil {
		return err
	}
	resp.Body = body
	return nil
}

func isChunked(header Header) bool {
	for _, value := range header.Values("Transfer-Encoding") {
		codings := strings.Split(value, ",")
		if strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked") {
			return true
		}
	}
	return false
}

// contentLength returns the single length shared by all Content-Length
// values. Repeated identical values are tolerated; differing ones are not.
func contentLength(values []string) (int64, error) {
	length := int64(-1)
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || n < 0 {
				return 0, fetcherr.Errorf(fetcherr.Protocol, "read body", "invalid Content-Length %q", value)
			}
			if length >= 0 && n != length {
				return 0, fetcherr.Errorf(fetcherr.Protocol, "read body", "conflicting Content-Length values %q", values)
			}
			length = n
		}
	}
	return length, nil
}

// readLine reads one line and returns it without the line terminator.
// A bare LF terminates a line too.
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > limit+2 {
			return nil, fetcherr.Errorf(fetcherr.Protocol, "read line", "line exceeds %d bytes", limit)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(line) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}
