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
	"net/http"
	"strings"
	"testing"

	"github.com/bufbuild/crawlhttp/fetcherr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func TestRequestHeaderBytes(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("http://example.com/robots.txt")
	require.NoError(t, err)
	assert.Equal(t, "GET /robots.txt HTTP/1.1\r\nHost: example.com\r\n\r\n", string(req.HeaderBytes()))

	req, err = NewRequest("https://example.com:4567/robots.txt")
	require.NoError(t, err)
	assert.Equal(t, "GET /robots.txt HTTP/1.1\r\nHost: example.com:4567\r\n\r\n", string(req.HeaderBytes()))

	req, err = NewRequest("https://example.com:443/")
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n", string(req.HeaderBytes()))

	req, err = NewRequest("http://example.com?q=1#frag")
	require.NoError(t, err)
	assert.Equal(t, "GET /?q=1 HTTP/1.1\r\nHost: example.com\r\n\r\n", string(req.HeaderBytes()))

	req, err = NewRequest("http://[::1]:8080/a")
	require.NoError(t, err)
	assert.Equal(t, "GET /a HTTP/1.1\r\nHost: [::1]:8080\r\n\r\n", string(req.HeaderBytes()))
}

func TestRequestHeaderOrder(t *testing.T) {
	t.Parallel()

	req, err := NewRequest(
		"http://example.com/submit?x=y",
		WithMethod("POST"),
		WithHeader("User-Agent", "crawler/1.0"),
		WithHeader("Accept", "*/*"),
		WithHeader("accept", "text/html"),
		WithBody([]byte("hello")),
	)
	require.NoError(t, err)
	assert.Equal(t,
		"POST /submit?x=y HTTP/1.1\r\n"+
			"Host: example.com\r\n"+
			"User-Agent: crawler/1.0\r\n"+
			"Accept: */*\r\n"+
			"accept: text/html\r\n"+
			"Content-Length: 5\r\n"+
			"\r\n",
		string(req.HeaderBytes()),
	)
	assert.Equal(t, []string{"*/*", "text/html"}, req.Header().Values("ACCEPT"))

	var buf bytes.Buffer
	n, err := req.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.True(t, strings.HasSuffix(buf.String(), "\r\n\r\nhello"))
}

func TestRequestParsedByServer(t *testing.T) {
	t.Parallel()

	req, err := NewRequest(
		"http://example.com:8080/path/to?a=b&c=d",
		WithMethod("PUT"),
		WithHeader("X-One", "1"),
		WithHeader("X-Two", "two words"),
		WithBody([]byte("payload")),
	)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = req.WriteTo(&buf)
	require.NoError(t, err)

	parsed, err := http.ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "PUT", parsed.Method)
	assert.Equal(t, "/path/to?a=b&c=d", parsed.RequestURI)
	assert.Equal(t, "example.com:8080", parsed.Host)
	assert.Equal(t, "1", parsed.Header.Get("X-One"))
	assert.Equal(t, "two words", parsed.Header.Get("X-Two"))
	body, err := io.ReadAll(parsed.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestNewRequestErrors(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		url  string
		opts []RequestOption
	}{
		{name: "bad scheme", url: "ftp://example.com/"},
		{name: "no host", url: "http:///path"},
		{name: "bad port", url: "http://example.com:99999/"},
		{name: "bad method", url: "http://example.com/", opts: []RequestOption{WithMethod("GE T")}},
		{name: "bad header name", url: "http://example.com/", opts: []RequestOption{WithHeader("Bad(", "v")}},
		{name: "bad header value", url: "http://example.com/", opts: []RequestOption{WithHeader("X", "a\r\nb")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRequest(tc.url, tc.opts...)
			require.Error(t, err)
		})
	}
}

func TestRequestImmutable(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("http://example.com/a", WithHeader("X", "1"))
	require.NoError(t, err)
	u := req.URL()
	u.Path = "/changed"
	h := req.Header()
	h.Set("X", "2")
	assert.Equal(t, "/a", req.URL().Path)
	assert.Equal(t, "1", req.Header().Get("X"))
}

func TestParseStatusLine(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		line    string
		version string
		code    int
		reason  string
	}{
		{line: "HTTP/1.0 200 OK", version: "HTTP/1.0", code: 200, reason: "OK"},
		{line: "HTTP/1.0 404 Not Found", version: "HTTP/1.0", code: 404, reason: "Not Found"},
		{line: "HTTP/1.1  200   OK", version: "HTTP/1.1", code: 200, reason: "OK"},
		{line: "HTTP/1.1  200", version: "HTTP/1.1", code: 200, reason: ""},
		{line: "HTTP/1.1  200  ", version: "HTTP/1.1", code: 200, reason: ""},
		{line: "HTTP/1.1\t302\tFound\r\n", version: "HTTP/1.1", code: 302, reason: "Found"},
	} {
		version, code, reason, err := ParseStatusLine([]byte(tc.line))
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.version, version, tc.line)
		assert.Equal(t, tc.code, code, tc.line)
		assert.Equal(t, tc.reason, reason, tc.line)
	}

	for _, line := range []string{"HTTP/1.0", "HTTP/2.0", "", "HTTP/1 200 OK", "HTTP/1.x 200 OK", "HTTP/1.1 abc OK", "FTP/1.1 200 OK", "HTTP/1.1 +200 OK", "HTTP/1.1 -1 Bad"} {
		_, _, _, err := ParseStatusLine([]byte(line))
		require.ErrorIs(t, err, fetcherr.Protocol, line)
	}
}

func TestParseStatusLineLatin1(t *testing.T) {
	t.Parallel()

	raw, err := charmap.ISO8859_1.NewEncoder().String("HTTP/1.1 200 ððð")
	require.NoError(t, err)
	version, code, reason, err := ParseStatusLine([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1", version)
	assert.Equal(t, 200, code)
	assert.Equal(t, "ððð", reason)

	_, code, reason, err = ParseStatusLine([]byte("HTTP/1.0 404 N\x99t \x0eounz\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 404, code)
	assert.Equal(t, "N\u0099t \u000eounz", reason)

	// Re-encoding the reason as Latin-1 yields the original bytes.
	encoded, err := charmap.ISO8859_1.NewEncoder().String(reason)
	require.NoError(t, err)
	assert.Equal(t, "N\x99t \x0eounz", encoded)
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	major, minor, ok := ParseVersion("HTTP/1.0")
	assert.True(t, ok)
	assert.Equal(t, 1, major)
	assert.Equal(t, 0, minor)
	major, minor, ok = ParseVersion("HTTP/1.12")
	assert.True(t, ok)
	assert.Equal(t, 1, major)
	assert.Equal(t, 12, minor)
	_, _, ok = ParseVersion("HTTP/1")
	assert.False(t, ok)
}

func TestParseCharset(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		contentType string
		charset     string
		ok          bool
	}{
		{contentType: "text/plain"},
		{contentType: "text/plain; charset="},
		{contentType: "text/plain; charset=utf_8", charset: "utf_8", ok: true},
		{contentType: `text/plain; charset="UTF-8"`, charset: "UTF-8", ok: true},
		{contentType: "text/plain; charset='Utf8'", charset: "Utf8", ok: true},
		{contentType: `text/plain; CHARSET="UTF-8"`, charset: "UTF-8", ok: true},
		{contentType: `text/html; charset=iso-8859-1; format=flowed`, charset: "iso-8859-1", ok: true},
		{contentType: `text/plain; charset=""`},
		{contentType: "text/html; xcharset=foo"},
		{contentType: "text/html; xcharset=foo; Charset = koi8-r", charset: "koi8-r", ok: true},
		{contentType: "charset=utf-8"},
	} {
		charset, ok := ParseCharset(tc.contentType)
		assert.Equal(t, tc.ok, ok, tc.contentType)
		assert.Equal(t, tc.charset, charset, tc.contentType)
	}
}

func readResponse(t *testing.T, raw, method string) (*Response, error) {
	t.Helper()
	return ReadResponse(bufio.NewReader(strings.NewReader(raw)), method, Limits{})
}

func TestReadResponseFraming(t *testing.T) {
	t.Parallel()

	resp, err := readResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhelloEXTRA", "GET")
	require.NoError(t, err)
	assert.Equal(t, FramingLength, resp.Framing)
	assert.Equal(t, "hello", string(resp.Body))

	resp, err = readResponse(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3;ext=1\r\nhey\r\n2\r\n!!\r\n0\r\nX-Trailer: yes\r\n\r\n", "GET")
	require.NoError(t, err)
	assert.Equal(t, FramingChunked, resp.Framing)
	assert.Equal(t, "hey!!", string(resp.Body))
	assert.Equal(t, "yes", resp.Header.Get("x-trailer"))

	resp, err = readResponse(t, "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nuntil close", "GET")
	require.NoError(t, err)
	assert.Equal(t, FramingClose, resp.Framing)
	assert.Equal(t, "until close", string(resp.Body))

	resp, err = readResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, FramingNone, resp.Framing)
	assert.Empty(t, resp.Body)

	resp, err = readResponse(t, "HTTP/1.1 304 Not Modified\r\n\r\n", "GET")
	require.NoError(t, err)
	assert.Equal(t, FramingNone, resp.Framing)

	resp, err = readResponse(t, "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nok", "POST")
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestReadResponseHeaders(t *testing.T) {
	t.Parallel()

	resp, err := readResponse(t, "HTTP/1.1 200 OK\nX-Folded: one\r\n  two\r\nSet-Cookie: a=1\r\nSet-Cookie: b=2\r\nContent-Length: 0\r\n\r\n", "GET")
	require.NoError(t, err)
	assert.Equal(t, "one two", resp.Header.Get("X-Folded"))
	assert.Equal(t, []string{"a=1", "b=2"}, resp.Header.Values("set-cookie"))
	assert.Equal(t, []Field{
		{Name: "X-Folded", Value: "one two"},
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "Set-Cookie", Value: "b=2"},
		{Name: "Content-Length", Value: "0"},
	}, resp.Header.Fields())
}

func TestReadResponseErrors(t *testing.T) {
	t.Parallel()

	protocolErrors := []string{
		"HTTP/1.1 200 OK\r\nNo colon here\r\n\r\n",
		"HTTP/1.1 200 OK\r\nBad(Name: v\r\n\r\n",
		"HTTP/1.1 200 OK\r\n folded first\r\n\r\n",
		"HTTP/1.1 200 OK\r\nContent-Length: abc\r\n\r\n",
		"HTTP/1.1 200 OK\r\nContent-Length: 5, 6\r\n\r\nhello!",
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n",
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nheyXX0\r\n\r\n",
		"garbage\r\n\r\n",
	}
	for _, raw := range protocolErrors {
		resp, err := readResponse(t, raw, "GET")
		assert.Nil(t, resp, raw)
		assert.ErrorIs(t, err, fetcherr.Protocol, raw)
	}

	_, err := readResponse(t, "", "GET")
	assert.ErrorIs(t, err, io.EOF)
	_, err = readResponse(t, "HTTP/1.1 200 OK\r\nContent-Len", "GET")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = readResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort", "GET")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	// A claimed length is not trusted before the data arrives.
	require.NotPanics(t, func() {
		_, err = readResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 9223372036854775807\r\n\r\nshort", "GET")
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = readResponse(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n7fffffffffffffff\r\nshort", "GET")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadResponse(
		bufio.NewReader(strings.NewReader("HTTP/1.1 200 OK\r\nX-Long: "+strings.Repeat("a", 100)+"\r\n\r\n")),
		"GET",
		Limits{MaxLineBytes: 32},
	)
	assert.ErrorIs(t, err, fetcherr.Protocol)
}

func TestReadResponseMaxBodyBytes(t *testing.T) {
	t.Parallel()

	limits := Limits{MaxBodyBytes: 4}
	for _, raw := range []string{
		"HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello",
		"HTTP/1.1 200 OK\r\nContent-Length: 1000000000000\r\n\r\nhello",
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nhey\r\n2\r\n!!\r\n0\r\n\r\n",
		"HTTP/1.1 200 OK\r\n\r\nuntil close",
	} {
		resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET", limits)
		assert.Nil(t, resp, raw)
		assert.ErrorIs(t, err, fetcherr.Protocol, raw)
	}

	resp, err := ReadResponse(bufio.NewReader(strings.NewReader("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\nfour")), "GET", limits)
	require.NoError(t, err)
	assert.Equal(t, "four", string(resp.Body))
	resp, err = ReadResponse(bufio.NewReader(strings.NewReader("HTTP/1.1 200 OK\r\n\r\nfour")), "GET", limits)
	require.NoError(t, err)
	assert.Equal(t, "four", string(resp.Body))
}

func TestResponseText(t *testing.T) {
	t.Parallel()

	resp := &Response{Body: []byte("caf\xe9")}
	resp.Header.Set("Content-Type", "text/plain; charset=ISO-8859-1")
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "café", text)

	resp = &Response{Body: []byte("plain")}
	text, err = resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "plain", text)

	resp = &Response{Body: []byte("x")}
	resp.Header.Set("Content-Type", "text/plain; charset=no-such-charset")
	_, err = resp.Text()
	assert.Error(t, err)
}

func TestHeaderSetAndDel(t *testing.T) {
	t.Parallel()

	var h Header
	h.Add("A", "1")
	h.Add("B", "2")
	h.Add("a", "3")
	h.Add("C", "4")
	h.Set("A", "9")
	assert.Equal(t, []Field{{"A", "9"}, {"B", "2"}, {"C", "4"}}, h.Fields())
	h.Del("b")
	assert.Equal(t, 2, h.Len())
	assert.False(t, h.Has("B"))
	value, ok := h.Lookup("c")
	assert.True(t, ok)
	assert.Equal(t, "4", value)
}
