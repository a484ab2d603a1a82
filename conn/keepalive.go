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
	"strings"

	"github.com/bufbuild/crawlhttp/message"
)

// ShouldClose reports whether a connection must be closed after a response
// with the given protocol version and Connection header value.
//
// Below HTTP/1.1 the connection is closed unless the header asks for
// keep-alive ("keep-alive" or "keepalive"). From HTTP/1.1 on it is kept
// unless the header is "close". Values are compared case-insensitively and
// anything unrecognized falls back to the version's default.
func ShouldClose(version, connection string) bool {
	value := strings.TrimSpace(connection)
	major, minor, ok := message.ParseVersion(version)
	if !ok || major < 1 || (major == 1 && minor < 1) {
		return !strings.EqualFold(value, "keep-alive") && !strings.EqualFold(value, "keepalive")
	}
	return strings.EqualFold(value, "close")
}

func mustClose(resp *message.Response) bool {
	return resp.Framing == message.FramingClose ||
		ShouldClose(resp.Version, resp.Header.Get("Connection"))
}
