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

// Package message encodes HTTP/1.1 requests and decodes HTTP/1.x
// responses. It knows nothing about sockets or concurrency: requests are
// serialized to an [io.Writer] and responses are parsed from a
// [bufio.Reader].
//
// The encoding of a request is deterministic. For example:
//
//	req, _ := message.NewRequest("http://example.com/robots.txt")
//	req.HeaderBytes() // "GET /robots.txt HTTP/1.1\r\nHost: example.com\r\n\r\n"
//
// Parsing is lenient where servers are known to be sloppy (whitespace in
// the status line, reason phrases that are not UTF-8) and strict where
// being lenient would make framing ambiguous (Content-Length, chunk sizes).
// Parsing either yields a complete [Response] or an error, never both.
package message
