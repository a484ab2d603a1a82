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
	"strconv"

	"github.com/bufbuild/crawlhttp/fetcherr"
)

// readChunked reads a chunked body to its end. Trailer fields are added
// to header.
func readChunked(br *bufio.Reader, header *Header, limits Limits) ([]byte, error) {
	var body bytes.Buffer
	for {
		size, err := readChunkSize(br, limits.MaxLineBytes)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			break
		}
		if err := limits.checkBody(size); err != nil {
			return nil, err
		}
		if err := limits.checkBody(int64(body.Len()) + size); err != nil {
			return nil, err
		}
		if _, err := io.CopyN(&body, br, size); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if err := expectCRLF(br); err != nil {
			return nil, err
		}
	}
	trailer, err := readHeader(br, limits)
	if err != nil {
		return nil, err
	}
	for _, f := range trailer.fields {
		header.Add(f.Name, f.Value)
	}
	return body.Bytes(), nil
}

func readChunkSize(br *bufio.Reader, limit int) (int64, error) {
	line, err := readLine(br, limit)
	if err != nil {
		return 0, err
	}
	// Strip chunk extensions: "<hex>;<ext>"
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, fetcherr.Errorf(fetcherr.Protocol, "read chunk", "empty chunk size line")
	}
	n, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || n < 0 {
		return 0, fetcherr.Errorf(fetcherr.Protocol, "read chunk", "invalid chunk size %q", line)
	}
	return n, nil
}

func expectCRLF(br *bufio.Reader) error {
	b, err := br.ReadByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	if b == '\r' {
		if b, err = br.ReadByte(); err != nil {
			return unexpectedEOF(err)
		}
	}
	if b != '\n' {
		return fetcherr.Errorf(fetcherr.Protocol, "read chunk", "missing CRLF after chunk data")
	}
	return nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
