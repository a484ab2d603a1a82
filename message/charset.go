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
	"fmt"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// ParseCharset returns the value of the charset parameter of a
// Content-Type header value. The parameter name is matched
// case-insensitively and surrounding single or double quotes are removed.
// It reports false when there is no charset or its value is empty.
//
// The name is not checked against any registry of encodings.
func ParseCharset(contentType string) (string, bool) {
	params := strings.Split(contentType, ";")
	// The first element is the media type itself.
	for _, param := range params[1:] {
		key, value, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "charset") {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		value = strings.TrimSpace(value)
		if value == "" {
			return "", false
		}
		return value, true
	}
	return "", false
}

// Charset returns the charset named by the response's Content-Type.
func (r *Response) Charset() (string, bool) {
	return ParseCharset(r.Header.Get("Content-Type"))
}

// Text decodes the body to a string using the charset from Content-Type.
// Bodies without a charset, or naming UTF-8, are returned as is.
func (r *Response) Text() (string, error) {
	name, ok := r.Charset()
	if !ok {
		return string(r.Body), nil
	}
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}
	if enc == nil || enc == encoding.Nop {
		return string(r.Body), nil
	}
	decoded, err := enc.NewDecoder().Bytes(r.Body)
	if err != nil {
		return "", fmt.Errorf("decoding body as %s: %w", name, err)
	}
	return string(decoded), nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	lower := strings.ToLower(name)
	if lower == "utf-8" || lower == "utf8" || lower == "utf_8" {
		return nil, nil
	}
	if enc, _ := charset.Lookup(lower); enc != nil {
		return enc, nil
	}
	enc, err := ianaindex.MIME.Encoding(lower)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", name)
	}
	return enc, nil
}
