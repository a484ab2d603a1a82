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
	"slices"
	"strings"
)

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields. Lookups are case-insensitive,
// but names are kept as given and fields are serialized in the order they
// were added.
//
// The zero value is an empty header ready to use.
type Header struct {
	fields []Field
}

// Add appends a field, keeping any existing fields with the same name.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces the value of the first field named name and removes any
// other fields with that name. If there is no such field, it is appended.
func (h *Header) Set(name, value string) {
	idx := h.index(name)
	if idx < 0 {
		h.Add(name, value)
		return
	}
	h.fields[idx].Value = value
	rest := slices.DeleteFunc(h.fields[idx+1:], func(f Field) bool {
		return strings.EqualFold(f.Name, name)
	})
	h.fields = h.fields[:idx+1+len(rest)]
}

// Del removes all fields named name.
func (h *Header) Del(name string) {
	h.fields = slices.DeleteFunc(h.fields, func(f Field) bool {
		return strings.EqualFold(f.Name, name)
	})
}

// Get returns the value of the first field named name, or the empty
// string if there is none.
func (h Header) Get(name string) string {
	if idx := h.index(name); idx >= 0 {
		return h.fields[idx].Value
	}
	return ""
}

// Lookup is like Get but also reports whether the field was present.
func (h Header) Lookup(name string) (string, bool) {
	if idx := h.index(name); idx >= 0 {
		return h.fields[idx].Value, true
	}
	return "", false
}

// Values returns the values of all fields named name, in order.
func (h Header) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Has reports whether a field named name is present.
func (h Header) Has(name string) bool {
	return h.index(name) >= 0
}

// Len returns the number of fields.
func (h Header) Len() int {
	return len(h.fields)
}

// Fields returns a copy of the fields in order.
func (h Header) Fields() []Field {
	return slices.Clone(h.fields)
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	return Header{fields: slices.Clone(h.fields)}
}

func (h Header) index(name string) int {
	return slices.IndexFunc(h.fields, func(f Field) bool {
		return strings.EqualFold(f.Name, name)
	})
}

// appendValue extends the last field's value, for obsolete line folding.
func (h *Header) appendValue(more string) bool {
	if len(h.fields) == 0 {
		return false
	}
	last := &h.fields[len(h.fields)-1]
	if last.Value == "" {
		last.Value = more
	} else {
		last.Value += " " + more
	}
	return true
}
