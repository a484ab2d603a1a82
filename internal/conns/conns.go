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


// Package conns contains internal helpers relating to conn.Conn values.
package conns

import (
	"time"

	"github.com/bufbuild/crawlhttp/conn"
)

// Idle is a stack of idle connections, each stamped with the time it went
// idle. The most recently used connection is handed out first, so the
// connections that sit unused the longest are the ones that expire.
//
// Idle is not safe for concurrent use.
type Idle struct {
	entries []idleEntry
}

type idleEntry struct {
	conn  conn.Conn
	since time.Time
}

// Push adds c, idle since now.
func (s *Idle) Push(c conn.Conn, now time.Time) {
	s.entries = append(s.entries, idleEntry{conn: c, since: now})
}

// Pop removes and returns the most recently pushed connection.
func (s *Idle) Pop() (conn.Conn, bool) {
	if len(s.entries) == 0 {
		return nil, false
	}
	last := len(s.entries) - 1
	c := s.entries[last].conn
	s.entries[last] = idleEntry{}
	s.entries = s.entries[:last]
	return c, true
}

// Len returns the number of idle connections.
func (s *Idle) Len() int {
	return len(s.entries)
}

// Contains returns true if c is in the stack.
func (s *Idle) Contains(c conn.Conn) bool {
	for _, entry := range s.entries {
		if entry.conn == c {
			return true
		}
	}
	return false
}

// Expire removes and returns the connections that have been idle for at
// least timeout as of now, oldest first, but leaves at least keep
// connections in the stack. A timeout of zero or less never expires
// anything.
func (s *Idle) Expire(now time.Time, timeout time.Duration, keep int) []conn.Conn {
	if timeout <= 0 {
		return nil
	}
	var expired []conn.Conn
	for len(s.entries)-len(expired) > keep {
		entry := s.entries[len(expired)]
		if now.Sub(entry.since) < timeout {
			break
		}
		expired = append(expired, entry.conn)
	}
	if len(expired) == 0 {
		return nil
	}
	n := copy(s.entries, s.entries[len(expired):])
	clear(s.entries[n:])
	s.entries = s.entries[:n]
	return expired
}

// Trim removes and returns the oldest connections until at most keep
// remain.
func (s *Idle) Trim(keep int) []conn.Conn {
	n := len(s.entries) - max(keep, 0)
	if n <= 0 {
		return nil
	}
	trimmed := make([]conn.Conn, n)
	for i := range n {
		trimmed[i] = s.entries[i].conn
	}
	remaining := copy(s.entries, s.entries[n:])
	clear(s.entries[remaining:])
	s.entries = s.entries[:remaining]
	return trimmed
}

// Drain removes and returns every connection in the stack.
func (s *Idle) Drain() []conn.Conn {
	drained := make([]conn.Conn, len(s.entries))
	for i, entry := range s.entries {
		drained[i] = entry.conn
	}
	clear(s.entries)
	s.entries = s.entries[:0]
	return drained
}
