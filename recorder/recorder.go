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


// Package recorder provides a side channel for observing the raw protocol
// traffic of fetches. A [Recorder] is told about the bytes of each request
// sent, the bytes of each response received and any error that ended a
// fetch.
//
// Recorders travel with a fetch in its [context.Context], in the same way
// [net/http/httptrace] hooks do. They are purely informational: a recorder
// cannot change the outcome of a fetch, and a panicking recorder is
// contained.
package recorder

import (
	"context"

	"github.com/google/uuid"
)

// Event identifies the fetch a recorder callback belongs to. All callbacks
// for one fetch carry the same FetchID.
type Event struct {
	FetchID uuid.UUID
	// Target is the host key of the fetch, like "https://example.com:443".
	Target string
	Method string
	URL    string
}

// Recorder receives raw protocol events. Implementations must be safe for
// concurrent use and should return quickly, since they are called on the
// fetching goroutine.
type Recorder interface {
	// OnRequest is called with the bytes written to the connection: the
	// request head followed by the body, if any.
	OnRequest(ev Event, data []byte)
	// OnResponse is called with the raw bytes read from the connection for
	// one response.
	OnResponse(ev Event, data []byte)
	// OnError is called when a fetch fails.
	OnError(ev Event, err error)
}

// Nop is a Recorder that ignores every event.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) OnRequest(Event, []byte)  {}
func (Nop) OnResponse(Event, []byte) {}
func (Nop) OnError(Event, error)     {}

// Multi returns a Recorder that forwards each event to all of recs in
// order. Nil entries are skipped.
func Multi(recs ...Recorder) Recorder {
	var filtered multi
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		if nested, ok := rec.(multi); ok {
			filtered = append(filtered, nested...)
			continue
		}
		filtered = append(filtered, rec)
	}
	switch len(filtered) {
	case 0:
		return Nop{}
	case 1:
		return filtered[0]
	default:
		return filtered
	}
}

type multi []Recorder

func (m multi) OnRequest(ev Event, data []byte) {
	for _, rec := range m {
		rec.OnRequest(ev, data)
	}
}

func (m multi) OnResponse(ev Event, data []byte) {
	for _, rec := range m {
		rec.OnResponse(ev, data)
	}
}

func (m multi) OnError(ev Event, err error) {
	for _, rec := range m {
		rec.OnError(ev, err)
	}
}

type trackerKey struct{}

// NewContext returns a copy of ctx that carries rec along with the event
// describing the fetch. A nil rec returns ctx unchanged.
func NewContext(ctx context.Context, rec Recorder, ev Event) context.Context {
	if rec == nil {
		return ctx
	}
	return context.WithValue(ctx, trackerKey{}, &Tracker{rec: rec, ev: ev})
}

// FromContext returns the Tracker stored in ctx by NewContext, or nil. All
// Tracker methods may be called on a nil Tracker.
func FromContext(ctx context.Context) *Tracker {
	tracker, _ := ctx.Value(trackerKey{}).(*Tracker)
	return tracker
}

// Tracker binds a Recorder to the Event of one fetch.
type Tracker struct {
	rec Recorder
	ev  Event
}

// Event returns the event the tracker reports with.
func (t *Tracker) Event() Event {
	if t == nil {
		return Event{}
	}
	return t.ev
}

// Request reports bytes sent.
func (t *Tracker) Request(data []byte) {
	if t == nil || len(data) == 0 {
		return
	}
	defer t.recover()
	t.rec.OnRequest(t.ev, data)
}

// Response reports bytes received.
func (t *Tracker) Response(data []byte) {
	if t == nil || len(data) == 0 {
		return
	}
	defer t.recover()
	t.rec.OnResponse(t.ev, data)
}

// Error reports a failed fetch.
func (t *Tracker) Error(err error) {
	if t == nil || err == nil {
		return
	}
	defer t.recover()
	t.rec.OnError(t.ev, err)
}

func (t *Tracker) recover() {
	// A misbehaving recorder must not take the fetch down with it.
	_ = recover()
}
