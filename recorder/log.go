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


package recorder

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultMaxLogBytes is how much of each request or response a log
// recorder includes in its entries.
const DefaultMaxLogBytes = 4 << 10

type logRecorder struct {
	logger   *zap.Logger
	maxBytes int
}

// NewLogRecorder returns a Recorder that writes every event to logger at
// debug level, with the raw bytes truncated to maxBytes. A maxBytes of
// zero or less uses DefaultMaxLogBytes.
func NewLogRecorder(logger *zap.Logger, maxBytes int) Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLogBytes
	}
	return &logRecorder{logger: logger, maxBytes: maxBytes}
}

func (l *logRecorder) OnRequest(ev Event, data []byte) {
	if ce := l.logger.Check(zapcore.DebugLevel, "request sent"); ce != nil {
		ce.Write(l.fields(ev, data)...)
	}
}

func (l *logRecorder) OnResponse(ev Event, data []byte) {
	if ce := l.logger.Check(zapcore.DebugLevel, "response received"); ce != nil {
		ce.Write(l.fields(ev, data)...)
	}
}

func (l *logRecorder) OnError(ev Event, err error) {
	l.logger.Debug("fetch failed",
		zap.Stringer("fetch_id", ev.FetchID),
		zap.String("target", ev.Target),
		zap.String("method", ev.Method),
		zap.String("url", ev.URL),
		zap.Error(err))
}

func (l *logRecorder) fields(ev Event, data []byte) []zap.Field {
	shown := data
	if len(shown) > l.maxBytes {
		shown = shown[:l.maxBytes]
	}
	return []zap.Field{
		zap.Stringer("fetch_id", ev.FetchID),
		zap.String("target", ev.Target),
		zap.String("method", ev.Method),
		zap.String("url", ev.URL),
		zap.Int("bytes", len(data)),
		zap.ByteString("data", shown),
		zap.Bool("truncated", len(shown) < len(data)),
	}
}
