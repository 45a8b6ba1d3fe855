// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package logging

import (
	"bytes"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// MaxLogLineBytes caps a single framed log line from a backend stream.
// Backend output is untrusted; longer lines are split at the cap so a
// backend that never emits a newline cannot grow the buffer unbounded.
const MaxLogLineBytes = 16 * 1024

// LineWriter is an io.Writer that frames an untrusted byte stream into
// newline-delimited records and emits each as one structured log event.
// It is used to relay backend stdout/stderr (process pipes or demuxed
// container log streams) into the global logger.
//
// Thread Safety: Write may be called from one goroutine at a time per
// LineWriter; the internal buffer is still mutex-guarded because process
// pipe readers and container demuxers differ in how they deliver chunks.
type LineWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	emit   func(line string)
	closed bool
}

// NewLineWriter creates a LineWriter that logs each framed line at the given
// level, tagged with the backend hostname and stream name ("stdout"/"stderr").
func NewLineWriter(hostname, stream string, level zerolog.Level) *LineWriter {
	logger := With().Str("hostname", hostname).Str("stream", stream).Logger()
	return &LineWriter{
		emit: func(line string) {
			logger.WithLevel(level).Msg(line)
		},
	}
}

// NewLineWriterFunc creates a LineWriter with a custom emit function.
// Used by tests to capture framed lines.
func NewLineWriterFunc(emit func(line string)) *LineWriter {
	return &LineWriter{emit: emit}
}

// Write implements io.Writer. Complete lines are emitted immediately; a
// trailing partial line is buffered until the next write or Close. Lines
// longer than MaxLogLineBytes are emitted in cap-sized chunks.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if w.buf.Len() >= MaxLogLineBytes {
				w.emitTrimmed(data[:MaxLogLineBytes])
				w.buf.Next(MaxLogLineBytes)
				continue
			}
			break
		}
		w.emitTrimmed(data[:idx])
		w.buf.Next(idx + 1)
	}
	return len(p), nil
}

// Close flushes any buffered partial line and marks the writer closed.
// Subsequent writes fail with io.ErrClosedPipe.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.buf.Len() > 0 {
		w.emitTrimmed(w.buf.Bytes())
		w.buf.Reset()
	}
	return nil
}

// emitTrimmed strips a trailing CR and skips empty lines.
func (w *LineWriter) emitTrimmed(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return
	}
	w.emit(string(line))
}
