// Package audit appends one JSON line per served generation to a rotating
// file. Appends never block the request path and never fail it: records are
// handed to a writer goroutine through a bounded buffer, and write errors are
// logged and dropped.
package audit

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultBuffer = 256

// timestampLayout is UTC with microseconds and a literal Z.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Record is one served generation with the parameters actually used.
type Record struct {
	Timestamp    time.Time
	Prompt       string
	MaxNewTokens int
	Temperature  float64
	TopP         float64
	DoSample     bool
	Prediction   string
}

type recordJSON struct {
	Timestamp    string  `json:"timestamp"`
	Prompt       string  `json:"prompt"`
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	DoSample     bool    `json:"do_sample"`
	Prediction   string  `json:"prediction"`
}

// MarshalJSON writes the record with a UTC timestamp.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Timestamp:    r.Timestamp.UTC().Format(timestampLayout),
		Prompt:       r.Prompt,
		MaxNewTokens: r.MaxNewTokens,
		Temperature:  r.Temperature,
		TopP:         r.TopP,
		DoSample:     r.DoSample,
		Prediction:   r.Prediction,
	})
}

// Options configure a Log.
type Options struct {
	Enabled bool
	Path    string
	// Rotation limits handed to lumberjack. Zero MaxSizeMB uses lumberjack's
	// default; zero MaxBackups keeps every rotated file.
	MaxSizeMB  int
	MaxBackups int
	// Buffer is the number of records that may wait for the writer.
	Buffer int
	Logger zerolog.Logger
}

// Log is an asynchronous JSON-lines audit log. The zero value and a nil *Log
// are disabled.
type Log struct {
	log zerolog.Logger

	// state guards closed and sends on ch.
	state  sync.RWMutex
	closed bool
	ch     chan Record
	done   chan struct{}

	// mu serializes file writes.
	mu sync.Mutex
	w  io.WriteCloser

	dropped atomic.Uint64
}

// New opens the audit log described by opts. A disabled log accepts appends
// and discards them.
func New(opts Options) *Log {
	if !opts.Enabled || opts.Path == "" {
		return &Log{log: opts.Logger}
	}
	w := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
	return newWithWriter(w, opts.Buffer, opts.Logger)
}

func newWithWriter(w io.WriteCloser, buffer int, logger zerolog.Logger) *Log {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	l := &Log{
		log:  logger,
		ch:   make(chan Record, buffer),
		done: make(chan struct{}),
		w:    w,
	}
	go l.run()
	return l
}

// Enabled reports whether appended records are written anywhere.
func (l *Log) Enabled() bool { return l != nil && l.ch != nil }

// Append queues rec for writing. When the buffer is full the record is
// dropped with a warning.
func (l *Log) Append(rec Record) {
	if !l.Enabled() {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	l.state.RLock()
	defer l.state.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- rec:
	default:
		n := l.dropped.Add(1)
		l.log.Warn().Uint64("dropped_total", n).Msg("audit buffer full, record dropped")
	}
}

// Dropped returns how many records were discarded because the buffer was full.
func (l *Log) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

func (l *Log) run() {
	defer close(l.done)
	for rec := range l.ch {
		l.write(rec)
	}
}

func (l *Log) write(rec Record) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		l.log.Error().Err(err).Msg("audit encode failed")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(buf.Bytes()); err != nil {
		l.log.Error().Err(err).Msg("audit write failed")
	}
}

// Close flushes queued records and closes the file. Appends after Close are
// ignored.
func (l *Log) Close() error {
	if !l.Enabled() {
		return nil
	}
	l.state.Lock()
	if l.closed {
		l.state.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.state.Unlock()
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
