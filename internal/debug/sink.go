// Package debug is the structured JSONL trace sink. When enabled it appends
// per-category records ({session_id}_{category}.jsonl) that offline tooling
// correlates by session. The sink is asynchronous and bounded: a full buffer
// drops records rather than blocking callers on the hot path.
package debug

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Trace categories. Each gets its own JSONL file per session.
const (
	CategorySession        = "session"
	CategoryProvisioning   = "provisioning"
	CategoryHealth         = "health"
	CategoryVPN            = "vpn"
	CategoryCircuitBreaker = "circuit_breaker"
	CategoryPerformance    = "performance"
	CategoryStress         = "stress"
	CategoryErrors         = "errors"
)

const defaultBuffer = 1024

type record struct {
	category string
	at       time.Time
	data     map[string]any
}

// Sink writes trace records. A disabled sink is a no-op.
type Sink struct {
	enabled      bool
	logDir       string
	sessionID    string
	sessionStart time.Time

	ch      chan record
	dropped atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once

	// writers is touched only by the writer goroutine.
	writers map[string]*lumberjack.Logger
}

// New creates a sink. With enabled=false every call is a cheap no-op.
func New(enabled bool, logDir string) *Sink {
	return newSink(enabled, logDir, defaultBuffer)
}

func newSink(enabled bool, logDir string, buffer int) *Sink {
	s := &Sink{
		enabled:      enabled,
		logDir:       logDir,
		sessionID:    time.Now().Format("20060102_150405"),
		sessionStart: time.Now(),
		writers:      make(map[string]*lumberjack.Logger),
	}
	if !enabled {
		return s
	}

	s.ch = make(chan record, buffer)
	s.wg.Add(1)
	go s.loop()

	s.Log(CategorySession, map[string]any{
		"event":      "session_start",
		"session_id": s.sessionID,
	})
	return s
}

// Enabled reports whether records are being collected.
func (s *Sink) Enabled() bool { return s.enabled }

// SessionID returns the id stamped on every record of this process run.
func (s *Sink) SessionID() string { return s.sessionID }

// Dropped returns how many records were discarded on a full buffer.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Log enqueues one record. Never blocks: when the buffer is full the record
// is counted and dropped.
func (s *Sink) Log(category string, data map[string]any) {
	if !s.enabled {
		return
	}
	select {
	case s.ch <- record{category: category, at: time.Now(), data: data}:
	default:
		s.dropped.Add(1)
	}
}

// Close drains the buffer and closes the category files.
func (s *Sink) Close() {
	if !s.enabled {
		return
	}
	s.once.Do(func() {
		close(s.ch)
		s.wg.Wait()
		for _, w := range s.writers {
			w.Close()
		}
	})
}

func (s *Sink) loop() {
	defer s.wg.Done()
	for rec := range s.ch {
		s.write(rec)
	}
}

func (s *Sink) write(rec record) {
	entry := make(map[string]any, len(rec.data)+3)
	for k, v := range rec.data {
		entry[k] = v
	}
	entry["session_id"] = s.sessionID
	entry["timestamp"] = rec.at.UTC().Format(time.RFC3339Nano)
	entry["elapsed_seconds"] = rec.at.Sub(s.sessionStart).Seconds()

	w, ok := s.writers[rec.category]
	if !ok {
		w = &lumberjack.Logger{
			Filename:   filepath.Join(s.logDir, fmt.Sprintf("%s_%s.jsonl", s.sessionID, rec.category)),
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
		}
		s.writers[rec.category] = w
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	w.Write(append(line, '\n'))
}
