// Package recorder is a JSONL flight recorder. Each session owns two
// files inside its run directory: a trace bundle written by the core
// (navigation attempts, loop transitions, act outcomes) and an event
// recording fed by the browser's console/network stream.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event represents a single record in the flight recorder.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Recorder manages one JSONL file. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
}

// Open creates (or truncates) the recorder file, making parent
// directories as needed.
func Open(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recorder dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		file:    f,
		encoder: json.NewEncoder(f),
		path:    path,
	}, nil
}

// Log writes an event. Writes after Close are silently dropped so
// late goroutines cannot crash teardown.
func (r *Recorder) Log(eventType, sessionID string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}

	evt := Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	}

	_ = r.encoder.Encode(evt)
}

// Path returns the absolute location of the recorder file.
func (r *Recorder) Path() string {
	abs, err := filepath.Abs(r.path)
	if err != nil {
		return r.path
	}
	return abs
}

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
