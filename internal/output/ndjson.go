// Package output renders events, status and errors for the CLI, either as
// newline-delimited JSON for machines or as styled text for people.
package output

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/vburojevic/rtckeep/internal/domain"
)

// SchemaVersion is stamped on every line this package writes.
const SchemaVersion = domain.SchemaVersion

// Writer is implemented by NDJSONWriter and TextWriter.
type Writer interface {
	WriteEvent(ev domain.Event) error
	WriteStatus(process string, status any) error
	WriteError(code, message string, hint ...string) error
	WriteReady(process, socket string) error
}

// ErrorOutput is an error line.
type ErrorOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
}

// StatusOutput wraps a process status snapshot.
type StatusOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	Process       string `json:"process"`
	Status        any    `json:"status"`
}

// ReadyOutput is written once a long-running process is serving.
type ReadyOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	Process       string `json:"process"`
	Socket        string `json:"socket,omitempty"`
}

// NDJSONWriter writes one JSON object per line. It is safe for concurrent use.
type NDJSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{enc: json.NewEncoder(w), now: time.Now}
}

func (w *NDJSONWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(v)
}

func (w *NDJSONWriter) stamp() string {
	return w.now().UTC().Format(time.RFC3339Nano)
}

func (w *NDJSONWriter) WriteEvent(ev domain.Event) error {
	return w.write(ev)
}

func (w *NDJSONWriter) WriteStatus(process string, status any) error {
	return w.write(StatusOutput{
		Type:          "status",
		SchemaVersion: SchemaVersion,
		Timestamp:     w.stamp(),
		Process:       process,
		Status:        status,
	})
}

func (w *NDJSONWriter) WriteError(code, message string, hint ...string) error {
	out := ErrorOutput{
		Type:          "error",
		SchemaVersion: SchemaVersion,
		Code:          code,
		Message:       message,
	}
	if len(hint) > 0 {
		out.Hint = hint[0]
	}
	return w.write(out)
}

func (w *NDJSONWriter) WriteReady(process, socket string) error {
	return w.write(ReadyOutput{
		Type:          "ready",
		SchemaVersion: SchemaVersion,
		Timestamp:     w.stamp(),
		Process:       process,
		Socket:        socket,
	})
}
