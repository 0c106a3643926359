package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// rotation keeps one event file per registration session. Each Open
// flushes and closes the previous file.
type rotation struct {
	dir    string
	prefix string

	mu             sync.Mutex
	outputFile     *os.File
	bufferedWriter *bufio.Writer
}

func newRotation(dir, prefix string) *rotation {
	if dir == "" {
		return nil
	}
	return &rotation{dir: dir, prefix: prefix}
}

func (r *rotation) path(session int) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s-session-%d.ndjson", r.prefix, session))
}

// Open starts the file for session. Writes go through a line writer that
// flushes per event so a crash loses at most one line.
func (r *rotation) Open(session int) (writer *lineWriter, path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create output dir: %w", err)
	}
	path = r.path(session)
	r.outputFile, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create output file: %w", err)
	}
	r.bufferedWriter = bufio.NewWriter(r.outputFile)
	return &lineWriter{r: r, w: r.bufferedWriter}, path, nil
}

func (r *rotation) closeLocked() {
	if r.bufferedWriter != nil {
		r.bufferedWriter.Flush()
		r.bufferedWriter = nil
	}
	if r.outputFile != nil {
		r.outputFile.Close()
		r.outputFile = nil
	}
}

func (r *rotation) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

// lineWriter flushes after every write and goes quiet once its file has
// been rotated away.
type lineWriter struct {
	r *rotation
	w *bufio.Writer
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	if l.r.bufferedWriter != l.w {
		return 0, os.ErrClosed
	}
	n, err := l.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, l.w.Flush()
}
