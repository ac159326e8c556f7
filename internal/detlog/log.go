// Package detlog keeps the most recent detection events in a bounded FIFO and
// mirrors its full contents to a CSV table after every change.
package detlog

import (
	"sync"

	"github.com/dj-oyu/cyolo-monitor/pkg/types"
)

// DefaultCapacity is the number of detections kept when none is configured.
const DefaultCapacity = 10000

// Log is a ring buffer of detections. Only the pipeline appends; any goroutine
// may take a Snapshot.
type Log struct {
	mu    sync.Mutex
	buf   []types.Detection
	start int // index of the oldest entry
	size  int
	path  string
}

// New creates a log holding at most capacity entries. When path is non-empty
// every Append rewrites the table at path.
func New(capacity int, path string) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:  make([]types.Detection, capacity),
		path: path,
	}
}

// Append adds d, evicting the oldest entry when full. The in-memory log is
// always updated; a non-nil error reports a failed table rewrite.
func (l *Log) Append(d types.Detection) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = d
		l.size++
	} else {
		l.buf[l.start] = d
		l.start = (l.start + 1) % len(l.buf)
	}

	if l.path == "" {
		return nil
	}
	return writeTable(l.path, l.copyLocked())
}

// Reset empties the log and truncates the table to its header.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.buf)
	l.start = 0
	l.size = 0

	if l.path == "" {
		return nil
	}
	return writeTable(l.path, nil)
}

// Snapshot returns a copy of the entries, oldest first.
func (l *Log) Snapshot() []types.Detection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyLocked()
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Cap returns the maximum number of entries.
func (l *Log) Cap() int {
	return len(l.buf)
}

// Path returns the persisted table location, or "" for a memory-only log.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) copyLocked() []types.Detection {
	out := make([]types.Detection, l.size)
	n := copy(out, l.buf[l.start:min(l.start+l.size, len(l.buf))])
	copy(out[n:], l.buf[:l.size-n])
	return out
}
