// Package eventlog keeps bounded in-memory logs of recent gateway traffic so
// the monitoring endpoints can report on requests and failures without any
// persistent storage.
package eventlog

import (
	"sync"
	"time"
)

const (
	// RequestCapacity bounds the request log.
	RequestCapacity = 100
	// ErrorCapacity bounds the error log.
	ErrorCapacity = 50
)

// Entry is a single logged request or failure.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Origin     string    `json:"origin"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	Kind       string    `json:"kind,omitempty"`
}

// Log is a fixed-capacity ring buffer of entries. Appending beyond capacity
// evicts the oldest entry. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	size    int
}

// NewLog builds a log holding at most capacity entries. A non-positive
// capacity falls back to RequestCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = RequestCapacity
	}
	return &Log{entries: make([]Entry, capacity)}
}

// Append records an entry, evicting the oldest when the buffer is full.
func (l *Log) Append(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tail := (l.head + l.size) % len(l.entries)
	l.entries[tail] = entry
	if l.size < len(l.entries) {
		l.size++
		return
	}
	l.head = (l.head + 1) % len(l.entries)
}

// Recent returns up to limit of the most recent entries ordered oldest to
// newest. A non-positive or oversized limit returns everything retained.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := l.size
	if limit > 0 && limit < count {
		count = limit
	}
	result := make([]Entry, 0, count)
	start := l.size - count
	for i := start; i < l.size; i++ {
		result = append(result, l.entries[(l.head+i)%len(l.entries)])
	}
	return result
}

// Len reports how many entries the log currently retains.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Summary aggregates retained entries by path and method.
type Summary struct {
	Total    int            `json:"total"`
	ByPath   map[string]int `json:"byPath"`
	ByMethod map[string]int `json:"byMethod"`
}

// Summarize computes counts over the retained entries.
func (l *Log) Summarize() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	summary := Summary{
		Total:    l.size,
		ByPath:   make(map[string]int),
		ByMethod: make(map[string]int),
	}
	for i := 0; i < l.size; i++ {
		entry := l.entries[(l.head+i)%len(l.entries)]
		summary.ByPath[entry.Path]++
		summary.ByMethod[entry.Method]++
	}
	return summary
}
