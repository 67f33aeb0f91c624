// Package logbuf keeps a bounded, in-memory record of recent diagnostic
// messages for the /logs endpoint.
package logbuf

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries retained when none is configured.
const DefaultCapacity = 200

// Entry is one diagnostic record. Entries are immutable once appended.
type Entry struct {
	TS    int64  `json:"ts"`
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

// Buffer is a fixed-capacity FIFO ring. When full, Append overwrites the
// oldest entry.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	size    int
	clock   func() time.Time
}

// New creates a buffer holding at most capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries: make([]Entry, capacity),
		clock:   time.Now,
	}
}

// Append records a message stamped with the current time in epoch seconds.
func (b *Buffer) Append(level, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := Entry{TS: b.clock().Unix(), Level: level, Msg: msg}
	capacity := len(b.entries)
	if b.size < capacity {
		b.entries[(b.start+b.size)%capacity] = entry
		b.size++
		return
	}
	b.entries[b.start] = entry
	b.start = (b.start + 1) % capacity
}

// Snapshot returns a copy of the retained entries, oldest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, b.size)
	capacity := len(b.entries)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.start+i)%capacity]
	}
	return out
}

// Len reports the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap reports the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.entries)
}
