// Package feedlog provides a key-partitioned, append-only in-memory log with
// replay and live tailing. Each key has its own offset sequence starting at 0.
package feedlog

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNegativeOffset is returned when a negative offset is provided
	ErrNegativeOffset = errors.New("offset cannot be negative")
	// ErrNegativeMaxCount is returned when a negative max count is provided
	ErrNegativeMaxCount = errors.New("max count cannot be negative")
	// ErrClosed is returned by operations on a closed log
	ErrClosed = errors.New("feed log closed")
)

// Entry is one appended value and its position.
type Entry[T any] struct {
	Offset    int64
	Key       string
	Value     T
	Timestamp time.Time
}

// Statistics summarizes the log contents.
type Statistics struct {
	TotalEntries int64
	KeyCounts    map[string]int64
	KeyCount     int
}

// Log stores values per key. When a retention limit is set, the oldest entries of
// a key are dropped once it is exceeded; offsets keep increasing.
// It is safe for concurrent use.
type Log[T any] struct {
	mu          sync.RWMutex
	entries     map[string][]Entry[T]
	nextOffsets map[string]int64
	retention   int
	changed     chan struct{}
	closed      bool
}

// New creates a log. A retention of zero or less keeps every entry.
func New[T any](retention int) *Log[T] {
	return &Log[T]{
		entries:     make(map[string][]Entry[T]),
		nextOffsets: make(map[string]int64),
		retention:   retention,
		changed:     make(chan struct{}),
	}
}

// Append stores value under key and returns the stored entry.
func (l *Log[T]) Append(ctx context.Context, key string, value T) (Entry[T], error) {
	select {
	case <-ctx.Done():
		return Entry[T]{}, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Entry[T]{}, ErrClosed
	}

	entry := Entry[T]{
		Offset:    l.nextOffsets[key],
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
	entries := append(l.entries[key], entry)
	if l.retention > 0 && len(entries) > l.retention {
		entries = append([]Entry[T](nil), entries[len(entries)-l.retention:]...)
	}
	l.entries[key] = entries
	l.nextOffsets[key]++

	close(l.changed)
	l.changed = make(chan struct{})
	return entry, nil
}

// Read returns up to maxCount entries of key starting at startOffset.
func (l *Log[T]) Read(ctx context.Context, key string, startOffset int64, maxCount int) ([]Entry[T], error) {
	if startOffset < 0 {
		return nil, ErrNegativeOffset
	}
	if maxCount < 0 {
		return nil, ErrNegativeMaxCount
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	results := make([]Entry[T], 0)
	for _, e := range l.since(key, startOffset) {
		if len(results) >= maxCount {
			break
		}
		results = append(results, e)
	}
	return results, nil
}

// EndOffset returns the next offset that will be assigned for key.
func (l *Log[T]) EndOffset(key string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextOffsets[key]
}

// Last returns the most recent entry of key.
func (l *Log[T]) Last(key string) (Entry[T], bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.entries[key]
	if len(entries) == 0 {
		return Entry[T]{}, false
	}
	return entries[len(entries)-1], true
}

// Tail replays entries of key from startOffset and then follows new appends until
// ctx is done or the log is closed. The entry channel is closed on exit; the error
// channel then carries ctx.Err() or ErrClosed.
func (l *Log[T]) Tail(ctx context.Context, key string, startOffset int64) (<-chan Entry[T], <-chan error) {
	out := make(chan Entry[T])
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		if startOffset < 0 {
			errc <- ErrNegativeOffset
			return
		}

		next := startOffset
		for {
			l.mu.RLock()
			if l.closed {
				l.mu.RUnlock()
				errc <- ErrClosed
				return
			}
			batch := append([]Entry[T](nil), l.since(key, next)...)
			changed := l.changed
			l.mu.RUnlock()

			for _, e := range batch {
				select {
				case out <- e:
					next = e.Offset + 1
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}

			select {
			case <-changed:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// since returns the stored entries of key with offset >= start. Callers hold the lock.
func (l *Log[T]) since(key string, start int64) []Entry[T] {
	entries := l.entries[key]
	if len(entries) == 0 {
		return nil
	}
	first := entries[0].Offset
	if start <= first {
		return entries
	}
	idx := start - first
	if idx >= int64(len(entries)) {
		return nil
	}
	return entries[idx:]
}

// Statistics returns aggregate counts of stored entries.
func (l *Log[T]) Statistics() Statistics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Statistics{KeyCounts: make(map[string]int64, len(l.entries))}
	for key, entries := range l.entries {
		stats.KeyCounts[key] = int64(len(entries))
		stats.TotalEntries += int64(len(entries))
	}
	stats.KeyCount = len(l.entries)
	return stats
}

// Delete drops every entry of key. Its offset sequence is kept.
func (l *Log[T]) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Close releases all entries and wakes every tail. It is idempotent.
func (l *Log[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.entries = make(map[string][]Entry[T])
	close(l.changed)
	return nil
}
