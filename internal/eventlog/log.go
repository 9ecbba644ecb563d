// Package eventlog is the append-only, step-ordered record of everything
// that happened in an episode. Reward computation and post-hoc analysis
// read it back through cursors or iterators; nothing is ever rewritten.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"

	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

var (
	// ErrSealed is returned when appending to a sealed log.
	ErrSealed = errors.New("event log is sealed")
	// ErrStepOrder is returned when a step advance is not the successor of
	// the log's current step.
	ErrStepOrder = errors.New("event log step out of order")
)

// Log is the event log of one episode. It is safe for concurrent use.
type Log struct {
	experimentID string
	episodeID    string
	clock        timectrl.Clock

	mu      sync.RWMutex
	entries []Entry
	step    int64
	sealed  bool
	// grown is closed and replaced on every append and on Seal, waking
	// cursors parked at the tail.
	grown   chan struct{}
	subs    map[int]func(Entry)
	nextSub int
}

// Option customises a Log.
type Option func(*Log)

// WithClock sets the clock used to timestamp entries.
func WithClock(c timectrl.Clock) Option {
	return func(l *Log) {
		if c != nil {
			l.clock = c
		}
	}
}

// New creates an empty log positioned at step 0.
func New(experimentID, episodeID string, opts ...Option) *Log {
	l := &Log{
		experimentID: experimentID,
		episodeID:    episodeID,
		clock:        timectrl.Real(),
		grown:        make(chan struct{}),
		subs:         make(map[int]func(Entry)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// ExperimentID returns the owning experiment.
func (l *Log) ExperimentID() string { return l.experimentID }

// EpisodeID returns the owning episode.
func (l *Log) EpisodeID() string { return l.episodeID }

// Append records an entry at the log's current step.
func (l *Log) Append(kind Kind, p Payload) (Entry, error) {
	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return Entry{}, ErrSealed
	}
	e := l.appendLocked(kind, l.step, p)
	subs := l.subscribersLocked()
	l.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return e, nil
}

// AdvanceStep records a StepAdvanced entry for step and moves the log to
// it. step must be exactly one past the current step.
func (l *Log) AdvanceStep(step int64, p Payload) (Entry, error) {
	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return Entry{}, ErrSealed
	}
	if step != l.step+1 {
		cur := l.step
		l.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: at %d, advance to %d", ErrStepOrder, cur, step)
	}
	l.step = step
	e := l.appendLocked(KindStepAdvanced, step, p)
	subs := l.subscribersLocked()
	l.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return e, nil
}

func (l *Log) appendLocked(kind Kind, step int64, p Payload) Entry {
	e := Entry{
		Seq:          uint64(len(l.entries)),
		ExperimentID: l.experimentID,
		EpisodeID:    l.episodeID,
		Step:         step,
		Kind:         kind,
		Time:         l.clock.Now(),
		Payload:      p,
	}
	l.entries = append(l.entries, e)
	close(l.grown)
	l.grown = make(chan struct{})
	return e
}

func (l *Log) subscribersLocked() []func(Entry) {
	if len(l.subs) == 0 {
		return nil
	}
	keys := make([]int, 0, len(l.subs))
	for k := range l.subs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]func(Entry), 0, len(keys))
	for _, k := range keys {
		out = append(out, l.subs[k])
	}
	return out
}

// Subscribe registers fn to be called after every append, outside the
// log's lock. Concurrent appends may reach fn in any order; consumers
// that need order use a Cursor. The returned function unsubscribes.
func (l *Log) Subscribe(fn func(Entry)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

// Seal stops further appends and releases waiting cursors once they
// have drained the log.
func (l *Log) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return
	}
	l.sealed = true
	close(l.grown)
	l.grown = make(chan struct{})
}

// Sealed reports whether the log still accepts appends.
func (l *Log) Sealed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sealed
}

// Step returns the log's current step.
func (l *Log) Step() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.step
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of the entries starting at seq from.
func (l *Log) Entries(from uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from >= uint64(len(l.entries)) {
		return nil
	}
	return append([]Entry(nil), l.entries[from:]...)
}

// All lazily yields entries from seq from up to the end of the log as
// it stands while iterating. Calling All again restarts the sequence.
func (l *Log) All(from uint64) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for seq := from; ; seq++ {
			e, ok := l.at(seq)
			if !ok || !yield(e) {
				return
			}
		}
	}
}

func (l *Log) at(seq uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[seq], true
}

// Cursor returns a reader positioned at seq from.
func (l *Log) Cursor(from uint64) *Cursor {
	return &Cursor{log: l, next: from}
}

// Cursor reads a log in order, waiting at the tail for new entries. It
// is not safe for concurrent use.
type Cursor struct {
	log  *Log
	next uint64
}

// Position returns the seq of the next entry Next will return. A new
// cursor created at Position resumes exactly where this one stopped.
func (c *Cursor) Position() uint64 { return c.next }

// Next returns the next entry, blocking until one is appended. It
// returns io.EOF once the log is sealed and drained.
func (c *Cursor) Next(ctx context.Context) (Entry, error) {
	for {
		c.log.mu.RLock()
		if c.next < uint64(len(c.log.entries)) {
			e := c.log.entries[c.next]
			c.log.mu.RUnlock()
			c.next++
			return e, nil
		}
		if c.log.sealed {
			c.log.mu.RUnlock()
			return Entry{}, io.EOF
		}
		grown := c.log.grown
		c.log.mu.RUnlock()

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-grown:
		}
	}
}
