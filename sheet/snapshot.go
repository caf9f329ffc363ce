package sheet

import (
	"sync/atomic"
	"time"
)

// Snapshot is the note set as of one successful poll. It is never modified
// after it has been published.
type Snapshot struct {
	Seq   uint64
	Taken time.Time
	Notes []Note // ascending row order

	byRow map[int]int
}

// NewSnapshot builds a snapshot, taking ownership of notes.
func NewSnapshot(seq uint64, taken time.Time, notes []Note) *Snapshot {
	s := &Snapshot{
		Seq:   seq,
		Taken: taken,
		Notes: notes,
		byRow: make(map[int]int, len(notes)),
	}
	for i, n := range notes {
		s.byRow[n.Row] = i
	}
	return s
}

// At returns the note governed by the given row, if that row parsed.
func (s *Snapshot) At(row int) (Note, bool) {
	i, ok := s.byRow[row]
	if !ok {
		return Note{}, false
	}
	return s.Notes[i], true
}

// Len returns the number of notes.
func (s *Snapshot) Len() int {
	return len(s.Notes)
}

var emptySnapshot = NewSnapshot(0, time.Time{}, nil)

// Feed holds the latest published snapshot. Publishing is a single pointer
// swap followed by a non-blocking send on a one-slot channel, so readers
// always see a complete note set and a waiting scheduler wakes up early.
type Feed struct {
	cur     atomic.Pointer[Snapshot]
	updated chan struct{}
}

// NewFeed returns a feed holding an empty snapshot.
func NewFeed() *Feed {
	f := &Feed{updated: make(chan struct{}, 1)}
	f.cur.Store(emptySnapshot)
	return f
}

// Publish replaces the current snapshot.
func (f *Feed) Publish(s *Snapshot) {
	f.cur.Store(s)
	select {
	case f.updated <- struct{}{}:
	default:
	}
}

// Load returns the current snapshot. It is never nil.
func (f *Feed) Load() *Snapshot {
	return f.cur.Load()
}

// Updated signals that a new snapshot was published since the last receive.
func (f *Feed) Updated() <-chan struct{} {
	return f.updated
}
