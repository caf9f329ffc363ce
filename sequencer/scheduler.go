package sequencer

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"spreadsheet-music/midi"
	"spreadsheet-music/sheet"
)

// LooplessPolicy decides what a row without a loop value does.
type LooplessPolicy string

const (
	// LooplessOnce fires the row a single time per run, at its onset
	// measured from the start of the run.
	LooplessOnce LooplessPolicy = "once"
	// LooplessDefault loops the row with Options.DefaultLoop.
	LooplessDefault LooplessPolicy = "default"
)

// DefaultLoop is the loop length used by LooplessDefault when none is set.
const DefaultLoop = time.Second

// Options tune the scheduler.
type Options struct {
	Loopless    LooplessPolicy
	DefaultLoop time.Duration
	Rand        *rand.Rand // probability draws; seeded from the clock if nil
}

// Status is a read-only view of the scheduler for display.
type Status struct {
	Elapsed    time.Duration
	Snapshot   uint64
	Held       []midi.Key
	Fired      uint64
	Suppressed uint64
	Forced     uint64
	Failed     uint64
}

// Scheduler fires notes from the latest snapshot on a single loop clock.
// Nothing about a note is remembered between ticks except what the emitter
// holds, so edits to the sheet apply from the next firing on.
type Scheduler struct {
	feed    *sheet.Feed
	emitter *midi.Emitter
	clock   Clock
	rng     *rand.Rand
	opts    Options
	log     *log.Logger

	start time.Time
	prev  time.Duration // end of the last processed window
	once  map[int]bool  // loopless rows already fired
	stats Status

	// loop time each row's current grid (onset and loop) was first seen;
	// a row never fires on a grid point earlier than this
	seen  *sheet.Snapshot
	since map[int]time.Duration

	status  atomic.Pointer[Status]
	updates chan struct{}
}

// New creates a scheduler reading from feed and playing through emitter.
func New(feed *sheet.Feed, emitter *midi.Emitter, clock Clock, opts Options) *Scheduler {
	if opts.Loopless == "" {
		opts.Loopless = LooplessOnce
	}
	if opts.DefaultLoop <= 0 {
		opts.DefaultLoop = DefaultLoop
	}
	rng := opts.Rand
	if rng == nil {
		seed := uint64(clock.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}

	s := &Scheduler{
		feed:    feed,
		emitter: emitter,
		clock:   clock,
		rng:     rng,
		opts:    opts,
		log:     log.Default(),
		prev:    -1,
		once:    make(map[int]bool),
		since:   make(map[int]time.Duration),
		updates: make(chan struct{}, 1),
	}
	s.status.Store(&Status{})
	return s
}

// Run plays until ctx is cancelled, then releases every held note.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log = log.FromContext(ctx).WithPrefix("sched")
	s.start = s.clock.Now()
	s.prev = -1
	s.seen = nil
	defer s.drain()

	s.log.Info("loop clock started")
	for {
		now := s.clock.Now().Sub(s.start)
		next, ok := s.Advance(now)

		// no pending event: wait for the sheet
		var wake <-chan time.Time
		if ok {
			wake = s.clock.After(s.start.Add(next))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.feed.Updated():
		case <-wake:
		}
	}
}

func (s *Scheduler) drain() {
	if n := s.emitter.Len(); n > 0 {
		s.log.Info("releasing held notes", "count", n)
	}
	if err := s.emitter.ReleaseAll(); err != nil {
		s.log.Warn("release on shutdown incomplete", "err", err)
	}
	s.publish(s.prev)
}

// pending is one event to emit in the current tick.
type pending struct {
	midi.Event
	note sheet.Note
	onAt time.Duration // for note-offs: the note-on being released
}

// Advance processes every event in the window (prev, t] of the loop clock
// and returns the loop time of the next pending event. ok is false when
// nothing is pending.
func (s *Scheduler) Advance(t time.Duration) (next time.Duration, ok bool) {
	snap := s.feed.Load()
	if snap != s.seen {
		s.track(snap, t)
	}

	s.reconcile(snap, t)

	var events []pending
	for _, k := range s.emitter.Due(t) {
		h, _ := s.emitter.Held(k.Channel, k.Pitch)
		events = append(events, pending{
			Event: midi.Event{At: h.OffAt, Type: midi.NoteOff, Row: h.Row, Channel: k.Channel, Note: k.Pitch},
			onAt:  h.OnAt,
		})
	}
	for _, n := range snap.Notes {
		f, ok := s.latestFiring(n, t)
		if !ok || f <= s.prev || f < s.since[n.Row] {
			continue
		}
		events = append(events, pending{
			Event: midi.Event{At: f, Type: midi.NoteOn, Row: n.Row, Channel: n.Channel, Note: n.Pitch, Velocity: n.Velocity},
			note:  n,
		})
	}

	// time, then note-offs before note-ons, then row
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.At != b.At {
			return a.At < b.At
		}
		if a.Type != b.Type {
			return a.Type == midi.NoteOff
		}
		return a.Row < b.Row
	})

	for _, ev := range events {
		if ev.Type == midi.NoteOff {
			s.release(ev)
		} else {
			s.fire(ev)
		}
	}

	// notes fired in this window that have already ended, such as
	// zero-length notes or notes caught up after a stall
	for _, k := range s.emitter.Due(t) {
		if err := s.emitter.NoteOff(k.Channel, k.Pitch); err != nil {
			s.stats.Failed++
			s.log.Warn("note off failed", "key", k, "err", err)
		}
	}

	s.prev = t
	s.publish(t)
	return s.nextEvent(snap, t)
}

// track records when each row of a new snapshot took its current grid.
// Rows whose onset and loop are unchanged keep their earlier time.
func (s *Scheduler) track(snap *sheet.Snapshot, t time.Duration) {
	// the first sheet read starts the music, so its rows catch up from zero
	first := s.seen == nil || s.seen.Seq == 0
	since := make(map[int]time.Duration, len(snap.Notes))
	for _, n := range snap.Notes {
		if first {
			continue
		}
		if old, ok := s.seen.At(n.Row); ok && old.Onset == n.Onset && old.Loop == n.Loop {
			since[n.Row] = s.since[n.Row]
			continue
		}
		since[n.Row] = max(t, 0)
	}
	s.seen = snap
	s.since = since
}

// reconcile releases or shortens held notes whose row was removed or edited.
// A release is never pushed later than originally scheduled.
func (s *Scheduler) reconcile(snap *sheet.Snapshot, t time.Duration) {
	for _, k := range s.emitter.Keys() {
		h, _ := s.emitter.Held(k.Channel, k.Pitch)
		if h.Row < 0 {
			continue
		}

		n, ok := snap.At(h.Row)
		if !ok || n.Channel != k.Channel || n.Pitch != k.Pitch {
			s.log.Debug("row gone or changed, forcing note off", "key", k, "line", sheet.SheetLine(h.Row))
			s.stats.Forced++
			if err := s.emitter.NoteOff(k.Channel, k.Pitch); err != nil {
				s.stats.Failed++
				s.log.Warn("forced note off failed", "key", k, "err", err)
			}
			continue
		}

		if end := h.OnAt + n.Duration; end < h.OffAt {
			s.emitter.Retime(k, max(end, t))
		}
	}
}

func (s *Scheduler) release(ev pending) {
	// the pair may have been retriggered earlier in this tick
	h, ok := s.emitter.Held(ev.Channel, ev.Note)
	if !ok || h.OnAt != ev.onAt {
		return
	}
	if err := s.emitter.NoteOff(ev.Channel, ev.Note); err != nil {
		s.stats.Failed++
		s.log.Warn("note off failed", "key", ev.Key(), "err", err)
	}
}

func (s *Scheduler) fire(ev pending) {
	n := ev.note
	if !n.Loops() {
		s.once[n.Row] = true
	}
	if !s.draw(n.Probability) {
		s.stats.Suppressed++
		s.log.Debug("skipped by chance", "key", ev.Key(), "line", sheet.SheetLine(n.Row), "p", n.Probability)
		return
	}

	h := midi.Held{Row: n.Row, OnAt: ev.At, OffAt: ev.At + n.Duration}
	if err := s.emitter.Play(ev.Key(), n.Velocity, h); err != nil {
		s.stats.Failed++
		s.log.Warn("note on failed", "key", ev.Key(), "err", err)
		return
	}
	s.stats.Fired++
}

// draw decides whether a firing sounds. Certain outcomes do not consume
// randomness, so deterministic rows never shift the draws of other rows.
func (s *Scheduler) draw(p float64) bool {
	switch {
	case p >= 1:
		return true
	case p <= 0:
		return false
	}
	return s.rng.Float64() < p
}

// loopOf returns the loop length governing n, or 0 for a one-shot.
func (s *Scheduler) loopOf(n sheet.Note) time.Duration {
	if n.Loops() {
		return n.Loop
	}
	if s.opts.Loopless == LooplessDefault {
		return s.opts.DefaultLoop
	}
	return 0
}

// latestFiring returns the last firing time of n at or before t.
func (s *Scheduler) latestFiring(n sheet.Note, t time.Duration) (time.Duration, bool) {
	if t < n.Onset {
		return 0, false
	}
	loop := s.loopOf(n)
	if loop == 0 {
		if s.once[n.Row] {
			return 0, false
		}
		return n.Onset, true
	}
	k := (t - n.Onset) / loop
	return n.Onset + k*loop, true
}

// nextFiring returns the first firing time of n strictly after t.
func (s *Scheduler) nextFiring(n sheet.Note, t time.Duration) (time.Duration, bool) {
	if t < n.Onset {
		if s.loopOf(n) == 0 && s.once[n.Row] {
			return 0, false
		}
		return n.Onset, true
	}
	loop := s.loopOf(n)
	if loop == 0 {
		return 0, false
	}
	k := (t-n.Onset)/loop + 1
	return n.Onset + k*loop, true
}

func (s *Scheduler) nextEvent(snap *sheet.Snapshot, t time.Duration) (time.Duration, bool) {
	next, ok := s.emitter.NextOff()
	for _, n := range snap.Notes {
		if f, fok := s.nextFiring(n, t); fok && (!ok || f < next) {
			next, ok = f, true
		}
	}
	return next, ok
}

func (s *Scheduler) publish(t time.Duration) {
	st := s.stats
	st.Elapsed = t
	st.Snapshot = s.feed.Load().Seq
	st.Held = s.emitter.Keys()
	s.status.Store(&st)

	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Status returns the state as of the last tick. Safe from any goroutine.
func (s *Scheduler) Status() Status {
	return *s.status.Load()
}

// Updates signals after each tick.
func (s *Scheduler) Updates() <-chan struct{} {
	return s.updates
}
