package sequencer

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	gomidi "gitlab.com/gomidi/midi/v2"

	"spreadsheet-music/midi"
	"spreadsheet-music/sheet"
)

type sent struct {
	at  time.Duration
	on  bool
	ch  uint8
	key uint8
	vel uint8
}

// recSink records messages against the loop time reported by now.
type recSink struct {
	now  func() time.Duration
	msgs []sent
	err  error
}

func (r *recSink) Send(b []byte) error {
	if r.err != nil {
		return r.err
	}
	var ch, key, vel uint8
	msg := gomidi.Message(b)
	switch {
	case msg.GetNoteOn(&ch, &key, &vel):
		r.msgs = append(r.msgs, sent{at: r.now(), on: true, ch: ch, key: key, vel: vel})
	case msg.GetNoteOff(&ch, &key, &vel):
		r.msgs = append(r.msgs, sent{at: r.now(), ch: ch, key: key})
	}
	return nil
}

func (r *recSink) ons(key uint8) []time.Duration {
	var out []time.Duration
	for _, m := range r.msgs {
		if m.on && m.key == key {
			out = append(out, m.at)
		}
	}
	return out
}

func (r *recSink) offs(key uint8) []time.Duration {
	var out []time.Duration
	for _, m := range r.msgs {
		if !m.on && m.key == key {
			out = append(out, m.at)
		}
	}
	return out
}

func quiet() *log.Logger {
	return log.New(io.Discard)
}

// rig is a scheduler driven by hand through Advance.
type rig struct {
	feed  *sheet.Feed
	sink  *recSink
	emit  *midi.Emitter
	sched *Scheduler
	t     time.Duration
}

func newRig(opts Options) *rig {
	r := &rig{feed: sheet.NewFeed()}
	r.sink = &recSink{now: func() time.Duration { return r.t }}
	r.emit = midi.NewEmitter(r.sink, quiet())
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(1, 2))
	}
	r.sched = New(r.feed, r.emit, SystemClock{}, opts)
	r.sched.log = quiet()
	return r
}

func (r *rig) publish(notes ...sheet.Note) {
	r.feed.Publish(sheet.NewSnapshot(r.feed.Load().Seq+1, time.Time{}, notes))
}

func (r *rig) advance(t time.Duration) (time.Duration, bool) {
	r.t = t
	return r.sched.Advance(t)
}

// runUntil jumps from deadline to deadline, the way Run sleeps, until the
// next pending event is at or after end.
func (r *rig) runUntil(end time.Duration) {
	next, ok := r.advance(r.t)
	for ok && next < end {
		next, ok = r.advance(next)
	}
}

func note(row int, pitch uint8, onset, dur, loop time.Duration) sheet.Note {
	return sheet.Note{
		Row:         row,
		Pitch:       pitch,
		Velocity:    100,
		Onset:       onset,
		Duration:    dur,
		Loop:        loop,
		Probability: 1,
	}
}

func sec(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func equalTimes(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScheduler_SixSecondRun(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, 0, sec(0.5), sec(2)))

	r.runUntil(sec(6))

	wantOn := []time.Duration{0, sec(2), sec(4)}
	wantOff := []time.Duration{sec(0.5), sec(2.5), sec(4.5)}
	if got := r.sink.ons(60); !equalTimes(got, wantOn) {
		t.Fatalf("note-ons at %v, want %v", got, wantOn)
	}
	if got := r.sink.offs(60); !equalTimes(got, wantOff) {
		t.Fatalf("note-offs at %v, want %v", got, wantOff)
	}
	for _, m := range r.sink.msgs {
		if m.ch != 0 {
			t.Fatalf("channel %d, want 0", m.ch)
		}
		if m.on && m.vel != 100 {
			t.Fatalf("velocity %d, want 100", m.vel)
		}
	}
}

func TestScheduler_NextDeadline(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, sec(1), sec(0.25), sec(2)))

	tests := []struct {
		at   time.Duration
		want time.Duration
	}{
		{0, sec(1)},
		{sec(1), sec(1.25)},
		{sec(1.25), sec(3)},
		{sec(2), sec(3)},
	}
	for _, tt := range tests {
		next, ok := r.advance(tt.at)
		if !ok || next != tt.want {
			t.Fatalf("Advance(%v) = %v,%v, want %v", tt.at, next, ok, tt.want)
		}
	}
}

func TestScheduler_Probability(t *testing.T) {
	tests := []struct {
		name string
		p    float64
		min  int
		max  int
	}{
		{"always", 1, 2000, 2000},
		{"never", 0, 0, 0},
		{"sometimes", 0.3, 520, 680},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(Options{Rand: rand.New(rand.NewPCG(42, 7))})
			n := note(0, 60, 0, sec(0.001), sec(0.01))
			n.Probability = tt.p
			r.publish(n)

			r.runUntil(2000 * sec(0.01))

			fired := len(r.sink.ons(60))
			if fired < tt.min || fired > tt.max {
				t.Fatalf("fired %d of 2000, want %d..%d", fired, tt.min, tt.max)
			}
			st := r.sched.Status()
			if int(st.Fired+st.Suppressed) != 2000 {
				t.Fatalf("fired+suppressed = %d, want 2000", st.Fired+st.Suppressed)
			}
		})
	}
}

func TestScheduler_SeededDrawsRepeat(t *testing.T) {
	play := func() []time.Duration {
		r := newRig(Options{Rand: rand.New(rand.NewPCG(9, 9))})
		n := note(0, 60, 0, sec(0.1), sec(1))
		n.Probability = 0.5
		r.publish(n)
		r.runUntil(sec(50))
		return r.sink.ons(60)
	}
	a, b := play(), play()
	if !equalTimes(a, b) {
		t.Fatalf("same seed fired differently:\n%v\n%v", a, b)
	}
}

func TestScheduler_RemovingOneNoteLeavesOthers(t *testing.T) {
	a := note(0, 60, 0, sec(0.5), sec(2))
	b := note(1, 64, sec(0.3), sec(1), sec(3))

	both := newRig(Options{})
	both.publish(a, b)
	both.runUntil(sec(12))

	alone := newRig(Options{})
	alone.publish(a)
	alone.runUntil(sec(12))

	if !equalTimes(both.sink.ons(60), alone.sink.ons(60)) {
		t.Fatalf("note-ons differ: %v vs %v", both.sink.ons(60), alone.sink.ons(60))
	}
	if !equalTimes(both.sink.offs(60), alone.sink.offs(60)) {
		t.Fatalf("note-offs differ: %v vs %v", both.sink.offs(60), alone.sink.offs(60))
	}
}

func TestScheduler_RemovingRowMidRunKeepsPhase(t *testing.T) {
	a := note(0, 60, 0, sec(0.5), sec(2))
	b := note(1, 64, 0, sec(0.5), sec(2))

	r := newRig(Options{})
	r.publish(a, b)
	r.runUntil(sec(3))
	r.publish(a)
	r.runUntil(sec(8))

	want := []time.Duration{0, sec(2), sec(4), sec(6)}
	if got := r.sink.ons(60); !equalTimes(got, want) {
		t.Fatalf("note-ons at %v, want %v", got, want)
	}
	if got := r.sink.ons(64); !equalTimes(got, want[:2]) {
		t.Fatalf("removed row fired at %v", got)
	}
}

func TestScheduler_OffBeforeOnInSameTick(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, 0, sec(2), sec(2)))

	r.runUntil(sec(5))

	var seq []bool
	for _, m := range r.sink.msgs {
		seq = append(seq, m.on)
	}
	want := []bool{true, false, true, false, true}
	if len(seq) != len(want) {
		t.Fatalf("sent %v", r.sink.msgs)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("message %d on=%v, want %v (%v)", i, seq[i], want[i], r.sink.msgs)
		}
	}
	if r.sink.msgs[1].at != sec(2) || r.sink.msgs[2].at != sec(2) {
		t.Fatalf("off/on not paired at 2s: %v", r.sink.msgs)
	}
}

func TestScheduler_DurationLongerThanLoopRetriggers(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, 0, sec(3), sec(2)))

	r.runUntil(sec(7))

	held := false
	for _, m := range r.sink.msgs {
		if m.on && held {
			t.Fatalf("note-on at %v while already held", m.at)
		}
		held = m.on
	}
	if got, want := r.sink.offs(60), []time.Duration{sec(2), sec(4), sec(6)}; !equalTimes(got, want) {
		t.Fatalf("note-offs at %v, want %v", got, want)
	}
}

func TestScheduler_SameTimeInRowOrder(t *testing.T) {
	r := newRig(Options{})
	r.publish(
		note(0, 67, 0, sec(0.5), sec(1)),
		note(1, 60, 0, sec(0.5), sec(1)),
		note(2, 64, 0, sec(0.5), sec(1)),
	)
	r.advance(0)

	want := []uint8{67, 60, 64}
	if len(r.sink.msgs) != len(want) {
		t.Fatalf("sent %v", r.sink.msgs)
	}
	for i, k := range want {
		if r.sink.msgs[i].key != k {
			t.Fatalf("message %d key %d, want %d", i, r.sink.msgs[i].key, k)
		}
	}
}

func TestScheduler_ShortenedWhileHeld(t *testing.T) {
	tests := []struct {
		name    string
		editAt  time.Duration
		wantOff time.Duration
	}{
		{"before new end", sec(0.1), sec(0.2)},
		{"after new end", sec(1), sec(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(Options{})
			r.publish(note(0, 60, 0, sec(2), sec(4)))
			r.advance(0)

			r.publish(note(0, 60, 0, sec(0.2), sec(4)))
			r.advance(tt.editAt)
			r.runUntil(sec(3))

			offs := r.sink.offs(60)
			if len(offs) != 1 || offs[0] != tt.wantOff {
				t.Fatalf("note-offs at %v, want [%v]", offs, tt.wantOff)
			}
			if offs[0] > sec(2) {
				t.Fatalf("released after the original off time")
			}
		})
	}
}

func TestScheduler_LengthenedWhileHeldKeepsOffTime(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, 0, sec(0.5), sec(4)))
	r.advance(0)

	r.publish(note(0, 60, 0, sec(3), sec(4)))
	r.runUntil(sec(2))

	if got := r.sink.offs(60); !equalTimes(got, []time.Duration{sec(0.5)}) {
		t.Fatalf("note-offs at %v, want [500ms]", got)
	}
}

func TestScheduler_ForcedOff(t *testing.T) {
	tests := []struct {
		name string
		edit []sheet.Note
	}{
		{"row removed", nil},
		{"pitch changed", []sheet.Note{note(0, 62, 0, sec(2), sec(4))}},
		{"channel changed", []sheet.Note{func() sheet.Note {
			n := note(0, 60, 0, sec(2), sec(4))
			n.Channel = 9
			return n
		}()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(Options{})
			r.publish(note(0, 60, 0, sec(2), sec(4)))
			r.advance(0)

			r.publish(tt.edit...)
			r.advance(sec(0.5))

			offs := r.sink.offs(60)
			if len(offs) != 1 || offs[0] != sec(0.5) {
				t.Fatalf("note-offs at %v, want [500ms]", offs)
			}
			if r.sched.Status().Forced != 1 {
				t.Fatalf("forced = %d", r.sched.Status().Forced)
			}
		})
	}
}

func TestScheduler_VelocityEditLeavesHeldNote(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, 0, sec(1), sec(2)))
	r.advance(0)

	edited := note(0, 60, 0, sec(1), sec(2))
	edited.Velocity = 20
	r.publish(edited)
	r.runUntil(sec(3))

	if got := r.sink.offs(60); len(got) == 0 || got[0] != sec(1) {
		t.Fatalf("note-offs at %v, want first at 1s", got)
	}
	if got := r.sink.msgs[len(r.sink.msgs)-1]; !got.on || got.vel != 20 || got.at != sec(2) {
		t.Fatalf("last message %+v, want velocity 20 on at 2s", got)
	}
}

func TestScheduler_ZeroDuration(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, 0, 0, sec(1)))

	next, ok := r.advance(0)
	if len(r.sink.msgs) != 2 || !r.sink.msgs[0].on || r.sink.msgs[1].on {
		t.Fatalf("sent %v, want on then off", r.sink.msgs)
	}
	if r.emit.Len() != 0 {
		t.Fatalf("zero-length note still held")
	}
	if !ok || next != sec(1) {
		t.Fatalf("next = %v,%v", next, ok)
	}
}

func TestScheduler_Loopless(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		wantOn []time.Duration
	}{
		{"once", Options{Loopless: LooplessOnce}, []time.Duration{sec(1)}},
		{"default loop", Options{Loopless: LooplessDefault, DefaultLoop: sec(1.5)},
			[]time.Duration{sec(1), sec(2.5), sec(4)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(tt.opts)
			r.publish(note(0, 60, sec(1), sec(0.1), 0))

			r.runUntil(sec(5))

			if got := r.sink.ons(60); !equalTimes(got, tt.wantOn) {
				t.Fatalf("note-ons at %v, want %v", got, tt.wantOn)
			}
		})
	}
}

func TestScheduler_LooplessOnceGoesQuiet(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, sec(1), sec(0.1), 0))

	r.advance(sec(1))
	if _, ok := r.advance(sec(1.1)); ok {
		t.Fatalf("a fired one-shot still has a pending event")
	}

	// republishing the same row does not replay it
	r.publish(note(0, 60, sec(1), sec(0.1), 0))
	r.advance(sec(2))
	if got := len(r.sink.ons(60)); got != 1 {
		t.Fatalf("fired %d times", got)
	}
}

func TestScheduler_RowAddedMidLoopWaitsForGrid(t *testing.T) {
	r := newRig(Options{})
	first := note(0, 60, 0, sec(0.5), sec(2))
	r.publish(first)
	r.advance(0)
	r.advance(sec(0.1))

	// row 1's grid point at 0.5s passed before the row existed
	r.publish(first, note(1, 62, sec(0.5), sec(0.1), sec(2)))
	r.advance(sec(1.5))
	if got := r.sink.ons(62); len(got) != 0 {
		t.Fatalf("new row fired off its grid at %v", got)
	}

	r.runUntil(sec(3))
	if got, want := r.sink.ons(62), []time.Duration{sec(2.5)}; !equalTimes(got, want) {
		t.Fatalf("note-ons at %v, want %v", got, want)
	}
	if got, want := r.sink.ons(60), []time.Duration{0, sec(2)}; !equalTimes(got, want) {
		t.Fatalf("unchanged row note-ons at %v, want %v", got, want)
	}
}

func TestScheduler_OnsetEditKeepsNewGrid(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, sec(1.8), sec(0.1), sec(2)))
	r.advance(0)
	r.advance(sec(0.1))

	r.publish(note(0, 60, sec(0.2), sec(0.1), sec(2)))
	r.advance(sec(1))
	if got := r.sink.ons(60); len(got) != 0 {
		t.Fatalf("edited row fired off its grid at %v", got)
	}

	r.runUntil(sec(3))
	if got, want := r.sink.ons(60), []time.Duration{sec(2.2)}; !equalTimes(got, want) {
		t.Fatalf("note-ons at %v, want %v", got, want)
	}
}

func TestScheduler_FirstSheetReadCatchesUp(t *testing.T) {
	r := newRig(Options{})
	r.advance(0)

	r.publish(note(0, 60, 0, sec(0.5), sec(2)))
	r.advance(sec(0.3))

	if got, want := r.sink.ons(60), []time.Duration{sec(0.3)}; !equalTimes(got, want) {
		t.Fatalf("note-ons at %v, want %v", got, want)
	}
}

func TestScheduler_StallSkipsMissedIterations(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, 0, sec(0.5), sec(1)))
	r.advance(0)
	r.advance(sec(0.5))

	r.advance(sec(3.2))

	if got, want := r.sink.ons(60), []time.Duration{0, sec(3.2)}; !equalTimes(got, want) {
		t.Fatalf("note-ons at %v, want %v", got, want)
	}
	if _, ok := r.emit.Held(0, 60); !ok {
		t.Fatalf("latest iteration not sounding")
	}
}

func TestScheduler_SinkErrorLeavesNoteIdle(t *testing.T) {
	r := newRig(Options{})
	r.publish(note(0, 60, 0, sec(0.5), sec(1)))
	r.sink.err = errors.New("port closed")

	r.advance(0)
	if r.emit.Len() != 0 {
		t.Fatalf("failed note is held")
	}
	if st := r.sched.Status(); st.Failed != 1 || st.Fired != 0 {
		t.Fatalf("status %+v", st)
	}

	r.sink.err = nil
	r.advance(sec(1))
	if got := r.sink.ons(60); !equalTimes(got, []time.Duration{sec(1)}) {
		t.Fatalf("note-ons at %v, want [1s]", got)
	}
}

type staticReader struct {
	rows []sheet.Row
	err  error
}

func (s *staticReader) FetchRows(context.Context) ([]sheet.Row, error) {
	return s.rows, s.err
}

func TestScheduler_FetchErrorKeepsSnapshot(t *testing.T) {
	reader := &staticReader{rows: []sheet.Row{
		{"pitch": 60.0, "velocity": 100.0, "duration": 0.5, "loop": 2.0},
	}}
	poller := sheet.NewPoller(reader, time.Second)
	ctx := log.WithContext(context.Background(), quiet())

	r := newRig(Options{})
	snap, err := poller.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	r.feed.Publish(snap)
	r.runUntil(sec(3))

	reader.err = errors.New("503")
	if _, err := poller.Poll(ctx); !sheet.IsFetchError(err) {
		t.Fatalf("Poll error = %v, want fetch error", err)
	}
	r.runUntil(sec(6))

	want := []time.Duration{0, sec(2), sec(4)}
	if got := r.sink.ons(60); !equalTimes(got, want) {
		t.Fatalf("note-ons at %v, want %v", got, want)
	}
	if r.feed.Load() != snap {
		t.Fatalf("feed replaced after failed fetch")
	}
}

// fakeClock jumps straight to whatever the scheduler waits for and cancels
// the run once the wait goes past end.
type fakeClock struct {
	base   time.Time
	now    time.Time
	end    time.Time
	cancel context.CancelFunc
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(t time.Time) <-chan time.Time {
	if t.After(c.end) {
		c.cancel()
		return nil
	}
	c.now = t
	ch := make(chan time.Time, 1)
	ch <- t
	return ch
}

func TestScheduler_RunDrainsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(log.WithContext(context.Background(), quiet()))
	defer cancel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{base: base, now: base, end: base.Add(sec(5)), cancel: cancel}

	feed := sheet.NewFeed()
	sink := &recSink{now: func() time.Duration { return clock.now.Sub(base) }}
	emit := midi.NewEmitter(sink, quiet())
	s := New(feed, emit, clock, Options{Rand: rand.New(rand.NewPCG(1, 1))})

	feed.Publish(sheet.NewSnapshot(1, base, []sheet.Note{
		note(0, 60, 0, sec(0.5), sec(2)),
		note(1, 48, sec(1), sec(30), sec(60)),
	}))

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got, want := sink.ons(60), []time.Duration{0, sec(2), sec(4)}; !equalTimes(got, want) {
		t.Fatalf("note-ons at %v, want %v", got, want)
	}
	if got := sink.offs(48); len(got) != 1 {
		t.Fatalf("long note not released on shutdown: %v", sink.msgs)
	}
	if emit.Len() != 0 {
		t.Fatalf("%d notes still held after Run", emit.Len())
	}
	if st := s.Status(); len(st.Held) != 0 {
		t.Fatalf("status still lists held notes: %v", st.Held)
	}
}
