package midi

import (
	"math"
	"sort"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/charmbracelet/log"
	gomidi "gitlab.com/gomidi/midi/v2"
)

// KindSink tags errors from a failed send.
const KindSink ftag.Kind = "SINK_ERROR"

// Forever is the off time of a note held without a scheduled release.
const Forever = time.Duration(math.MaxInt64)

// Sink accepts raw MIDI messages.
type Sink interface {
	Send(msg []byte) error
}

// SinkFunc adapts a send function, such as one returned by gomidi.SendTo.
type SinkFunc func(msg gomidi.Message) error

func (f SinkFunc) Send(msg []byte) error {
	return f(gomidi.Message(msg))
}

// Held is the bookkeeping for one sounding note.
type Held struct {
	Row      int // governing row, -1 if none
	Velocity uint8
	OnAt     time.Duration
	OffAt    time.Duration
}

// Emitter sends note messages and tracks which notes are sounding.
// It is not safe for concurrent use; the scheduler goroutine owns it.
type Emitter struct {
	sink Sink
	held map[Key]Held
	log  *log.Logger
}

// NewEmitter creates an emitter writing to sink.
func NewEmitter(sink Sink, logger *log.Logger) *Emitter {
	if logger == nil {
		logger = log.Default()
	}
	return &Emitter{
		sink: sink,
		held: make(map[Key]Held),
		log:  logger,
	}
}

// NoteOn sends a note-on and marks the pair held until released.
func (e *Emitter) NoteOn(channel, pitch, velocity uint8) error {
	return e.Play(Key{Channel: channel, Pitch: pitch}, velocity, Held{Row: -1, OffAt: Forever})
}

// Play sends a note-on and records h for the pair. A pair that is already
// sounding is released first, so a pair is never held twice.
func (e *Emitter) Play(k Key, velocity uint8, h Held) error {
	if _, ok := e.held[k]; ok {
		e.log.Debug("retrigger", "key", k)
		if err := e.NoteOff(k.Channel, k.Pitch); err != nil {
			e.log.Warn("release before retrigger failed", "key", k, "err", err)
		}
	}

	if err := e.sink.Send(gomidi.NoteOn(k.Channel, k.Pitch, velocity)); err != nil {
		return fault.Wrap(err, fmsg.With("note on "+k.String()), ftag.With(KindSink))
	}
	h.Velocity = velocity
	e.held[k] = h
	e.log.Debug("note on", "key", k, "vel", velocity, "row", h.Row)
	return nil
}

// NoteOff releases a held pair. Releasing a pair that is not held sends
// nothing. The pair is forgotten even if the send fails.
func (e *Emitter) NoteOff(channel, pitch uint8) error {
	k := Key{Channel: channel, Pitch: pitch}
	if _, ok := e.held[k]; !ok {
		e.log.Debug("note off for silent key", "key", k)
		return nil
	}
	delete(e.held, k)

	if err := e.sink.Send(gomidi.NoteOff(channel, pitch)); err != nil {
		return fault.Wrap(err, fmsg.With("note off "+k.String()), ftag.With(KindSink))
	}
	e.log.Debug("note off", "key", k)
	return nil
}

// Held reports whether the pair is sounding and its bookkeeping.
func (e *Emitter) Held(channel, pitch uint8) (Held, bool) {
	h, ok := e.held[Key{Channel: channel, Pitch: pitch}]
	return h, ok
}

// Retime moves the scheduled release of a held pair.
func (e *Emitter) Retime(k Key, offAt time.Duration) {
	if h, ok := e.held[k]; ok {
		h.OffAt = offAt
		e.held[k] = h
	}
}

// Keys returns the held pairs ordered by release time, then row, channel
// and pitch.
func (e *Emitter) Keys() []Key {
	keys := make([]Key, 0, len(e.held))
	for k := range e.held {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := e.held[keys[i]], e.held[keys[j]]
		if a.OffAt != b.OffAt {
			return a.OffAt < b.OffAt
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		if keys[i].Channel != keys[j].Channel {
			return keys[i].Channel < keys[j].Channel
		}
		return keys[i].Pitch < keys[j].Pitch
	})
	return keys
}

// Due returns the held pairs whose release time is at or before t.
func (e *Emitter) Due(t time.Duration) []Key {
	var due []Key
	for _, k := range e.Keys() {
		if e.held[k].OffAt > t {
			break
		}
		due = append(due, k)
	}
	return due
}

// NextOff returns the earliest scheduled release.
func (e *Emitter) NextOff() (time.Duration, bool) {
	next, ok := Forever, false
	for _, h := range e.held {
		if h.OffAt < next {
			next, ok = h.OffAt, true
		}
	}
	return next, ok
}

// Len returns the number of held pairs.
func (e *Emitter) Len() int {
	return len(e.held)
}

// ReleaseAll sends note-off for every held pair. It is called on shutdown
// so nothing is left hanging on the receiving side.
func (e *Emitter) ReleaseAll() error {
	var first error
	for _, k := range e.Keys() {
		if err := e.NoteOff(k.Channel, k.Pitch); err != nil {
			e.log.Warn("release failed", "key", k, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
