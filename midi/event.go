package midi

import (
	"fmt"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// MIDI message types
const (
	NoteOn  uint8 = 0x90
	NoteOff uint8 = 0x80
)

// Key identifies a sounding note.
type Key struct {
	Channel uint8 // 0-15
	Pitch   uint8
}

func (k Key) String() string {
	return fmt.Sprintf("ch%d:%s", k.Channel+1, gomidi.Note(k.Pitch))
}

// Event is one firing decision on the loop clock.
type Event struct {
	At       time.Duration // loop time the event belongs to
	Type     uint8         // NoteOn, NoteOff
	Row      int           // governing sheet row, -1 if none
	Channel  uint8
	Note     uint8
	Velocity uint8
}

// Key returns the (channel, pitch) pair the event acts on.
func (e Event) Key() Key {
	return Key{Channel: e.Channel, Pitch: e.Note}
}
