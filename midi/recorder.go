package midi

import (
	"io"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"gitlab.com/gomidi/midi/v2/smf"
)

// Recording resolution and tempo. The tempo only sets the grid a DAW shows;
// event timing is preserved in wall-clock terms.
const (
	RecordTicks = smf.MetricTicks(960)
	RecordBPM   = 120.0
)

type take struct {
	at  time.Duration
	msg []byte
}

// Recorder is a Sink that forwards to another sink and keeps every message
// that was delivered, so a performance can be saved as a MIDI file.
type Recorder struct {
	next Sink
	now  func() time.Time

	mu    sync.Mutex
	start time.Time
	takes []take
}

// NewRecorder wraps next. Time starts at the first delivered message.
func NewRecorder(next Sink, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{next: next, now: now}
}

// Send forwards msg and records it when delivery succeeds.
func (r *Recorder) Send(msg []byte) error {
	if err := r.next.Send(msg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now()
	if len(r.takes) == 0 {
		r.start = t
	}
	r.takes = append(r.takes, take{at: t.Sub(r.start), msg: append([]byte(nil), msg...)})
	return nil
}

// Len returns the number of recorded messages.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.takes)
}

// SMF renders the recording as a single-track Standard MIDI File.
func (r *Recorder) SMF() (*smf.SMF, error) {
	r.mu.Lock()
	takes := append([]take(nil), r.takes...)
	r.mu.Unlock()

	var tr smf.Track
	tr.Add(0, smf.MetaTempo(RecordBPM))
	var last uint32
	for _, tk := range takes {
		abs := RecordTicks.Ticks(RecordBPM, tk.at)
		if abs < last {
			abs = last
		}
		tr.Add(abs-last, tk.msg)
		last = abs
	}
	tr.Close(0)

	s := smf.New()
	s.TimeFormat = RecordTicks
	if err := s.Add(tr); err != nil {
		return nil, fault.Wrap(err, fmsg.With("build recording"))
	}
	return s, nil
}

// WriteTo writes the recording as a MIDI file.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	s, err := r.SMF()
	if err != nil {
		return 0, err
	}
	n, err := s.WriteTo(w)
	if err != nil {
		return n, fault.Wrap(err, fmsg.With("write recording"))
	}
	return n, nil
}

// WriteFile saves the recording to path.
func (r *Recorder) WriteFile(path string) error {
	s, err := r.SMF()
	if err != nil {
		return err
	}
	if err := s.WriteFile(path); err != nil {
		return fault.Wrap(err, fmsg.With("save recording "+path))
	}
	return nil
}
