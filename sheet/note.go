package sheet

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/ftag"
)

// Recognized header names (matched case-insensitively).
const (
	ColPitch       = "pitch"
	ColVelocity    = "velocity"
	ColChannel     = "channel"
	ColOnset       = "onset"
	ColDuration    = "duration"
	ColLoop        = "loop"
	ColProbability = "probability"
)

// Defaults for optional columns.
const (
	DefaultVelocity    = 127
	DefaultChannel     = 1
	DefaultDuration    = 100 * time.Millisecond
	DefaultProbability = 1.0
)

// Note is the musical intent of one row. Notes are values; a new set is
// built on every poll and never modified afterwards.
type Note struct {
	Row         int // 0-based data row, identity across snapshots
	Pitch       uint8
	Velocity    uint8
	Channel     uint8 // 0-15
	Onset       time.Duration
	Duration    time.Duration
	Loop        time.Duration // 0 when the row has no loop
	Probability float64
}

// Loops reports whether the note repeats.
func (n Note) Loops() bool {
	return n.Loop > 0
}

// Fields serializes the note back into column form: seconds for times and a
// 1-based channel, the way the values are written in the sheet.
func (n Note) Fields() map[string]any {
	f := map[string]any{
		ColPitch:       int(n.Pitch),
		ColVelocity:    int(n.Velocity),
		ColChannel:     int(n.Channel) + 1,
		ColOnset:       n.Onset.Seconds(),
		ColDuration:    n.Duration.Seconds(),
		ColProbability: n.Probability,
	}
	if n.Loops() {
		f[ColLoop] = n.Loop.Seconds()
	}
	return f
}

// MarshalJSON writes the column form, keeping snapshots readable in the journal.
func (n Note) MarshalJSON() ([]byte, error) {
	f := n.Fields()
	f["row"] = n.Row
	return json.Marshal(f)
}

// ParseRow converts a raw row into a Note. It never panics and has no side
// effects; any problem is reported as a *ParseError naming the column.
func ParseRow(index int, row Row) (Note, error) {
	n := Note{
		Row:         index,
		Velocity:    DefaultVelocity,
		Channel:     DefaultChannel - 1,
		Duration:    DefaultDuration,
		Probability: DefaultProbability,
	}

	cells := make(Row, len(row))
	for k, v := range row {
		cells[strings.ToLower(strings.TrimSpace(k))] = v
	}

	fail := func(col string, v any, reason string) (Note, error) {
		return Note{}, fault.Wrap(&ParseError{Row: index, Column: col, Value: v, Reason: reason}, ftag.With(KindParse))
	}

	pitch, ok, err := intCell(cells[ColPitch])
	if err != nil {
		return fail(ColPitch, cells[ColPitch], err.Error())
	}
	if !ok {
		return fail(ColPitch, nil, "missing")
	}
	if pitch < 0 || pitch > 127 {
		return fail(ColPitch, cells[ColPitch], "must be between 0 and 127")
	}
	n.Pitch = uint8(pitch)

	if v, ok, err := intCell(cells[ColVelocity]); err != nil {
		return fail(ColVelocity, cells[ColVelocity], err.Error())
	} else if ok {
		if v < 0 || v > 127 {
			return fail(ColVelocity, cells[ColVelocity], "must be between 0 and 127")
		}
		n.Velocity = uint8(v)
	}

	if v, ok, err := intCell(cells[ColChannel]); err != nil {
		return fail(ColChannel, cells[ColChannel], err.Error())
	} else if ok {
		if v < 1 || v > 16 {
			return fail(ColChannel, cells[ColChannel], "must be between 1 and 16")
		}
		n.Channel = uint8(v - 1)
	}

	if v, ok, err := floatCell(cells[ColOnset]); err != nil {
		return fail(ColOnset, cells[ColOnset], err.Error())
	} else if ok {
		if v < 0 {
			return fail(ColOnset, cells[ColOnset], "must not be negative")
		}
		n.Onset = seconds(v)
	}

	if v, ok, err := floatCell(cells[ColDuration]); err != nil {
		return fail(ColDuration, cells[ColDuration], err.Error())
	} else if ok {
		if v < 0 {
			return fail(ColDuration, cells[ColDuration], "must not be negative")
		}
		n.Duration = seconds(v)
	}

	if v, ok, err := floatCell(cells[ColLoop]); err != nil {
		return fail(ColLoop, cells[ColLoop], err.Error())
	} else if ok {
		if v <= 0 {
			return fail(ColLoop, cells[ColLoop], "must be positive")
		}
		n.Loop = seconds(v)
		if n.Loop <= 0 {
			return fail(ColLoop, cells[ColLoop], "too short")
		}
	}

	if v, ok, err := floatCell(cells[ColProbability]); err != nil {
		return fail(ColProbability, cells[ColProbability], err.Error())
	} else if ok {
		if v < 0 || v > 1 {
			return fail(ColProbability, cells[ColProbability], "must be between 0 and 1")
		}
		n.Probability = v
	}

	return n, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}

type cellError string

func (e cellError) Error() string { return string(e) }

const (
	errNotNumeric cellError = "not a number"
	errNotWhole   cellError = "must be a whole number"
	errRange      cellError = "out of range"
)

// floatCell reads a numeric or numeric-string cell. Empty cells are absent.
func floatCell(v any) (float64, bool, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case uint8:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, false, errNotNumeric
		}
		f = p
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false, nil
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, errNotNumeric
		}
		f = p
	default:
		return 0, false, errNotNumeric
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, errNotNumeric
	}
	return f, true, nil
}

func intCell(v any) (int, bool, error) {
	f, ok, err := floatCell(v)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != math.Trunc(f) {
		return 0, false, errNotWhole
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false, errRange
	}
	return int(f), true, nil
}
