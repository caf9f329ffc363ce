package sheet

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/charmbracelet/log"
)

// Reader fetches all data rows of a spreadsheet, in sheet order.
type Reader interface {
	FetchRows(ctx context.Context) ([]Row, error)
}

// EscalateAfter is the number of consecutive failed fetches after which
// failures are reported as warnings.
const EscalateAfter = 3

// Poller turns a Reader into a stream of snapshots.
type Poller struct {
	reader   Reader
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	// OnFailure, if set, is called after every failed fetch with the
	// number of consecutive failures so far.
	OnFailure func(err error, consecutive int)

	seq      uint64
	failures atomic.Int32
	lastBad  map[int]string
}

// NewPoller creates a poller fetching every interval.
func NewPoller(r Reader, interval time.Duration) *Poller {
	return &Poller{
		reader:   r,
		interval: interval,
		timeout:  max(interval, time.Second),
		now:      time.Now,
		lastBad:  map[int]string{},
	}
}

// SetFetchTimeout bounds a single fetch. Zero keeps the default.
func (p *Poller) SetFetchTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// ConsecutiveFailures returns the current run of failed fetches.
func (p *Poller) ConsecutiveFailures() int {
	return int(p.failures.Load())
}

// Run polls until ctx is cancelled, calling onSnapshot once per successful
// fetch. Fetch failures never stop the loop.
func (p *Poller) Run(ctx context.Context, onSnapshot func(*Snapshot)) error {
	logger := log.FromContext(ctx).WithPrefix("poll")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if snap, err := p.Poll(ctx); err == nil {
			onSnapshot(snap)
		} else if ctx.Err() == nil {
			p.fail(logger, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll performs one fetch-and-parse cycle. Row parse failures are logged and
// skipped; only a failed fetch returns an error.
func (p *Poller) Poll(ctx context.Context) (*Snapshot, error) {
	logger := log.FromContext(ctx).WithPrefix("poll")

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	rows, err := p.reader.FetchRows(fetchCtx)
	if err != nil {
		if ftag.Get(err) != KindFetch {
			err = fault.Wrap(err, fmsg.With("fetch rows"), ftag.With(KindFetch))
		}
		return nil, err
	}

	notes := make([]Note, 0, len(rows))
	bad := map[int]string{}
	for i, row := range rows {
		if row.Blank() {
			continue
		}
		n, err := ParseRow(i, row)
		if err != nil {
			bad[i] = err.Error()
			continue
		}
		notes = append(notes, n)
	}
	p.reportBad(logger, bad)

	if n := p.failures.Swap(0); n > 0 {
		logger.Info("sheet reachable again", "failed", n)
	}

	p.seq++
	snap := NewSnapshot(p.seq, start, notes)
	logger.Debug("sheet parsed", "seq", snap.Seq, "notes", snap.Len(), "skipped", len(bad), "took", p.now().Sub(start))
	return snap, nil
}

func (p *Poller) fail(logger *log.Logger, err error) {
	n := int(p.failures.Add(1))
	if n >= EscalateAfter {
		logger.Warn("sheet unreachable, playing last good snapshot", "consecutive", n, "err", err)
	} else {
		logger.Info("fetch failed, keeping last snapshot", "consecutive", n, "err", err)
	}
	if p.OnFailure != nil {
		p.OnFailure(err, n)
	}
}

// reportBad warns about rows that started failing or changed their error and
// stays quiet at debug level for rows that keep failing the same way.
func (p *Poller) reportBad(logger *log.Logger, bad map[int]string) {
	rows := make([]int, 0, len(bad))
	for i := range bad {
		rows = append(rows, i)
	}
	sort.Ints(rows)

	for _, i := range rows {
		if p.lastBad[i] == bad[i] {
			logger.Debug("row skipped", "err", bad[i])
			continue
		}
		logger.Warn("row skipped", "err", bad[i])
	}
	p.lastBad = bad
}

// IsFetchError reports whether err came from a failed fetch.
func IsFetchError(err error) bool {
	return err != nil && ftag.Get(err) == KindFetch
}

// IsParseError reports whether err is a row parse failure.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
