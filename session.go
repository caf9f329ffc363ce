package main

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"

	"spreadsheet-music/config"
	"spreadsheet-music/journal"
	"spreadsheet-music/midi"
	"spreadsheet-music/midiport"
	"spreadsheet-music/sequencer"
	"spreadsheet-music/sheet"
	"spreadsheet-music/theme"
	"spreadsheet-music/tui"
)

// titledReader is a sheet reader that knows what its spreadsheet is called.
type titledReader interface {
	sheet.Reader
	Title() string
}

// Session is one run of the engine: the reader, the port and everything
// between them.
type Session struct {
	cfg      *config.Config
	log      *log.Logger
	title    string
	port     *midiport.Port
	recorder *midi.Recorder
	journal  *journal.Journal
	palette  *theme.Palette

	feed    *sheet.Feed
	poller  *sheet.Poller
	emitter *midi.Emitter
	sched   *sequencer.Scheduler
}

// setup builds a session. Any error here is a startup failure.
func setup(ctx context.Context, cfg *config.Config) (*Session, error) {
	logger := log.FromContext(ctx)

	palette, err := theme.Load(cfg.UI.Palette)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("palette"), ftag.With(config.KindConfig))
	}

	reader, err := openReader(ctx, cfg)
	if err != nil {
		return nil, fault.Wrap(err, ftag.With(config.KindConfig))
	}
	s := &Session{cfg: cfg, log: logger, title: reader.Title(), feed: sheet.NewFeed(), palette: palette}

	name := cfg.PortName(s.title)
	if cfg.Output.Virtual {
		s.port, err = midiport.OpenVirtual(name)
	} else {
		s.port, err = midiport.OpenNamed(name)
	}
	if err != nil {
		return nil, fault.Wrap(err, ftag.With(config.KindConfig))
	}
	logger.Info("midi output ready", "port", s.port.Name(), "virtual", s.port.Virtual())

	var sink midi.Sink = s.port
	if cfg.Output.Record != "" {
		s.recorder = midi.NewRecorder(s.port, time.Now)
		sink = s.recorder
	}

	if cfg.Output.Journal != "" {
		if s.journal, err = journal.Open(cfg.Output.Journal); err != nil {
			s.port.Close()
			return nil, err
		}
	}

	s.poller = sheet.NewPoller(reader, cfg.Sheet.PollInterval.Std())
	s.poller.SetFetchTimeout(cfg.Sheet.FetchTimeout.Std())
	if s.journal != nil {
		s.poller.OnFailure = func(err error, _ int) {
			if jerr := s.journal.RecordFailure(ctx, time.Now(), err); jerr != nil {
				logger.Warn("journal write failed", "err", jerr)
			}
		}
	}

	s.emitter = midi.NewEmitter(sink, logger.WithPrefix("midi"))
	s.sched = sequencer.New(s.feed, s.emitter, sequencer.SystemClock{}, sequencer.Options{
		Loopless:    sequencer.LooplessPolicy(cfg.Engine.Loopless),
		DefaultLoop: cfg.Engine.DefaultLoop.Std(),
		Rand:        newRand(cfg.Engine.Seed),
	})
	return s, nil
}

func openReader(ctx context.Context, cfg *config.Config) (titledReader, error) {
	if cfg.UseWorkbook() {
		return sheet.NewWorkbookReader(cfg.Sheet.Workbook, cfg.Sheet.Worksheet), nil
	}
	r, err := sheet.NewGoogleReader(ctx, sheet.GoogleOptions{
		CredentialsFile: cfg.Sheet.SecretsFile,
		SpreadsheetID:   cfg.Sheet.SpreadsheetID,
		Name:            cfg.Sheet.Name,
		Worksheet:       cfg.Sheet.Worksheet,
	})
	if err != nil {
		return nil, err
	}
	log.FromContext(ctx).Info("spreadsheet opened", "title", r.Title(), "url", r.URL())
	return r, nil
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed))
}

// play runs the poller and the scheduler until ctx is cancelled, the
// monitor quits, or either of them stops. Stopping one stops both.
func (s *Session) play(ctx context.Context, monitor bool) error {
	logger := log.FromContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := s.poller.Run(ctx, s.publish(ctx)); err != nil {
			logger.Error("poller stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		if err := s.sched.Run(ctx); err != nil {
			logger.Error("scheduler stopped", "err", err)
		}
	}()

	var err error
	if monitor {
		err = s.monitor(ctx, cancel)
	} else {
		logger.Info("playing, ctrl+c to stop", "sheet", s.title, "port", s.port.Name())
		<-ctx.Done()
	}
	cancel()
	wg.Wait()

	st := s.sched.Status()
	logger.Info("stopped", "fired", st.Fired, "skipped", st.Suppressed, "forced", st.Forced, "errors", st.Failed)
	return err
}

func (s *Session) publish(ctx context.Context) func(*sheet.Snapshot) {
	logger := log.FromContext(ctx)
	return func(snap *sheet.Snapshot) {
		s.feed.Publish(snap)
		if s.journal == nil {
			return
		}
		if _, err := s.journal.RecordSnapshot(ctx, snap); err != nil {
			logger.Warn("journal write failed", "err", err)
		}
	}
}

func (s *Session) monitor(ctx context.Context, cancel context.CancelFunc) error {
	m := tui.NewModel(s.sched, s.feed, s.poller, theme.New(s.palette))
	m.Title = s.title
	m.Port = s.port.Name()
	m.Quit = cancel

	p := tea.NewProgram(m, tea.WithAltScreen())
	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// close releases the port and writes the recording.
func (s *Session) close() {
	logger := s.log
	if s.recorder != nil && s.recorder.Len() > 0 {
		if err := s.recorder.WriteFile(s.cfg.Output.Record); err != nil {
			logger.Error("could not write recording", "path", s.cfg.Output.Record, "err", err)
		} else {
			logger.Info("recording written", "path", s.cfg.Output.Record, "messages", s.recorder.Len())
		}
	}
	if s.journal != nil {
		s.journal.Close()
	}
	s.port.Close()
}
