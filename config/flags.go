package config

import (
	"strconv"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"
)

// Version is reported by --version.
var Version = "0.1.0"

// Parse applies command line flags on top of base and returns the result.
// Values from base become the flag defaults, so only flags given on the
// command line change anything. base is not modified.
func Parse(args []string, base *Config) (*Config, error) {
	cfg := *base
	app := kingpin.New("spreadsheet-music", "Play a spreadsheet as a live MIDI sequence.")
	app.Version(Version)
	app.HelpFlag.Short('h')

	app.Flag("sheet-name", "Name of the Google spreadsheet to play").Short('n').
		Default(cfg.Sheet.Name).StringVar(&cfg.Sheet.Name)
	app.Flag("spreadsheet-id", "Spreadsheet id, skips the lookup by name").
		Default(cfg.Sheet.SpreadsheetID).StringVar(&cfg.Sheet.SpreadsheetID)
	app.Flag("worksheet", "Worksheet to read, the first one if empty").
		Default(cfg.Sheet.Worksheet).StringVar(&cfg.Sheet.Worksheet)
	app.Flag("secrets-file", "Service account credentials").Short('f').
		Default(cfg.Sheet.SecretsFile).StringVar(&cfg.Sheet.SecretsFile)
	app.Flag("workbook", "Play a local .xlsx file instead of a Google spreadsheet").Short('x').
		Default(cfg.Sheet.Workbook).StringVar(&cfg.Sheet.Workbook)
	app.Flag("receive", "Interval between spreadsheet reads").Short('r').
		Default(cfg.Sheet.PollInterval.String()).DurationVar((*time.Duration)(&cfg.Sheet.PollInterval))
	app.Flag("fetch-timeout", "Give up on a single read after this long (0 = receive interval, at least 1s)").
		Default(cfg.Sheet.FetchTimeout.String()).DurationVar((*time.Duration)(&cfg.Sheet.FetchTimeout))

	app.Flag("port", "MIDI output port name, defaults to the spreadsheet title").
		Default(cfg.Output.PortName).StringVar(&cfg.Output.PortName)
	app.Flag("virtual", "Create a virtual output port instead of opening an existing one").
		Default(strconv.FormatBool(cfg.Output.Virtual)).BoolVar(&cfg.Output.Virtual)
	app.Flag("record", "Write everything played to this MIDI file on exit").
		Default(cfg.Output.Record).StringVar(&cfg.Output.Record)
	app.Flag("journal", "Keep a sqlite history of snapshots and failed reads").
		Default(cfg.Output.Journal).StringVar(&cfg.Output.Journal)

	app.Flag("loopless", "What rows without a loop do").
		Default(cfg.Engine.Loopless).EnumVar(&cfg.Engine.Loopless, LooplessOnce, LooplessDefault)
	app.Flag("default-loop", "Loop length for rows without one when --loopless=default").
		Default(cfg.Engine.DefaultLoop.String()).DurationVar((*time.Duration)(&cfg.Engine.DefaultLoop))
	app.Flag("seed", "Random seed for probability draws (0 = random)").
		Default(strconv.FormatUint(cfg.Engine.Seed, 10)).Uint64Var(&cfg.Engine.Seed)

	app.Flag("monitor", "Show the monitor when attached to a terminal").
		Default(strconv.FormatBool(cfg.UI.Monitor)).BoolVar(&cfg.UI.Monitor)
	app.Flag("palette", "Monitor colours: a builtin palette name or a .gpl file").
		Default(cfg.UI.Palette).StringVar(&cfg.UI.Palette)
	app.Flag("debug", "Log at debug level").Short('d').
		Default(strconv.FormatBool(cfg.UI.Debug)).BoolVar(&cfg.UI.Debug)
	app.Flag("save-config", "Write the effective settings to the config file").
		BoolVar(&cfg.Persist)

	if _, err := app.Parse(args); err != nil {
		return nil, configError("flags", err.Error())
	}

	return &cfg, nil
}
