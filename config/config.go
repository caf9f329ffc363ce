package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
)

// Loopless policies, mirrored by the sequencer.
const (
	LooplessOnce    = "once"
	LooplessDefault = "default"
)

// SheetConfig says where notes come from.
type SheetConfig struct {
	Name          string   `json:"name,omitempty"`          // Google spreadsheet title
	SpreadsheetID string   `json:"spreadsheetId,omitempty"` // skips the lookup by name
	Worksheet     string   `json:"worksheet,omitempty"`     // first worksheet if empty
	SecretsFile   string   `json:"secretsFile,omitempty"`
	Workbook      string   `json:"workbook,omitempty"` // local .xlsx instead of Google
	PollInterval  Duration `json:"pollInterval"`
	FetchTimeout  Duration `json:"fetchTimeout,omitempty"`
}

// OutputConfig defines the MIDI output and session artifacts
type OutputConfig struct {
	PortName string `json:"portName,omitempty"` // defaults to the spreadsheet title
	Virtual  bool   `json:"virtual"`
	Record   string `json:"record,omitempty"`  // .mid written on exit
	Journal  string `json:"journal,omitempty"` // sqlite history
}

// EngineConfig tunes the scheduler
type EngineConfig struct {
	Loopless    string   `json:"loopless"`
	DefaultLoop Duration `json:"defaultLoop"`
	Seed        uint64   `json:"seed,omitempty"` // 0 picks a random seed
}

// UIConfig stores UI preferences
type UIConfig struct {
	Monitor bool   `json:"monitor"`
	Debug   bool   `json:"debug,omitempty"`
	Palette string `json:"palette,omitempty"` // builtin name or .gpl path; empty for plasma
}

// Config is the main configuration structure
type Config struct {
	Sheet  SheetConfig  `json:"sheet"`
	Output OutputConfig `json:"output"`
	Engine EngineConfig `json:"engine"`
	UI     UIConfig     `json:"ui"`

	// Persist asks for the effective config to be written back.
	Persist bool `json:"-"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Sheet: SheetConfig{
			SecretsFile:  "client_secret.json",
			PollInterval: Duration(2 * time.Second),
		},
		Output: OutputConfig{
			Virtual: true,
		},
		Engine: EngineConfig{
			Loopless:    LooplessOnce,
			DefaultLoop: Duration(time.Second),
		},
		UI: UIConfig{
			Monitor: true,
		},
	}
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "spreadsheet-music"), nil
}

// ConfigPath returns the full path to config.json
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from disk, or returns defaults if not found
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fault.Wrap(err, fmsg.With("read config"))
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, configError("config file", path+": "+err.Error())
	}
	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveFile(path)
}

// SaveFile writes the config to path, creating its directory.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fault.Wrap(err, fmsg.With("create config dir"))
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fault.Wrap(err, fmsg.With("write config"))
	}
	return nil
}

// UseWorkbook reports whether notes are read from a local file.
func (c *Config) UseWorkbook() bool {
	return c.Sheet.Workbook != ""
}

// PortName returns the MIDI port to use for a spreadsheet with the given
// title. The port is named after the spreadsheet unless set explicitly.
func (c *Config) PortName(title string) string {
	if c.Output.PortName != "" {
		return c.Output.PortName
	}
	if title != "" {
		return title
	}
	return "spreadsheet-music"
}

// Validate checks that a reader and a sink can be built from c.
func (c *Config) Validate() error {
	s := c.Sheet
	switch {
	case s.Workbook == "" && s.Name == "" && s.SpreadsheetID == "":
		return configError("sheet", "a sheet name, spreadsheet id or workbook is required")
	case s.Workbook != "":
		if _, err := os.Stat(s.Workbook); err != nil {
			return configError("workbook", err.Error())
		}
	default:
		if _, err := os.Stat(s.SecretsFile); err != nil {
			return configError("secrets file", err.Error())
		}
	}

	if s.PollInterval <= 0 {
		return configError("poll interval", "must be positive")
	}
	if s.FetchTimeout < 0 {
		return configError("fetch timeout", "must not be negative")
	}

	switch c.Engine.Loopless {
	case LooplessOnce, LooplessDefault:
	default:
		return configError("loopless", "must be \""+LooplessOnce+"\" or \""+LooplessDefault+"\"")
	}
	if c.Engine.DefaultLoop <= 0 {
		return configError("default loop", "must be positive")
	}
	return nil
}
