package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"lcdmatrix/internal/command"
	"lcdmatrix/internal/listener"
	appLog "lcdmatrix/internal/log"
	"lcdmatrix/internal/matrix"
	"lcdmatrix/internal/model"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// Supported display drivers.
const (
	DriverI2C  = "i2c"
	DriverMock = "mock"
)

const (
	DefaultListen      = "0.0.0.0:80"
	DefaultHTTPListen  = "127.0.0.1:8080"
	DefaultStopTimeout = 5 * time.Second
)

// DisplayConfig describes one physical display.
type DisplayConfig struct {
	// Address is the PCF8574 bus address (0x20..0x27).
	Address model.Address `yaml:"address" json:"address"`
	// Position places the display on the grid. If any display has one,
	// displays without a position are ignored.
	Position *model.Position `yaml:"position,omitempty" json:"position,omitempty"`
	// Pinned keeps the display out of shift chains.
	Pinned bool `yaml:"pinned,omitempty" json:"pinned,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// HTTPConfig configures the HTTP control surface.
type HTTPConfig struct {
	// Listen is the HTTP listen address. Empty disables HTTP.
	Listen string `yaml:"listen" json:"listen"`
	// WebSocket enables the /ws command stream.
	WebSocket bool `yaml:"websocket" json:"websocket"`
	// Metrics enables /metrics.
	Metrics bool `yaml:"metrics" json:"metrics"`
	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// MDNSConfig configures the DNS-SD advertisement of the command listener.
type MDNSConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Instance defaults to the hostname.
	Instance string `yaml:"instance,omitempty" json:"instance,omitempty"`
	// Interface restricts the advertisement to one network interface.
	Interface string `yaml:"interface,omitempty" json:"interface,omitempty"`
}

// ScheduleConfig is one cron-driven print.
type ScheduleConfig struct {
	Name string `yaml:"name" json:"name"`
	// Cron is a standard 5-field expression or a descriptor like "@every 1m".
	Cron string `yaml:"cron" json:"cron"`
	// Print is the allocation strategy (default on_next_or_id).
	Print string `yaml:"print" json:"print"`
	ID    string `yaml:"id" json:"id"`
	// Lines are two templates; {time} and {date} are expanded when the
	// entry fires. A null line leaves that line untouched.
	Lines []*string `yaml:"lines" json:"lines"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the command listener TCP address.
	Listen string `yaml:"listen" json:"listen"`

	// Bus is the periph.io I2C bus name. Empty selects the first bus.
	Bus string `yaml:"bus" json:"bus"`

	// Driver is "i2c" (default) or "mock" (in-memory, writes are logged).
	Driver string `yaml:"driver" json:"driver"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// StopTimeout bounds how long powering off waits for a display write.
	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout"`

	// IdleTimeout closes command connections that stay silent. Zero
	// disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`

	// MaxMessageSize caps one command line in bytes.
	MaxMessageSize int `yaml:"max_message_size" json:"max_message_size"`

	// Announce shows "Receiver Ready" and the listen address on startup.
	// Unset means true.
	Announce *bool `yaml:"announce,omitempty" json:"announce,omitempty"`

	Displays  []DisplayConfig  `yaml:"displays" json:"displays"`
	HTTP      HTTPConfig       `yaml:"http" json:"http"`
	MDNS      MDNSConfig       `yaml:"mdns" json:"mdns"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty" json:"schedules,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	announce := true
	return &Config{
		Listen:         DefaultListen,
		Driver:         DriverI2C,
		LogLevel:       "info",
		StopTimeout:    DefaultStopTimeout,
		MaxMessageSize: listener.DefaultMaxMessageSize,
		Announce:       &announce,
		Displays:       []DisplayConfig{{Address: model.MaxAddress}},
		HTTP: HTTPConfig{
			Listen:    DefaultHTTPListen,
			WebSocket: true,
			Metrics:   true,
		},
		MDNS: MDNSConfig{Enabled: true},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. It never touches
// HTTP.Listen, where empty means disabled.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Driver == "" {
		c.Driver = DriverI2C
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = listener.DefaultMaxMessageSize
	}
	if c.Announce == nil {
		announce := true
		c.Announce = &announce
	}
	if c.Displays == nil {
		c.Displays = []DisplayConfig{}
	}
	for i := range c.Schedules {
		if c.Schedules[i].Print == "" {
			c.Schedules[i].Print = matrix.StrategyOnNextOrID
		}
	}
}

// AnnounceEnabled reports whether the startup banner is shown.
func (c *Config) AnnounceEnabled() bool {
	return c.Announce == nil || *c.Announce
}

// Validate reports structural errors. Display addresses are not checked
// here; bad entries are skipped when the matrix is built.
func (c *Config) Validate() error {
	var errs []error

	switch c.Driver {
	case DriverI2C, DriverMock:
	default:
		errs = append(errs, fmt.Errorf("driver %q: want %q or %q", c.Driver, DriverI2C, DriverMock))
	}
	if _, err := appLog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.HTTP.BasicAuth != nil && (c.HTTP.BasicAuth.Username == "") != (c.HTTP.BasicAuth.Password == "") {
		errs = append(errs, errors.New("http.basic_auth: username and password must both be set"))
	}

	seen := make(map[string]bool)
	for i, s := range c.Schedules {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("schedule %s: name is required", name))
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("schedule %s: duplicate name", name))
		}
		seen[name] = true

		if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: cron %q: %w", name, s.Cron, err))
		}
		if !command.ValidStrategy(s.Print) {
			errs = append(errs, fmt.Errorf("schedule %s: unknown print strategy %q", name, s.Print))
		}
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("schedule %s: id is required", name))
		}
		if len(s.Lines) != 2 {
			errs = append(errs, fmt.Errorf("schedule %s: want exactly 2 lines, got %d", name, len(s.Lines)))
		}
	}

	return errors.Join(errs...)
}

// Entries converts the display list into matrix entries.
func (c *Config) Entries() []matrix.Entry {
	out := make([]matrix.Entry, len(c.Displays))
	for i, d := range c.Displays {
		out[i] = matrix.Entry{Address: d.Address, Position: d.Position, Pinned: d.Pinned}
	}
	return out
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			appLog.Info("wrote default config", "path", path)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".lcdmatrix-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
