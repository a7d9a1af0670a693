// Copyright 2024-2026 Aiku AI

package mirror

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	DefaultCleanupDays = 30
	DefaultCleanupTime = "00:05"
	// DefaultCodePattern matches alphanumeric runs of length >= 6, the
	// shape of product IDs and coupon codes seen in deal channels.
	DefaultCodePattern = `\b[A-Za-z0-9]{6,}\b`

	defaultAdminAddr = ":29330"
)

// AdminConfig configures the administrative HTTP API.
type AdminConfig struct {
	Password   string `yaml:"password"`
	ListenAddr string `yaml:"listen_addr"`
}

// CleanupConfig controls the daily retention sweep. All fields are
// hot-reloadable: the scheduler re-reads them every cycle.
type CleanupConfig struct {
	// Days is the retention window for processed-identity rows. Absent
	// defaults to DefaultCleanupDays; an explicit zero or negative value
	// disables the identity sweep.
	Days *int `yaml:"days"`
	// Time is the local time-of-day the sweep runs at, "HH:MM".
	Time string `yaml:"time"`
	// ClearCodesWhenDisabled keeps the code-cache clear running even when
	// Days disables the identity sweep. Defaults to true.
	ClearCodesWhenDisabled *bool `yaml:"clear_codes_when_disabled"`
}

// DedupConfig controls code extraction. Hot-reloadable.
type DedupConfig struct {
	CodeRegex string `yaml:"code_regex"`
}

// Config holds the mirror configuration.
type Config struct {
	ServerURL string `yaml:"server_url"`
	// Token authenticates the relay account. The MIRROR_TOKEN environment
	// variable overrides this field so the secret can stay out of the file.
	Token          string   `yaml:"token"`
	DestChannel    string   `yaml:"dest_channel"`
	SourceChannels []string `yaml:"source_channels"`

	DataDir string `yaml:"data_dir"`

	Admin   AdminConfig       `yaml:"admin"`
	Cleanup CleanupConfig     `yaml:"cleanup"`
	Dedup   DedupConfig       `yaml:"dedup"`
	Logging zeroconfig.Config `yaml:"logging"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = os.Getenv("MIRROR_ADMIN_ADDR")
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = defaultAdminAddr
	}
	if c.Cleanup.Time == "" {
		c.Cleanup.Time = DefaultCleanupTime
	}
	if c.Dedup.CodeRegex == "" {
		c.Dedup.CodeRegex = DefaultCodePattern
	}
	if tok := os.Getenv("MIRROR_TOKEN"); tok != "" {
		c.Token = tok
	}
}

// days returns the retention window, defaulting to DefaultCleanupDays when
// the field is absent. Disabling retention takes an explicit zero.
func (c *CleanupConfig) days() int {
	if c.Days == nil {
		return DefaultCleanupDays
	}
	return *c.Days
}

// clearCodesWhenDisabled reports whether the code cache should still be
// cleared on cycles where the identity sweep is disabled.
func (c *CleanupConfig) clearCodesWhenDisabled() bool {
	if c.ClearCodesWhenDisabled == nil {
		return true
	}
	return *c.ClearCodesWhenDisabled
}

// Validate checks the fields required to boot. Hot-reloadable fields are
// validated at their point of use instead so a bad edit can't stop the
// relay.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required (config or MIRROR_TOKEN)")
	}
	if c.DestChannel == "" {
		return fmt.Errorf("dest_channel is required")
	}
	if len(c.SourceChannels) == 0 {
		return fmt.Errorf("at least one source channel is required")
	}
	if c.Admin.Password == "" {
		return fmt.Errorf("admin.password is required")
	}
	return nil
}

// StatsPath returns the location of the stats JSON file.
func (c *Config) StatsPath() string {
	return filepath.Join(c.DataDir, "stats.json")
}

// DatabasePath returns the location of the SQLite state database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// LogPath returns the filename of the first file log writer, or "" when
// logging only goes to the console.
func (c *Config) LogPath() string {
	for _, writer := range c.Logging.Writers {
		if writer.Type == zeroconfig.WriterTypeFile {
			return writer.Filename
		}
	}
	return ""
}

// ParseCleanupTime parses an "HH:MM" time-of-day string. Malformed values
// fall back to the default sweep time (00:05) rather than erroring, so a
// bad edit degrades instead of stopping the scheduler.
func ParseCleanupTime(value string) (hour, minute int) {
	h, m, ok := strings.Cut(strings.TrimSpace(value), ":")
	if ok {
		hv, herr := strconv.Atoi(h)
		mv, merr := strconv.Atoi(m)
		if herr == nil && merr == nil && hv >= 0 && hv <= 23 && mv >= 0 && mv <= 59 {
			return hv, mv
		}
	}
	return 0, 5
}

// ConfigLoader reads and rewrites a YAML config file. Load is called again
// by components with hot-reloadable settings (retention window, sweep time,
// code regex) so file edits apply without a restart.
type ConfigLoader struct {
	path string
	mu   sync.Mutex
}

func NewConfigLoader(path string) *ConfigLoader {
	return &ConfigLoader{path: path}
}

func (cl *ConfigLoader) Path() string {
	return cl.path
}

// Load reads the config file, applying defaults and environment overrides.
func (cl *ConfigLoader) Load() (*Config, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.loadLocked()
}

func (cl *ConfigLoader) loadLocked() (*Config, error) {
	data, err := os.ReadFile(cl.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Update applies fn to a freshly loaded config and writes the result back
// atomically (temp file + rename). The load-mutate-write sequence holds the
// loader lock so concurrent admin edits don't lose each other's changes.
func (cl *ConfigLoader) Update(fn func(*Config)) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cfg, err := cl.loadLocked()
	if err != nil {
		return err
	}
	fn(cfg)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	tmp := cl.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, cl.path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
