package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ECOSCAN_"

const (
	StoreMemory = "memory"
	StoreSQL    = "sql"
)

// Config carries runtime options for ecoscan.
type Config struct {
	Interval        time.Duration
	WindowSize      int
	HourlyRetention int
	TopN            int
	StaleAfter      time.Duration
	EvictAfter      time.Duration // 0 disables eviction, otherwise >= StaleAfter
	LicenseFile     string
	WatchLicenses   bool
	Store           string
	DBPath          string
	ExportJSON      string
	ExportSQL       string
	PersistRetries  int
	Listen          string
	LogLevel        string
	LogFile         string
	Headless        bool
}

func Default() Config {
	return Config{
		Interval:        time.Minute,
		WindowSize:      1440,
		HourlyRetention: 168,
		TopN:            20,
		StaleAfter:      60 * 24 * time.Hour,
		EvictAfter:      90 * 24 * time.Hour,
		LicenseFile:     "license_cost_data.json",
		Store:           StoreMemory,
		DBPath:          "ecoscan.db",
		PersistRetries:  5,
		LogLevel:        "info",
		LogFile:         "ecoscan.log",
	}
}

// fileConfig mirrors Config with durations as strings so both YAML and TOML accept
// values like "1m" or "720h".
type fileConfig struct {
	Interval        *string `yaml:"interval" toml:"interval"`
	WindowSize      *int    `yaml:"window_size" toml:"window_size"`
	HourlyRetention *int    `yaml:"hourly_retention" toml:"hourly_retention"`
	TopN            *int    `yaml:"top_n" toml:"top_n"`
	StaleAfter      *string `yaml:"stale_after" toml:"stale_after"`
	EvictAfter      *string `yaml:"evict_after" toml:"evict_after"`
	LicenseFile     *string `yaml:"license_file" toml:"license_file"`
	WatchLicenses   *bool   `yaml:"watch_licenses" toml:"watch_licenses"`
	Store           *string `yaml:"store" toml:"store"`
	DBPath          *string `yaml:"db_path" toml:"db_path"`
	ExportJSON      *string `yaml:"export_json" toml:"export_json"`
	ExportSQL       *string `yaml:"export_sql" toml:"export_sql"`
	PersistRetries  *int    `yaml:"persist_retries" toml:"persist_retries"`
	Listen          *string `yaml:"listen" toml:"listen"`
	LogLevel        *string `yaml:"log_level" toml:"log_level"`
	LogFile         *string `yaml:"log_file" toml:"log_file"`
	Headless        *bool   `yaml:"headless" toml:"headless"`
}

// LoadFile overlays the keys present in a YAML or TOML file, chosen by extension.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(raw, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &fc)
	default:
		return errors.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}

	durations := []struct {
		src *string
		dst *time.Duration
		key string
	}{
		{fc.Interval, &c.Interval, "interval"},
		{fc.StaleAfter, &c.StaleAfter, "stale_after"},
		{fc.EvictAfter, &c.EvictAfter, "evict_after"},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := parseDuration(*d.src)
		if err != nil {
			return errors.WithDetails(err, "key", d.key)
		}
		*d.dst = v
	}
	setInt(&c.WindowSize, fc.WindowSize)
	setInt(&c.HourlyRetention, fc.HourlyRetention)
	setInt(&c.TopN, fc.TopN)
	setInt(&c.PersistRetries, fc.PersistRetries)
	setString(&c.LicenseFile, fc.LicenseFile)
	setString(&c.Store, fc.Store)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.ExportJSON, fc.ExportJSON)
	setString(&c.ExportSQL, fc.ExportSQL)
	setString(&c.Listen, fc.Listen)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFile, fc.LogFile)
	setBool(&c.WatchLicenses, fc.WatchLicenses)
	setBool(&c.Headless, fc.Headless)
	return nil
}

// ApplyEnv applies ECOSCAN_* overrides. Unparseable values are reported, not ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	get := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		return v, ok && v != ""
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, errors.WithDetails(err, "env", envPrefix+key))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, errors.WithDetails(errors.Wrap(err, "invalid integer"), "env", envPrefix+key))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, errors.WithDetails(errors.Wrap(err, "invalid boolean"), "env", envPrefix+key))
				return
			}
			*dst = b
		}
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	duration("INTERVAL", &c.Interval)
	duration("STALE_AFTER", &c.StaleAfter)
	duration("EVICT_AFTER", &c.EvictAfter)
	integer("WINDOW_SIZE", &c.WindowSize)
	integer("HOURLY_RETENTION", &c.HourlyRetention)
	integer("TOP_N", &c.TopN)
	integer("PERSIST_RETRIES", &c.PersistRetries)
	str("LICENSE_FILE", &c.LicenseFile)
	str("STORE", &c.Store)
	str("DB_PATH", &c.DBPath)
	str("EXPORT_JSON", &c.ExportJSON)
	str("EXPORT_SQL", &c.ExportSQL)
	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)
	boolean("WATCH_LICENSES", &c.WatchLicenses)
	boolean("HEADLESS", &c.Headless)
	return errors.Combine(errs...)
}

// Flags holds the command-line values before they are merged.
type Flags struct {
	fs  *pflag.FlagSet
	cfg Config
}

// BindFlags registers one flag per key on fs, with the defaults as flag defaults.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs, cfg: Default()}
	c := &f.cfg
	fs.DurationVar(&c.Interval, "interval", c.Interval, "sampling interval")
	fs.IntVar(&c.WindowSize, "window-size", c.WindowSize, "samples kept per process name")
	fs.IntVar(&c.HourlyRetention, "hourly-retention", c.HourlyRetention, "hourly rollups kept")
	fs.IntVar(&c.TopN, "top", c.TopN, "rows shown in the top-by-memory table")
	fs.DurationVar(&c.StaleAfter, "stale-after", c.StaleAfter, "report licensed processes unseen for this long")
	fs.DurationVar(&c.EvictAfter, "evict-after", c.EvictAfter, "forget processes unseen for this long (0 disables)")
	fs.StringVar(&c.LicenseFile, "license-file", c.LicenseFile, "JSON map of process name to license cost")
	fs.BoolVar(&c.WatchLicenses, "watch-licenses", c.WatchLicenses, "reload the license file when it changes")
	fs.StringVar(&c.Store, "store", c.Store, "aggregate store: memory|sql")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "sqlite database for the sql store")
	fs.StringVar(&c.ExportJSON, "export-json", c.ExportJSON, "write each snapshot to this JSON file (.gz compresses)")
	fs.StringVar(&c.ExportSQL, "export-sql", c.ExportSQL, "mirror each snapshot into this sqlite database")
	fs.IntVar(&c.PersistRetries, "persist-retries", c.PersistRetries, "retries per sink write")
	fs.StringVar(&c.Listen, "listen", c.Listen, "serve the HTTP API on this address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "log destination while the dashboard runs")
	fs.BoolVar(&c.Headless, "headless", c.Headless, "run without the dashboard")
	return f
}

var flagKeys = map[string]func(dst, src *Config){
	"interval":         func(d, s *Config) { d.Interval = s.Interval },
	"window-size":      func(d, s *Config) { d.WindowSize = s.WindowSize },
	"hourly-retention": func(d, s *Config) { d.HourlyRetention = s.HourlyRetention },
	"top":              func(d, s *Config) { d.TopN = s.TopN },
	"stale-after":      func(d, s *Config) { d.StaleAfter = s.StaleAfter },
	"evict-after":      func(d, s *Config) { d.EvictAfter = s.EvictAfter },
	"license-file":     func(d, s *Config) { d.LicenseFile = s.LicenseFile },
	"watch-licenses":   func(d, s *Config) { d.WatchLicenses = s.WatchLicenses },
	"store":            func(d, s *Config) { d.Store = s.Store },
	"db":               func(d, s *Config) { d.DBPath = s.DBPath },
	"export-json":      func(d, s *Config) { d.ExportJSON = s.ExportJSON },
	"export-sql":       func(d, s *Config) { d.ExportSQL = s.ExportSQL },
	"persist-retries":  func(d, s *Config) { d.PersistRetries = s.PersistRetries },
	"listen":           func(d, s *Config) { d.Listen = s.Listen },
	"log-level":        func(d, s *Config) { d.LogLevel = s.LogLevel },
	"log-file":         func(d, s *Config) { d.LogFile = s.LogFile },
	"headless":         func(d, s *Config) { d.Headless = s.Headless },
}

// Apply copies only the flags set explicitly on the command line.
func (f *Flags) Apply(c *Config) {
	f.fs.Visit(func(fl *pflag.Flag) {
		if set, ok := flagKeys[fl.Name]; ok {
			set(c, &f.cfg)
		}
	})
}

// Load builds the effective configuration: defaults, then the file, then the
// environment, then explicit flags.
func Load(path string, flags *Flags) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return cfg, err
	}
	if flags != nil {
		flags.Apply(&cfg)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.WindowSize <= 0 {
		errs = append(errs, errors.New("window_size must be positive"))
	}
	if c.TopN <= 0 {
		errs = append(errs, errors.New("top_n must be positive"))
	}
	if c.HourlyRetention <= 0 {
		errs = append(errs, errors.New("hourly_retention must be positive"))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, errors.New("stale_after must be positive"))
	}
	if c.EvictAfter < 0 {
		errs = append(errs, errors.New("evict_after must not be negative"))
	}
	// Evicted names vanish from the stale license report.
	if c.EvictAfter > 0 && c.EvictAfter < c.StaleAfter {
		errs = append(errs, errors.New("evict_after must be 0 or at least stale_after"))
	}
	if c.PersistRetries < 0 {
		errs = append(errs, errors.New("persist_retries must not be negative"))
	}
	switch c.Store {
	case StoreMemory, StoreSQL:
	default:
		errs = append(errs, errors.Errorf("unknown store %q", c.Store))
	}
	return errors.Combine(errs...)
}

// parseDuration accepts Go durations and, like bare numbers, plain seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if d, err := time.ParseDuration(v + "s"); err == nil {
		return d, nil
	}
	return 0, errors.Errorf("invalid duration %q", v)
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
