package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nudgeline/internal/events"
)

const FileName = "nudgeline.yml"

// Config models nudgeline.yml.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Push      PushConfig      `yaml:"push"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	FollowUp  FollowUpConfig  `yaml:"followup"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig    `yaml:"server"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type StoreConfig struct {
	Driver           string `yaml:"driver"`
	SQLitePath       string `yaml:"sqlite_path"`
	FirestoreProject string `yaml:"firestore_project"`
	NudgesCollection string `yaml:"nudges_collection"`
	UsersCollection  string `yaml:"users_collection"`
	CredentialsFile  string `yaml:"credentials_file"`
	LegacyScanFactor int    `yaml:"legacy_scan_factor"`
}

type PushConfig struct {
	Driver          string `yaml:"driver"`
	CredentialsFile string `yaml:"credentials_file"`
}

type DeliveryConfig struct {
	BatchLimit      int        `yaml:"batch_limit"`
	LockTTL         Duration   `yaml:"lock_ttl"`
	DailyCap        int        `yaml:"daily_cap"`
	QuietHours      QuietHours `yaml:"quiet_hours"`
	DefaultTimezone string     `yaml:"default_timezone"`
	DispatchTimeout Duration   `yaml:"dispatch_timeout"`
	Workers         int        `yaml:"workers"`
}

type QuietHours struct {
	Start Clock `yaml:"start"`
	End   Clock `yaml:"end"`
}

type FollowUpConfig struct {
	Hour int `yaml:"hour"`
}

type SchedulerConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Cron       string   `yaml:"cron"`
	RunTimeout Duration `yaml:"run_timeout"`
	Secret     string   `yaml:"secret"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Duration decodes Go duration strings such as "5m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Clock is a wall-clock time of day, stored as minutes after midnight.
type Clock int

func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q: out of range", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c *Clock) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseClock(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Clock) MarshalYAML() (any, error) {
	return c.String(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config.store.sqlite_path is required")
		}
	case "firestore":
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("config.store.firestore_project is required for the firestore driver")
		}
		if c.Store.NudgesCollection == "" || c.Store.UsersCollection == "" {
			return fmt.Errorf("config.store collections are required for the firestore driver")
		}
	default:
		return fmt.Errorf("config.store.driver must be 'sqlite' or 'firestore'")
	}
	switch c.Push.Driver {
	case "console":
	case "fcm":
		if c.Push.CredentialsFile == "" {
			return fmt.Errorf("config.push.credentials_file is required for the fcm driver")
		}
	default:
		return fmt.Errorf("config.push.driver must be 'console' or 'fcm'")
	}
	if c.Delivery.BatchLimit <= 0 {
		return fmt.Errorf("config.delivery.batch_limit must be positive")
	}
	if c.Delivery.LockTTL <= 0 {
		return fmt.Errorf("config.delivery.lock_ttl must be positive")
	}
	if c.Delivery.DailyCap < 0 {
		return fmt.Errorf("config.delivery.daily_cap must not be negative")
	}
	if c.Delivery.Workers <= 0 {
		return fmt.Errorf("config.delivery.workers must be positive")
	}
	if _, err := time.LoadLocation(c.Delivery.DefaultTimezone); err != nil {
		return fmt.Errorf("config.delivery.default_timezone: %w", err)
	}
	if c.FollowUp.Hour < 0 || c.FollowUp.Hour > 23 {
		return fmt.Errorf("config.followup.hour must be between 0 and 23")
	}
	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.Cron) == "" {
		return fmt.Errorf("config.scheduler.cron is required when the scheduler is enabled")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if !events.Known(strings.TrimSpace(evt)) {
				return fmt.Errorf("webhook %d: unknown event %q", i, evt)
			}
		}
	}
	return nil
}

// Location returns the fallback timezone for users without a profile zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Delivery.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with nl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `store:
  driver: sqlite
  sqlite_path: .nudgeline/nudgeline.db
  firestore_project: ""
  nudges_collection: nudges
  users_collection: users
  legacy_scan_factor: 5

push:
  driver: console
  credentials_file: ""

delivery:
  batch_limit: 100
  lock_ttl: 5m
  daily_cap: 3
  quiet_hours:
    start: "21:00"
    end: "08:00"
  default_timezone: UTC
  dispatch_timeout: 10s
  workers: 4

followup:
  hour: 10

scheduler:
  enabled: true
  cron: "@every 15m"
  run_timeout: 2m
  secret: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
`
