package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/trivia-battle/go/internal/natsbridge"
	"github.com/mcdev12/trivia-battle/go/internal/realtime"
	"github.com/mcdev12/trivia-battle/go/internal/reconcile"
	"github.com/mcdev12/trivia-battle/go/internal/session"
)

// FileEnv names the variable pointing at an optional YAML config file
const FileEnv = "TRIVIA_CONFIG"

// Channel holds the reconnect settings of one channel kind
type Channel struct {
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
}

type Mirror struct {
	// Driver is "memory", "sqlite3" or "postgres"
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// DB builds the DSN of the postgres driver when DSN is empty
	DB Database `yaml:"db"`
}

type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

func (d Database) postgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

type NATS struct {
	// URL empty disables the refresh bridge
	URL            string `yaml:"url"`
	RefreshSubject string `yaml:"refresh_subject"`
}

// Config is the client and development server configuration
type Config struct {
	APIBaseURL string `yaml:"api_base_url"`
	Username   string `yaml:"username"`
	ChatRoom   string `yaml:"chat_room"`

	Battle Channel `yaml:"battle"`
	Chat   Channel `yaml:"chat"`

	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	WaitTick          time.Duration `yaml:"wait_tick"`
	InviteLimit       int           `yaml:"invite_limit"`
	RefreshDebounce   time.Duration `yaml:"refresh_debounce"`
	BatchSize         int           `yaml:"batch_size"`
	BatchDelay        time.Duration `yaml:"batch_delay"`
	SlowActionAfter   time.Duration `yaml:"slow_action_after"`

	Mirror Mirror `yaml:"mirror"`
	NATS   NATS   `yaml:"nats"`

	LogLevel      string `yaml:"log_level"`
	DevServerPort string `yaml:"devserver_port"`
	// ControlPort serves the local control API of the headless client
	ControlPort string `yaml:"control_port"`
}

// Default returns the built-in configuration
func Default() Config {
	battle := realtime.DefaultBattlePolicy()
	chat := realtime.DefaultChatPolicy()
	sess := session.DefaultConfig()
	batch := reconcile.DefaultBatchOptions()

	return Config{
		APIBaseURL: "http://localhost:8000",
		ChatRoom:   "general",
		Battle: Channel{
			MaxReconnects: battle.MaxAttempts,
			ReconnectBase: battle.Base,
		},
		Chat: Channel{
			MaxReconnects: chat.MaxAttempts,
			ReconnectBase: chat.Base,
			ReconnectMax:  chat.Max,
		},
		InactivityTimeout: sess.InactivityTimeout,
		WaitTick:          sess.WaitTick,
		InviteLimit:       sess.InviteLimit,
		RefreshDebounce:   250 * time.Millisecond,
		BatchSize:         batch.Size,
		BatchDelay:        batch.Delay,
		SlowActionAfter:   reconcile.DefaultSlowAfter,
		Mirror: Mirror{
			Driver: "memory",
			DB: Database{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				Password: "postgres",
				Name:     "trivia",
				SSLMode:  "disable",
			},
		},
		NATS:              NATS{RefreshSubject: natsbridge.DefaultConfig().Subject},
		LogLevel:          "info",
		DevServerPort:     "8000",
		ControlPort:       "8090",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// TRIVIA_CONFIG (if set) and environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.APIBaseURL = getEnv("API_BASE_URL", c.APIBaseURL)
	c.Username = getEnv("TRIVIA_USERNAME", c.Username)
	c.ChatRoom = getEnv("CHAT_ROOM", c.ChatRoom)
	c.Mirror.Driver = getEnv("MIRROR_DRIVER", c.Mirror.Driver)
	c.Mirror.DSN = getEnv("MIRROR_DSN", c.Mirror.DSN)
	c.Mirror.DB.Host = getEnv("DB_HOST", c.Mirror.DB.Host)
	c.Mirror.DB.User = getEnv("DB_USER", c.Mirror.DB.User)
	c.Mirror.DB.Password = getEnv("DB_PASSWORD", c.Mirror.DB.Password)
	c.Mirror.DB.Name = getEnv("DB_NAME", c.Mirror.DB.Name)
	c.Mirror.DB.SSLMode = getEnv("DB_SSLMODE", c.Mirror.DB.SSLMode)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.RefreshSubject = getEnv("NATS_REFRESH_SUBJECT", c.NATS.RefreshSubject)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DevServerPort = getEnv("DEVSERVER_PORT", c.DevServerPort)
	c.ControlPort = getEnv("CONTROL_PORT", c.ControlPort)

	var errs []error
	ints := []struct {
		key string
		dst *int
	}{
		{"BATTLE_MAX_RECONNECTS", &c.Battle.MaxReconnects},
		{"CHAT_MAX_RECONNECTS", &c.Chat.MaxReconnects},
		{"INVITE_LIMIT", &c.InviteLimit},
		{"BATCH_SIZE", &c.BatchSize},
		{"DB_PORT", &c.Mirror.DB.Port},
	}
	for _, v := range ints {
		if err := getEnvAsInt(v.key, v.dst); err != nil {
			errs = append(errs, err)
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BATTLE_RECONNECT_BASE", &c.Battle.ReconnectBase},
		{"CHAT_RECONNECT_BASE", &c.Chat.ReconnectBase},
		{"CHAT_RECONNECT_MAX", &c.Chat.ReconnectMax},
		{"INACTIVITY_TIMEOUT", &c.InactivityTimeout},
		{"WAIT_TICK", &c.WaitTick},
		{"REFRESH_DEBOUNCE", &c.RefreshDebounce},
		{"BATCH_DELAY", &c.BatchDelay},
		{"SLOW_ACTION_AFTER", &c.SlowActionAfter},
	}
	for _, v := range durations {
		if err := getEnvAsDuration(v.key, v.dst); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if c.Mirror.Driver == "postgres" && c.Mirror.DSN == "" {
		c.Mirror.DSN = c.Mirror.DB.postgresURL()
	}
	return nil
}

// Validate rejects values the client cannot run with
func (c Config) Validate() error {
	switch {
	case c.APIBaseURL == "":
		return errors.New("API_BASE_URL is required")
	case c.Battle.ReconnectBase <= 0 || c.Chat.ReconnectBase <= 0:
		return errors.New("reconnect base delay must be positive")
	case c.InactivityTimeout <= 0:
		return errors.New("INACTIVITY_TIMEOUT must be positive")
	case c.BatchSize < 1:
		return errors.New("BATCH_SIZE must be at least 1")
	}
	switch c.Mirror.Driver {
	case "memory":
	case "sqlite3", "postgres":
		if c.Mirror.DSN == "" {
			return fmt.Errorf("MIRROR_DSN is required for driver %s", c.Mirror.Driver)
		}
	default:
		return fmt.Errorf("unknown MIRROR_DRIVER %q", c.Mirror.Driver)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

// BattlePolicy is the linear reconnect policy of the battle channel
func (c Config) BattlePolicy() realtime.BackoffPolicy {
	return realtime.BackoffPolicy{
		Strategy:    realtime.Linear,
		Base:        c.Battle.ReconnectBase,
		Max:         c.Battle.ReconnectMax,
		MaxAttempts: c.Battle.MaxReconnects,
	}
}

// ChatPolicy is the exponential reconnect policy of the chat channel
func (c Config) ChatPolicy() realtime.BackoffPolicy {
	return realtime.BackoffPolicy{
		Strategy:    realtime.Exponential,
		Base:        c.Chat.ReconnectBase,
		Max:         c.Chat.ReconnectMax,
		MaxAttempts: c.Chat.MaxReconnects,
	}
}

func (c Config) SessionConfig() session.Config {
	return session.Config{
		InactivityTimeout: c.InactivityTimeout,
		WaitTick:          c.WaitTick,
		InviteLimit:       c.InviteLimit,
	}
}

func (c Config) BatchOptions() reconcile.BatchOptions {
	opts := reconcile.DefaultBatchOptions()
	opts.Size = c.BatchSize
	opts.Delay = c.BatchDelay
	return opts
}

func (c Config) NATSConfig() natsbridge.Config {
	cfg := natsbridge.DefaultConfig()
	cfg.URL = c.NATS.URL
	cfg.Subject = c.NATS.RefreshSubject
	return cfg
}

// Level returns the zerolog level, info if unparsable
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

// getEnvAsDuration accepts Go durations ("1.5s") and bare milliseconds ("1500")
func getEnvAsDuration(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	if ms, err := strconv.Atoi(value); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
