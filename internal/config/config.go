// Package config loads server and client settings from YAML files and
// CALLSIGNAL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "CALLSIGNAL"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
	KickSlow   bool          `mapstructure:"kick_slow"`

	InviteLimit  int           `mapstructure:"invite_limit"`
	InviteWindow time.Duration `mapstructure:"invite_window"`

	Contacts ContactsConfig `mapstructure:"contacts"`

	v *viper.Viper
}

type ContactsConfig struct {
	Backend    string        `mapstructure:"backend"` // memory, mongo or sqlite
	MongoURI   string        `mapstructure:"mongo_uri"`
	MongoDB    string        `mapstructure:"mongo_db"`
	SQLitePath string        `mapstructure:"sqlite_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Seed       []SeedEdge    `mapstructure:"seed"`
}

// SeedEdge is one directed contact relation loaded at startup.
type SeedEdge struct {
	Owner    string `mapstructure:"owner"`
	Contact  string `mapstructure:"contact"`
	Accepted bool   `mapstructure:"accepted"`
}

type ClientConfig struct {
	ServerURL   string        `mapstructure:"server_url"`
	Username    string        `mapstructure:"username"`
	LogLevel    string        `mapstructure:"log_level"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	Media       MediaConfig   `mapstructure:"media"`
}

type MediaConfig struct {
	Audio bool `mapstructure:"audio"`
	Video bool `mapstructure:"video"`
}

// FileFor returns the per-environment config path, e.g. config/server.dev.yaml.
func FileFor(kind string) string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/%s.%s.yaml", kind, env)
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "change-me")
	v.SetDefault("kick_slow", false)
	v.SetDefault("invite_limit", 5)
	v.SetDefault("invite_window", "10s")
	v.SetDefault("contacts.backend", "memory")
	v.SetDefault("contacts.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("contacts.mongo_db", "callsignal")
	v.SetDefault("contacts.sqlite_path", "contacts.db")
	v.SetDefault("contacts.timeout", "5s")
}

func clientDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("username", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("call_timeout", "30s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.audio", true)
	v.SetDefault("media.video", false)
}

func newViper(fileName string, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	defaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	logger := log.With().Str("module", "config").Str("file", fileName).Logger()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		logger.Warn().Msg("config file not found, using defaults")
	} else {
		logger.Info().Msg("config loaded")
	}
	return v, nil
}

// Load reads the server config for the current CONFIG_ENV.
func Load() (*Config, error) {
	return LoadFrom(FileFor("server"))
}

func LoadFrom(fileName string) (*Config, error) {
	v, err := newViper(fileName, serverDefaults)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeServer(v)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("contacts", cfg.Contacts.Backend).Msg("server config")
	return cfg, nil
}

func decodeServer(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.v = v
	return &cfg, nil
}

func LoadClient(fileName string) (*ClientConfig, error) {
	v, err := newViper(fileName, clientDefaults)
	if err != nil {
		return nil, err
	}
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the config file on every change and hands the fresh
// values to fn. Only settings read at use time (such as log_level) take
// effect without a restart.
func (c *Config) Watch(fn func(*Config)) {
	if c.v == nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) { c.reload(e, fn) })
	c.v.WatchConfig()
}

func (c *Config) reload(e fsnotify.Event, fn func(*Config)) {
	logger := log.With().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Logger()
	fresh, err := decodeServer(c.v)
	if err != nil {
		logger.Error().Err(err).Msg("config reload rejected")
		return
	}
	logger.Info().Str("log_level", fresh.LogLevel).Msg("config reloaded")
	fn(fresh)
}
