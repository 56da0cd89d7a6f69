package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"labtrack/api"
	"labtrack/button"
	"labtrack/card"
	"labtrack/eventpipe"
	"labtrack/indicator"
	"labtrack/ledger"
	"labtrack/mqtt"
	"labtrack/station"
	"labtrack/tap"
)

// Config is the main configuration structure for the station.
type Config struct {
	// Reader configuration
	Reader    card.Config      `yaml:"reader"`
	EventPipe eventpipe.Config `yaml:"event_pipe"` // only with reader.type sim

	Station station.Config `yaml:"station"`
	Tap     tap.Config     `yaml:"tap"`
	Ledger  ledger.Config  `yaml:"ledger"`

	// Indicator configuration
	Indicator indicator.Config `yaml:"indicator"`
	Button    button.Config    `yaml:"button"`

	API  api.Config  `yaml:"api"`
	MQTT mqtt.Config `yaml:"mqtt"`

	// General settings
	ClientID string `yaml:"client_id"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Environment variables that override secrets from the config file.
const (
	envLedgerUsername = "LABTRACK_LEDGER_USERNAME"
	envLedgerPassword = "LABTRACK_LEDGER_PASSWORD"
	envLedgerToken    = "LABTRACK_LEDGER_TOKEN"
	envAPISecret      = "LABTRACK_API_SECRET"
)

// loadConfig decodes the yaml file at path, then applies secrets from
// the environment. envFile is loaded into the environment first if it
// exists.
func loadConfig(path, envFile string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	applyEnv(&cfg)

	if cfg.ClientID == "" {
		return nil, errors.New("client_id missing in config file")
	}

	cfg.Station.Tap = cfg.Tap
	cfg.Station.Ledger = cfg.Ledger
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(envLedgerUsername); ok {
		cfg.Ledger.Username = v
	}
	if v, ok := os.LookupEnv(envLedgerPassword); ok {
		cfg.Ledger.Password = v
	}
	if v, ok := os.LookupEnv(envLedgerToken); ok {
		cfg.Ledger.Token = v
	}
	if v, ok := os.LookupEnv(envAPISecret); ok {
		cfg.API.JWTSecret = v
	}
}

// setupLogging applies log_level and log_file. The returned file, if
// any, must be closed on exit.
func setupLogging(cfg *Config, debug bool) (*os.File, error) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	level := log.InfoLevel
	if cfg.LogLevel != "" {
		var err error
		level, err = log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log_level: %w", err)
		}
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(f)
	return f, nil
}
