package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	HTTPTimeout       time.Duration `envconfig:"HTTP_TIMEOUT" default:"60s"`
	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"1"`
	DBPath            string        `envconfig:"DB_PATH"`
	LedgerLease       time.Duration `envconfig:"LEDGER_LEASE" default:"6h"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Pride struct {
		APIBaseURL        string `split_words:"true" default:"https://www.ebi.ac.uk/pride/ws/archive/v2/"`
		PrivateAPIBaseURL string `split_words:"true" default:"https://www.ebi.ac.uk/pride/private/ws/archive/v2/"`
		ChecksumPath      string `split_words:"true" default:"files/checksum/"`
	}

	FTP struct {
		Timeout            time.Duration `split_words:"true" default:"30s"`
		MaxFileAttempts    int           `split_words:"true" default:"3"`
		FileRetryDelay     time.Duration `split_words:"true" default:"2s"`
		MaxConnectAttempts int           `split_words:"true" default:"3"`
		ConnectRetryDelay  time.Duration `split_words:"true" default:"5s"`
	}

	Aspera struct {
		Dir          string `split_words:"true" default:"aspera"`
		KeyPath      string `split_words:"true" default:"aspera/key/asperaweb_id_dsa.openssh"`
		Port         int    `split_words:"true" default:"33001"`
		MaxBandwidth string `split_words:"true" default:"100M"`
	}

	S3 struct {
		Endpoint    string        `split_words:"true" default:"https://hh.fire.sdo.ebi.ac.uk"`
		Bucket      string        `split_words:"true" default:"pride-public"`
		Region      string        `split_words:"true" default:"us-east-1"`
		KeyPrefix   string        `split_words:"true" default:"ftp://ftp.pride.ebi.ac.uk/pride/data/archive/"`
		MaxAttempts int           `split_words:"true" default:"5"`
		BaseDelay   time.Duration `split_words:"true" default:"1s"`
	}

	Globus struct {
		FTPPrefix string `split_words:"true" default:"ftp://ftp.pride.ebi.ac.uk/"`
		BaseURL   string `split_words:"true" default:"https://g-a8b222.dd271.03c0.data.globus.org/"`
	}

	Private struct {
		MaxAttempts int           `split_words:"true" default:"5"`
		BaseDelay   time.Duration `split_words:"true" default:"2s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"false"`
		ServiceName  string `split_words:"true" default:"pride_downloader"`
		OTLPEndpoint string `split_words:"true"`
		MetricsAddr  string `split_words:"true"`
	}
}

// LoadConfig loads the given .env files, or ./.env when none is given, and then reads
// environment variables into a Config. Missing .env files are ignored and variables that
// are already set win.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", cfg.MaxParallel)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
