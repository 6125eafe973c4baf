// Package config loads the wallet service configuration from YAML, .env and the environment.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ORANGEWALLET_"

// Store backends.
const (
	BackendWAL      = "wal"
	BackendPostgres = "postgres"
)

type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	Store       StoreConfig       `yaml:"store"`
	Indexer     IndexerConfig     `yaml:"indexer"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Refresh     RefreshConfig     `yaml:"refresh"`
	Redis       RedisConfig       `yaml:"redis"`
	HTTP        HTTPConfig        `yaml:"http"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	WALDir      string `yaml:"wal_dir"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
	MaxConns    int32  `yaml:"max_conns,omitempty"`
}

type IndexerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent,omitempty"`
	MaxRetries   int           `yaml:"max_retries"`
	GapLimit     int           `yaml:"gap_limit"`
	MaxAddresses int           `yaml:"max_addresses"`
}

type CredentialsConfig struct {
	Network string `yaml:"network"`
	Strict  bool   `yaml:"strict"`
}

type RefreshConfig struct {
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
	Cooldown          time.Duration `yaml:"cooldown"`
}

// RedisConfig enables publishing ledger entries when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Channel  string `yaml:"channel"`
}

type HTTPConfig struct {
	CORSOrigins     []string      `yaml:"cors_origins,omitempty"`
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat"`
}

// Default returns the configuration used when no file overrides a key.
func Default() Config {
	return Config{
		ListenAddr:  ":8080",
		MetricsAddr: ":9108",
		LogLevel:    "info",
		Store: StoreConfig{
			Backend: BackendWAL,
			WALDir:  "./wal/wallets",
		},
		Indexer: IndexerConfig{
			BaseURL:      "https://mempool.space/api",
			Timeout:      10 * time.Second,
			MaxRetries:   2,
			GapLimit:     20,
			MaxAddresses: 200,
		},
		Credentials: CredentialsConfig{Network: "mainnet"},
		Refresh: RefreshConfig{
			IdempotencyWindow: time.Second,
			Cooldown:          5 * time.Minute,
		},
		Redis: RedisConfig{Channel: "ledger_events"},
		HTTP:  HTTPConfig{StreamHeartbeat: 30 * time.Second},
	}
}

// Load reads path (optional), loads .env if present, applies ORANGEWALLET_* overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "open config %s", path)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load .env")
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Parse decodes YAML on top of the defaults without touching the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN_ADDR":    &c.ListenAddr,
		"METRICS_ADDR":   &c.MetricsAddr,
		"LOG_LEVEL":      &c.LogLevel,
		"STORE_BACKEND":  &c.Store.Backend,
		"WAL_DIR":        &c.Store.WALDir,
		"POSTGRES_DSN":   &c.Store.PostgresDSN,
		"INDEXER_URL":    &c.Indexer.BaseURL,
		"NETWORK":        &c.Credentials.Network,
		"REDIS_ADDR":     &c.Redis.Addr,
		"REDIS_PASSWORD": &c.Redis.Password,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup(envPrefix + "REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%sREDIS_DB", envPrefix)
		}
		c.Redis.DB = db
	}
	if v, ok := lookup(envPrefix + "CORS_ORIGINS"); ok {
		c.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.HTTP.CORSOrigins = append(c.HTTP.CORSOrigins, origin)
			}
		}
	}
	return nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown log_level %q", c.LogLevel)
	}

	switch c.Store.Backend {
	case BackendWAL:
		if c.Store.WALDir == "" {
			return errors.New("store.wal_dir is required for the wal backend")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return errors.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Credentials.Network {
	case "mainnet", "testnet", "signet", "regtest":
	default:
		return errors.Errorf("unknown credentials.network %q", c.Credentials.Network)
	}

	if !strings.HasPrefix(c.Indexer.BaseURL, "http://") && !strings.HasPrefix(c.Indexer.BaseURL, "https://") {
		return errors.Errorf("indexer.base_url must be an http(s) URL, got %q", c.Indexer.BaseURL)
	}
	if c.Indexer.Timeout <= 0 {
		return errors.New("indexer.timeout must be positive")
	}
	if c.Indexer.MaxRetries < 0 {
		return errors.New("indexer.max_retries must not be negative")
	}
	if c.Indexer.GapLimit <= 0 || c.Indexer.MaxAddresses <= 0 {
		return errors.New("indexer.gap_limit and indexer.max_addresses must be positive")
	}

	if c.Refresh.IdempotencyWindow <= 0 || c.Refresh.Cooldown <= 0 {
		return errors.New("refresh windows must be positive")
	}
	if c.Refresh.IdempotencyWindow >= c.Refresh.Cooldown {
		return errors.Errorf("refresh.idempotency_window %s must be shorter than refresh.cooldown %s",
			c.Refresh.IdempotencyWindow, c.Refresh.Cooldown)
	}
	if c.HTTP.StreamHeartbeat <= 0 {
		return errors.New("http.stream_heartbeat must be positive")
	}
	return nil
}
