// Package config loads deployable settings for the range bar binaries.
//
// Settings are layered: built-in defaults, then a TOML file, then a .env
// file, then RANGEBAR_* environment variables. Validate is separate from Load
// so binaries can apply flag overrides first.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full configuration tree.
type Config struct {
	LogLevel  string `toml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `toml:"log_format" validate:"oneof=console json"`

	Server   ServerConfig   `toml:"server"`
	Stream   StreamConfig   `toml:"stream"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Batch    BatchConfig    `toml:"batch"`
}

// ServerConfig configures the gRPC endpoint and subscriber limits.
type ServerConfig struct {
	Addr             string `toml:"addr" validate:"required"`
	MaxSymbols       int    `toml:"max_symbols" validate:"min=1"`
	SubscriberBuffer int    `toml:"subscriber_buffer" validate:"min=1"`
}

// StreamConfig selects the live feeds and the bar thresholds built from them.
type StreamConfig struct {
	Pairs            []string `toml:"pairs" validate:"min=1,dive,required"`
	Exchanges        []string `toml:"exchanges" validate:"min=1,dive,oneof=binance coinbase okx okx-quotes"`
	Thresholds       []int    `toml:"thresholds" validate:"min=1,dive,min=1,max=100000"`
	SnapshotInterval Duration `toml:"snapshot_interval"`
}

// RedisConfig enables the Redis bar publisher.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr" validate:"required_if=Enabled true"`
	Password     string `toml:"password"`
	DB           int    `toml:"db" validate:"min=0"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	Prefix       string `toml:"prefix"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// PostgresConfig enables the bar store.
type PostgresConfig struct {
	Enabled       bool     `toml:"enabled"`
	DSN           string   `toml:"dsn" validate:"required_if=Enabled true"`
	MaxConns      int      `toml:"max_conns" validate:"min=0"`
	BatchSize     int      `toml:"batch_size" validate:"min=0"`
	FlushInterval Duration `toml:"flush_interval"`
}

// S3Config enables uploads of batch exports.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket" validate:"required_if=Enabled true"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// BatchConfig configures offline processing of trade files.
type BatchConfig struct {
	Workers   int    `toml:"workers" validate:"min=1"`
	OutputDir string `toml:"output_dir" validate:"required"`
	Format    string `toml:"format" validate:"oneof=csv json parquet"`
}

// Duration lets TOML and environment values use time.ParseDuration syntax.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs the live server against all
// three venues without any sinks.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "console",
		Server: ServerConfig{
			Addr:             ":50051",
			MaxSymbols:       100,
			SubscriberBuffer: 100,
		},
		Stream: StreamConfig{
			Pairs:      []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"},
			Exchanges:  []string{"binance", "coinbase", "okx"},
			Thresholds: []int{250},
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "rangebar",
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			BatchSize:     100,
			FlushInterval: Duration{time.Second},
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
			Prefix:         "rangebar",
		},
		Batch: BatchConfig{
			Workers:   4,
			OutputDir: "output",
			Format:    "parquet",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.Stream.SnapshotInterval.Duration < 0 {
			return errors.New("config validation failed: stream.snapshot_interval must not be negative")
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (%s)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("config validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}
