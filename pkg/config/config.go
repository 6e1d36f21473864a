// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// EnvPrefix prefixes every override variable except the logger's own
// LOGGING_LEVEL and LOGGING_FORMAT.
const EnvPrefix = "QISYNC_"

type Config struct {
	Store   StoreConfig    `yaml:"store"`
	Remote  RemoteConfig   `yaml:"remote"`
	S3      S3Config       `yaml:"s3"`
	Retry   backoff.Policy `yaml:"retry"`
	Session SessionConfig  `yaml:"session"`
	Logging LoggingConfig  `yaml:"logging"`
	API     APIConfig      `yaml:"api"`
	Sentry  SentryConfig   `yaml:"sentry"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory sqlite"`
	Path    string `yaml:"path"    validate:"required_if=Backend sqlite"`
}

type RemoteConfig struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout"  validate:"min=0"`
	// MaxConcurrency bounds parallel requests, for example registry lookups
	// during hydration.
	MaxConcurrency int `yaml:"max_concurrency" validate:"min=1"`
}

// S3Config addresses the document bucket. KMSKeyID enables SSE-KMS on
// uploads. Empty credentials fall back to the default AWS chain.
type S3Config struct {
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	KMSKeyID  string `yaml:"kms_key_id"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key" validate:"required_with=AccessKey"`
	Endpoint  string `yaml:"endpoint"   validate:"omitempty,url"`
}

type SessionConfig struct {
	FeedBuffer        int           `yaml:"feed_buffer"        validate:"min=1"`
	BackgroundTimeout time.Duration `yaml:"background_timeout" validate:"min=0"`
	// FormCacheTTL bounds how long an unreleased form claim survives.
	FormCacheTTL time.Duration `yaml:"form_cache_ttl" validate:"min=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"  validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=CONSOLE JSON console json"`
}

type APIConfig struct {
	Listen        string `yaml:"listen"         validate:"required"`
	MetricsListen string `yaml:"metrics_listen"`
}

type SentryConfig struct {
	DSN            string `yaml:"dsn"`
	DebounceErrors bool   `yaml:"debounce_errors"`
}

// Default returns the configuration used when neither a file nor the
// environment say otherwise.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: BackendMemory,
		},
		Remote: RemoteConfig{
			Timeout:        30 * time.Second,
			MaxConcurrency: 4,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Retry: backoff.DefaultPolicy(),
		Session: SessionConfig{
			FeedBuffer:        64,
			BackgroundTimeout: 30 * time.Second,
			FormCacheTTL:      12 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "CONSOLE",
		},
		API: APIConfig{
			Listen: ":8080",
		},
		Sentry: SentryConfig{
			DebounceErrors: true,
		},
	}
}

// Load builds the configuration in three layers:
//
//  1. Default values
//  2. The YAML file at path, when path is not empty
//  3. Environment overrides, after loading envFiles (default ".env") into
//     the process environment. Variables already set win over the files.
//
// The result is validated before it is returned.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(envFiles...); err != nil {
		return cfg, err
	}

	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	return nil
}

// ApplyEnv overrides cfg with every QISYNC_* variable that is set.
func ApplyEnv(cfg *Config) error {
	var err error

	strs := []struct {
		key string
		dst *string
	}{
		{"STORE_BACKEND", &cfg.Store.Backend},
		{"STORE_PATH", &cfg.Store.Path},
		{"REMOTE_BASE_URL", &cfg.Remote.BaseURL},
		{"S3_REGION", &cfg.S3.Region},
		{"S3_BUCKET", &cfg.S3.Bucket},
		{"S3_KMS_KEY_ID", &cfg.S3.KMSKeyID},
		{"S3_ACCESS_KEY", &cfg.S3.AccessKey},
		{"S3_SECRET_KEY", &cfg.S3.SecretKey},
		{"S3_ENDPOINT", &cfg.S3.Endpoint},
		{"API_LISTEN", &cfg.API.Listen},
		{"METRICS_LISTEN", &cfg.API.MetricsListen},
		{"SENTRY_DSN", &cfg.Sentry.DSN},
	}

	for _, s := range strs {
		if *s.dst, err = GetAsString(EnvPrefix+s.key, false, *s.dst); err != nil {
			return err
		}
	}

	if cfg.Logging.Level, err = GetAsString("LOGGING_LEVEL", false, cfg.Logging.Level); err != nil {
		return err
	}

	if cfg.Logging.Format, err = GetAsString("LOGGING_FORMAT", false, cfg.Logging.Format); err != nil {
		return err
	}

	if cfg.Remote.Timeout, err = GetAsDuration(EnvPrefix+"REMOTE_TIMEOUT", false, cfg.Remote.Timeout); err != nil {
		return err
	}

	if cfg.Remote.MaxConcurrency, err = GetAsInt(EnvPrefix+"REMOTE_MAX_CONCURRENCY", false, cfg.Remote.MaxConcurrency); err != nil {
		return err
	}

	if cfg.Retry.MaxAttempts, err = GetAsInt(EnvPrefix+"RETRY_MAX_ATTEMPTS", false, cfg.Retry.MaxAttempts); err != nil {
		return err
	}

	if cfg.Retry.InitialInterval, err = GetAsDuration(EnvPrefix+"RETRY_INITIAL_INTERVAL", false, cfg.Retry.InitialInterval); err != nil {
		return err
	}

	if cfg.Retry.MaxInterval, err = GetAsDuration(EnvPrefix+"RETRY_MAX_INTERVAL", false, cfg.Retry.MaxInterval); err != nil {
		return err
	}

	if cfg.Session.FeedBuffer, err = GetAsInt(EnvPrefix+"SESSION_FEED_BUFFER", false, cfg.Session.FeedBuffer); err != nil {
		return err
	}

	if cfg.Session.BackgroundTimeout, err = GetAsDuration(EnvPrefix+"SESSION_BACKGROUND_TIMEOUT", false, cfg.Session.BackgroundTimeout); err != nil {
		return err
	}

	if cfg.Sentry.DebounceErrors, err = GetAsBool(EnvPrefix+"SENTRY_DEBOUNCE_ERRORS", false, cfg.Sentry.DebounceErrors); err != nil {
		return err
	}

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of cfg and its nested sections.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// Redacted returns a copy of cfg without secrets, for logging.
func (c Config) Redacted() Config {
	out := c

	if out.S3.SecretKey != "" {
		out.S3.SecretKey = "***"
	}

	if out.Sentry.DSN != "" {
		out.Sentry.DSN = "***"
	}

	return out
}
