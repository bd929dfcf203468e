// Package config loads client options from the environment.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/bitrise-io/go-blobstore/auth"
	"github.com/bitrise-io/go-blobstore/download"
	"github.com/bitrise-io/go-blobstore/pipeline"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Config holds every tunable of a client. Build it once with Load and pass
// it by value; nothing reads the environment afterwards.
type Config struct {
	AccountName string `env:"BLOB_ACCOUNT_NAME"`
	AccountKey  Secret `env:"BLOB_ACCOUNT_KEY"`
	BearerToken Secret `env:"BLOB_BEARER_TOKEN"`

	MaxTries             int           `env:"BLOB_MAX_TRIES"`
	RetryBackoff         string        `env:"BLOB_RETRY_BACKOFF,opt[exponential,linear]"`
	RetryDelay           time.Duration `env:"BLOB_RETRY_DELAY"`
	MaxRetryDelay        time.Duration `env:"BLOB_MAX_RETRY_DELAY"`
	TryTimeout           time.Duration `env:"BLOB_TRY_TIMEOUT"`
	RetryableStatusCodes []int         `env:"BLOB_RETRYABLE_STATUS_CODES"`

	// OperationTimeout bounds how long synchronous calls wait for a result.
	// Zero waits until the request context ends.
	OperationTimeout time.Duration `env:"BLOB_OPERATION_TIMEOUT"`

	// MaxResumes bounds how often a streaming download recovers from a
	// broken connection. Zero disables resumption.
	MaxResumes int `env:"BLOB_MAX_RESUMES"`

	// DownloadRetries is the number of times a whole-file download is started over.
	DownloadRetries uint `env:"BLOB_DOWNLOAD_RETRIES"`

	// UserAgent is an application id put in front of the library User-Agent.
	UserAgent string `env:"BLOB_USER_AGENT"`
	Debug     bool   `env:"BLOB_DEBUG"`
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	retry := pipeline.DefaultRetryOptions()
	return Config{
		MaxTries:             retry.MaxTries,
		RetryBackoff:         string(retry.Backoff),
		RetryDelay:           retry.RetryDelay,
		MaxRetryDelay:        retry.MaxRetryDelay,
		RetryableStatusCodes: retry.RetryableStatusCodes,
		OperationTimeout:     10 * time.Minute,
		MaxResumes:           download.DefaultMaxResumes,
		DownloadRetries:      download.DefaultFileOptions().Retries,
	}
}

// Load reads the configuration from repo on top of the defaults and
// validates it.
func Load(repo env.Repository) (Config, error) {
	cfg := Default()
	if err := Parse(&cfg, repo); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ...
func (c Config) Validate() error {
	if c.MaxTries < 1 {
		return fmt.Errorf("BLOB_MAX_TRIES must be at least 1, got %d", c.MaxTries)
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < 0 || c.TryTimeout < 0 || c.OperationTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.MaxRetryDelay > 0 && c.RetryDelay > c.MaxRetryDelay {
		return fmt.Errorf("BLOB_RETRY_DELAY (%s) exceeds BLOB_MAX_RETRY_DELAY (%s)", c.RetryDelay, c.MaxRetryDelay)
	}
	for _, code := range c.RetryableStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("BLOB_RETRYABLE_STATUS_CODES: invalid status code %d", code)
		}
		if code >= 200 && code < 300 {
			return fmt.Errorf("BLOB_RETRYABLE_STATUS_CODES: %d is a success status", code)
		}
	}
	if c.AccountKey != "" && c.AccountName == "" {
		return fmt.Errorf("BLOB_ACCOUNT_KEY is set without BLOB_ACCOUNT_NAME")
	}
	return nil
}

// RetryOptions converts the retry settings for the pipeline.
func (c Config) RetryOptions() pipeline.RetryOptions {
	codes := make([]int, len(c.RetryableStatusCodes))
	copy(codes, c.RetryableStatusCodes)
	return pipeline.RetryOptions{
		MaxTries:             c.MaxTries,
		Backoff:              pipeline.BackoffKind(c.RetryBackoff),
		RetryDelay:           c.RetryDelay,
		MaxRetryDelay:        c.MaxRetryDelay,
		TryTimeout:           c.TryTimeout,
		RetryableStatusCodes: codes,
	}
}

// FileOptions converts the whole-file download settings.
func (c Config) FileOptions(logger log.Logger) download.FileOptions {
	opts := download.DefaultFileOptions()
	opts.Retries = c.DownloadRetries
	opts.Logger = logger
	return opts
}

// Credential returns the credential selected by the configuration: a shared
// key when an account key is set, a bearer token when one is set, anonymous
// access otherwise.
func (c Config) Credential() (auth.Credential, error) {
	switch {
	case c.AccountKey != "":
		cred, err := auth.NewSharedKeyCredential(c.AccountName, string(c.AccountKey))
		if err != nil {
			return nil, err
		}
		return cred, nil
	case c.BearerToken != "":
		cred, err := auth.NewTokenCredential(auth.StaticToken(string(c.BearerToken)))
		if err != nil {
			return nil, err
		}
		return cred, nil
	default:
		return auth.Anonymous{}, nil
	}
}

// NewLogger returns a logger honouring BLOB_DEBUG.
func (c Config) NewLogger() log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(c.Debug)
	return logger
}

// Print logs the effective configuration with secrets redacted.
func Print(cfg interface{}, logger log.Logger) {
	title, lines := describe(cfg)
	logger.Infof("%s:", title)
	for _, line := range lines {
		logger.Printf("%s", line)
	}
}

func describe(cfg interface{}) (string, []string) {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()

	var lines []string
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		if tag, ok := t.Field(i).Tag.Lookup("env"); ok {
			name, _ = parseTag(tag)
		}

		value := v.Field(i)
		formatted := "<unset>"
		if !value.IsZero() {
			formatted = valueString(value)
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", name, formatted))
	}
	return toTitle(t.Name()), lines
}

func toTitle(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
