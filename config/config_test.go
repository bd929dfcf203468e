package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/bitrise-io/go-blobstore/auth"
	"github.com/bitrise-io/go-blobstore/pipeline"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

const testAccountKey = "bm90LWEtcmVhbC1hY2NvdW50LWtleQ=="

func TestLoad_Defaults(t *testing.T) {
	// When
	cfg, err := Load(fakeEnvRepo{envVars: map[string]string{}})

	// Then
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, pipeline.DefaultRetryOptions(), cfg.RetryOptions())
}

func TestLoad(t *testing.T) {
	// Given
	repo := fakeEnvRepo{envVars: map[string]string{
		"BLOB_ACCOUNT_NAME":           "myaccount",
		"BLOB_ACCOUNT_KEY":            testAccountKey,
		"BLOB_MAX_TRIES":              "6",
		"BLOB_RETRY_BACKOFF":          "linear",
		"BLOB_RETRY_DELAY":            "500ms",
		"BLOB_MAX_RETRY_DELAY":        "30",
		"BLOB_TRY_TIMEOUT":            "1m",
		"BLOB_RETRYABLE_STATUS_CODES": "500, 503",
		"BLOB_MAX_RESUMES":            "2",
		"BLOB_DOWNLOAD_RETRIES":       "1",
		"BLOB_DEBUG":                  "yes",
	}}

	// When
	cfg, err := Load(repo)

	// Then
	require.NoError(t, err)
	assert.Equal(t, pipeline.RetryOptions{
		MaxTries:             6,
		Backoff:              pipeline.LinearBackoff,
		RetryDelay:           500 * time.Millisecond,
		MaxRetryDelay:        30 * time.Second,
		TryTimeout:           time.Minute,
		RetryableStatusCodes: []int{500, 503},
	}, cfg.RetryOptions())
	assert.Equal(t, 2, cfg.MaxResumes)
	assert.Equal(t, uint(1), cfg.FileOptions(log.NewLogger()).Retries)
	assert.True(t, cfg.Debug)
	assert.Equal(t, Secret(testAccountKey), cfg.AccountKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr error
	}{
		{name: "not a number", envVars: map[string]string{"BLOB_MAX_TRIES": "many"}},
		{name: "zero tries", envVars: map[string]string{"BLOB_MAX_TRIES": "0"}},
		{name: "unknown backoff", envVars: map[string]string{"BLOB_RETRY_BACKOFF": "fibonacci"}, wantErr: ErrInvalidOption},
		{name: "bad duration", envVars: map[string]string{"BLOB_TRY_TIMEOUT": "soon"}},
		{name: "delay above cap", envVars: map[string]string{"BLOB_RETRY_DELAY": "10s", "BLOB_MAX_RETRY_DELAY": "1s"}},
		{name: "success status is not retryable", envVars: map[string]string{"BLOB_RETRYABLE_STATUS_CODES": "200"}},
		{name: "key without account", envVars: map[string]string{"BLOB_ACCOUNT_KEY": testAccountKey}},
		{name: "bad bool", envVars: map[string]string{"BLOB_DEBUG": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(fakeEnvRepo{envVars: tt.envVars})

			require.Error(t, err)
			assert.Equal(t, Config{}, cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestParse_Constraints(t *testing.T) {
	type stepConfig struct {
		Name     string `env:"name,required"`
		Method   string `env:"method,opt[dev,prod]"`
		Untagged string
	}

	var notPointer stepConfig
	assert.ErrorIs(t, Parse(notPointer, fakeEnvRepo{}), ErrNotStructPtr)

	var missing stepConfig
	err := Parse(&missing, fakeEnvRepo{envVars: map[string]string{}})
	require.ErrorIs(t, err, ErrRequired)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "name", parseErr.Name)

	var valid stepConfig
	require.NoError(t, Parse(&valid, fakeEnvRepo{envVars: map[string]string{"name": "x", "method": "prod"}}))
	assert.Equal(t, stepConfig{Name: "x", Method: "prod"}, valid)

	type unknown struct {
		Length string `env:"length,length"`
	}
	var u unknown
	assert.Error(t, Parse(&u, fakeEnvRepo{envVars: map[string]string{"length": "1"}}))
}

func TestConfig_Credential(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    interface{}
		wantErr bool
	}{
		{name: "anonymous", cfg: Config{}, want: auth.Anonymous{}},
		{name: "shared key", cfg: Config{AccountName: "myaccount", AccountKey: testAccountKey}, want: &auth.SharedKeyCredential{}},
		{name: "bearer token", cfg: Config{BearerToken: "token"}, want: &auth.TokenCredential{}},
		{name: "shared key wins", cfg: Config{AccountName: "myaccount", AccountKey: testAccountKey, BearerToken: "token"}, want: &auth.SharedKeyCredential{}},
		{name: "broken key", cfg: Config{AccountName: "myaccount", AccountKey: "%%%"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := tt.cfg.Credential()

			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, cred)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, cred)
		})
	}
}

func TestPrint_RedactsSecrets(t *testing.T) {
	// Given
	type printed struct {
		Name       string        `env:"NAME"`
		Untagged   string
		Empty      string        `env:"EMPTY"`
		Key        Secret        `env:"KEY"`
		Timeout    time.Duration `env:"TIMEOUT"`
		Codes      []int         `env:"CODES"`
		EnableFlag bool          `env:"FLAG"`
	}
	cfg := printed{
		Name:       "value",
		Untagged:   "no tag",
		Key:        "my secret",
		Timeout:    90 * time.Second,
		Codes:      []int{500, 503},
		EnableFlag: true,
	}

	// When
	title, lines := describe(cfg)

	// Then
	assert.Equal(t, "Printed", title)
	assert.Equal(t, []string{
		"- NAME: value",
		"- Untagged: no tag",
		"- EMPTY: <unset>",
		"- KEY: *****",
		"- TIMEOUT: 1m30s",
		"- CODES: [500 503]",
		"- FLAG: true",
	}, lines)

	Print(&cfg, log.NewLogger())
}
