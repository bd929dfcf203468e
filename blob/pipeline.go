// Package blob is a thin client for single blobs built on the standard
// pipeline.
package blob

import (
	"github.com/bitrise-io/go-blobstore/auth"
	"github.com/bitrise-io/go-blobstore/config"
	"github.com/bitrise-io/go-blobstore/pipeline"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ServiceVersion is the storage protocol version sent as x-ms-version.
const ServiceVersion = "2021-08-06"

// PipelineOptions customizes the standard pipeline.
type PipelineOptions struct {
	// Transport sends the requests. Default: pipeline.DefaultTransport()
	Transport pipeline.Transport

	// Policies run after the retry policy, once per attempt.
	Policies []pipeline.Policy
}

// NewPipeline composes the standard policy order:
// telemetry, request id, date, authentication, retry, custom policies and
// response handling.
func NewPipeline(cred auth.Credential, cfg config.Config, logger log.Logger, opts PipelineOptions) *pipeline.Pipeline {
	if logger == nil {
		logger = log.NewLogger()
	}

	policies := []pipeline.Policy{
		pipeline.TelemetryPolicy(cfg.UserAgent),
		pipeline.RequestIDPolicy(),
		pipeline.DatePolicy(ServiceVersion),
		auth.NewPolicy(cred),
		pipeline.NewRetryPolicy(cfg.RetryOptions(), logger),
	}
	policies = append(policies, opts.Policies...)
	policies = append(policies, pipeline.ResponsePolicy())

	return pipeline.New(opts.Transport, policies...)
}
