// Command blobctl inspects, downloads and uploads single blobs.
package main

import (
	"os"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

func main() {
	a := &app{envRepo: env.NewRepository()}
	if err := newRootCmd(a).Execute(); err != nil {
		logger := a.logger
		if logger == nil {
			logger = log.NewLogger()
		}
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}
