// Package auth holds the credential types a pipeline can be built with and
// the policies that authenticate requests for them.
//
// Credentials are plain data fixed at pipeline construction:
//
//	Anonymous             no authentication (public containers, SAS URLs)
//	*SharedKeyCredential  account name + base64 key, SharedKey signing
//	*TokenCredential      bearer tokens from a TokenProvider
//
// NewPolicy turns a credential into the policy that goes into the
// pipeline's authentication slot.
package auth

import (
	"fmt"

	"github.com/bitrise-io/go-blobstore/pipeline"
)

// Credential is one of Anonymous, *SharedKeyCredential or *TokenCredential.
type Credential interface {
	credential()
}

// Anonymous sends requests without authentication.
type Anonymous struct{}

func (Anonymous) credential() {}

// NewPolicy returns the authentication policy for cred, or nil for
// anonymous access. pipeline.New skips nil policies.
func NewPolicy(cred Credential) pipeline.Policy {
	switch c := cred.(type) {
	case *SharedKeyCredential:
		return newSharedKeyPolicy(c)
	case *TokenCredential:
		return newBearerPolicy(c)
	default:
		return nil
	}
}

// InvalidCredentialError is returned when credential material is malformed.
// It is always raised while building the credential, before any request.
type InvalidCredentialError struct {
	Account string
	Reason  string
	Err     error
}

func (e *InvalidCredentialError) Error() string {
	msg := fmt.Sprintf("invalid credential for account %q: %s", e.Account, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidCredentialError) Unwrap() error {
	return e.Err
}
