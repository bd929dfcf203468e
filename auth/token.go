package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-blobstore/pipeline"
)

// ErrInsecureBearer is returned when a bearer token would travel over plain HTTP.
var ErrInsecureBearer = errors.New("bearer token authentication requires https")

// TokenProvider supplies bearer tokens. Implementations own any caching
// and refresh; the policy asks for a token on every request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func(ctx context.Context) (string, error)

// Token ...
func (f TokenProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken always returns token.
func StaticToken(token string) TokenProvider {
	return TokenProviderFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

// TokenCredential authenticates with bearer tokens.
type TokenCredential struct {
	provider TokenProvider
}

// NewTokenCredential ...
func NewTokenCredential(provider TokenProvider) (*TokenCredential, error) {
	if provider == nil {
		return nil, &InvalidCredentialError{Reason: "token provider is nil"}
	}
	return &TokenCredential{provider: provider}, nil
}

func (*TokenCredential) credential() {}

type bearerPolicy struct {
	cred *TokenCredential
}

func newBearerPolicy(cred *TokenCredential) pipeline.Policy {
	return bearerPolicy{cred: cred}
}

func (p bearerPolicy) Do(req *pipeline.Request, next pipeline.Next) (*pipeline.Response, error) {
	if !strings.EqualFold(req.URL.Scheme, "https") {
		return nil, ErrInsecureBearer
	}

	token, err := p.cred.provider.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("acquire bearer token: %w", err)
	}
	if token == "" {
		return nil, errors.New("acquire bearer token: provider returned an empty token")
	}

	req.Header.Set("Authorization", "Bearer "+token)
	return next(req)
}
