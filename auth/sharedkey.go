package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/bitrise-io/go-blobstore/pipeline"
)

// SharedKeyCredential is an account name with its decoded account key.
type SharedKeyCredential struct {
	accountName string
	key         []byte
}

// NewSharedKeyCredential validates and decodes accountKey once. A key that
// is not valid base64 yields *InvalidCredentialError.
func NewSharedKeyCredential(accountName, accountKey string) (*SharedKeyCredential, error) {
	accountName = strings.TrimSpace(accountName)
	if accountName == "" {
		return nil, &InvalidCredentialError{Reason: "account name is empty"}
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(accountKey))
	if err != nil {
		return nil, &InvalidCredentialError{Account: accountName, Reason: "account key is not valid base64", Err: err}
	}
	if len(key) == 0 {
		return nil, &InvalidCredentialError{Account: accountName, Reason: "account key is empty"}
	}

	return &SharedKeyCredential{accountName: accountName, key: key}, nil
}

func (*SharedKeyCredential) credential() {}

// AccountName ...
func (c *SharedKeyCredential) AccountName() string {
	return c.accountName
}

// ComputeHMACSHA256 returns base64(HMAC-SHA256(key, message)).
func (c *SharedKeyCredential) ComputeHMACSHA256(message string) string {
	mac := hmac.New(sha256.New, c.key)
	_, _ = mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Authorization returns the Authorization header value for a string-to-sign.
func (c *SharedKeyCredential) Authorization(stringToSign string) string {
	return "SharedKey " + c.accountName + ":" + c.ComputeHMACSHA256(stringToSign)
}

type sharedKeyPolicy struct {
	cred *SharedKeyCredential
	now  func() time.Time
}

func newSharedKeyPolicy(cred *SharedKeyCredential) pipeline.Policy {
	return sharedKeyPolicy{cred: cred, now: time.Now}
}

// Do signs the request and hands it on. A 403 from the service comes back
// unchanged; re-signing would not fix a wrong key.
func (p sharedKeyPolicy) Do(req *pipeline.Request, next pipeline.Next) (*pipeline.Response, error) {
	if req.Header.Get(pipeline.HeaderDate) == "" {
		req.Header.Set(pipeline.HeaderDate, pipeline.FormatDate(p.now()))
	}

	stringToSign := StringToSign(p.cred.accountName, req.Request)
	req.Header.Set("Authorization", p.cred.Authorization(stringToSign))

	return next(req)
}
