package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"maker-bot/internal/secrets"
	"maker-bot/pkg/types"
)

// Header names for HMAC-authenticated REST requests.
const (
	headerAPIKey    = "X-API-KEY"
	headerTimestamp = "X-TIMESTAMP"
	headerSignature = "X-SIGNATURE"
)

// wsUserSignPath is the canonical path signed for user-channel WS auth.
const wsUserSignPath = "/ws/user"

// Auth signs trading requests with HMAC-SHA256 over
// "timestamp + method + path [+ body]", so a captured signature cannot be
// replayed against a different endpoint or payload. Public market-data
// endpoints are unsigned.
type Auth struct {
	creds   secrets.Credentials
	nowFunc func() time.Time // injectable for tests
}

// NewAuth resolves credentials from the provider and returns a signer.
func NewAuth(provider secrets.Provider) (*Auth, error) {
	creds, err := provider.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	return &Auth{creds: creds, nowFunc: time.Now}, nil
}

// HasCredentials returns whether an API key pair is configured.
func (a *Auth) HasCredentials() bool {
	return a.creds.APIKey != "" && a.creds.APISecret != ""
}

// Headers generates signed headers for an authenticated REST request.
// body must be the exact serialized payload that will be sent, or "" for
// requests without one.
func (a *Auth) Headers(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(a.nowFunc().UnixMilli(), 10)

	return map[string]string{
		headerAPIKey:    a.creds.APIKey,
		headerTimestamp: timestamp,
		headerSignature: a.sign(timestamp, method, path, body),
	}
}

// WSAuthPayload returns the auth block for the user-channel subscribe
// message. The exchange verifies the same HMAC scheme as REST, signed over
// a GET of the user stream path.
func (a *Auth) WSAuthPayload() *types.WSAuth {
	timestamp := strconv.FormatInt(a.nowFunc().UnixMilli(), 10)

	return &types.WSAuth{
		APIKey:    a.creds.APIKey,
		Signature: a.sign(timestamp, "GET", wsUserSignPath, ""),
		Timestamp: timestamp,
	}
}

// sign computes the HMAC-SHA256 signature.
// message = timestamp + method + path [+ body]
func (a *Auth) sign(timestamp, method, path, body string) string {
	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, []byte(a.creds.APISecret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
