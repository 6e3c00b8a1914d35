// Package secrets resolves exchange credentials and keeps them out of logs.
//
// Credentials are resolved once at startup through a Provider (environment,
// file, or inline config for tests), handed straight to the exchange client,
// and never printed: the RedactHandler in redact.go masks sensitive keys on
// every log sink.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Credentials is the API key pair used to authenticate REST and user-stream
// requests.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// Provider resolves credentials from some backing source.
type Provider interface {
	Resolve() (Credentials, error)
}

// EnvProvider reads credentials from environment variables.
type EnvProvider struct {
	KeyVar    string
	SecretVar string
}

// Resolve returns the credentials from the configured env vars.
func (p EnvProvider) Resolve() (Credentials, error) {
	keyVar, secretVar := p.KeyVar, p.SecretVar
	if keyVar == "" {
		keyVar = "MM_API_KEY"
	}
	if secretVar == "" {
		secretVar = "MM_API_SECRET"
	}
	c := Credentials{
		APIKey:    os.Getenv(keyVar),
		APISecret: os.Getenv(secretVar),
	}
	if c.APIKey == "" || c.APISecret == "" {
		return Credentials{}, fmt.Errorf("credentials not set (%s, %s)", keyVar, secretVar)
	}
	return c, nil
}

// FileProvider reads credentials from a JSON file:
//
//	{"api_key": "...", "api_secret": "..."}
type FileProvider struct {
	Path string
}

// Resolve loads and parses the credentials file.
func (p FileProvider) Resolve() (Credentials, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read secrets file: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse secrets file: %w", err)
	}
	if c.APIKey == "" || c.APISecret == "" {
		return Credentials{}, fmt.Errorf("secrets file %s missing api_key or api_secret", p.Path)
	}
	return c, nil
}

// StaticProvider returns fixed credentials. Used for inline config values
// and in tests.
type StaticProvider struct {
	Creds Credentials
}

// Resolve returns the stored credentials.
func (p StaticProvider) Resolve() (Credentials, error) {
	if p.Creds.APIKey == "" || p.Creds.APISecret == "" {
		return Credentials{}, fmt.Errorf("inline credentials missing api_key or api_secret")
	}
	return p.Creds, nil
}

// NewProvider builds the provider named by source: "env", "file", or
// "config" (inline values).
func NewProvider(source, file string, inline Credentials) (Provider, error) {
	switch strings.ToLower(source) {
	case "env":
		return EnvProvider{}, nil
	case "file":
		if file == "" {
			return nil, fmt.Errorf("secrets_source=file requires secrets_file")
		}
		return FileProvider{Path: file}, nil
	case "config":
		return StaticProvider{Creds: inline}, nil
	default:
		return nil, fmt.Errorf("unknown secrets source %q", source)
	}
}
