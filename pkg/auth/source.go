package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ServiceAccountKey is the parsed service-account credential for one
// account, as distributed in the provider's JSON key format.
type ServiceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// CredentialSource loads service-account keys on demand.
type CredentialSource interface {
	Load(ctx context.Context, account string) (ServiceAccountKey, error)
}

// FileSource loads keys from <dir>/<account>.json.
type FileSource struct {
	dir string
}

// NewFileSource creates a CredentialSource over a key directory.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Load reads and parses the key file for the given account.
func (s *FileSource) Load(_ context.Context, account string) (ServiceAccountKey, error) {
	path := filepath.Join(s.dir, account+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccountKey{}, fmt.Errorf("read credential %s: %w", path, err)
	}

	var key ServiceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return ServiceAccountKey{}, fmt.Errorf("parse credential %s: %w", path, err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return ServiceAccountKey{}, fmt.Errorf("credential %s missing client_email or private_key", path)
	}

	return key, nil
}

// StaticSource serves keys from memory (tests and embedded setups).
type StaticSource struct {
	Keys map[string]ServiceAccountKey
}

// Load returns the in-memory key for the account.
func (s *StaticSource) Load(_ context.Context, account string) (ServiceAccountKey, error) {
	key, ok := s.Keys[account]
	if !ok {
		return ServiceAccountKey{}, fmt.Errorf("no credential configured for account %q", account)
	}
	return key, nil
}
