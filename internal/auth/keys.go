package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Key types found in the key file.
const (
	KeyTypeAdmin   = "admin"
	KeyTypeMessage = "message"
	KeyTypeSMPP    = "smpp"
)

// DefaultAdminKey is written to a freshly created key file.
const DefaultAdminKey = "your-admin-api-key"

// APIKey is one entry of the key file. HTTP keys use Key; SMPP credentials
// use SystemID and Password.
type APIKey struct {
	Type     string `json:"type"`
	Key      string `json:"key,omitempty"`
	SystemID string `json:"systemId,omitempty"`
	Password string `json:"password,omitempty"`
}

// KeyStore holds HTTP API keys and SMPP bind credentials loaded from a JSON file.
type KeyStore struct {
	mu   sync.RWMutex
	path string
	keys []APIKey
}

func NewKeyStore(path string) *KeyStore {
	return &KeyStore{path: path}
}

// Load reads the key file, creating it with one admin key when missing.
func (s *KeyStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		keys := []APIKey{{Type: KeyTypeAdmin, Key: DefaultAdminKey}}
		if err := s.writeLocked(keys); err != nil {
			return err
		}
		s.keys = keys
		slog.Warn("Created API key file with default admin key, change it", slog.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read api keys %s: %w", s.path, err)
	}

	var keys []APIKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		return fmt.Errorf("parse api keys %s: %w", s.path, err)
	}
	s.keys = keys
	slog.Info("Loaded API keys", slog.Int("count", len(keys)))
	return nil
}

func (s *KeyStore) writeLocked(keys []APIKey) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	out, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal api keys: %w", err)
	}
	if err := os.WriteFile(s.path, out, 0o600); err != nil {
		return fmt.Errorf("write api keys %s: %w", s.path, err)
	}
	return nil
}

// ValidateAPIKey reports whether key belongs to one of the given types.
func (s *KeyStore) ValidateAPIKey(key string, types ...string) bool {
	if key == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if !contains(types, k.Type) {
			continue
		}
		if CheckSecret(key, k.Key) {
			return true
		}
	}
	return false
}

// AuthenticateSMPP checks a bind's systemId and password against the SMPP
// credentials. Unknown system ids fail.
func (s *KeyStore) AuthenticateSMPP(systemID, password string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Type == KeyTypeSMPP && k.SystemID == systemID {
			return CheckSecret(password, k.Password)
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
