package apiclient

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
)

// CredentialStore persists the credential pair. Calls are synchronous and never fail;
// implementations backed by fallible storage log and report absent credentials instead.
type CredentialStore interface {
	AccessToken() string
	RefreshToken() string
	SetTokens(tok *oauth2.Token)
	ClearTokens()
}

// MemoryCredentialStore keeps credentials in process memory.
type MemoryCredentialStore struct {
	mu      sync.RWMutex
	access  string
	refresh string
}

// NewMemoryCredentialStore creates a store seeded with the given tokens.
func NewMemoryCredentialStore(accessToken, refreshToken string) *MemoryCredentialStore {
	return &MemoryCredentialStore{access: accessToken, refresh: refreshToken}
}

// AccessToken implements CredentialStore.
func (s *MemoryCredentialStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// RefreshToken implements CredentialStore.
func (s *MemoryCredentialStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// SetTokens implements CredentialStore. An empty refresh token keeps the current one.
func (s *MemoryCredentialStore) SetTokens(tok *oauth2.Token) {
	if tok == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = tok.AccessToken
	if tok.RefreshToken != "" {
		s.refresh = tok.RefreshToken
	}
}

// ClearTokens implements CredentialStore.
func (s *MemoryCredentialStore) ClearTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = ""
}

// KeyringCredentialStore persists credentials in the OS keychain, one JSON entry per
// service/user pair. Reads are served from memory after the first load.
type KeyringCredentialStore struct {
	service string
	user    string
	logger  *slog.Logger

	mu     sync.Mutex
	loaded bool
	tok    oauth2.Token
}

// NewKeyringCredentialStore creates a keychain-backed store.
func NewKeyringCredentialStore(service, user string, logger *slog.Logger) *KeyringCredentialStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyringCredentialStore{service: service, user: user, logger: logger}
}

// load reads the keychain entry once. Must be called with mu held.
func (s *KeyringCredentialStore) load() {
	if s.loaded {
		return
	}
	s.loaded = true

	raw, err := keyring.Get(s.service, s.user)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			s.logger.Warn("failed to read credentials from keychain",
				"service", s.service,
				"error", err)
		}
		return
	}

	if err := json.Unmarshal([]byte(raw), &s.tok); err != nil {
		s.logger.Warn("discarding unreadable keychain credentials",
			"service", s.service,
			"error", err)
		s.tok = oauth2.Token{}
	}
}

// AccessToken implements CredentialStore.
func (s *KeyringCredentialStore) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	return s.tok.AccessToken
}

// RefreshToken implements CredentialStore.
func (s *KeyringCredentialStore) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	return s.tok.RefreshToken
}

// SetTokens implements CredentialStore. An empty refresh token keeps the current one.
func (s *KeyringCredentialStore) SetTokens(tok *oauth2.Token) {
	if tok == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	s.tok.AccessToken = tok.AccessToken
	s.tok.TokenType = tok.TokenType
	s.tok.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		s.tok.RefreshToken = tok.RefreshToken
	}

	data, err := json.Marshal(s.tok)
	if err != nil {
		s.logger.Error("failed to encode credentials", "error", err)
		return
	}
	if err := keyring.Set(s.service, s.user, string(data)); err != nil {
		s.logger.Warn("failed to write credentials to keychain",
			"service", s.service,
			"error", err)
	}
}

// ClearTokens implements CredentialStore.
func (s *KeyringCredentialStore) ClearTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.tok = oauth2.Token{}

	if err := keyring.Delete(s.service, s.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		s.logger.Warn("failed to delete credentials from keychain",
			"service", s.service,
			"error", err)
	}
}
