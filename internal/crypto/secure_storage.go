package crypto

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	apperrors "github.com/quizapp/offlinesync/internal/errors"
)

// Account names used by CredentialStore.
const (
	AccountAccessToken  = "access_token"
	AccountRefreshToken = "refresh_token"
	AccountLastSync     = "last_sync"
)

// SecureStorage keeps small secrets in per-account encrypted files.
type SecureStorage struct {
	configDir string
	machineID string
}

// NewSecureStorage creates a SecureStorage rooted at configDir/secure.
func NewSecureStorage(configDir string) *SecureStorage {
	return &SecureStorage{
		configDir: configDir,
		machineID: getMachineIdentifier(),
	}
}

func (s *SecureStorage) path(account string) (string, error) {
	if s.configDir == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "config directory not set for secure storage")
	}
	safe := strings.ReplaceAll(account, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return filepath.Join(s.configDir, "secure", safe+".cred"), nil
}

// StoreCredential encrypts value and writes it with owner-only permissions.
func (s *SecureStorage) StoreCredential(account, value string) error {
	credFile, err := s.path(account)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(credFile), 0700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	encrypted, err := EncryptString(value, string(GetMachineKey(s.machineID)))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to encrypt credential", err)
	}

	// Write then rename so a crash never leaves a truncated file.
	tmp := credFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(encrypted), 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, credFile); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// GetCredential returns the stored value, or CREDENTIALS_MISSING.
func (s *SecureStorage) GetCredential(account string) (string, error) {
	credFile, err := s.path(account)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(credFile)
	if os.IsNotExist(err) {
		return "", apperrors.New(apperrors.ErrCredentialsMissing, "credential not found: "+account)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}

	value, err := DecryptString(string(data), string(GetMachineKey(s.machineID)))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to decrypt credential", err)
	}
	return value, nil
}

// DeleteCredential removes a stored credential. Missing credentials are not an error.
func (s *SecureStorage) DeleteCredential(account string) error {
	credFile, err := s.path(account)
	if err != nil {
		return err
	}
	if err := os.Remove(credFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

// CredentialStore holds the token pair and the last sync timestamp.
// It satisfies api.TokenStore and the engines' last-sync store.
type CredentialStore struct {
	storage *SecureStorage
	mu      sync.RWMutex
}

// NewCredentialStore creates a CredentialStore over storage.
func NewCredentialStore(storage *SecureStorage) *CredentialStore {
	return &CredentialStore{storage: storage}
}

// Tokens returns the access and refresh tokens; missing tokens are empty.
func (c *CredentialStore) Tokens(ctx context.Context) (string, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	access, err := c.optional(AccountAccessToken)
	if err != nil {
		return "", "", err
	}
	refresh, err := c.optional(AccountRefreshToken)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// SaveTokens replaces the token pair.
func (c *CredentialStore) SaveTokens(ctx context.Context, access, refresh string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.storage.StoreCredential(AccountAccessToken, access); err != nil {
		return err
	}
	return c.storage.StoreCredential(AccountRefreshToken, refresh)
}

// ClearTokens removes both tokens, e.g. on sign-out.
func (c *CredentialStore) ClearTokens(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.storage.DeleteCredential(AccountAccessToken); err != nil {
		return err
	}
	return c.storage.DeleteCredential(AccountRefreshToken)
}

// LastSync returns the last successful sync in epoch ms, 0 if never.
func (c *CredentialStore) LastSync(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := c.optional(AccountLastSync)
	if err != nil || v == "" {
		return 0, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCryptoFailed, "corrupt last sync value", err)
	}
	return ms, nil
}

// SetLastSync records the last successful sync in epoch ms.
func (c *CredentialStore) SetLastSync(ctx context.Context, ms int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storage.StoreCredential(AccountLastSync, strconv.FormatInt(ms, 10))
}

func (c *CredentialStore) optional(account string) (string, error) {
	v, err := c.storage.GetCredential(account)
	if apperrors.Is(err, apperrors.ErrCredentialsMissing) {
		return "", nil
	}
	return v, err
}

// getMachineIdentifier returns a platform-specific machine identifier.
func getMachineIdentifier() string {
	hostname, _ := os.Hostname()
	switch runtime.GOOS {
	case "linux":
		if data, err := os.ReadFile("/etc/machine-id"); err == nil {
			return "linux:" + strings.TrimSpace(string(data))
		}
		if data, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
			return "linux:" + strings.TrimSpace(string(data))
		}
		return "linux:" + hostname
	default:
		return runtime.GOOS + ":" + hostname
	}
}
