package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nebolabs/nebo/internal/keyring"
)

// LoadMasterKey returns the store's AES-256 master key, checking sources in
// priority order: OS keychain, NEBO_ENCRYPTION_KEY env var, a persistent key
// file under dataDir, or a freshly generated key. A key found in the env is
// promoted to the keychain; a key found in the legacy file is migrated to the
// keychain and the file removed.
func LoadMasterKey(dataDir string) ([]byte, error) {
	if key, err := keyring.Get(); err == nil && len(key) == 32 {
		return key, nil
	}

	if envKey := os.Getenv("NEBO_ENCRYPTION_KEY"); envKey != "" {
		decoded, err := hex.DecodeString(envKey)
		if err != nil {
			return nil, fmt.Errorf("invalid NEBO_ENCRYPTION_KEY: must be hex encoded: %w", err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("invalid NEBO_ENCRYPTION_KEY: must be 32 bytes (256 bits)")
		}
		promoteToKeychain(decoded)
		return decoded, nil
	}

	keyFile := filepath.Join(dataDir, ".credential-key")
	if data, err := os.ReadFile(keyFile); err == nil {
		decoded, err := hex.DecodeString(string(data))
		if err == nil && len(decoded) == 32 {
			if keyring.Available() {
				if err := keyring.Set(decoded); err == nil {
					_ = os.Remove(keyFile)
					slog.Info("credential: migrated master key from file to OS keychain")
				}
			}
			return decoded, nil
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	if keyring.Available() {
		if err := keyring.Set(key); err == nil {
			slog.Info("credential: master key stored in OS keychain")
			return key, nil
		}
		slog.Warn("credential: OS keychain available but store failed, falling back to file")
	}

	slog.Warn("credential: no OS keychain available, master key stored in file", "path", keyFile)
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist master key: %w", err)
	}
	return key, nil
}

func promoteToKeychain(key []byte) {
	if keyring.Available() {
		if err := keyring.Set(key); err == nil {
			slog.Info("credential: promoted master key to OS keychain")
		}
	}
}

// encryptString encrypts plaintext using AES-256-GCM, returning hex-encoded ciphertext.
func encryptString(plaintext string, key []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// decryptString decrypts hex-encoded AES-256-GCM ciphertext produced by encryptString.
func decryptString(ciphertext string, key []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}

	data, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, cipherdata := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherdata, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
