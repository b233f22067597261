package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
)

// MasterKeyEnv is the environment variable holding the hex-encoded master key.
const MasterKeyEnv = "CIPHERCARE_MASTER_KEY"

// LoadMasterKey resolves the process master key. Order: hex in
// CIPHERCARE_MASTER_KEY, then the raw contents of keyFile if given. The key
// must decode to exactly 32 bytes.
func LoadMasterKey(keyFile string) ([]byte, error) {
	if v := os.Getenv(MasterKeyEnv); v != "" {
		key, err := hex.DecodeString(strings.TrimSpace(v))
		if err != nil {
			return nil, &domain.InitError{Component: "master key", Err: fmt.Errorf("decode %s: %w", MasterKeyEnv, err)}
		}
		if len(key) != KeySize {
			return nil, &domain.InitError{Component: "master key", Err: fmt.Errorf("%s must decode to %d bytes", MasterKeyEnv, KeySize)}
		}
		return key, nil
	}
	if keyFile != "" {
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, &domain.InitError{Component: "master key", Err: err}
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, &domain.InitError{Component: "master key", Err: fmt.Errorf("decode %s: %w", keyFile, err)}
		}
		if len(key) != KeySize {
			return nil, &domain.InitError{Component: "master key", Err: fmt.Errorf("%s must decode to %d bytes", keyFile, KeySize)}
		}
		return key, nil
	}
	return nil, &domain.InitError{Component: "master key", Err: fmt.Errorf("no key: set %s or provide a key file", MasterKeyEnv)}
}

// GenerateMasterKey returns a fresh random master key, hex-encoded for
// storage. Intended for provisioning, not for silent fallback in production.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
