// Package keysource loads the file sink's AES-256-GCM key from the single
// configured environment variable (encryption_key_env). Adapted from
// a multi-backend secret manager, trimmed to its EnvBackend:
// this engine needs exactly one key source, so the Vault/AWS/K8s backend
// abstraction that multi_manager.go carries has nothing left to select
// between.
package keysource

import (
	"encoding/base64"
	"os"

	"logengine/pkg/errkind"
)

const keyLength = 32 // AES-256

// LoadKey reads envVar and decodes it into a 32-byte AES-256 key, accepting
// either raw 32 bytes or a Base64-encoded 32-byte value. Any other length
// is a configuration error.
func LoadKey(envVar string) ([]byte, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, errkind.ConfigError("load_key", "environment variable "+envVar+" is unset or empty")
	}

	if len(raw) == keyLength {
		key := make([]byte, keyLength)
		copy(key, raw)
		return key, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != keyLength {
		return nil, errkind.ConfigError("load_key", "value of "+envVar+" is not 32 raw bytes or base64-encoded 32 bytes")
	}
	return decoded, nil
}

// Zero overwrites key in place. Callers must call this once the key is no
// longer needed (key material must not linger in memory, metrics, or error
// messages.
func Zero(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
