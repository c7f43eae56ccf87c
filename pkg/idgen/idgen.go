// Package idgen generates replica and message identifiers. Replica-id
// resolution falls back through an explicit override, a persisted file,
// and the host's hostname before generating and persisting a fresh one.
// All other identifiers use a crypto-secure source, since id generation
// must be thread-safe and not rely on a shared math/rand instance.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var hostnameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// PersistentReplicaID resolves this process's replica id in priority
// order: an explicit override, a previously persisted id file under
// storageDir, the sanitized OS hostname, or (last resort) a freshly
// generated random id that gets persisted for next time.
func PersistentReplicaID(override, storageDir string) string {
	if override != "" {
		return override
	}

	idFile := filepath.Join(storageDir, ".replica_id")
	if data, err := os.ReadFile(idFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		sanitized := hostnameSanitizer.ReplaceAllString(hostname, "-")
		if sanitized != "" {
			return sanitized
		}
	}

	id := randomHex(8)
	if storageDir != "" {
		_ = os.MkdirAll(storageDir, 0o755)
		_ = os.WriteFile(idFile, []byte(id), 0o644)
	}
	return id
}

// NewMessageID returns a fresh, crypto-random message/lock-token id.
func NewMessageID() string {
	return randomHex(16)
}

// NewLockToken returns a fresh, crypto-random lock ownership token, used
// where a raw user-id is not a suitable K/V value on its own.
func NewLockToken() string {
	return randomHex(16)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the OS entropy source is broken; there
		// is no safe fallback, so panic rather than silently degrading to
		// a weaker source.
		panic(fmt.Sprintf("idgen: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
