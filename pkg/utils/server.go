package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	serverIDFile   = ".server_id"
	serverIDPrefix = "azpub-"
)

// GetPersistentServerID returns a stable node id used to name dispatch
// workers and heartbeats. An explicit override wins, then an id saved in the
// storage directory, then the host name. As a last resort a random id is
// generated and saved for the next start.
func GetPersistentServerID(override, storagePath string) string {
	if id := strings.TrimSpace(override); id != "" {
		return id
	}

	idFile := filepath.Join(storagePath, serverIDFile)
	if data, err := os.ReadFile(idFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	if host := keySafeHostname(); host != "" {
		return serverIDPrefix + host
	}

	id := serverIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if err := os.MkdirAll(storagePath, 0755); err == nil {
		if err := os.WriteFile(idFile, []byte(id), 0644); err != nil {
			logrus.WithError(err).Warn("[SERVER] Could not persist generated server id")
		}
	}
	return id
}

func keySafeHostname() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" || hostname == "localhost" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return -1
	}, hostname)
}
