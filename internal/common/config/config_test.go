package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Host: "localhost", Port: 9141},
		Database: DatabaseConfig{Path: "atelier.db"},
		Snapshot: SnapshotConfig{MaxFileSize: 5 * 1024 * 1024},
		Logging:  LoggingConfig{Level: "info"},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validate(validConfig()))
}

func TestValidateRejectsPrivilegedAndOutOfRangePorts(t *testing.T) {
	for _, port := range []int{0, 80, 443, 1023, 65536, -1} {
		cfg := validConfig()
		cfg.Server.Port = port
		assert.Error(t, validate(cfg), "port %d must be rejected", port)
	}
	for _, port := range []int{1024, 9141, 65535} {
		cfg := validConfig()
		cfg.Server.Port = port
		assert.NoError(t, validate(cfg), "port %d must be accepted", port)
	}
}

func TestValidateRequiresDatabasePath(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Path = ""
	assert.Error(t, validate(cfg))
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, validate(cfg))
}
