package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// EnsureDirectories creates the parent directory of a file-backed store
func (c *Config) EnsureDirectories() error {
	if c.Store.Driver != StoreBolt {
		return nil
	}
	return os.MkdirAll(filepath.Dir(c.Store.Path), 0o755)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Logging.Level == "debug" && c.Logging.Format == "console"
}

// GetServerAddress returns the HTTP listen address
func (c *Config) GetServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.HTTPPort))
}
