// Package config manages persistent configuration for the core, loaded
// from an INI file. Keeps the prior Default()/Load()/
// Save() shape from client/internal/config/config.go, backed by ini.v1
// sections instead of a hand-rolled JSON document.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// AuthMode is the [client] auth_mode value.
type AuthMode string

const (
	AuthModeOpaque   AuthMode = "opaque"
	AuthModePassword AuthMode = "password"
)

// DeviceSyncRole is the [device_sync] role value.
type DeviceSyncRole string

const (
	RolePrimary DeviceSyncRole = "primary"
	RoleLinked  DeviceSyncRole = "linked"
)

// Client holds the [client] section.
type Client struct {
	ServerIP                 string   `ini:"server_ip"`
	ServerPort               int      `ini:"server_port"`
	UseTLS                   bool     `ini:"use_tls"`
	RequireTLS               bool     `ini:"require_tls"`
	RequirePinnedFingerprint bool     `ini:"require_pinned_fingerprint"`
	AuthMode                 AuthMode `ini:"auth_mode"`
	PinnedFingerprint        string   `ini:"pinned_fingerprint"`
}

// KeyTransparency holds the [kt] section.
type KeyTransparency struct {
	RequireSignature bool   `ini:"require_signature"`
	RootPubkeyPath   string `ini:"root_pubkey_path"`
}

// DeviceSync holds the [device_sync] section.
type DeviceSync struct {
	Enabled bool           `ini:"enabled"`
	Role    DeviceSyncRole `ini:"role"`
}

// Config is the full parsed configuration file.
type Config struct {
	Client     Client          `ini:"client"`
	KT         KeyTransparency `ini:"kt"`
	DeviceSync DeviceSync      `ini:"device_sync"`

	// path is the file Config was loaded from, used to resolve
	// root_pubkey_path relative to the config file.
	path string
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Client: Client{
			ServerIP:   "127.0.0.1",
			ServerPort: 443,
			UseTLS:     true,
			RequireTLS: true,
			AuthMode:   AuthModeOpaque,
		},
		KT: KeyTransparency{
			RequireSignature: true,
		},
		DeviceSync: DeviceSync{
			Enabled: false,
			Role:    RolePrimary,
		},
	}
}

// Load reads the INI file at path. If the file is missing, the default
// config is returned (annotated with path so Save can later create it) —
// never an error for a missing file. A malformed existing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	cfg.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("config: load %s: %w", path, err)
	}
	if err := f.MapTo(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.path = path

	if cfg.Client.ServerPort < 1 || cfg.Client.ServerPort > 65535 {
		return cfg, fmt.Errorf("config: server_port %d out of range 1..=65535", cfg.Client.ServerPort)
	}
	if cfg.Client.AuthMode != AuthModeOpaque && cfg.Client.AuthMode != AuthModePassword {
		return cfg, fmt.Errorf("config: auth_mode %q must be opaque or password", cfg.Client.AuthMode)
	}
	if cfg.DeviceSync.Role != RolePrimary && cfg.DeviceSync.Role != RoleLinked {
		return cfg, fmt.Errorf("config: device_sync role %q must be primary or linked", cfg.DeviceSync.Role)
	}
	return cfg, nil
}

// Save writes cfg back to its originating path (or to path if overridden),
// creating the parent directory if needed.
func (c Config) Save(path string) error {
	if path == "" {
		path = c.path
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	f := ini.Empty()
	if err := f.ReflectFrom(&c); err != nil {
		return fmt.Errorf("config: reflect: %w", err)
	}
	return f.SaveTo(path)
}

// ResolveRootPubkeyPath resolves KT.RootPubkeyPath relative to the
// directory containing the config file.
func (c Config) ResolveRootPubkeyPath() string {
	if c.KT.RootPubkeyPath == "" || filepath.IsAbs(c.KT.RootPubkeyPath) {
		return c.KT.RootPubkeyPath
	}
	return filepath.Join(filepath.Dir(c.path), c.KT.RootPubkeyPath)
}

// DataDir returns the storage root, honoring the MI_E2EE_DATA_DIR override
// over fallback.
func DataDir(fallback string) string {
	if v := os.Getenv("MI_E2EE_DATA_DIR"); v != "" {
		return v
	}
	return fallback
}
