package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"mi-e2ee/core/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if cfg.Client.ServerPort != 443 {
		t.Errorf("expected default server_port 443, got %d", cfg.Client.ServerPort)
	}
	if !cfg.Client.UseTLS || !cfg.Client.RequireTLS {
		t.Error("expected TLS required by default")
	}
	if cfg.Client.AuthMode != config.AuthModeOpaque {
		t.Errorf("expected default auth_mode opaque, got %q", cfg.Client.AuthMode)
	}
	if !cfg.KT.RequireSignature {
		t.Error("expected key-transparency signature required by default")
	}
	if cfg.DeviceSync.Enabled {
		t.Error("expected device sync disabled by default")
	}
	if cfg.DeviceSync.Role != config.RolePrimary {
		t.Errorf("expected default role primary, got %q", cfg.DeviceSync.Role)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent.ini")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.ServerPort != 443 {
		t.Errorf("expected default port for missing file, got %d", cfg.Client.ServerPort)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "mi-e2ee.ini")

	cfg := config.Default()
	cfg.Client.ServerIP = "chat.example.net"
	cfg.Client.ServerPort = 8443
	cfg.Client.AuthMode = config.AuthModePassword
	cfg.Client.PinnedFingerprint = "ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34"
	cfg.DeviceSync.Enabled = true
	cfg.DeviceSync.Role = config.RoleLinked

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Client.ServerIP != cfg.Client.ServerIP {
		t.Errorf("server_ip: want %q got %q", cfg.Client.ServerIP, loaded.Client.ServerIP)
	}
	if loaded.Client.ServerPort != cfg.Client.ServerPort {
		t.Errorf("server_port: want %d got %d", cfg.Client.ServerPort, loaded.Client.ServerPort)
	}
	if loaded.Client.AuthMode != cfg.Client.AuthMode {
		t.Errorf("auth_mode: want %q got %q", cfg.Client.AuthMode, loaded.Client.AuthMode)
	}
	if loaded.DeviceSync.Enabled != cfg.DeviceSync.Enabled {
		t.Errorf("device_sync enabled: want %v got %v", cfg.DeviceSync.Enabled, loaded.DeviceSync.Enabled)
	}
	if loaded.DeviceSync.Role != cfg.DeviceSync.Role {
		t.Errorf("device_sync role: want %q got %q", cfg.DeviceSync.Role, loaded.DeviceSync.Role)
	}
}

func TestLoadRejectsOutOfRangePort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ini")
	body := "[client]\nserver_ip = 127.0.0.1\nserver_port = 70000\nauth_mode = opaque\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for out-of-range server_port")
	}
}

func TestLoadRejectsInvalidAuthMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ini")
	body := "[client]\nserver_ip = 127.0.0.1\nserver_port = 443\nauth_mode = magic\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid auth_mode")
	}
}

func TestResolveRootPubkeyPathRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mi-e2ee.ini")
	body := "[kt]\nroot_pubkey_path = keys/root.pub\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(dir, "keys", "root.pub")
	if got := cfg.ResolveRootPubkeyPath(); got != want {
		t.Errorf("ResolveRootPubkeyPath: want %q got %q", want, got)
	}
}

func TestDataDirHonorsEnvOverride(t *testing.T) {
	t.Setenv("MI_E2EE_DATA_DIR", "/tmp/override-dir")
	if got := config.DataDir("/default/dir"); got != "/tmp/override-dir" {
		t.Errorf("expected env override, got %q", got)
	}
}

func TestDataDirFallsBackWithoutEnv(t *testing.T) {
	t.Setenv("MI_E2EE_DATA_DIR", "")
	if got := config.DataDir("/default/dir"); got != "/default/dir" {
		t.Errorf("expected fallback, got %q", got)
	}
}
