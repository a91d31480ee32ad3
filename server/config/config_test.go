package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/var/ftp", cfg.Upload.Root)
	require.Equal(t, 21, cfg.Upload.Port)
	require.Equal(t, 16, cfg.Upload.PasswordLength)
	require.Equal(t, "fk", cfg.Imou.DataCenter)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, "/var/ftp", cfg.Upload.Root)
}

func TestFileAndEnvOverrides(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "camvault.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{
		"dbPath": "/data/vault.sqlite",
		"upload": {"root": "/srv/uploads", "port": 2121},
		"imou": {"appId": "file-app", "dataCenter": "or"}
	}`), 0644))

	// Environment wins over the file
	t.Setenv("FTP_ROOT", "/srv/env-uploads")
	t.Setenv("FTP_PASSWORD_LENGTH", "24")
	t.Setenv("IMOU_APP_SECRET", "env-secret")
	t.Setenv("ENCRYPTION_KEY", "env-key")

	cfg, err := Load(fn)
	require.NoError(t, err)
	require.Equal(t, "/data/vault.sqlite", cfg.DBPath)
	require.Equal(t, "/srv/env-uploads", cfg.Upload.Root)
	require.Equal(t, 2121, cfg.Upload.Port)
	require.Equal(t, 24, cfg.Upload.PasswordLength)
	require.Equal(t, "file-app", cfg.Imou.AppID)
	require.Equal(t, "env-secret", cfg.Imou.AppSecret)
	require.Equal(t, "env-key", cfg.Upload.EncryptionKey)
	require.Equal(t, "or", cfg.Imou.DataCenter)
}

func TestCorruptFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(fn, []byte("{not json"), 0644))
	_, err := Load(fn)
	require.Error(t, err)
}

func TestSecretsNeverSerialized(t *testing.T) {
	cfg := defaultConfig()
	cfg.Upload.EncryptionKey = "hush"
	cfg.Imou.AppSecret = "hush2"
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "hush")
}
