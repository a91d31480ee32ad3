package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

type UploadConfig struct {
	Root           string `json:"root"`           // Directory tree the cameras upload into
	Host           string `json:"host"`           // Advertised to cameras in credential responses
	Port           int    `json:"port"`           //
	PasswordLength int    `json:"passwordLength"` //
	QuietPeriodMS  int    `json:"quietPeriodMS"`  // File-stability window before indexing an upload
	EncryptionKey  string `json:"-"`              // Envelope secret. Environment only, never on disk.
}

type ImouConfig struct {
	AppID      string `json:"appId"`
	AppSecret  string `json:"-"` // Environment only
	DataCenter string `json:"dataCenter"`
}

type Config struct {
	DBPath string       `json:"dbPath"`
	Upload UploadConfig `json:"upload"`
	Imou   ImouConfig   `json:"imou"`
}

func defaultConfig() *Config {
	return &Config{
		DBPath: "camvault.sqlite",
		Upload: UploadConfig{
			Root:           "/var/ftp",
			Host:           "localhost",
			Port:           21,
			PasswordLength: 16,
			QuietPeriodMS:  2000,
		},
		Imou: ImouConfig{
			DataCenter: "fk",
		},
	}
}

// Load reads the JSON config file (if it exists) and applies environment
// overrides on top. Secrets only ever come from the environment.
func Load(filename string) (*Config, error) {
	cfg := defaultConfig()
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err == nil {
			if err := json.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("Error parsing %v: %w", filename, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("Error loading %v: %w", filename, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("CAMVAULT_DB", &cfg.DBPath)
	envStr("FTP_ROOT", &cfg.Upload.Root)
	envStr("FTP_HOST", &cfg.Upload.Host)
	envInt("FTP_PORT", &cfg.Upload.Port)
	envInt("FTP_PASSWORD_LENGTH", &cfg.Upload.PasswordLength)
	envStr("ENCRYPTION_KEY", &cfg.Upload.EncryptionKey)
	envStr("IMOU_APP_ID", &cfg.Imou.AppID)
	envStr("IMOU_APP_SECRET", &cfg.Imou.AppSecret)
	envStr("IMOU_DATA_CENTER", &cfg.Imou.DataCenter)
}

func envStr(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func envInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}
