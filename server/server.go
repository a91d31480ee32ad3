package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/telesmart/camvault/server/accountdb"
	"github.com/telesmart/camvault/server/config"
	"github.com/telesmart/camvault/server/credentials"
	"github.com/telesmart/camvault/server/imou"
	"github.com/telesmart/camvault/server/ingest"
	"github.com/telesmart/camvault/server/storage"
)

// ErrDeviceExists means the serial number is already bound to the account.
var ErrDeviceExists = errors.New("device already registered")

// ErrDeviceLimit means the account's plan does not allow another device.
var ErrDeviceLimit = errors.New("device limit reached for plan")

// Server owns every component and wires them together. All orchestration that
// spans more than one component lives here.
type Server struct {
	Log         logs.Log
	Config      *config.Config
	DB          *accountdb.AccountDB
	Imou        *imou.Client
	Tokens      *imou.TokenCache
	Accountant  *storage.Accountant
	Credentials *credentials.Service
	Watcher     *ingest.Watcher
}

func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	db, err := accountdb.NewAccountDB(logger, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	creds, err := credentials.NewService(logger, db, credentials.Config{
		UploadRoot:     cfg.Upload.Root,
		Host:           cfg.Upload.Host,
		Port:           cfg.Upload.Port,
		PasswordLength: cfg.Upload.PasswordLength,
		Secret:         cfg.Upload.EncryptionKey,
	})
	if err != nil {
		return nil, err
	}
	client := imou.NewClient(logger, cfg.Imou.AppID, cfg.Imou.AppSecret, cfg.Imou.DataCenter)
	accountant := storage.NewAccountant(logger, db)
	s := &Server{
		Log:         logger,
		Config:      cfg,
		DB:          db,
		Imou:        client,
		Tokens:      imou.NewTokenCache(logger, client, db),
		Accountant:  accountant,
		Credentials: creds,
		Watcher:     ingest.NewWatcher(logger, db, accountant, cfg.Upload.Root, time.Duration(cfg.Upload.QuietPeriodMS)*time.Millisecond),
	}
	return s, nil
}

// Start brings up the ingestion watcher. The initial sweep has finished by the
// time Start returns.
func (s *Server) Start() error {
	return s.Watcher.Start()
}

func (s *Server) Stop() {
	s.Log.Infof("Shutting down")
	s.Watcher.Stop()
}

// CreateAccount creates a local account, its cloud sub-account, and upload
// credentials, in that order. Cloud failure is not fatal: the sub-account can
// be created lazily later via EnsureSubAccount.
func (s *Server) CreateAccount(ctx context.Context, phone, planName string) (*accountdb.Account, *credentials.CredentialInfo, error) {
	acc, err := s.DB.CreateAccount(phone, planName)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.EnsureSubAccount(ctx, acc.ID); err != nil {
		s.Log.Warnf("Cloud sub-account creation deferred for account %v: %v", acc.ID, err)
	}
	info, err := s.Credentials.Provision(acc.ID)
	if err != nil {
		return nil, nil, err
	}
	return acc, info, nil
}

// EnsureSubAccount creates the camera-cloud sub-account for an account if it
// doesn't have one yet, and returns the openid either way.
func (s *Server) EnsureSubAccount(ctx context.Context, accountID int64) (string, error) {
	acc, err := s.DB.GetAccountFromID(accountID)
	if err != nil {
		return "", err
	}
	if acc.OpenID != "" {
		return acc.OpenID, nil
	}
	adminToken, err := s.Tokens.AdminToken(ctx)
	if err != nil {
		return "", err
	}
	openid, err := s.Imou.CreateSubAccount(ctx, adminToken, acc.Phone)
	if err != nil {
		return "", err
	}
	if err := s.DB.SetAccountOpenID(accountID, openid); err != nil {
		return "", err
	}
	return openid, nil
}

// RemoveAccount tears an account down: cloud sub-account, upload credentials
// and home directory, and finally the local rows. The on-disk clips go with
// the home directory.
func (s *Server) RemoveAccount(ctx context.Context, accountID int64) error {
	acc, err := s.DB.GetAccountFromID(accountID)
	if err != nil {
		return err
	}
	if acc.OpenID != "" {
		adminToken, err := s.Tokens.AdminToken(ctx)
		if err != nil {
			return err
		}
		if err := s.Imou.DeleteSubAccount(ctx, adminToken, acc.OpenID); err != nil {
			return fmt.Errorf("deleting cloud sub-account: %w", err)
		}
	}
	if err := s.Credentials.Revoke(accountID); err != nil {
		return err
	}
	return s.DB.DeleteAccount(accountID)
}

// RegisterDevice binds a camera to an account and grants the account's cloud
// session access to it.
func (s *Server) RegisterDevice(ctx context.Context, accountID int64, serialNo, name, model string) (*accountdb.Device, error) {
	if _, err := s.DB.GetDeviceFromSerial(accountID, serialNo); err == nil {
		return nil, ErrDeviceExists
	} else if !errors.Is(err, accountdb.ErrNotFound) {
		return nil, err
	}
	acc, err := s.DB.GetAccountFromID(accountID)
	if err != nil {
		return nil, err
	}
	devices, err := s.DB.GetDevicesForAccount(accountID)
	if err != nil {
		return nil, err
	}
	if len(devices) >= accountdb.GetStoragePlan(acc.Plan).MaxDevices {
		return nil, ErrDeviceLimit
	}
	dev, err := s.DB.AddDevice(accountID, serialNo, name, model)
	if err != nil {
		return nil, err
	}
	// Grant is best-effort here: CallAsUser repairs a missing grant on first
	// use anyway.
	if acc.OpenID != "" {
		if adminToken, err := s.Tokens.AdminToken(ctx); err == nil {
			if err := s.Imou.AddPolicy(ctx, adminToken, acc.OpenID, imou.DevicePolicy(serialNo)); err != nil {
				s.Log.Warnf("Policy grant for device %v deferred: %v", serialNo, err)
			}
		}
	}
	return dev, nil
}

// RemoveDevice unbinds a camera. Its already-uploaded clips remain and keep
// counting against the account's quota.
func (s *Server) RemoveDevice(accountID int64, serialNo string) error {
	dev, err := s.DB.GetDeviceFromSerial(accountID, serialNo)
	if err != nil {
		return err
	}
	return s.DB.DeleteDevice(dev.ID)
}

// DeleteVideo removes a clip from disk and releases its storage usage.
func (s *Server) DeleteVideo(videoID int64) error {
	video, err := s.DB.GetVideoFromID(videoID)
	if err != nil {
		return err
	}
	abs := filepath.Join(s.Config.Upload.Root, video.Filepath)
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.Accountant.RecordRemoval(videoID)
}

// QuotaInfo reports an account's storage standing.
func (s *Server) QuotaInfo(accountID int64) (*storage.QuotaInfo, error) {
	return s.Accountant.QuotaInfo(accountID)
}
