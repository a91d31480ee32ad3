package credentials

// Service provisions the upload (FTP) accounts that cameras write into.
// Usernames are derived from the account id and never change; the password
// is stored only as an encrypted envelope (pkg/vault). The cleartext is
// returned to the caller at provision/rotate time.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/telesmart/camvault/pkg/vault"
	"github.com/telesmart/camvault/server/accountdb"
)

// ErrProvisionFailed is deliberately opaque: raw cipher errors could leak
// information about the encryption secret, and the REST layer reports this
// message to users as-is. Details go to the log.
var ErrProvisionFailed = errors.New("unable to provision upload credentials")

// ErrNoCredentials means the account has no provisioned credentials yet.
var ErrNoCredentials = errors.New("credentials: none provisioned for account")

type Config struct {
	UploadRoot     string
	Host           string
	Port           int
	PasswordLength int
	Secret         string // envelope encryption secret
}

type Service struct {
	log logs.Log
	db  *accountdb.AccountDB
	cfg Config
}

// CredentialInfo is what a camera needs to upload: it contains the cleartext
// password, so never log or persist it.
type CredentialInfo struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

func NewService(logger logs.Log, db *accountdb.AccountDB, cfg Config) (*Service, error) {
	if cfg.Secret == "" {
		// Fatal at startup: without the secret we can neither issue nor read
		// any credential.
		return nil, vault.ErrMissingSecret
	}
	if cfg.PasswordLength <= 0 {
		cfg.PasswordLength = 16
	}
	return &Service{
		log: logs.NewPrefixLogger(logger, "Credentials"),
		db:  db,
		cfg: cfg,
	}, nil
}

// Provision creates upload credentials for an account, or returns the
// existing ones. The username and home directory are assigned exactly once.
func (s *Service) Provision(accountID int64) (*CredentialInfo, error) {
	cred, err := s.db.GetCredentialFromAccountID(accountID)
	if err == nil && cred.IsActive {
		password, err := vault.Decrypt(cred.PasswordEnc, s.cfg.Secret)
		if err != nil {
			s.log.Errorf("Failed to decrypt stored credential for account %v: %v", accountID, err)
			return nil, ErrProvisionFailed
		}
		return s.info(cred.Username, password), nil
	}
	if err == nil {
		// Revoked earlier: reissue a password, keep username and home dir
		return s.reissue(cred)
	}
	if !errors.Is(err, accountdb.ErrNotFound) {
		return nil, err
	}

	if _, err := s.db.GetAccountFromID(accountID); err != nil {
		if errors.Is(err, accountdb.ErrNotFound) {
			return nil, fmt.Errorf("account %v not found", accountID)
		}
		return nil, err
	}

	username := accountdb.UploadUsername(accountID)
	homeDir := filepath.Join(s.cfg.UploadRoot, username)
	password := vault.GeneratePassword(s.cfg.PasswordLength)
	envelope, err := vault.Encrypt(password, s.cfg.Secret)
	if err != nil {
		s.log.Errorf("Failed to encrypt credential for account %v: %v", accountID, err)
		return nil, ErrProvisionFailed
	}
	if err := os.MkdirAll(homeDir, 0770); err != nil {
		s.log.Errorf("Failed to create home directory %v: %v", homeDir, err)
		return nil, ErrProvisionFailed
	}
	now := dbh.MakeIntTime(time.Now())
	cred = &accountdb.UploadCredential{
		AccountID:   accountID,
		Username:    username,
		PasswordEnc: envelope,
		HomeDir:     homeDir,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.DB.Create(cred).Error; err != nil {
		return nil, err
	}
	s.log.Infof("Provisioned upload credentials for account %v (%v)", accountID, username)
	return s.info(username, password), nil
}

// Rotate replaces the password of an existing credential. Username and home
// directory are immutable.
func (s *Service) Rotate(accountID int64) (*CredentialInfo, error) {
	cred, err := s.db.GetCredentialFromAccountID(accountID)
	if err != nil {
		if errors.Is(err, accountdb.ErrNotFound) {
			return nil, ErrNoCredentials
		}
		return nil, err
	}
	return s.reissue(cred)
}

// Revoke deactivates an account's credentials and removes the home
// directory. An already-absent directory is not an error.
func (s *Service) Revoke(accountID int64) error {
	cred, err := s.db.GetCredentialFromAccountID(accountID)
	if err != nil {
		if errors.Is(err, accountdb.ErrNotFound) {
			return nil
		}
		return err
	}
	err = s.db.DB.Model(&accountdb.UploadCredential{}).Where("account_id = ?", accountID).Updates(map[string]any{
		"password_enc": "",
		"is_active":    false,
		"updated_at":   dbh.MakeIntTime(time.Now()),
	}).Error
	if err != nil {
		return err
	}
	if err := os.RemoveAll(cred.HomeDir); err != nil {
		s.log.Warnf("Failed to remove home directory %v: %v", cred.HomeDir, err)
	}
	s.log.Infof("Revoked upload credentials for account %v", accountID)
	return nil
}

func (s *Service) reissue(cred *accountdb.UploadCredential) (*CredentialInfo, error) {
	password := vault.GeneratePassword(s.cfg.PasswordLength)
	envelope, err := vault.Encrypt(password, s.cfg.Secret)
	if err != nil {
		s.log.Errorf("Failed to encrypt credential for account %v: %v", cred.AccountID, err)
		return nil, ErrProvisionFailed
	}
	err = s.db.DB.Model(&accountdb.UploadCredential{}).Where("account_id = ?", cred.AccountID).Updates(map[string]any{
		"password_enc": envelope,
		"is_active":    true,
		"updated_at":   dbh.MakeIntTime(time.Now()),
	}).Error
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cred.HomeDir, 0770); err != nil {
		s.log.Errorf("Failed to create home directory %v: %v", cred.HomeDir, err)
		return nil, ErrProvisionFailed
	}
	s.log.Infof("Rotated upload credentials for account %v", cred.AccountID)
	return s.info(cred.Username, password), nil
}

func (s *Service) info(username, password string) *CredentialInfo {
	return &CredentialInfo{
		Username: username,
		Password: password,
		Host:     s.cfg.Host,
		Port:     s.cfg.Port,
	}
}
