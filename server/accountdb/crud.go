package accountdb

import (
	"errors"
	"time"

	"github.com/cyclopcam/dbh"
	"gorm.io/gorm"
)

// ErrNotFound is returned by the point lookups in this file.
var ErrNotFound = errors.New("accountdb: record not found")

// CreateAccount creates an account on the given plan.
func (a *AccountDB) CreateAccount(phone, planName string) (*Account, error) {
	plan := GetStoragePlan(planName)
	acc := &Account{
		Phone:      phone,
		Plan:       planName,
		QuotaBytes: plan.QuotaBytes,
		UsedBytes:  0,
		IsActive:   true,
		CreatedAt:  dbh.MakeIntTime(time.Now()),
	}
	if err := a.DB.Create(acc).Error; err != nil {
		return nil, err
	}
	return acc, nil
}

func (a *AccountDB) GetAccountFromID(id int64) (*Account, error) {
	acc := Account{}
	if err := a.DB.First(&acc, id).Error; err != nil {
		return nil, translate(err)
	}
	return &acc, nil
}

func (a *AccountDB) GetAccountFromOpenID(openid string) (*Account, error) {
	acc := Account{}
	if err := a.DB.First(&acc, "open_id = ?", openid).Error; err != nil {
		return nil, translate(err)
	}
	return &acc, nil
}

// SetAccountToken updates the persisted token-cache slot for an account.
// 'expiresAt' is the raw provider expiry. Validity buffers are applied by the
// reader, not here.
func (a *AccountDB) SetAccountToken(accountID int64, token string, expiresAt time.Time) error {
	return a.DB.Model(&Account{}).Where("id = ?", accountID).Updates(map[string]any{
		"access_token":     token,
		"token_expires_at": dbh.MakeIntTime(expiresAt),
	}).Error
}

// SetAccountOpenID records the sub-account id assigned by the camera cloud.
func (a *AccountDB) SetAccountOpenID(accountID int64, openid string) error {
	return a.DB.Model(&Account{}).Where("id = ?", accountID).Update("open_id", openid).Error
}

// DeleteAccount removes an account and everything it owns (devices, video
// records, upload credential). The deletes are explicit rather than relying
// on SQLite foreign-key cascades, because the connection does not enable the
// foreign_keys pragma.
func (a *AccountDB) DeleteAccount(id int64) error {
	return a.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", id).Delete(&VideoRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&Device{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&UploadCredential{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Account{}, id).Error
	})
}

func (a *AccountDB) GetDevicesForAccount(accountID int64) ([]Device, error) {
	devices := []Device{}
	if err := a.DB.Where("account_id = ?", accountID).Order("created_at DESC").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func (a *AccountDB) GetDeviceFromSerial(accountID int64, serialNo string) (*Device, error) {
	dev := Device{}
	if err := a.DB.First(&dev, "account_id = ? AND serial_no = ?", accountID, serialNo).Error; err != nil {
		return nil, translate(err)
	}
	return &dev, nil
}

// AddDevice binds a camera to an account.
func (a *AccountDB) AddDevice(accountID int64, serialNo, name, model string) (*Device, error) {
	dev := &Device{
		AccountID: accountID,
		SerialNo:  serialNo,
		Name:      name,
		Model:     model,
		Status:    "offline",
		CreatedAt: dbh.MakeIntTime(time.Now()),
	}
	if err := a.DB.Create(dev).Error; err != nil {
		return nil, err
	}
	return dev, nil
}

func (a *AccountDB) SetDeviceStatus(deviceID int64, status string) error {
	return a.DB.Model(&Device{}).Where("id = ?", deviceID).Update("status", status).Error
}

// DeleteDevice removes the device row only. Video records stay, because the
// clips still occupy the account's storage until they are deleted explicitly.
func (a *AccountDB) DeleteDevice(deviceID int64) error {
	return a.DB.Delete(&Device{}, deviceID).Error
}

func (a *AccountDB) GetCredentialFromAccountID(accountID int64) (*UploadCredential, error) {
	cred := UploadCredential{}
	if err := a.DB.First(&cred, "account_id = ?", accountID).Error; err != nil {
		return nil, translate(err)
	}
	return &cred, nil
}

func (a *AccountDB) GetCredentialFromUsername(username string) (*UploadCredential, error) {
	cred := UploadCredential{}
	if err := a.DB.First(&cred, "username = ?", username).Error; err != nil {
		return nil, translate(err)
	}
	return &cred, nil
}

// ListActiveCredentials returns the credentials of all active accounts, for
// the startup reconciliation sweep.
func (a *AccountDB) ListActiveCredentials() ([]UploadCredential, error) {
	creds := []UploadCredential{}
	err := a.DB.
		Joins("JOIN account ON account.id = upload_credential.account_id").
		Where("upload_credential.is_active = ? AND account.is_active = ?", true, true).
		Find(&creds).Error
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (a *AccountDB) GetVideoFromID(id int64) (*VideoRecord, error) {
	video := VideoRecord{}
	if err := a.DB.First(&video, id).Error; err != nil {
		return nil, translate(err)
	}
	return &video, nil
}

func (a *AccountDB) GetVideoFromPath(relPath string) (*VideoRecord, error) {
	video := VideoRecord{}
	if err := a.DB.First(&video, "filepath = ?", relPath).Error; err != nil {
		return nil, translate(err)
	}
	return &video, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
