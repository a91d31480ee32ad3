package storage

// Accountant maintains the used-bytes counter of each account. All mutations
// of Account.UsedBytes go through the two entry points RecordIngestion and
// RecordRemoval (plus Reconcile, which overwrites the counter with ground
// truth). Each mutation runs as a single transaction against the account DB,
// so increments for the same account are linearized by the database.

import (
	"errors"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/telesmart/camvault/server/accountdb"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyIndexed means a video with the same (account, filename,
	// relative path) already exists. This is an expected steady-state outcome
	// (eg the startup sweep racing a live event), not a failure.
	ErrAlreadyIndexed = errors.New("storage: video already indexed")

	// ErrAccountNotFound means the owning account does not exist.
	ErrAccountNotFound = errors.New("storage: account not found")
)

type Accountant struct {
	log logs.Log
	db  *accountdb.AccountDB
}

func NewAccountant(logger logs.Log, db *accountdb.AccountDB) *Accountant {
	return &Accountant{
		log: logs.NewPrefixLogger(logger, "Accountant"),
		db:  db,
	}
}

// HasCapacity returns true if the account can absorb another extraBytes
// without exceeding its quota. This is advisory only - it reserves nothing.
func (s *Accountant) HasCapacity(accountID int64, extraBytes int64) (bool, error) {
	acc, err := s.db.GetAccountFromID(accountID)
	if err != nil {
		if errors.Is(err, accountdb.ErrNotFound) {
			return false, ErrAccountNotFound
		}
		return false, err
	}
	return acc.UsedBytes+extraBytes <= acc.QuotaBytes, nil
}

// RecordIngestion inserts a VideoRecord and increments the account's
// used-bytes in one transaction. If the record already exists, it returns
// ErrAlreadyIndexed and changes nothing.
func (s *Accountant) RecordIngestion(accountID, deviceID int64, filename, relPath string, sizeBytes int64, recordedAt time.Time) (*accountdb.VideoRecord, error) {
	video := &accountdb.VideoRecord{
		AccountID:  accountID,
		DeviceID:   deviceID,
		Filename:   filename,
		Filepath:   relPath,
		SizeBytes:  sizeBytes,
		RecordedAt: dbh.MakeIntTime(recordedAt),
		CreatedAt:  dbh.MakeIntTime(time.Now()),
	}
	err := s.db.DB.Transaction(func(tx *gorm.DB) error {
		existing := accountdb.VideoRecord{}
		err := tx.First(&existing, "account_id = ? AND filename = ? AND filepath = ?", accountID, filename, relPath).Error
		if err == nil {
			return ErrAlreadyIndexed
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(video).Error; err != nil {
			if isUniqueViolation(err) {
				// Lost a race against a concurrent insert of the same key
				return ErrAlreadyIndexed
			}
			return err
		}
		result := tx.Model(&accountdb.Account{}).Where("id = ?", accountID).
			Update("used_bytes", gorm.Expr("used_bytes + ?", sizeBytes))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infof("Indexed %v (%v bytes) for account %v", relPath, sizeBytes, accountID)
	return video, nil
}

// RecordRemoval deletes a VideoRecord and releases its bytes, flooring the
// counter at zero.
func (s *Accountant) RecordRemoval(videoID int64) error {
	return s.db.DB.Transaction(func(tx *gorm.DB) error {
		video := accountdb.VideoRecord{}
		if err := tx.First(&video, videoID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return accountdb.ErrNotFound
			}
			return err
		}
		err := tx.Model(&accountdb.Account{}).Where("id = ?", video.AccountID).
			Update("used_bytes", gorm.Expr("CASE WHEN used_bytes > ? THEN used_bytes - ? ELSE 0 END", video.SizeBytes, video.SizeBytes)).Error
		if err != nil {
			return err
		}
		return tx.Delete(&accountdb.VideoRecord{}, videoID).Error
	})
}

// RemoveByPath is the watcher-facing variant of RecordRemoval. An unknown
// path is a no-op.
func (s *Accountant) RemoveByPath(relPath string) error {
	video, err := s.db.GetVideoFromPath(relPath)
	if errors.Is(err, accountdb.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if err := s.RecordRemoval(video.ID); err != nil && !errors.Is(err, accountdb.ErrNotFound) {
		return err
	}
	s.log.Infof("Removed %v (%v bytes) for account %v", relPath, video.SizeBytes, video.AccountID)
	return nil
}

// Reconcile recomputes used-bytes as the exact sum of the account's video
// records and overwrites the cached counter. The incremental counters can
// drift (eg a file removed out-of-band while the process was down), so this
// is safe to call at any time and yields ground truth.
func (s *Accountant) Reconcile(accountID int64) (int64, error) {
	usedBytes := int64(0)
	err := s.db.DB.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&accountdb.VideoRecord{}).Where("account_id = ?", accountID).
			Select("COALESCE(SUM(size_bytes), 0)").Scan(&usedBytes).Error
		if err != nil {
			return err
		}
		result := tx.Model(&accountdb.Account{}).Where("id = ?", accountID).Update("used_bytes", usedBytes)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Infof("Reconciled account %v: %v bytes", accountID, usedBytes)
	return usedBytes, nil
}

// QuotaInfo is the quota summary exposed to callers.
type QuotaInfo struct {
	QuotaBytes     int64   `json:"quotaBytes"`
	UsedBytes      int64   `json:"usedBytes"`
	AvailableBytes int64   `json:"availableBytes"`
	UsagePercent   float64 `json:"usagePercent"`
	IsNearLimit    bool    `json:"isNearLimit"`
	IsOverQuota    bool    `json:"isOverQuota"`
}

func (s *Accountant) QuotaInfo(accountID int64) (*QuotaInfo, error) {
	acc, err := s.db.GetAccountFromID(accountID)
	if err != nil {
		if errors.Is(err, accountdb.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	info := &QuotaInfo{
		QuotaBytes:     acc.QuotaBytes,
		UsedBytes:      acc.UsedBytes,
		AvailableBytes: acc.QuotaBytes - acc.UsedBytes,
		IsOverQuota:    acc.UsedBytes > acc.QuotaBytes,
	}
	if info.AvailableBytes < 0 {
		info.AvailableBytes = 0
	}
	if acc.QuotaBytes > 0 {
		info.UsagePercent = float64(acc.UsedBytes) * 100 / float64(acc.QuotaBytes)
	}
	info.IsNearLimit = info.UsagePercent >= 90
	return info, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}
