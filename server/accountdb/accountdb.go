package accountdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// AccountDB holds the accounts, devices, video records and upload credentials.
// This is the system of record for quota and credential state.
type AccountDB struct {
	Log logs.Log
	DB  *gorm.DB
}

func NewAccountDB(logger logs.Log, dbFilename string) (*AccountDB, error) {
	os.MkdirAll(filepath.Dir(dbFilename), 0770)
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &AccountDB{
		Log: logger,
		DB:  db,
	}, nil
}
