package accountdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE account(
			id INTEGER PRIMARY KEY,
			phone TEXT NOT NULL,
			open_id TEXT,
			access_token TEXT,
			token_expires_at INT,
			plan TEXT NOT NULL,
			quota_bytes INT NOT NULL,
			used_bytes INT NOT NULL DEFAULT 0,
			is_active INT NOT NULL DEFAULT 1,
			created_at INT NOT NULL
		);
		CREATE UNIQUE INDEX idx_account_phone ON account (phone);
		CREATE UNIQUE INDEX idx_account_open_id ON account (open_id) WHERE open_id IS NOT NULL;

		CREATE TABLE device(
			id INTEGER PRIMARY KEY,
			account_id INT NOT NULL,
			serial_no TEXT NOT NULL,
			name TEXT NOT NULL,
			model TEXT,
			status TEXT NOT NULL,
			created_at INT NOT NULL,
			FOREIGN KEY (account_id) REFERENCES account (id) ON DELETE CASCADE
		);
		CREATE UNIQUE INDEX idx_device_account_serial ON device (account_id, serial_no);

		CREATE TABLE video_record(
			id INTEGER PRIMARY KEY,
			account_id INT NOT NULL,
			device_id INT NOT NULL,
			filename TEXT NOT NULL,
			filepath TEXT NOT NULL,
			size_bytes INT NOT NULL,
			recorded_at INT,
			created_at INT NOT NULL,
			FOREIGN KEY (account_id) REFERENCES account (id) ON DELETE CASCADE
		);
		CREATE UNIQUE INDEX idx_video_record_identity ON video_record (account_id, filename, filepath);
		CREATE INDEX idx_video_record_filepath ON video_record (filepath);

		CREATE TABLE upload_credential(
			account_id INT PRIMARY KEY,
			username TEXT NOT NULL,
			password_enc TEXT NOT NULL,
			home_dir TEXT NOT NULL,
			is_active INT NOT NULL DEFAULT 1,
			created_at INT NOT NULL,
			updated_at INT NOT NULL,
			FOREIGN KEY (account_id) REFERENCES account (id) ON DELETE CASCADE
		);
		CREATE UNIQUE INDEX idx_upload_credential_username ON upload_credential (username);

	`))

	return migs
}
