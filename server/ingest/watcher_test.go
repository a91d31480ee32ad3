package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/telesmart/camvault/server/accountdb"
	"github.com/telesmart/camvault/server/storage"
)

type fixture struct {
	db         *accountdb.AccountDB
	accountant *storage.Accountant
	root       string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dbPath := "test-ingest.sqlite"
	os.Remove(dbPath)
	t.Cleanup(func() {
		os.Remove(dbPath)
		os.Remove(dbPath + "-shm")
		os.Remove(dbPath + "-wal")
	})
	db, err := accountdb.NewAccountDB(logs.NewTestingLog(t), dbPath)
	require.NoError(t, err)
	return &fixture{
		db:         db,
		accountant: storage.NewAccountant(logs.NewTestingLog(t), db),
		root:       t.TempDir(),
	}
}

// Creates an account with one device and an active upload credential, and
// returns the account and its home directory.
func (f *fixture) addAccount(t *testing.T, phone string) (*accountdb.Account, string) {
	t.Helper()
	acc, err := f.db.CreateAccount(phone, accountdb.PlanFree)
	require.NoError(t, err)
	dev := &accountdb.Device{AccountID: acc.ID, SerialNo: "SN-" + phone, Name: "cam", Status: "offline"}
	require.NoError(t, f.db.DB.Create(dev).Error)

	username := accountdb.UploadUsername(acc.ID)
	homeDir := filepath.Join(f.root, username)
	require.NoError(t, os.MkdirAll(homeDir, 0770))
	now := dbh.MakeIntTime(time.Now())
	cred := &accountdb.UploadCredential{
		AccountID:   acc.ID,
		Username:    username,
		PasswordEnc: "00:11",
		HomeDir:     homeDir,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.db.DB.Create(cred).Error)
	return acc, homeDir
}

func (f *fixture) usedBytes(t *testing.T, accountID int64) int64 {
	t.Helper()
	acc, err := f.db.GetAccountFromID(accountID)
	require.NoError(t, err)
	return acc.UsedBytes
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0660))
}

// Scenario: a clip uploaded while the process was down is indexed by the
// startup sweep, before live events.
func TestStartupSweep(t *testing.T) {
	f := setup(t)
	acc, homeDir := f.addAccount(t, "+27821000001")
	writeFile(t, filepath.Join(homeDir, "clip.mp4"), 5_000_000)
	writeFile(t, filepath.Join(homeDir, "notes.txt"), 100) // not a video

	w := NewWatcher(logs.NewTestingLog(t), f.db, f.accountant, f.root, 30*time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	// Start returns only after the sweep
	require.Equal(t, int64(5_000_000), f.usedBytes(t, acc.ID))

	video, err := f.db.GetVideoFromPath(filepath.Join(accountdb.UploadUsername(acc.ID), "clip.mp4"))
	require.NoError(t, err)
	require.Equal(t, "clip.mp4", video.Filename)
	require.Equal(t, int64(5_000_000), video.SizeBytes)
}

func TestLiveAddAndRemove(t *testing.T) {
	f := setup(t)
	acc, homeDir := f.addAccount(t, "+27821000002")

	w := NewWatcher(logs.NewTestingLog(t), f.db, f.accountant, f.root, 30*time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	clipPath := filepath.Join(homeDir, "clip1.mp4")
	writeFile(t, clipPath, 1234)
	require.Eventually(t, func() bool {
		return f.usedBytes(t, acc.ID) == 1234
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(clipPath))
	require.Eventually(t, func() bool {
		return f.usedBytes(t, acc.ID) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// Scenario: a file created and deleted before the stabilization window
// elapses must never be indexed.
func TestRemoveBeforeStable(t *testing.T) {
	f := setup(t)
	acc, homeDir := f.addAccount(t, "+27821000003")

	// Not started: the dispatch logic is driven with synthetic events, so the
	// timing is exact.
	w := NewWatcher(logs.NewTestingLog(t), f.db, f.accountant, f.root, 500*time.Millisecond)

	clipPath := filepath.Join(homeDir, "clip2.mp4")
	w.dispatch(fileEvent{op: opAdd, path: clipPath})
	w.dispatch(fileEvent{op: opRemove, path: clipPath})
	w.flushStable()
	time.Sleep(600 * time.Millisecond)
	w.flushStable()

	require.Equal(t, int64(0), f.usedBytes(t, acc.ID))
	_, err := f.db.GetVideoFromPath(filepath.Join(accountdb.UploadUsername(acc.ID), "clip2.mp4"))
	require.ErrorIs(t, err, accountdb.ErrNotFound)
}

func TestDispatchIgnoresUnknownAccounts(t *testing.T) {
	f := setup(t)

	// A directory with no credential row behind it
	strayDir := filepath.Join(f.root, "not_a_user")
	require.NoError(t, os.MkdirAll(strayDir, 0770))
	strayFile := filepath.Join(strayDir, "clip.mp4")
	writeFile(t, strayFile, 999)

	w := NewWatcher(logs.NewTestingLog(t), f.db, f.accountant, f.root, time.Millisecond)
	w.indexFile(strayFile)

	count := int64(0)
	require.NoError(t, f.db.DB.Model(&accountdb.VideoRecord{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestDispatchIgnoresAccountsWithoutDevices(t *testing.T) {
	f := setup(t)
	acc, err := f.db.CreateAccount("+27821000004", accountdb.PlanFree)
	require.NoError(t, err)

	username := accountdb.UploadUsername(acc.ID)
	homeDir := filepath.Join(f.root, username)
	require.NoError(t, os.MkdirAll(homeDir, 0770))
	now := dbh.MakeIntTime(time.Now())
	require.NoError(t, f.db.DB.Create(&accountdb.UploadCredential{
		AccountID: acc.ID, Username: username, PasswordEnc: "00:11",
		HomeDir: homeDir, IsActive: true, CreatedAt: now, UpdatedAt: now,
	}).Error)

	clipPath := filepath.Join(homeDir, "clip.mp4")
	writeFile(t, clipPath, 555)

	w := NewWatcher(logs.NewTestingLog(t), f.db, f.accountant, f.root, time.Millisecond)
	w.indexFile(clipPath)

	require.Equal(t, int64(0), f.usedBytes(t, acc.ID))
}

// A duplicate add (eg a live event racing the sweep) is a benign no-op.
func TestDuplicateAddIsBenign(t *testing.T) {
	f := setup(t)
	acc, homeDir := f.addAccount(t, "+27821000005")
	clipPath := filepath.Join(homeDir, "clip.mp4")
	writeFile(t, clipPath, 2000)

	w := NewWatcher(logs.NewTestingLog(t), f.db, f.accountant, f.root, time.Millisecond)
	w.indexFile(clipPath)
	w.indexFile(clipPath)

	require.Equal(t, int64(2000), f.usedBytes(t, acc.ID))
}

func TestStopIsDeterministic(t *testing.T) {
	f := setup(t)
	f.addAccount(t, "+27821000006")

	w := NewWatcher(logs.NewTestingLog(t), f.db, f.accountant, f.root, 30*time.Millisecond)
	require.NoError(t, w.Start())

	done := make(chan bool)
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not complete")
	}
}
