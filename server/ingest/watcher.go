package ingest

// Watcher observes the upload root for video files that cameras upload over
// FTP. The upload daemon is the only writer of file bytes; we are a read-only
// observer that indexes each upload as a VideoRecord and charges it to the
// owning account's quota.
//
// Layout of the tree: <root>/<username>/<file>.mp4, where <username> is the
// account's upload username (cam_user_<id>).
//
// fsnotify events are translated onto an internal channel, and all state
// lives in the dispatch goroutine, so the indexing logic can be driven by
// synthetic events in tests without touching the real filesystem watcher.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/fsnotify/fsnotify"
	"github.com/telesmart/camvault/server/accountdb"
	"github.com/telesmart/camvault/server/storage"
)

var videoExtensions = map[string]bool{
	".mp4": true,
	".avi": true,
	".mkv": true,
	".mov": true,
	".flv": true,
	".wmv": true,
}

type eventOp int

const (
	opAdd eventOp = iota
	opRemove
)

type fileEvent struct {
	op   eventOp
	path string // absolute
}

type Watcher struct {
	log        logs.Log
	db         *accountdb.AccountDB
	accountant *storage.Accountant
	root       string
	quiet      time.Duration // a file must stop changing for this long before we index it

	events         chan fileEvent
	fsw            *fsnotify.Watcher
	shutdown       chan bool
	dispatchClosed chan bool
	fsClosed       chan bool

	// Owned by the dispatch goroutine: absolute path -> last event time
	pending map[string]time.Time
}

func NewWatcher(logger logs.Log, db *accountdb.AccountDB, accountant *storage.Accountant, root string, quiet time.Duration) *Watcher {
	if quiet <= 0 {
		quiet = 2 * time.Second
	}
	return &Watcher{
		log:            logs.NewPrefixLogger(logger, "Ingest"),
		db:             db,
		accountant:     accountant,
		root:           filepath.Clean(root),
		quiet:          quiet,
		events:         make(chan fileEvent, 256),
		shutdown:       make(chan bool),
		dispatchClosed: make(chan bool),
		fsClosed:       make(chan bool),
		pending:        map[string]time.Time{},
	}
}

// Start subscribes to filesystem events and then runs the reconciliation
// sweep. Start returns once the sweep is complete, so callers can rely on
// files that predate the process being indexed. Events that race the sweep
// produce benign duplicate attempts, which the accountant rejects.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.root, 0770); err != nil {
		return fmt.Errorf("Failed to create upload root '%v': %w", w.root, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("Failed to create filesystem watcher: %w", err)
	}
	w.fsw = fsw

	// fsnotify is not recursive: watch the root (to see new home directories
	// appear) and each existing home directory.
	if err := fsw.Add(w.root); err != nil {
		fsw.Close()
		return fmt.Errorf("Failed to watch upload root '%v': %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("Failed to read upload root '%v': %w", w.root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := fsw.Add(filepath.Join(w.root, entry.Name())); err != nil {
				w.log.Warnf("Failed to watch %v: %v", entry.Name(), err)
			}
		}
	}

	go w.fsRun()
	go w.dispatchLoop()

	w.sweep()
	w.log.Infof("Watching %v", w.root)
	return nil
}

// Stop tears the watcher down deterministically: the filesystem subscription
// is released and both goroutines have exited by the time Stop returns.
// Pending stabilization timers are discarded without indexing, so a file
// that is still being written is never half-indexed at shutdown.
func (w *Watcher) Stop() {
	close(w.shutdown)
	if w.fsw != nil {
		w.fsw.Close()
		<-w.fsClosed
	}
	<-w.dispatchClosed
	w.log.Infof("Stopped")
}

// sweep indexes files that arrived while we were not running. Already-known
// files turn into ErrAlreadyIndexed no-ops inside indexFile.
func (w *Watcher) sweep() {
	creds, err := w.db.ListActiveCredentials()
	if err != nil {
		w.log.Errorf("Reconciliation sweep failed to list accounts: %v", err)
		return
	}
	found := 0
	for _, cred := range creds {
		entries, err := os.ReadDir(cred.HomeDir)
		if err != nil {
			// The home directory might not exist yet
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !isVideoFile(entry.Name()) {
				continue
			}
			w.indexFile(filepath.Join(cred.HomeDir, entry.Name()))
			found++
		}
	}
	w.log.Infof("Reconciliation sweep complete (%v accounts, %v files seen)", len(creds), found)
}

// fsRun translates fsnotify events onto the internal channel.
func (w *Watcher) fsRun() {
	defer close(w.fsClosed)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.translate(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Errorf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// A new home directory: start watching it
			if filepath.Dir(ev.Name) == w.root {
				if err := w.fsw.Add(ev.Name); err != nil {
					w.log.Warnf("Failed to watch new directory %v: %v", ev.Name, err)
				}
			}
			return
		}
	}
	if !isVideoFile(ev.Name) {
		return
	}
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.send(fileEvent{op: opAdd, path: ev.Name})
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.send(fileEvent{op: opRemove, path: ev.Name})
	}
}

func (w *Watcher) send(ev fileEvent) {
	select {
	case w.events <- ev:
	case <-w.shutdown:
	}
}

// dispatchLoop owns the pending map. Files are indexed once they have been
// quiet for the stabilization period; a remove before that cancels the
// pending add, so a file created and deleted in quick succession is never
// indexed.
func (w *Watcher) dispatchLoop() {
	defer close(w.dispatchClosed)
	interval := w.quiet / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	} else if interval > 500*time.Millisecond {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.shutdown:
			return
		case ev := <-w.events:
			w.dispatch(ev)
		case <-ticker.C:
			w.flushStable()
		}
	}
}

func (w *Watcher) dispatch(ev fileEvent) {
	switch ev.op {
	case opAdd:
		w.pending[ev.path] = time.Now()
	case opRemove:
		delete(w.pending, ev.path)
		w.handleRemoved(ev.path)
	}
}

func (w *Watcher) flushStable() {
	now := time.Now()
	for path, last := range w.pending {
		if now.Sub(last) >= w.quiet {
			delete(w.pending, path)
			w.indexFile(path)
		}
	}
}

// indexFile resolves the owning account from the path and records the
// ingestion. Failures are contained here: a bad file or account is logged
// and skipped, and a later reconciliation pass can pick it up.
func (w *Watcher) indexFile(absPath string) {
	relPath, err := filepath.Rel(w.root, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return
	}
	segments := strings.Split(relPath, string(filepath.Separator))
	if len(segments) < 2 {
		return
	}
	username := segments[0]

	cred, err := w.db.GetCredentialFromUsername(username)
	if err != nil {
		if !errors.Is(err, accountdb.ErrNotFound) {
			w.log.Errorf("Failed to resolve account for %v: %v", relPath, err)
		}
		return
	}
	if !cred.IsActive {
		return
	}
	devices, err := w.db.GetDevicesForAccount(cred.AccountID)
	if err != nil {
		w.log.Errorf("Failed to load devices for account %v: %v", cred.AccountID, err)
		return
	}
	if len(devices) == 0 {
		return
	}

	info, err := os.Stat(absPath)
	if err != nil {
		// Deleted between the event and now
		return
	}

	_, err = w.accountant.RecordIngestion(cred.AccountID, devices[0].ID, filepath.Base(absPath), relPath, info.Size(), info.ModTime())
	if errors.Is(err, storage.ErrAlreadyIndexed) {
		w.log.Debugf("Already indexed: %v", relPath)
	} else if err != nil {
		w.log.Errorf("Failed to index %v: %v", relPath, err)
	}
}

func (w *Watcher) handleRemoved(absPath string) {
	relPath, err := filepath.Rel(w.root, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return
	}
	if err := w.accountant.RemoveByPath(relPath); err != nil {
		w.log.Errorf("Failed to remove %v: %v", relPath, err)
	}
}

func isVideoFile(filename string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(filename))]
}
