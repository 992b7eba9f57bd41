package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/am3team/am3/internal/platform"
)

// Lock timing is variable so tests can shorten the contention window.
var (
	lockTimeout    = 10 * time.Second
	lockRetryDelay = 50 * time.Millisecond
)

// Store mediates access to one catalog data directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// DefaultRoot returns ~/.am3, the conventional data directory.
func DefaultRoot() string {
	return platform.FormatPath("~/.am3")
}

// Open ensures the directory tree and the initial document exist, then
// runs the reboot invalidation and legacy uuid repair passes.
func Open(root string, logger *slog.Logger) (*Store, error) {
	s := &Store{root: root, logger: logger}
	for _, dir := range []string{root, s.PidsDir(), s.LogsDir(), s.InitDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create data directory: %s: %w", dir, err)
		}
	}
	if err := s.ensureInitial(); err != nil {
		return nil, err
	}
	if err := s.reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// StatusPath returns the catalog document path.
func (s *Store) StatusPath() string { return filepath.Join(s.root, "status.json") }

// DumpPath returns the snapshot path written by Save.
func (s *Store) DumpPath() string { return filepath.Join(s.root, "dump.json") }

// DumpBakPath returns the pre-restore backup path.
func (s *Store) DumpBakPath() string { return filepath.Join(s.root, "dump_bak.json") }

// ControlLogPath returns the control tool's own log file.
func (s *Store) ControlLogPath() string { return filepath.Join(s.root, "am3.log") }

// PidsDir returns the directory holding per-app monitor pid files.
func (s *Store) PidsDir() string { return filepath.Join(s.root, "pids") }

// LogsDir returns the directory holding per-app capture logs.
func (s *Store) LogsDir() string { return filepath.Join(s.root, "logs") }

// InitDir returns the staging directory for generated service units.
func (s *Store) InitDir() string { return filepath.Join(s.root, "init") }

// BootTimeStamp formats the current boot instant the way the catalog
// stores it. Empty on platforms where boot time cannot be read.
func BootTimeStamp() string {
	bt, err := host.BootTime()
	if err != nil {
		return ""
	}
	return time.Unix(int64(bt), 0).Format("2006-01-02 15:04:05")
}

// Load reads the catalog without taking the lock. Readers accept a
// possibly-stale view; writers go through Mutate.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.StatusPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewDocument(BootTimeStamp()), nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return NewDocument(BootTimeStamp()), nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.StatusPath(), err)
	}
	return &doc, nil
}

// Mutate runs f on the document while holding an exclusive advisory
// lock on the catalog file. The lock covers read and write, so
// concurrent control invocations cannot lose updates. Waits up to ten
// seconds before giving up with ErrBusy.
func (s *Store) Mutate(f func(*Document) error) error {
	fl := flock.New(s.StatusPath())
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrBusy, s.StatusPath())
		}
		return fmt.Errorf("cannot lock catalog: %s: %w", s.StatusPath(), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBusy, s.StatusPath())
	}
	defer fl.Unlock()

	doc, err := s.Load()
	if err != nil {
		return err
	}
	if err := f(doc); err != nil {
		return err
	}
	return s.writeDocument(doc)
}

// writeDocument rewrites status.json in place. Truncate-and-write keeps
// the inode stable, which the advisory lock depends on; a rename would
// leave concurrent waiters holding a lock on a dead inode.
func (s *Store) writeDocument(doc *Document) error {
	data, err := encodeIndented(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.StatusPath(), data, 0644); err != nil {
		return fmt.Errorf("cannot write catalog: %s: %w", s.StatusPath(), err)
	}
	return nil
}

// ensureInitial materializes the initial document on first use. Mutate
// with a no-op writes back whatever Load initialized, under the lock.
func (s *Store) ensureInitial() error {
	if info, err := os.Stat(s.StatusPath()); err == nil && info.Size() > 0 {
		return nil
	}
	s.logger.Info("writing initial catalog", "path", s.StatusPath())
	return s.Mutate(func(*Document) error { return nil })
}

// reconcile invalidates pid files after a reboot and assigns uuids to
// legacy records that predate them. The cheap lock-free check runs
// first; the lock is only taken when a repair is actually needed.
func (s *Store) reconcile() error {
	doc, err := s.Load()
	if err != nil {
		return err
	}

	current := BootTimeStamp()
	rebooted := current != "" && doc.SystemBootTime != current
	missingUUID := false
	for _, rec := range doc.Apps {
		if rec.AppConf.UUID == "" {
			missingUUID = true
			break
		}
	}
	if !rebooted && !missingUUID {
		return nil
	}

	return s.Mutate(func(doc *Document) error {
		if current != "" && doc.SystemBootTime != current {
			s.logger.Info("system rebooted, invalidating pid files", "stamp", current)
			if err := os.RemoveAll(s.PidsDir()); err != nil {
				return err
			}
			if err := os.MkdirAll(s.PidsDir(), 0755); err != nil {
				return err
			}
			doc.SystemBootTime = current
		}
		for id, rec := range doc.Apps {
			if rec.AppConf.UUID == "" {
				rec.AppConf.UUID = uuid.New().String()
				s.logger.Info("assigned uuid to legacy record", "id", id)
			}
		}
		return nil
	})
}
