package catalog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpenCreatesLayout(t *testing.T) {
	s := openStore(t)

	for _, dir := range []string{s.PidsDir(), s.LogsDir(), s.InitDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("missing directory %s: %v", dir, err)
		}
	}

	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Version != DocumentVersion {
		t.Errorf("version = %q, want %q", doc.Version, DocumentVersion)
	}
	if stamp := BootTimeStamp(); stamp != "" && doc.SystemBootTime != stamp {
		t.Errorf("boot stamp = %q, want %q", doc.SystemBootTime, stamp)
	}
	if len(doc.Apps) != 0 {
		t.Errorf("fresh catalog has %d apps", len(doc.Apps))
	}
}

func TestOpenIdempotent(t *testing.T) {
	root := t.TempDir()
	s1, err := Open(root, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.CreateOrUpdate(&AppConfig{Start: "/bin/a", Name: "a", UUID: "u"}); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(root, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	doc, err := s2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Apps) != 1 {
		t.Errorf("reopen lost records: %d apps", len(doc.Apps))
	}
}

func TestLoadMissingFileReturnsFresh(t *testing.T) {
	s := openStore(t)
	if err := os.Remove(s.StatusPath()); err != nil {
		t.Fatal(err)
	}
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load after remove: %v", err)
	}
	if len(doc.Apps) != 0 || doc.Version != DocumentVersion {
		t.Errorf("not a fresh document: %+v", doc)
	}
}

func TestLoadEmptyFileReturnsFresh(t *testing.T) {
	s := openStore(t)
	if err := os.WriteFile(s.StatusPath(), []byte("  \n"), 0644); err != nil {
		t.Fatal(err)
	}
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load of empty file: %v", err)
	}
	if len(doc.Apps) != 0 {
		t.Errorf("not a fresh document: %+v", doc)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	s := openStore(t)
	if err := os.WriteFile(s.StatusPath(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := s.Load()
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestMutatePersists(t *testing.T) {
	s := openStore(t)
	err := s.Mutate(func(doc *Document) error {
		doc.Apps["0"] = &AppRecord{AppConf: AppConfig{Start: "/bin/x", Name: "x", UUID: "u-x"}}
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	doc, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if doc.Apps["0"] == nil || doc.Apps["0"].AppConf.Name != "x" {
		t.Errorf("mutation not persisted: %+v", doc.Apps)
	}
}

func TestMutateCallbackErrorLeavesFileUntouched(t *testing.T) {
	s := openStore(t)
	before, err := os.ReadFile(s.StatusPath())
	if err != nil {
		t.Fatal(err)
	}

	sentinel := errors.New("boom")
	err = s.Mutate(func(doc *Document) error {
		doc.Apps["9"] = &AppRecord{}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}

	after, err := os.ReadFile(s.StatusPath())
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("catalog rewritten despite callback error")
	}
}

func TestMutateBusyWhenLocked(t *testing.T) {
	s := openStore(t)

	held := flock.New(s.StatusPath())
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("cannot pre-lock catalog: locked=%v err=%v", locked, err)
	}
	defer held.Unlock()

	savedTimeout, savedRetry := lockTimeout, lockRetryDelay
	lockTimeout, lockRetryDelay = 150*time.Millisecond, 20*time.Millisecond
	defer func() { lockTimeout, lockRetryDelay = savedTimeout, savedRetry }()

	err = s.Mutate(func(doc *Document) error { return nil })
	if !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestMutateSerializesConcurrentWriters(t *testing.T) {
	s := openStore(t)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Mutate(func(doc *Document) error {
				id := fmt.Sprintf("%d", i)
				doc.Apps[id] = &AppRecord{AppConf: AppConfig{
					Start: "/bin/app-" + id,
					Name:  "app-" + id,
					UUID:  "u-" + id,
				}}
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}

	doc, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Apps) != writers {
		t.Errorf("lost updates: %d apps, want %d", len(doc.Apps), writers)
	}
}

func TestBootResetPurgesPidFiles(t *testing.T) {
	root := t.TempDir()

	// Seed a catalog from a previous boot with two stale pid files.
	doc := NewDocument("1970-01-01 00:00:00")
	doc.Apps["0"] = &AppRecord{AppConf: AppConfig{
		Start: "/bin/a", Name: "a", UUID: "u-a",
		AppPIDFile: filepath.Join(root, "pids", "a-0.pid"),
	}}
	data, err := encodeIndented(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "pids"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "status.json"), data, 0644); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a-0.pid", "b-1.pid"} {
		if err := os.WriteFile(filepath.Join(root, "pids", name), []byte("12345"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	s, err := Open(root, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	entries, err := os.ReadDir(s.PidsDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("pids dir not purged: %d entries", len(entries))
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if stamp := BootTimeStamp(); stamp != "" && got.SystemBootTime != stamp {
		t.Errorf("stamp = %q, want %q", got.SystemBootTime, stamp)
	}
	if len(got.Apps) != 1 {
		t.Errorf("records lost in boot reset: %d apps", len(got.Apps))
	}
}

func TestOpenAssignsMissingUUIDs(t *testing.T) {
	root := t.TempDir()

	doc := NewDocument(BootTimeStamp())
	doc.Apps["0"] = &AppRecord{AppConf: AppConfig{Start: "/bin/a", Name: "a"}}
	data, err := encodeIndented(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "status.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(root, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Apps["0"].AppConf.UUID == "" {
		t.Error("legacy record still has no uuid after Open")
	}
}
