package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// DumpPayload mirrors the dump.json layout: the full document plus the
// liveness snapshot taken at save time.
type DumpPayload struct {
	StatusData *Document   `json:"status_data"`
	AppList    []AppStatus `json:"app_list"`
}

// Save snapshots the catalog and liveness list to dump.json.
func (s *Store) Save() error {
	return s.saveTo(s.DumpPath())
}

func (s *Store) saveTo(path string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	payload := DumpPayload{StatusData: doc, AppList: listFromDoc(doc)}
	data, err := encodeIndented(payload)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("cannot write dump: %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// LoadDump reads the last saved snapshot. ErrNoDump when nothing was
// ever saved, ErrCorrupt when the file does not parse.
func (s *Store) LoadDump() (*DumpPayload, error) {
	data, err := os.ReadFile(s.DumpPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoDump, s.DumpPath())
		}
		return nil, err
	}
	var payload DumpPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.DumpPath(), err)
	}
	if payload.StatusData == nil {
		return nil, fmt.Errorf("%w: %s: missing status_data", ErrCorrupt, s.DumpPath())
	}
	return &payload, nil
}

// DumpConsistency compares the live catalog and liveness list against
// the last dump. The boot stamp is ignored on both sides, since a
// reboot alone should not demand a fresh save.
func (s *Store) DumpConsistency() (configSame, listSame bool, err error) {
	doc, err := s.Load()
	if err != nil {
		return false, false, err
	}
	dump, err := s.LoadDump()
	if err != nil {
		return false, false, err
	}

	live := *doc
	saved := *dump.StatusData
	live.SystemBootTime = ""
	saved.SystemBootTime = ""
	a, err := json.Marshal(&live)
	if err != nil {
		return false, false, err
	}
	b, err := json.Marshal(&saved)
	if err != nil {
		return false, false, err
	}
	configSame = bytes.Equal(a, b)

	liveList, err := json.Marshal(listFromDoc(doc))
	if err != nil {
		return false, false, err
	}
	savedList, err := json.Marshal(dump.AppList)
	if err != nil {
		return false, false, err
	}
	listSame = bytes.Equal(liveList, savedList)
	return configSame, listSame, nil
}

// Restore rewrites the catalog from dump.json. The current state is
// backed up to dump_bak.json first, every cataloged app is stopped
// through stop, and the restored document gets a fresh boot stamp so
// the reboot check does not fire on the next read. Nothing is
// auto-started; the operator runs `start all` when ready.
func (s *Store) Restore(stop func(id string) error) ([]AppStatus, error) {
	payload, err := s.LoadDump()
	if err != nil {
		return nil, err
	}

	if err := s.saveTo(s.DumpBakPath()); err != nil {
		return nil, err
	}

	ids, err := s.Resolve("all")
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := stop(id); err != nil {
			s.logger.Warn("stop before restore failed", "id", id, "error", err)
		}
	}

	restored := payload.StatusData
	restored.SystemBootTime = BootTimeStamp()
	err = s.Mutate(func(doc *Document) error {
		*doc = *restored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload.AppList, nil
}
