package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/am3team/am3/internal/platform"
	"github.com/am3team/am3/internal/proctree"
)

// AppStatus is one row of the liveness snapshot. JSON keys match the
// dump payload and the api bridge.
type AppStatus struct {
	AppID   string `json:"app_id"`
	AppName string `json:"app_name"`
	Running bool   `json:"app_is_running"`
	UUID    string `json:"uuid"`
}

// List returns every app with its current liveness, ordered by id.
// Running means: pid file present, parseable, and the pid is live.
func (s *Store) List() ([]AppStatus, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	return listFromDoc(doc), nil
}

func listFromDoc(doc *Document) []AppStatus {
	ids := sortedIDs(doc)
	out := make([]AppStatus, 0, len(ids))
	for _, id := range ids {
		cfg := doc.Apps[id].AppConf
		_, running := proctree.FileAlive(cfg.AppPIDFile)
		out = append(out, AppStatus{
			AppID:   id,
			AppName: cfg.Name,
			Running: running,
			UUID:    cfg.UUID,
		})
	}
	return out
}

func sortedIDs(doc *Document) []string {
	ids := make([]string, 0, len(doc.Apps))
	for id := range doc.Apps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	return ids
}

// FillDefaults completes cfg the way `am3 start` would: paths formatted,
// interpreter guessed from the start path, name derived from its base
// name, a collision-free log path, and a fresh uuid.
func (s *Store) FillDefaults(cfg *AppConfig) error {
	if cfg.Start == "" {
		return errors.New("start path required")
	}
	cfg.Start = platform.FormatPath(cfg.Start)
	if cfg.BeforeExecute != "" {
		cfg.BeforeExecute = platform.FormatPath(cfg.BeforeExecute)
	}

	if cfg.Interpreter == "" {
		interp, kind := platform.GuessInterpreter(cfg.Start)
		cfg.Interpreter = interp
		s.logger.Info("guessed interpreter", "interpreter", interp, "kind", kind)
	}

	if cfg.Name == "" {
		name := filepath.Base(cfg.Start)
		if i := strings.LastIndex(name, "."); i > 0 {
			name = name[:i]
		}
		cfg.Name = name
	}

	if cfg.WorkingDirectory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg.WorkingDirectory = wd
	}
	cfg.WorkingDirectory = platform.FormatPath(cfg.WorkingDirectory)

	if cfg.AppLogPath == "" {
		doc, err := s.Load()
		if err != nil {
			return err
		}
		cfg.AppLogPath = defaultLogPath(doc, s.LogsDir(), cfg.Name, cfg.Start)
	}

	if cfg.UUID == "" {
		cfg.UUID = uuid.New().String()
	}
	return nil
}

// defaultLogPath picks <logs>/<slug>.log, appending -1, -2, ... while
// some other record already claims the path. Records sharing our start
// path are the ones we would update in place, so they don't count.
func defaultLogPath(doc *Document, logsDir, name, start string) string {
	taken := map[string]bool{}
	for _, rec := range doc.Apps {
		if rec.AppConf.Start != start {
			taken[rec.AppConf.AppLogPath] = true
		}
	}
	slug := platform.Slug(name)
	path := filepath.Join(logsDir, slug+".log")
	for k := 1; taken[path]; k++ {
		path = filepath.Join(logsDir, fmt.Sprintf("%s-%d.log", slug, k))
	}
	return path
}

// CreateOrUpdate registers cfg, updating in place when a record with
// the same start path already exists. A record's uuid survives updates.
// On return cfg reflects the stored record, pid file path included.
func (s *Store) CreateOrUpdate(cfg *AppConfig) (string, error) {
	var id string
	err := s.Mutate(func(doc *Document) error {
		id = ""
		maxID := -1
		for recID, rec := range doc.Apps {
			if n, err := strconv.Atoi(recID); err == nil && n > maxID {
				maxID = n
			}
			if rec.AppConf.Start == cfg.Start {
				id = recID
			}
		}

		if id == "" {
			id = strconv.Itoa(maxID + 1)
			s.logger.Info("registering app", "id", id, "name", cfg.Name)
			doc.Apps[id] = &AppRecord{AppConf: *cfg}
		} else {
			s.logger.Info("updating app", "id", id, "name", cfg.Name)
			existing := doc.Apps[id].AppConf.UUID
			doc.Apps[id].AppConf = *cfg
			if existing != "" {
				doc.Apps[id].AppConf.UUID = existing
			}
		}

		if cfg.AppPIDFile == "" {
			doc.Apps[id].AppConf.AppPIDFile = filepath.Join(s.PidsDir(),
				fmt.Sprintf("%s-%s.pid", platform.Slug(cfg.Name), id))
		}

		*cfg = doc.Apps[id].AppConf
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Resolve expands an id token: a decimal id or the word "all". Ids come
// back in numeric order.
func (s *Store) Resolve(token string) ([]string, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	if token == "all" {
		return sortedIDs(doc), nil
	}
	n, err := strconv.Atoi(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, token)
	}
	id := strconv.Itoa(n)
	if _, ok := doc.Apps[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	return []string{id}, nil
}

// ResolveUUID maps an app uuid back to its numeric id.
func (s *Store) ResolveUUID(appUUID string) (string, error) {
	doc, err := s.Load()
	if err != nil {
		return "", err
	}
	for _, id := range sortedIDs(doc) {
		if doc.Apps[id].AppConf.UUID == appUUID {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: uuid %s", ErrUnknownID, appUUID)
}

// Get returns a copy of the record's configuration.
func (s *Store) Get(id string) (*AppConfig, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	rec, ok := doc.Apps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	cfg := rec.AppConf
	return &cfg, nil
}

// Delete removes the record. Stopping the monitor first is the
// caller's job, so no orphan engine rewrites the pid file afterwards.
func (s *Store) Delete(id string) error {
	return s.Mutate(func(doc *Document) error {
		if _, ok := doc.Apps[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownID, id)
		}
		delete(doc.Apps, id)
		return nil
	})
}
