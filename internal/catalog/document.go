// Package catalog owns the on-disk application catalog rooted at
// ~/.am3: the status.json document, the advisory-lock write path every
// mutation goes through, liveness snapshots, and dump/restore. The
// catalog file is the only state shared between control invocations
// and the detached monitors, so all coordination lives here.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
)

// DocumentVersion is the catalog format version written into new
// documents.
const DocumentVersion = "0.0.1"

var (
	// ErrCorrupt means the catalog or a dump failed to parse.
	ErrCorrupt = errors.New("catalog corrupt")
	// ErrBusy means the catalog lock could not be acquired in time.
	ErrBusy = errors.New("catalog lock busy")
	// ErrUnknownID means no record exists for the given app id.
	ErrUnknownID = errors.New("unknown app id")
	// ErrNoDump means restore was asked for but nothing was ever saved.
	ErrNoDump = errors.New("no saved app list")
)

// AppConfig is one managed application's configuration record. Field
// order mirrors the on-disk key layout.
type AppConfig struct {
	Start               string   `json:"start" toml:"start"`
	Interpreter         string   `json:"interpreter" toml:"interpreter"`
	RestartControl      bool     `json:"restart_control" toml:"restart_control"`
	RestartCheckDelay   int      `json:"restart_check_delay" toml:"restart_check_delay"`
	RestartKeyword      []string `json:"restart_keyword" toml:"restart_keyword"`
	RestartKeywordRegex []string `json:"restart_keyword_regex" toml:"restart_keyword_regex"`
	WorkingDirectory    string   `json:"working_directory" toml:"working_directory"`
	RestartWaitTime     int      `json:"restart_wait_time" toml:"restart_wait_time"`
	BeforeExecute       string   `json:"before_execute" toml:"before_execute"`
	Name                string   `json:"name" toml:"name"`
	AppLogPath          string   `json:"app_log_path" toml:"app_log_path"`
	Params              string   `json:"params" toml:"params"`
	UUID                string   `json:"uuid" toml:"uuid"`
	UpdateScript        string   `json:"update_script" toml:"update_script"`
	AppPIDFile          string   `json:"app_pid_file" toml:"app_pid_file"`
}

// AppRecord wraps an AppConfig under the app_conf key, matching the
// catalog's nesting.
type AppRecord struct {
	AppConf AppConfig `json:"app_conf"`
}

// APIConfig is the remote-bridge block of the catalog.
type APIConfig struct {
	NodeName      string `json:"node_name"`
	APIToken      string `json:"api_token"`
	ServerAddress string `json:"server_address"`
	Namespace     string `json:"namespace"`
	SocketIOPath  string `json:"socketio_path"`
}

// Document is the whole catalog. Keys this version does not know about
// survive a read-modify-write cycle untouched; the api block is kept
// raw for the same reason and accessed through API/SetAPI.
type Document struct {
	Version        string
	SystemBootTime string
	Apps           map[string]*AppRecord

	api   json.RawMessage
	extra map[string]json.RawMessage
}

// NewDocument returns an empty catalog stamped with the given boot
// time.
func NewDocument(bootTime string) *Document {
	return &Document{
		Version:        DocumentVersion,
		SystemBootTime: bootTime,
		Apps:           map[string]*AppRecord{},
	}
}

// API decodes the api block. A missing or malformed block yields the
// zero value.
func (d *Document) API() APIConfig {
	var cfg APIConfig
	if len(d.api) > 0 {
		_ = json.Unmarshal(d.api, &cfg)
	}
	return cfg
}

// SetAPI overlays cfg onto the api block. Keys this version does not
// set are preserved.
func (d *Document) SetAPI(cfg APIConfig) error {
	m := map[string]any{}
	if len(d.api) > 0 {
		if err := json.Unmarshal(d.api, &m); err != nil {
			m = map[string]any{}
		}
	}
	m["node_name"] = cfg.NodeName
	m["api_token"] = cfg.APIToken
	m["server_address"] = cfg.ServerAddress
	m["namespace"] = cfg.Namespace
	m["socketio_path"] = cfg.SocketIOPath

	raw, err := marshalNoEscape(m)
	if err != nil {
		return err
	}
	d.api = raw
	return nil
}

// UnmarshalJSON splits known fields out of the document and keeps the
// rest raw.
func (d *Document) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*d = Document{Apps: map[string]*AppRecord{}}
	if v, ok := raw["version"]; ok {
		if err := json.Unmarshal(v, &d.Version); err != nil {
			return err
		}
		delete(raw, "version")
	}
	if v, ok := raw["system_boot_time"]; ok {
		if err := json.Unmarshal(v, &d.SystemBootTime); err != nil {
			return err
		}
		delete(raw, "system_boot_time")
	}
	if v, ok := raw["apps"]; ok {
		if err := json.Unmarshal(v, &d.Apps); err != nil {
			return err
		}
		delete(raw, "apps")
	}
	if v, ok := raw["api"]; ok {
		d.api = v
		delete(raw, "api")
	}
	if len(raw) > 0 {
		d.extra = raw
	}
	return nil
}

// MarshalJSON merges known fields back with any preserved unknown
// keys. Output is compact; callers wanting the on-disk form go through
// encodeIndented.
func (d *Document) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	for k, v := range d.extra {
		m[k] = v
	}
	m["version"] = d.Version
	m["system_boot_time"] = d.SystemBootTime
	if d.Apps != nil {
		m["apps"] = d.Apps
	} else {
		m["apps"] = map[string]*AppRecord{}
	}
	if len(d.api) > 0 {
		m["api"] = d.api
	} else {
		m["api"] = json.RawMessage("{}")
	}
	return marshalNoEscape(m)
}

// marshalNoEscape is json.Marshal without HTML escaping, so shell
// fragments in params round-trip byte-identical.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// encodeIndented renders v the way the catalog files are stored:
// four-space indent, sorted keys, no HTML escaping, trailing newline.
func encodeIndented(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
