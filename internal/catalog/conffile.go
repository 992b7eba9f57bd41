package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadAppConfig reads an application config file for `am3 start -c`.
// JSON by default, TOML when the file ends in .toml. Returns warnings
// for keys the config does not know about. Fields the file leaves out
// keep their operational defaults: restart control on, one second of
// cooldown.
func LoadAppConfig(path string) (*AppConfig, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read config: %s: %w", path, err)
	}

	cfg := AppConfig{RestartControl: true, RestartWaitTime: 1}
	if strings.HasSuffix(path, ".toml") {
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("config parse error in %s: %w", path, err)
		}
		var warnings []string
		for _, key := range md.Undecoded() {
			warnings = append(warnings, fmt.Sprintf("unknown config key: %s", strings.Join(key, ".")))
		}
		return &cfg, warnings, nil
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("config parse error in %s: %w", path, err)
	}
	return &cfg, nil, nil
}

// WriteAppConfig writes cfg for later `am3 start -c` use. Format follows
// the extension: TOML for .toml, JSON otherwise.
func WriteAppConfig(path string, cfg *AppConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot write config: %s: %w", path, err)
	}
	defer f.Close()

	if strings.HasSuffix(path, ".toml") {
		return toml.NewEncoder(f).Encode(cfg)
	}

	data, err := encodeIndented(cfg)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}
