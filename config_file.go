package reporter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/qastudio-dev/qastudio-reporter/schema"
	"github.com/qastudio-dev/qastudio-reporter/types"
)

// LoadConfigFile reads a YAML (.yaml, .yml) or TOML (.toml) file of flat
// qastudio_* keys and validates it against the config schema.
func LoadConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewConfigError("config", fmt.Sprintf("failed to read %s: %v", path, err))
	}

	doc := make(map[string]any)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, types.NewConfigError("config", fmt.Sprintf("failed to parse YAML %s: %v", path, err))
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, types.NewConfigError("config", fmt.Sprintf("failed to parse TOML %s: %v", path, err))
		}
	default:
		return nil, types.NewConfigError("config", fmt.Sprintf("unsupported config file extension %q", ext))
	}
	if doc == nil {
		doc = make(map[string]any)
	}

	if err := schema.ValidateConfigMap(doc); err != nil {
		return nil, types.NewConfigError("config", fmt.Sprintf("%s: %v", path, err))
	}
	return doc, nil
}
