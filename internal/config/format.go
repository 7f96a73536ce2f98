package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
	formatTOML format = "toml"
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	case ".toml":
		return formatTOML
	}
	return formatJSON
}

// toJSON re-encodes data as JSON so every format shares the strict decoder.
func (f format) toJSON(data []byte) ([]byte, error) {
	var v any
	switch f {
	case formatYAML:
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		v = stringKeys(v)
	case formatTOML:
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, err
		}
		v = m
	default:
		return data, nil
	}
	return json.Marshal(v)
}

// stringKeys rewrites YAML's map[any]any nodes into JSON-encodable maps.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
	case []any:
		for i, v := range x {
			x[i] = stringKeys(v)
		}
	}
	return in
}

// Decode parses data in the format named by path's extension (JSON when
// unknown), rejects unknown keys and trailing data, then validates.
func Decode(path string, data []byte) (*Config, error) {
	f := formatOf(path)
	jb, err := f.toJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%s config: %w", f, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", f, err)
	}
	if rest := bytes.TrimSpace(jb[dec.InputOffset():]); len(rest) > 0 {
		return nil, fmt.Errorf("%s config: trailing data", f)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
