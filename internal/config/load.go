package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the decoder from the file extension. Anything that is not
// .json is read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads, decodes, defaults and validates an ecosystem file.
func Load(filename string) (*Config, error) {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", filename)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg, err := Parse(data, FormatOf(abs), filepath.Dir(abs))
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", filename)
	}
	cfg.Path = abs
	return cfg, nil
}

// Parse decodes data and resolves relative paths against baseDir.
// Unknown keys are rejected.
func Parse(data []byte, format Format, baseDir string) (*Config, error) {
	var cfg Config

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, errors.Wrap(err, "decode json")
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "decode yaml")
		}
	}

	if len(cfg.Apps) > 0 && len(cfg.Processes) > 0 {
		return nil, errors.New("use either apps or processes, not both")
	}

	cfg.applyDefaults(baseDir)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
