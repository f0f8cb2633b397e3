// Package config loads the workstation configuration: root bindings for
// the FS jail, the external audio codec command, queue defaults, and
// discovery ignore globs. JSON and YAML are both accepted; both are
// decoded strictly so typos fail at load time.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bookwright/bookwright/internal/fsjail"
	"github.com/bookwright/bookwright/internal/runner"
)

type QueueConfig struct {
	Workers       int `json:"workers,omitempty" yaml:"workers,omitempty"`
	PollMS        int `json:"poll_ms,omitempty" yaml:"poll_ms,omitempty"`
	HeartbeatSecs int `json:"heartbeat_s,omitempty" yaml:"heartbeat_s,omitempty"`
}

type DiscoveryConfig struct {
	IgnoreGlobs []string `json:"ignore_globs,omitempty" yaml:"ignore_globs,omitempty"`
}

type Config struct {
	Version   int               `json:"version" yaml:"version"`
	Roots     map[string]string `json:"roots" yaml:"roots"`
	Codec     runner.CodecSpec  `json:"codec,omitempty" yaml:"codec,omitempty"`
	Queue     QueueConfig       `json:"queue,omitempty" yaml:"queue,omitempty"`
	Discovery DiscoveryConfig   `json:"discovery,omitempty" yaml:"discovery,omitempty"`
	ServeAddr string            `json:"serve_addr,omitempty" yaml:"serve_addr,omitempty"`
}

// Load reads and validates a config file. The extension picks the codec:
// .json is strict JSON, anything else is strict YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if len(cfg.Codec.Command) == 0 {
		cfg.Codec = runner.DefaultCodec()
	}
	if cfg.Queue.PollMS == 0 {
		cfg.Queue.PollMS = 500
	}
	if cfg.Queue.HeartbeatSecs == 0 {
		cfg.Queue.HeartbeatSecs = 15
	}
	if cfg.ServeAddr == "" {
		cfg.ServeAddr = "127.0.0.1:8377"
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version %d", cfg.Version)
	}
	if len(cfg.Roots) == 0 {
		return fmt.Errorf("roots: at least one binding is required")
	}
	for name, dir := range cfg.Roots {
		if _, err := fsjail.ParseRoot(name); err != nil {
			return fmt.Errorf("roots: %w", err)
		}
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("roots.%s: %q is not absolute", name, dir)
		}
	}
	for _, r := range fsjail.Roots() {
		if _, ok := cfg.Roots[string(r)]; !ok {
			return fmt.Errorf("roots: missing binding for %s", r)
		}
	}
	return nil
}

// RootBindings converts the configured roots to jail bindings.
func (cfg *Config) RootBindings() (map[fsjail.Root]string, error) {
	roots := map[fsjail.Root]string{}
	for name, dir := range cfg.Roots {
		root, err := fsjail.ParseRoot(name)
		if err != nil {
			return nil, err
		}
		roots[root] = dir
	}
	return roots, nil
}
