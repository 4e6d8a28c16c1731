package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoCatalog is returned when no worker catalog file is found.
var ErrNoCatalog = errors.New("no worker catalog file found")

// WorkerFamily classifies what a worker implementation does.
type WorkerFamily string

const (
	FamilyImage     WorkerFamily = "IMAGE"
	FamilyLLM       WorkerFamily = "LLM"
	FamilyTTS       WorkerFamily = "TTS"
	FamilySTT       WorkerFamily = "STT"
	FamilyEmbedding WorkerFamily = "EMBEDDING"
	FamilyAudio     WorkerFamily = "AUDIO"
	FamilyVideo     WorkerFamily = "VIDEO"
)

// WorkerConfig is one immutable catalog entry. Worker names an
// implementation in the static worker registry (e.g. "llm.chat");
// RequestModel/ResponseModel name schemas in the model registry.
type WorkerConfig struct {
	Model         string       `yaml:"model" toml:"model" json:"model"`
	Description   string       `yaml:"description" toml:"description" json:"description"`
	Worker        string       `yaml:"worker" toml:"worker" json:"worker"`
	Type          WorkerFamily `yaml:"type" toml:"type" json:"type"`
	RequestModel  string       `yaml:"request_model" toml:"request_model" json:"request_model"`
	ResponseModel string       `yaml:"response_model" toml:"response_model" json:"response_model"`
}

// Catalog maps worker_id to its configuration. Loaded once at startup and
// exposed read-only via /v1/workers/list.
type Catalog map[string]WorkerConfig

// Get looks up a worker configuration by id.
func (c Catalog) Get(workerID string) (WorkerConfig, bool) {
	wc, ok := c[workerID]
	return wc, ok
}

// catalogFile wraps the on-disk shape: a single "workers" map.
type catalogFile struct {
	Workers Catalog `yaml:"workers" toml:"workers" json:"workers"`
}

// LoadCatalog finds and parses the worker catalog in dir. The first
// candidate that exists wins.
func LoadCatalog(dir string) (Catalog, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *catalogFile) error
	}{
		{"workers.json", parseJSON},
		{"workers.yaml", parseYAML},
		{"workers.yml", parseYAML},
		{"workers.toml", parseTOML},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // file doesn't exist, try next
		}

		var file catalogFile
		if err := c.parser(data, &file); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		if err := file.Workers.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}
		return file.Workers, c.name, nil
	}

	return nil, "", ErrNoCatalog
}

func parseYAML(data []byte, file *catalogFile) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(file)
}

func parseTOML(data []byte, file *catalogFile) error {
	_, err := toml.Decode(string(data), file)
	return err
}

func parseJSON(data []byte, file *catalogFile) error {
	return json.Unmarshal(data, file)
}

// Validate checks the catalog for structural errors.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return errors.New("catalog has no workers")
	}
	for id, wc := range c {
		if wc.Model == "" {
			return fmt.Errorf("worker %q: model is required", id)
		}
		if wc.Worker == "" {
			return fmt.Errorf("worker %q: worker implementation name is required", id)
		}
		if wc.RequestModel == "" || wc.ResponseModel == "" {
			return fmt.Errorf("worker %q: request_model and response_model are required", id)
		}
	}
	return nil
}
