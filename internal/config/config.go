package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models sevtrack.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Catalog struct {
		ValidationTypes []string      `yaml:"validation_types"`
		Divisions       []string      `yaml:"divisions"`
		Systems         []SystemEntry `yaml:"systems"`
		Environments    []string      `yaml:"environments"`
	} `yaml:"catalog"`
	Evidence struct {
		MaxBytes int64 `yaml:"max_bytes"`
	} `yaml:"evidence"`
	EditWindowHours int `yaml:"edit_window_hours"`
}

type SystemEntry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sev config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if len(c.Catalog.ValidationTypes) == 0 {
		return fmt.Errorf("config.catalog.validation_types is required")
	}
	for _, t := range c.Catalog.ValidationTypes {
		if t == "" {
			return fmt.Errorf("config.catalog.validation_types contains an empty entry")
		}
	}
	if len(c.Catalog.Divisions) == 0 {
		return fmt.Errorf("config.catalog.divisions is required")
	}
	for _, d := range c.Catalog.Divisions {
		if d == "" {
			return fmt.Errorf("config.catalog.divisions contains an empty entry")
		}
	}
	for _, s := range c.Catalog.Systems {
		if s.Name == "" {
			return fmt.Errorf("config.catalog.systems contains an entry without a name")
		}
	}
	for _, e := range c.Catalog.Environments {
		if e == "" {
			return fmt.Errorf("config.catalog.environments contains an empty entry")
		}
	}
	if c.Evidence.MaxBytes < 0 {
		return fmt.Errorf("config.evidence.max_bytes must not be negative")
	}
	if c.EditWindowHours < 0 {
		return fmt.Errorf("config.edit_window_hours must not be negative")
	}
	return nil
}

// HasValidationType reports whether t is in the configured catalog.
func (c *Config) HasValidationType(t string) bool {
	for _, v := range c.Catalog.ValidationTypes {
		if v == t {
			return true
		}
	}
	return false
}

// HasDivision reports whether d is in the configured catalog.
func (c *Config) HasDivision(d string) bool {
	for _, v := range c.Catalog.Divisions {
		if v == d {
			return true
		}
	}
	return false
}

// MaxEvidenceBytes returns the configured evidence size cap.
func (c *Config) MaxEvidenceBytes() int64 {
	if c.Evidence.MaxBytes == 0 {
		return 5 << 20
	}
	return c.Evidence.MaxBytes
}

// EditWindow returns the configured edit window in whole hours.
func (c *Config) EditWindow() int {
	if c.EditWindowHours == 0 {
		return 24
	}
	return c.EditWindowHours
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sevtrack.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a workspace. The embedded
// template is a compile-time constant, so a decode failure is a programming
// error and panics.
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	if err := yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  id: %s

catalog:
  validation_types:
    - Funcional
    - Regressão
    - Integração
    - Performance
    - Segurança
    - UAT

  divisions:
    - Passageiros
    - Logística
    - Comércio
    - Infraestrutura

  systems:
    - id: encomendas
      name: Encomendas
      description: "Sistema de gestão de encomendas"
    - id: jornada-digital
      name: Jornada Digital
      description: "Plataforma de experiência do cliente"

  environments:
    - QA
    - HMG
    - PRÉ-PRODUÇÃO
    - PRD

evidence:
  max_bytes: 5242880

edit_window_hours: 24
`
