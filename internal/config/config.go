package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "clavix.yml"

// Config models clavix.yml.
type Config struct {
	Storage Storage `yaml:"storage"`
	Locking Locking `yaml:"locking"`
	Journal Journal `yaml:"journal"`
	Server  Server  `yaml:"server"`
	Log     Log     `yaml:"log"`
}

// Storage describes where project artifacts live, relative to the workspace.
type Storage struct {
	Root                string   `yaml:"root"`
	ArchiveDir          string   `yaml:"archive_dir"`
	TaskFile            string   `yaml:"task_file"`
	RequirementsFiles   []string `yaml:"requirements_files"`
	ImplementConfig     string   `yaml:"implement_config_file"`
	PromptsDir          string   `yaml:"prompts_dir"`
	LocksDir            string   `yaml:"locks_dir"`
	OverviewParallelism int      `yaml:"overview_parallelism"`
}

type Locking struct {
	Timeout    time.Duration `yaml:"timeout"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type Journal struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Server struct {
	Addr      string          `yaml:"addr"`
	BasePath  string          `yaml:"base_path"`
	JWTSecret string          `yaml:"jwt_secret"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Root) == "" {
		return fmt.Errorf("config.storage.root is required")
	}
	if strings.TrimSpace(c.Storage.TaskFile) == "" {
		return fmt.Errorf("config.storage.task_file is required")
	}
	if strings.ContainsAny(c.Storage.TaskFile, `/\`) {
		return fmt.Errorf("config.storage.task_file must be a bare file name")
	}
	if strings.TrimSpace(c.Storage.ArchiveDir) == "" {
		return fmt.Errorf("config.storage.archive_dir is required")
	}
	if len(c.Storage.RequirementsFiles) == 0 {
		return fmt.Errorf("config.storage.requirements_files must list at least one file")
	}
	for _, f := range c.Storage.RequirementsFiles {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("config.storage.requirements_files contains an empty name")
		}
		if f == c.Storage.TaskFile {
			return fmt.Errorf("requirements file %s collides with task_file", f)
		}
	}
	if strings.TrimSpace(c.Storage.ImplementConfig) == "" {
		return fmt.Errorf("config.storage.implement_config_file is required")
	}
	if strings.TrimSpace(c.Storage.PromptsDir) == "" {
		return fmt.Errorf("config.storage.prompts_dir is required")
	}
	if strings.TrimSpace(c.Storage.LocksDir) == "" {
		return fmt.Errorf("config.storage.locks_dir is required")
	}
	if c.Storage.OverviewParallelism < 0 {
		return fmt.Errorf("config.storage.overview_parallelism must not be negative")
	}
	if c.Locking.Timeout <= 0 {
		return fmt.Errorf("config.locking.timeout must be positive")
	}
	if c.Locking.RetryDelay <= 0 || c.Locking.RetryDelay > c.Locking.Timeout {
		return fmt.Errorf("config.locking.retry_delay must be positive and not exceed timeout")
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		return fmt.Errorf("config.journal.path is required when the journal is enabled")
	}
	for i, hook := range c.Server.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// StorageRoot resolves the storage root against the workspace.
func (c *Config) StorageRoot(workspace string) string {
	return resolve(workspace, c.Storage.Root)
}

// JournalPath resolves the journal database path against the workspace.
func (c *Config) JournalPath(workspace string) string {
	return resolve(workspace, c.Journal.Path)
}

func resolve(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with clx init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

const defaultTemplate = `storage:
  root: .clavix/outputs
  archive_dir: archive
  task_file: tasks.md
  requirements_files: [full-prd.md, quick-prd.md, mini-prd.md]
  implement_config_file: .clavix-implement-config.json
  prompts_dir: prompts
  locks_dir: .locks
  overview_parallelism: 4

locking:
  timeout: 5s
  retry_delay: 25ms

journal:
  enabled: true
  path: .clavix/journal.db

server:
  addr: 127.0.0.1:7420
  base_path: /v0
  jwt_secret: ""
  webhooks: []

log:
  level: info
  format: text
`
