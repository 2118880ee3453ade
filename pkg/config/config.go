package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/samogod/squirrelrun/pkg/launcher"
	"github.com/samogod/squirrelrun/pkg/profile"
	"github.com/samogod/squirrelrun/pkg/runconfig"
	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

const FileName = "squirrelrun.yaml"

type Config struct {
	Paths         Paths                       `yaml:"paths"`
	Launcher      Launcher                    `yaml:"launcher"`
	Defaults      Defaults                    `yaml:"defaults"`
	Profiles      map[string]profile.Override `yaml:"profiles"`
	Database      Database                    `yaml:"database"`
	Elasticsearch Elasticsearch               `yaml:"elasticsearch"`
}

type Paths struct {
	DataPrefix    string `yaml:"data_prefix"`
	WorkspaceRoot string `yaml:"workspace_root"`
}

type Launcher struct {
	Python     string `yaml:"python"`
	Mechanism  string `yaml:"mechanism"`
	EntryPoint string `yaml:"entry_point"`
	WorkDir    string `yaml:"work_dir"`
	MasterPort int    `yaml:"master_port"`
}

type Defaults struct {
	Profile string `yaml:"profile"`
	GPUs    int    `yaml:"gpus"`
	Name    string `yaml:"name"`
	Mode    string `yaml:"mode"`
}

type Database struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Elasticsearch struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

// secrets are the only settings read from the environment.
type secrets struct {
	DBPassword string `env:"SQUIRRELRUN_DB_PASSWORD"`
	ESUsername string `env:"SQUIRRELRUN_ES_USERNAME"`
	ESPassword string `env:"SQUIRRELRUN_ES_PASSWORD"`
}

func Default() *Config {
	return &Config{
		Paths: Paths{
			DataPrefix:    "/data/",
			WorkspaceRoot: "/checkpoint/space/",
		},
		Launcher: Launcher{
			Python:     launcher.DefaultPython,
			Mechanism:  string(launcher.TorchLaunch),
			EntryPoint: launcher.DefaultEntryPoint,
		},
		Defaults: Defaults{
			Profile: profile.DefaultName,
			GPUs:    2,
			Name:    runconfig.DefaultName,
			Mode:    runconfig.DefaultMode,
		},
		Database: Database{
			Host: "localhost",
			Port: 5432,
			User: "postgres",
		},
		Elasticsearch: Elasticsearch{
			URL:   "http://localhost:9200",
			Index: "squirrelrun_launches",
		},
	}
}

type Manager struct {
	config     *Config
	configPath string
}

func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

func (m *Manager) LoadConfig() error {
	config := Default()

	if m.configPath == "" {
		m.configPath = m.findConfigFile()
	}

	if m.configPath != "" {
		if DebugLog != nil {
			DebugLog("loading launcher config from %s", m.configPath)
		}

		data, err := os.ReadFile(m.configPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("config file not found at %s", m.configPath)
			}
			return fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if DebugLog != nil {
		DebugLog("no config file found, using built-in defaults")
	}

	if err := applySecrets(config); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if err := m.validateConfig(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.config = config
	return nil
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

// Path is the file the config was loaded from, or "" for built-in defaults.
func (m *Manager) Path() string {
	return m.configPath
}

func (m *Manager) findConfigFile() string {
	candidates := []string{
		FileName,
		filepath.Join("config", FileName),
	}

	if path, err := DefaultConfigPath(); err == nil {
		candidates = append(candidates, path)
	} else if DebugLog != nil {
		DebugLog("skipping user config: %v", err)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

func applySecrets(config *Config) error {
	var s secrets
	if err := env.Parse(&s); err != nil {
		return err
	}

	if s.DBPassword != "" {
		config.Database.Password = s.DBPassword
	}
	if s.ESUsername != "" {
		config.Elasticsearch.Username = s.ESUsername
	}
	if s.ESPassword != "" {
		config.Elasticsearch.Password = s.ESPassword
	}

	return nil
}

func (m *Manager) validateConfig(config *Config) error {
	if !launcher.Mechanism(config.Launcher.Mechanism).Valid() {
		return fmt.Errorf("unknown launch mechanism: %s", config.Launcher.Mechanism)
	}

	if config.Launcher.MasterPort < 0 || config.Launcher.MasterPort > 65535 {
		return fmt.Errorf("master_port must be between 0 and 65535")
	}

	if config.Defaults.GPUs <= 0 {
		return fmt.Errorf("default gpus must be greater than 0")
	}

	if !runconfig.ValidMode(config.Defaults.Mode) {
		return fmt.Errorf("default mode %q is not a known mode", config.Defaults.Mode)
	}

	if config.Database.Enabled && (config.Database.Port <= 0 || config.Database.Port > 65535) {
		return fmt.Errorf("database port must be between 1 and 65535")
	}

	if config.Elasticsearch.Enabled && config.Elasticsearch.URL == "" {
		return fmt.Errorf("elasticsearch url is required when elasticsearch is enabled")
	}

	for name := range config.Profiles {
		if _, err := profile.Resolve(name, config.Profiles); err != nil {
			return err
		}
	}

	if _, err := profile.Resolve(config.Defaults.Profile, config.Profiles); err != nil {
		return fmt.Errorf("default profile: %w", err)
	}

	return nil
}
