// Package config loads the visor configuration: defaults, layered YAML
// files, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Executor ExecutorConfig `mapstructure:"executor"`
	VLM      VLMConfig      `mapstructure:"vlm"`
	Run      RunConfig      `mapstructure:"run"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// EngineConfig tunes the turn loop.
type EngineConfig struct {
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`
	AnnotateTimeout time.Duration `mapstructure:"annotate_timeout"`
	VLMTimeout      time.Duration `mapstructure:"vlm_timeout"`
	TurnDelay       time.Duration `mapstructure:"turn_delay"`
	InitialStory    string        `mapstructure:"initial_story"`
	DefaultActions  []string      `mapstructure:"default_actions"` // padding when the model plans too few calls
	MinToolCalls    int           `mapstructure:"min_tool_calls"`
	StartPaused     bool          `mapstructure:"start_paused"`
	Debug           bool          `mapstructure:"debug"`
}

// ExecutorConfig points at the executor child process.
type ExecutorConfig struct {
	Command    []string `mapstructure:"command"`
	ConfigPath string   `mapstructure:"config_path"`
}

// VLMConfig points at the VLM client child process.
type VLMConfig struct {
	Command      []string `mapstructure:"command"`
	Model        string   `mapstructure:"model"`
	SystemPrompt string   `mapstructure:"system_prompt"`
}

// RunConfig controls where run artifacts land.
type RunConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the optional sqlite turn index.
type DatabaseConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig is the logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load builds the configuration. Precedence, low to high: defaults,
// ~/.visor/config.yaml, ./config.yaml (or ./config/config.yaml), then
// VISOR_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".visor")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("VISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Executor.Command) == 0 {
		return fmt.Errorf("executor.command must not be empty")
	}
	if len(c.VLM.Command) == 0 {
		return fmt.Errorf("vlm.command must not be empty")
	}
	if c.Engine.ExecTimeout <= 0 || c.Engine.AnnotateTimeout <= 0 || c.Engine.VLMTimeout <= 0 {
		return fmt.Errorf("engine timeouts must be positive")
	}
	if c.Engine.MinToolCalls < 0 {
		return fmt.Errorf("engine.min_tool_calls must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8800)
	v.SetDefault("server.mode", "release")

	v.SetDefault("engine.exec_timeout", "20s")
	v.SetDefault("engine.annotate_timeout", "30s")
	v.SetDefault("engine.vlm_timeout", "90s")
	v.SetDefault("engine.turn_delay", "1500ms")
	v.SetDefault("engine.initial_story", "hi")
	v.SetDefault("engine.default_actions", []string{"click(500, 500)"})
	v.SetDefault("engine.min_tool_calls", 2)
	v.SetDefault("engine.start_paused", true)
	v.SetDefault("engine.debug", false)

	v.SetDefault("executor.command", []string{"python3", "executor.py"})
	v.SetDefault("vlm.command", []string{"python3", "vlm_client.py"})

	v.SetDefault("run.base_dir", "panel_log")

	v.SetDefault("database.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
