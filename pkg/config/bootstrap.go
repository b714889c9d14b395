// Package config holds the two configuration layers used by this
// module: process-level Bootstrap config (TOML) read once at startup,
// and per-collection Collection config (JSON) merged against defaults
// the way the teacher's own config package does it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Bootstrap is the process-wide configuration loaded at startup from a
// TOML file (or defaults, if none is given).
type Bootstrap struct {
	DataDir string       `toml:"data_dir"`
	Server  ServerConfig `toml:"server"`
	Queue   QueueConfig  `toml:"queue"`
	Logger  LoggerConfig `toml:"logger"`
	AI      AIConfig     `toml:"ai"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type QueueConfig struct {
	MaxConcurrent int `toml:"max_concurrent"`
}

type LoggerConfig struct {
	Level           string `toml:"level"`
	LogDir          string `toml:"log_dir"`
	ConsoleOutput   bool   `toml:"console_output"`
	KafkaEnabled    bool   `toml:"kafka_enabled"`
	KafkaBrokers    string `toml:"kafka_brokers"`
	KafkaTopic      string `toml:"kafka_topic"`
	AsyncBufferSize int    `toml:"async_buffer_size"`
}

type AIConfig struct {
	Provider       string `toml:"provider"`
	OpenAIAPIKey   string `toml:"openai_api_key"`
	OpenAIModel    string `toml:"openai_model"`
	OllamaBaseURL  string `toml:"ollama_base_url"`
	OllamaModel    string `toml:"ollama_model"`
	RequestsPerSec int    `toml:"requests_per_sec"`
	BatchSize      int    `toml:"batch_size"`
}

// DefaultBootstrap mirrors the teacher's setDefaults shape: every field
// gets a sane zero-config value.
func DefaultBootstrap() *Bootstrap {
	return &Bootstrap{
		DataDir: "./data",
		Server:  ServerConfig{Addr: ":8088"},
		Queue:   QueueConfig{MaxConcurrent: 3},
		Logger: LoggerConfig{
			Level:           "info",
			LogDir:          "./data/logs",
			ConsoleOutput:   true,
			KafkaTopic:      "vaultindex-logs",
			AsyncBufferSize: 1000,
		},
		AI: AIConfig{
			Provider:       "ollama",
			OllamaBaseURL:  "http://localhost:11434",
			OllamaModel:    "nomic-embed-text",
			RequestsPerSec: 5,
			BatchSize:      32,
		},
	}
}

// LoadBootstrap reads a TOML file at path, merging onto defaults for
// any field left unset. A missing file is not an error: defaults apply.
func LoadBootstrap(path string) (*Bootstrap, error) {
	cfg := DefaultBootstrap()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read bootstrap config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse bootstrap config %s: %w", path, err)
	}

	mergeBootstrapDefaults(cfg)
	return cfg, nil
}

func mergeBootstrapDefaults(cfg *Bootstrap) {
	d := DefaultBootstrap()
	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Queue.MaxConcurrent <= 0 {
		cfg.Queue.MaxConcurrent = d.Queue.MaxConcurrent
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = d.Logger.Level
	}
	if cfg.Logger.LogDir == "" {
		cfg.Logger.LogDir = d.Logger.LogDir
	}
	if cfg.Logger.KafkaTopic == "" {
		cfg.Logger.KafkaTopic = d.Logger.KafkaTopic
	}
	if cfg.Logger.AsyncBufferSize <= 0 {
		cfg.Logger.AsyncBufferSize = d.Logger.AsyncBufferSize
	}
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = d.AI.Provider
	}
	if cfg.AI.OllamaBaseURL == "" {
		cfg.AI.OllamaBaseURL = d.AI.OllamaBaseURL
	}
	if cfg.AI.OllamaModel == "" {
		cfg.AI.OllamaModel = d.AI.OllamaModel
	}
	if cfg.AI.RequestsPerSec <= 0 {
		cfg.AI.RequestsPerSec = d.AI.RequestsPerSec
	}
	if cfg.AI.BatchSize <= 0 {
		cfg.AI.BatchSize = d.AI.BatchSize
	}
}

// SaveBootstrap writes cfg to path as TOML, creating parent dirs as needed.
func SaveBootstrap(path string, cfg *Bootstrap) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal bootstrap config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// JobsDBPath, CollectionsDBPath, VectorsDir, WatcherDir realize the
// persisted-state layout named in spec.md §6, all rooted at DataDir.
func (b *Bootstrap) JobsDBPath() string        { return filepath.Join(b.DataDir, "jobs.db") }
func (b *Bootstrap) CollectionsDBPath() string { return filepath.Join(b.DataDir, "collections.db") }
func (b *Bootstrap) VectorsDir() string        { return filepath.Join(b.DataDir, "vectors") }
func (b *Bootstrap) WatcherDir() string        { return filepath.Join(b.DataDir, "watcher") }
