package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig controls the Redis-backed job queue and its lease
// mechanics. LeaseTTLSeconds bounds how long a crashed worker can hold
// a job before it becomes re-deliverable.
type QueueConfig struct {
	Namespace         string `yaml:"namespace"`
	LeaseTTLSeconds   int    `yaml:"leaseTtlSeconds"`
	ReclaimIntervalMs int    `yaml:"reclaimIntervalMs"`
}

// WorkerConfig controls the worker pool and its retry policy.
type WorkerConfig struct {
	Concurrency      int `yaml:"concurrency"`
	PollIntervalMs   int `yaml:"pollIntervalMs"`
	MaxRetries       int `yaml:"maxRetries"`
	RetryBaseDelayMs int `yaml:"retryBaseDelayMs"`
	RetryMaxDelayMs  int `yaml:"retryMaxDelayMs"`
}

// PollerConfig controls status polling client defaults.
type PollerConfig struct {
	IntervalMs int `yaml:"intervalMs"`
}

// StorageConfig points at the artifact storage gateway that serves
// finished videos. Internal vault:// locators are rewritten onto it;
// raw locators never reach a caller.
type StorageConfig struct {
	GatewayBaseURL string `yaml:"gatewayBaseUrl"`
}

// RetentionConfig controls TTL-like deletion of terminal jobs so that
// the database does not grow without bound over time.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	TerminalJobDays        int  `yaml:"terminalJobDays"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Poller    PollerConfig    `yaml:"poller"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return &cfg
}
