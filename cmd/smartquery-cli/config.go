package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sensorgrid/smartquery/backend/local"
	"github.com/sensorgrid/smartquery/engine"
)

// fileConfig is the top-level shape of the CLI's YAML config file. Engine
// carries the engine's own configuration surface; Primary and Secondary
// name the concrete backends (Secondary is used only when storage_mode is
// "failover").
type fileConfig struct {
	Engine    engine.Config  `yaml:",inline"`
	Primary   *backendConfig `yaml:"primary_backend"`
	Secondary *backendConfig `yaml:"secondary_backend"`
}

// backendConfig names one concrete backend and its settings. Exactly one
// of the provider-specific fields should be set, matching Kind.
type backendConfig struct {
	Kind  string       `yaml:"kind"` // "local", "s3", "gcs", "azure"
	Local *local.Config `yaml:"local,omitempty"`
	S3    *s3Config     `yaml:"s3,omitempty"`
	GCS   *gcsConfig    `yaml:"gcs,omitempty"`
	Azure *azureConfig  `yaml:"azure,omitempty"`
}

type s3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"`
}

type gcsConfig struct {
	Bucket string `yaml:"bucket"`
}

type azureConfig struct {
	Container   string `yaml:"container"`
	AccountName string `yaml:"account_name"`
	AccountKey  string `yaml:"account_key"`
}

func loadConfig(path string) (fileConfig, error) {
	cfg := fileConfig{Engine: engine.DefaultConfig()}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file: ship with defaults and a local backend
			// rooted at ./data, useful for a first run.
			cfg.Primary = &backendConfig{Kind: "local", Local: &local.Config{Path: "./data"}}
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Primary == nil {
		return cfg, fmt.Errorf("config: primary_backend is required")
	}
	return cfg, nil
}
