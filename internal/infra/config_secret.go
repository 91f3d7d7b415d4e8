package infra

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VenueSecret holds credentials for one venue.
type VenueSecret struct {
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
	Token      string `yaml:"token"`
}

// SecretConfig matches the structure of secrets/demo.yaml and secrets/real.yaml.
type SecretConfig struct {
	Venues map[string]VenueSecret `yaml:"venues"`
}

// LoadSecretConfig loads API keys from a separate yaml file.
// It returns error if file is missing (Fail Fast).
func LoadSecretConfig(path string) (*SecretConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret config: %w", err)
	}

	var cfg SecretConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse secret config: %w", err)
	}

	return &cfg, nil
}

// ApplySecrets fills empty credentials from s. Values already set (from env)
// win over the secrets file.
func (c *Config) ApplySecrets(s *SecretConfig) {
	if s == nil {
		return
	}
	for name, sec := range s.Venues {
		v, ok := c.Venues[name]
		if !ok {
			continue
		}
		if v.AccessKey == "" {
			v.AccessKey = sec.AccessKey
		}
		if v.SecretKey == "" {
			v.SecretKey = sec.SecretKey
		}
		if v.Passphrase == "" {
			v.Passphrase = sec.Passphrase
		}
		if v.Token == "" {
			v.Token = sec.Token
		}
		c.Venues[name] = v
	}
}
