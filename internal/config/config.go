package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"privrelay/internal/domain"
)

const FileName = "privrelay.yml"

// Config models privrelay.yml.
type Config struct {
	Node struct {
		PublicURL string `yaml:"public_url"`
	} `yaml:"node"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Resend struct {
		MaxResults int `yaml:"max_results"`
	} `yaml:"resend"`
	Recovery struct {
		BatchSize        int    `yaml:"batch_size"`
		MaxResolvePasses int    `yaml:"max_resolve_passes"`
		Concurrency      int    `yaml:"concurrency"`
		ResolveInterval  string `yaml:"resolve_interval"` // "0" disables the serve loop
	} `yaml:"recovery"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Enclave struct {
		URL     string   `yaml:"url"`
		Keys    []string `yaml:"keys"`
		Timeout string   `yaml:"timeout"`
	} `yaml:"enclave"`
	P2P struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"p2p"`
	Peers     []string `yaml:"peers"`
	Directory struct {
		CacheSize int `yaml:"cache_size"`
	} `yaml:"directory"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with privrelay config show > %s", path, FileName)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Resend.MaxResults < 1 {
		return fmt.Errorf("config.resend.max_results must be positive")
	}
	if c.Recovery.BatchSize < 0 {
		return fmt.Errorf("config.recovery.batch_size must not be negative")
	}
	if c.Recovery.MaxResolvePasses < 1 {
		return fmt.Errorf("config.recovery.max_resolve_passes must be positive")
	}
	if c.Recovery.Concurrency < 1 {
		return fmt.Errorf("config.recovery.concurrency must be positive")
	}
	if c.Recovery.ResolveInterval != "" {
		if _, err := time.ParseDuration(c.Recovery.ResolveInterval); err != nil {
			return fmt.Errorf("config.recovery.resolve_interval: %w", err)
		}
	}
	if c.Enclave.URL == "" && len(c.Enclave.Keys) == 0 {
		return fmt.Errorf("config.enclave needs a url or at least one key")
	}
	if c.Enclave.URL != "" {
		if err := checkURL(c.Enclave.URL); err != nil {
			return fmt.Errorf("config.enclave.url: %w", err)
		}
	}
	for _, k := range c.Enclave.Keys {
		if _, err := domain.ParsePublicKey(k); err != nil {
			return fmt.Errorf("config.enclave.keys: %w", err)
		}
	}
	if c.Enclave.Timeout != "" {
		if _, err := time.ParseDuration(c.Enclave.Timeout); err != nil {
			return fmt.Errorf("config.enclave.timeout: %w", err)
		}
	}
	if c.P2P.Timeout != "" {
		if _, err := time.ParseDuration(c.P2P.Timeout); err != nil {
			return fmt.Errorf("config.p2p.timeout: %w", err)
		}
	}
	for _, p := range c.Peers {
		if err := checkURL(p); err != nil {
			return fmt.Errorf("config.peers %s: %w", p, err)
		}
	}
	if c.Directory.CacheSize < 1 {
		return fmt.Errorf("config.directory.cache_size must be positive")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	return nil
}

// EnclaveTimeout returns the configured enclave timeout, 5s when unset.
func (c *Config) EnclaveTimeout() time.Duration {
	d, err := time.ParseDuration(c.Enclave.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// P2PTimeout bounds each request to another node, 10s when unset.
func (c *Config) P2PTimeout() time.Duration {
	d, err := time.ParseDuration(c.P2P.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// ResolveInterval returns the background resolution period; zero disables it.
func (c *Config) ResolveInterval() time.Duration {
	d, err := time.ParseDuration(c.Recovery.ResolveInterval)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// StaticKeys decodes the configured enclave keys. Validate has already checked them.
func (c *Config) StaticKeys() []domain.PublicKey {
	out := make([]domain.PublicKey, 0, len(c.Enclave.Keys))
	for _, k := range c.Enclave.Keys {
		if key, err := domain.ParsePublicKey(k); err == nil {
			out = append(out, key)
		}
	}
	return out
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
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

// GenerateDefault returns default config YAML.
func GenerateDefault(publicURL string) string {
	return fmt.Sprintf(defaultTemplate, publicURL)
}

// LoadOptional returns the default config if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("http://localhost:9080"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a node reachable at publicURL.
func Default(publicURL string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(publicURL))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections keep their
// default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
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
	return FromYAML(data)
}

// YAML renders the config.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

const defaultTemplate = `node:
  public_url: "%s"

server:
  addr: ":9080"
  base_path: ""

resend:
  max_results: 1000

recovery:
  batch_size: 500
  max_resolve_passes: 100
  concurrency: 4
  resolve_interval: 5s

auth:
  jwt_secret: ""

enclave:
  url: ""
  keys: []
  timeout: 5s

p2p:
  timeout: 10s

peers: []

directory:
  cache_size: 1024

logging:
  level: info
  format: json
`
