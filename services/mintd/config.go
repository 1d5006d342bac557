package mintd

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"halloffame/observability/logging"
	telemetry "halloffame/observability/otel"
)

// Config captures the runtime configuration for mintd.
type Config struct {
	ListenAddress string              `yaml:"listen"`
	Environment   string              `yaml:"environment"`
	DataPath      string              `yaml:"data_path"`
	Owner         string              `yaml:"owner"`
	Operators     []string            `yaml:"operators"`
	Caller        string              `yaml:"caller"`
	MaxSupply     uint64              `yaml:"max_supply"`
	Partial       bool                `yaml:"partial"`
	APIToken      string              `yaml:"api_token"`
	APITokenFile  string              `yaml:"api_token_file"`
	APITokenEnv   string              `yaml:"api_token_env"`
	LogLevel      string              `yaml:"log_level"`
	LogFile       *logging.FileConfig `yaml:"log_file"`
	Telemetry     telemetry.Config    `yaml:"telemetry"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Finalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Finalize applies defaults, resolves the API token and validates.
func (c *Config) Finalize() error {
	if c.ListenAddress == "" {
		c.ListenAddress = ":7091"
	}
	if c.MaxSupply == 0 {
		c.MaxSupply = 1000
	}
	c.Owner = strings.TrimSpace(c.Owner)
	c.Caller = strings.TrimSpace(c.Caller)
	if c.Caller == "" {
		c.Caller = c.Owner
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mintd"
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = c.Environment
	}
	token := strings.TrimSpace(c.APIToken)
	switch {
	case token != "":
	case strings.TrimSpace(c.APITokenEnv) != "":
		token = strings.TrimSpace(os.Getenv(strings.TrimSpace(c.APITokenEnv)))
		if token == "" {
			return fmt.Errorf("api_token_env %s is empty", c.APITokenEnv)
		}
	case strings.TrimSpace(c.APITokenFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(c.APITokenFile))
		if err != nil {
			return fmt.Errorf("read api_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	c.APIToken = token
	if c.Owner == "" {
		return fmt.Errorf("owner must be configured")
	}
	return nil
}
