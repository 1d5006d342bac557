package saled

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"halloffame/native/sale"
	"halloffame/observability/logging"
	telemetry "halloffame/observability/otel"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for saled.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	Environment   string            `yaml:"environment"`
	PauseOnStart  bool              `yaml:"pause"`
	WaitTimeout   Duration          `yaml:"wait_timeout"`
	Coordinator   string            `yaml:"coordinator"`
	LedgerPath    string            `yaml:"ledger_path"`
	Sale          SaleConfig        `yaml:"sale"`
	Params        ParamsConfig      `yaml:"params"`
	Balances      map[string]string `yaml:"balances"`
	Mint          MintConfig        `yaml:"mint"`
	Receipts      ReceiptsConfig    `yaml:"receipts"`
	Auth          AuthConfig        `yaml:"auth"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Webhook       WebhookConfig     `yaml:"webhook"`
	Logging       LoggingConfig     `yaml:"logging"`
	Telemetry     telemetry.Config  `yaml:"telemetry"`

	// RequirePrepaidGas rejects purchases without an explicit gas budget.
	RequirePrepaidGas bool `yaml:"require_prepaid_gas"`
}

// SaleConfig seeds the ledger the first time it is opened.
type SaleConfig struct {
	Owner            string   `yaml:"owner"`
	Operators        []string `yaml:"operators"`
	Treasury         string   `yaml:"treasury"`
	TokenService     string   `yaml:"token_service"`
	Price            string   `yaml:"price"`
	PrivateSaleStart uint64   `yaml:"private_sale_timestamp"`
	OpenSaleStart    uint64   `yaml:"open_sale_timestamp"`
	SignerPK         string   `yaml:"signer_pk"`
}

// ParamsConfig overrides coordinator parameters. Unset fields keep defaults.
type ParamsConfig struct {
	ServiceCostPerUnit  string  `yaml:"service_cost_per_unit"`
	AccountCreationCost string  `yaml:"account_creation_cost"`
	OpenPhaseCap        *uint32 `yaml:"open_phase_cap"`
	GasPerUnit          uint64  `yaml:"gas_per_unit"`
	GasReconcile        uint64  `yaml:"gas_reconcile"`
	GasPurchase         uint64  `yaml:"gas_purchase"`
	SerializeBuyers     *bool   `yaml:"serialize_buyers"`
}

// MintConfig selects the Token Service. With no endpoint the reference
// registry runs in process.
type MintConfig struct {
	Endpoint     string          `yaml:"endpoint"`
	APIToken     string          `yaml:"api_token"`
	APITokenFile string          `yaml:"api_token_file"`
	APITokenEnv  string          `yaml:"api_token_env"`
	Timeout      Duration        `yaml:"timeout"`
	MaxAttempts  int             `yaml:"max_attempts"`
	Local        LocalMintConfig `yaml:"local"`
}

// LocalMintConfig configures the in-process reference registry.
type LocalMintConfig struct {
	Path      string   `yaml:"path"`
	MaxSupply uint64   `yaml:"max_supply"`
	Partial   bool     `yaml:"partial"`
	Delay     Duration `yaml:"delay"`
}

// ReceiptsConfig selects the settlement journal database.
type ReceiptsConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// AuthConfig configures bearer JWT validation.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds purchase submissions per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// WebhookConfig forwards settlement events to an HTTP endpoint.
type WebhookConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	Secret      string   `yaml:"secret"`
	SecretFile  string   `yaml:"secret_file"`
	SecretEnv   string   `yaml:"secret_env"`
	Topics      []string `yaml:"topics"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string              `yaml:"level"`
	File  *logging.FileConfig `yaml:"file"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Finalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Finalize applies defaults, resolves secret indirections and validates.
func (c *Config) Finalize() error {
	applyDefaults(c)
	var err error
	if c.Auth.HMACSecret, err = resolveSecret("auth hmac_secret", c.Auth.HMACSecret, c.Auth.HMACSecretEnv, c.Auth.HMACSecretFile); err != nil {
		return err
	}
	if c.Mint.APIToken, err = resolveSecret("mint api_token", c.Mint.APIToken, c.Mint.APITokenEnv, c.Mint.APITokenFile); err != nil {
		return err
	}
	if c.Webhook.Secret, err = resolveSecret("webhook secret", c.Webhook.Secret, c.Webhook.SecretEnv, c.Webhook.SecretFile); err != nil {
		return err
	}
	if c.Receipts.DSN, err = resolveSecret("receipts dsn", c.Receipts.DSN, c.Receipts.DSNEnv, ""); err != nil {
		return err
	}
	return validateConfig(*c)
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.WaitTimeout.Duration == 0 {
		cfg.WaitTimeout.Duration = 30 * time.Second
	}
	if strings.TrimSpace(cfg.Coordinator) == "" {
		cfg.Coordinator = "sale"
	}
	if cfg.Mint.Timeout.Duration == 0 {
		cfg.Mint.Timeout.Duration = 10 * time.Second
	}
	if cfg.Mint.MaxAttempts <= 0 {
		cfg.Mint.MaxAttempts = 4
	}
	if cfg.Mint.Local.MaxSupply == 0 {
		cfg.Mint.Local.MaxSupply = 1000
	}
	if cfg.Receipts.Driver == "" {
		cfg.Receipts.Driver = "sqlite"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 30
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Balances == nil {
		cfg.Balances = map[string]string{}
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "saled"
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = cfg.Environment
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Sale.Owner) == "" {
		return fmt.Errorf("sale owner must be configured")
	}
	if strings.TrimSpace(cfg.Sale.Treasury) == "" {
		return fmt.Errorf("sale treasury must be configured")
	}
	if strings.TrimSpace(cfg.Sale.TokenService) == "" {
		return fmt.Errorf("sale token_service must be configured")
	}
	if cfg.Sale.Price != "" {
		if _, err := sale.ParseAmount(cfg.Sale.Price); err != nil {
			return fmt.Errorf("sale price: %w", err)
		}
	}
	for _, amount := range []struct{ name, value string }{
		{"params service_cost_per_unit", cfg.Params.ServiceCostPerUnit},
		{"params account_creation_cost", cfg.Params.AccountCreationCost},
	} {
		if amount.value == "" {
			continue
		}
		if _, err := sale.ParseAmount(amount.value); err != nil {
			return fmt.Errorf("%s: %w", amount.name, err)
		}
	}
	for account, balance := range cfg.Balances {
		if _, err := sale.ParseAmount(balance); err != nil {
			return fmt.Errorf("balance for %s: %w", account, err)
		}
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac_secret must be configured")
	}
	switch strings.ToLower(cfg.Receipts.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported receipts driver %q", cfg.Receipts.Driver)
	}
	if cfg.Webhook.Endpoint != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret must be configured with an endpoint")
	}
	return nil
}

// SaleParams converts the overrides into coordinator parameters.
func (c Config) SaleParams() (sale.Params, error) {
	params := sale.DefaultParams()
	if c.Params.ServiceCostPerUnit != "" {
		v, err := sale.ParseAmount(c.Params.ServiceCostPerUnit)
		if err != nil {
			return params, err
		}
		params.ServiceCostPerUnit = v
	}
	if c.Params.AccountCreationCost != "" {
		v, err := sale.ParseAmount(c.Params.AccountCreationCost)
		if err != nil {
			return params, err
		}
		params.AccountCreationCost = v
	}
	if c.Params.OpenPhaseCap != nil {
		params.OpenPhaseCap = *c.Params.OpenPhaseCap
	}
	if c.Params.GasPerUnit != 0 {
		params.GasPerUnit = c.Params.GasPerUnit
	}
	if c.Params.GasReconcile != 0 {
		params.GasReconcile = c.Params.GasReconcile
	}
	if c.Params.GasPurchase != 0 {
		params.GasPurchase = c.Params.GasPurchase
	}
	if c.Params.SerializeBuyers != nil {
		params.SerializeBuyers = *c.Params.SerializeBuyers
	}
	return params, nil
}

// InitialSale builds the seed configuration for a fresh ledger.
func (c Config) InitialSale() (*sale.Config, error) {
	cfg := &sale.Config{
		Owner:            strings.TrimSpace(c.Sale.Owner),
		Treasury:         strings.TrimSpace(c.Sale.Treasury),
		TokenService:     strings.TrimSpace(c.Sale.TokenService),
		PrivateSaleStart: c.Sale.PrivateSaleStart,
		OpenSaleStart:    c.Sale.OpenSaleStart,
	}
	if c.Sale.Price != "" {
		price, err := sale.ParseAmount(c.Sale.Price)
		if err != nil {
			return nil, err
		}
		cfg.Price = price
	}
	if pk := strings.TrimSpace(c.Sale.SignerPK); pk != "" {
		cfg.SignerPK = &pk
	}
	return cfg, nil
}

func resolveSecret(name, value, envName, path string) (string, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, nil
	}
	envName = strings.TrimSpace(envName)
	path = strings.TrimSpace(path)
	switch {
	case envName != "":
		resolved := strings.TrimSpace(os.Getenv(envName))
		if resolved == "" {
			return "", fmt.Errorf("%s env %s is empty", name, envName)
		}
		return resolved, nil
	case path != "":
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}
