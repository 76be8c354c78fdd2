package types

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Duration is a time.Duration that unmarshals from human-readable strings
// ("500ms", "1m30s") in YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// AgentConfig configures the auto-pay agent. Exactly one wallet key source
// must be set; it is resolved into a canonical keypair at construction.
type AgentConfig struct {
	// Base URL of the aggregator API.
	APIBaseURL string `json:"api_base_url" yaml:"api_base_url" validate:"required,url"`

	// Solana RPC endpoint used for transaction building.
	RPCURL string `json:"rpc_url" yaml:"rpc_url"`

	// Wallet key material, one of:
	WalletSecretKey string `json:"wallet_secret_key,omitempty" yaml:"wallet_secret_key"` // base58 string
	WalletKeyBytes  []byte `json:"-" yaml:"-"`                                           // raw 64-byte secret
	WalletKeyArray  []int  `json:"wallet_key_array,omitempty" yaml:"wallet_key_array"`   // JSON-style number array
	WalletPath      string `json:"wallet_path,omitempty" yaml:"wallet_path"`             // solana-keygen file

	// Optional expected address; construction fails on mismatch.
	WalletAddress string `json:"wallet_address,omitempty" yaml:"wallet_address"`

	// Input mint sold when a swap is needed. Defaults to native SOL.
	PreferredInputMint string `json:"preferred_input_mint,omitempty" yaml:"preferred_input_mint"`

	// AutoSwap enables swapping into the demanded asset when the balance is
	// short. Defaults to true.
	AutoSwap *bool `json:"auto_swap,omitempty" yaml:"auto_swap"`

	// Hard ceiling on a single payment, atomic units. Empty means no limit.
	MaxPayment string `json:"max_payment,omitempty" yaml:"max_payment"`

	// Optional webhook notified after each submission.
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url" validate:"omitempty,url"`

	MaxRetries     int      `json:"max_retries,omitempty" yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryBaseDelay Duration `json:"retry_base_delay,omitempty" yaml:"retry_base_delay"`
	HTTPTimeout    Duration `json:"http_timeout,omitempty" yaml:"http_timeout"`

	ConfirmTimeout Duration `json:"confirm_timeout,omitempty" yaml:"confirm_timeout"`
	PollInterval   Duration `json:"poll_interval,omitempty" yaml:"poll_interval"`

	SlippageBps int `json:"slippage_bps,omitempty" yaml:"slippage_bps" validate:"gte=0,lte=10000"`

	LogLevel string `json:"log_level,omitempty" yaml:"log_level"`
}

// Config defaults.
const (
	DefaultRPCURL         = "https://api.mainnet-beta.solana.com"
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 1 * time.Second
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultSlippageBps    = 50
)

// ApplyDefaults fills unset fields with operational defaults.
func (c *AgentConfig) ApplyDefaults() {
	if c.RPCURL == "" {
		c.RPCURL = DefaultRPCURL
	}
	if c.PreferredInputMint == "" {
		c.PreferredInputMint = NativeMint
	}
	if c.AutoSwap == nil {
		on := true
		c.AutoSwap = &on
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = Duration(DefaultRetryBaseDelay)
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = Duration(DefaultHTTPTimeout)
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = Duration(DefaultConfirmTimeout)
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.SlippageBps == 0 {
		c.SlippageBps = DefaultSlippageBps
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks required fields and cross-field constraints that struct
// tags cannot express.
func (c *AgentConfig) Validate() error {
	if c.APIBaseURL == "" {
		return Errorf(ErrConfig, "api_base_url is required")
	}
	if err := validate.Struct(c); err != nil {
		return Errorf(ErrConfig, "invalid config: %v", err)
	}
	if c.WalletSecretKey == "" && len(c.WalletKeyBytes) == 0 &&
		len(c.WalletKeyArray) == 0 && c.WalletPath == "" {
		return Errorf(ErrConfig, "wallet key material is required: set one of wallet_secret_key, wallet_key_array, wallet_path or raw bytes")
	}
	if c.MaxPayment != "" {
		if _, err := ParseAmount(c.MaxPayment); err != nil {
			return Errorf(ErrConfig, "invalid max_payment: %v", err)
		}
	}
	return nil
}

// LoadConfig parses an AgentConfig from a YAML file and applies defaults.
func LoadConfig(path string) (*AgentConfig, error) {
	if path == "" {
		return nil, Errorf(ErrConfig, "config path is empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, Errorf(ErrConfig, "failed to parse config: %v", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
