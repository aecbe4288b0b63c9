package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"freelanco/internal/domain"
)

// Config models freelanco.yml.
type Config struct {
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Tiers      TiersConfig      `yaml:"tiers"`
	Reputation ReputationConfig `yaml:"reputation"`
	Grants     struct {
		Policy string `yaml:"policy"`
	} `yaml:"grants"`
	Addresses AddressesConfig `yaml:"addresses"`
	Compute   ComputeConfig   `yaml:"compute"`
	LLM       LLMConfig       `yaml:"llm"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
	NATS      struct {
		URL           string `yaml:"url,omitempty"`
		SubjectPrefix string `yaml:"subject_prefix,omitempty"`
	} `yaml:"nats"`
}

// ProtocolConfig holds the governance and issuance constants.
type ProtocolConfig struct {
	MintFee          string `yaml:"mint_fee"`
	VotingDelay      int64  `yaml:"voting_delay"`
	VotingPeriod     int64  `yaml:"voting_period"`
	TimelockDelay    int64  `yaml:"timelock_delay"`
	QuorumPercentage int64  `yaml:"quorum_percentage"`
	BlockTimeSeconds int64  `yaml:"block_time_seconds"`
}

// TiersConfig maps a random word to a credential tier. Chances are
// cumulative upper bounds over [0,100).
type TiersConfig struct {
	Chances []int64 `yaml:"chances"`
	Weights []int64 `yaml:"weights"`
}

type ReputationConfig struct {
	DisputeReward  int64 `yaml:"dispute_reward"`
	DisputePenalty int64 `yaml:"dispute_penalty"`
	GrantReward    int64 `yaml:"grant_reward"`
	MaxDelta       int64 `yaml:"max_delta"`
	StrictDebit    bool  `yaml:"strict_debit"`
}

// AddressesConfig names the well-known ledger accounts.
type AddressesConfig struct {
	Escrow         string `yaml:"escrow"`
	Treasury       string `yaml:"treasury"`
	Issuer         string `yaml:"issuer"`
	Governor       string `yaml:"governor"`
	Timelock       string `yaml:"timelock"`
	Reputation     string `yaml:"reputation"`
	Guardian       string `yaml:"guardian"`
	VRFCoordinator string `yaml:"vrf_coordinator"`
	OracleVoter    string `yaml:"oracle_voter"`
}

type SubscriptionConfig struct {
	ID        uint64   `yaml:"id"`
	Consumers []string `yaml:"consumers"`
}

type ComputeConfig struct {
	VoteWeight            int64                `yaml:"vote_weight"`
	MaxGasLimit           uint32               `yaml:"max_gas_limit"`
	RequestTimeoutSeconds int64                `yaml:"request_timeout_seconds"`
	DONPublicKey          string               `yaml:"don_public_key,omitempty"`
	DONPrivateKey         string               `yaml:"don_private_key,omitempty"`
	Transmitters          []string             `yaml:"transmitters"`
	Subscriptions         []SubscriptionConfig `yaml:"subscriptions"`
	Source                string               `yaml:"source"`
}

type LLMConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// MintFee returns the parsed mint fee in wei.
func (c *Config) MintFee() *big.Int {
	v, err := domain.ParseAmount(c.Protocol.MintFee)
	if err != nil {
		return new(big.Int)
	}
	return v
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with freelanco config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := domain.ParseAmount(c.Protocol.MintFee); err != nil {
		return fmt.Errorf("config.protocol.mint_fee: %w", err)
	}
	if c.Protocol.VotingDelay < 0 {
		return fmt.Errorf("config.protocol.voting_delay must be >= 0")
	}
	if c.Protocol.VotingPeriod <= 0 {
		return fmt.Errorf("config.protocol.voting_period must be > 0")
	}
	if c.Protocol.TimelockDelay < 0 {
		return fmt.Errorf("config.protocol.timelock_delay must be >= 0")
	}
	if c.Protocol.QuorumPercentage < 0 || c.Protocol.QuorumPercentage > 100 {
		return fmt.Errorf("config.protocol.quorum_percentage must be within 0..100")
	}
	if len(c.Tiers.Chances) == 0 || len(c.Tiers.Chances) != len(c.Tiers.Weights) {
		return fmt.Errorf("config.tiers.chances and config.tiers.weights must be non-empty and the same length")
	}
	var prev int64
	for i, ch := range c.Tiers.Chances {
		if ch <= prev {
			return fmt.Errorf("config.tiers.chances must be strictly increasing (index %d)", i)
		}
		prev = ch
	}
	if prev != 100 {
		return fmt.Errorf("config.tiers.chances must end at 100")
	}
	if c.Reputation.MaxDelta <= 0 {
		return fmt.Errorf("config.reputation.max_delta must be > 0")
	}
	for _, d := range []int64{c.Reputation.DisputeReward, c.Reputation.DisputePenalty, c.Reputation.GrantReward} {
		if d < 0 || d > c.Reputation.MaxDelta {
			return fmt.Errorf("config.reputation deltas must be within 0..max_delta")
		}
	}
	a := c.Addresses
	named := map[string]string{
		"escrow":          a.Escrow,
		"treasury":        a.Treasury,
		"issuer":          a.Issuer,
		"governor":        a.Governor,
		"timelock":        a.Timelock,
		"reputation":      a.Reputation,
		"vrf_coordinator": a.VRFCoordinator,
		"oracle_voter":    a.OracleVoter,
	}
	seen := map[string]string{}
	for key, addr := range named {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("config.addresses.%s is required", key)
		}
		if other, ok := seen[addr]; ok {
			return fmt.Errorf("config.addresses.%s duplicates %s", key, other)
		}
		seen[addr] = key
	}
	if c.Compute.VoteWeight <= 0 {
		return fmt.Errorf("config.compute.vote_weight must be > 0")
	}
	if c.Compute.MaxGasLimit == 0 {
		return fmt.Errorf("config.compute.max_gas_limit must be > 0")
	}
	if strings.TrimSpace(c.Compute.Source) == "" {
		return fmt.Errorf("config.compute.source is required")
	}
	for _, key := range []struct{ name, value string }{
		{"don_public_key", c.Compute.DONPublicKey},
		{"don_private_key", c.Compute.DONPrivateKey},
	} {
		if key.value == "" {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(key.value, "0x"))
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("config.compute.%s must be 32 hex-encoded bytes", key.name)
		}
	}
	for i, sub := range c.Compute.Subscriptions {
		if sub.ID == 0 {
			return fmt.Errorf("config.compute.subscriptions[%d].id is required", i)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	if c.Grants.Policy == "" {
		return fmt.Errorf("config.grants.policy is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "freelanco.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
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

// ToYAML renders the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `protocol:
  # Fee to request an eligibility credential.
  mint_fee: 0.01eth
  # Blocks between proposal creation and the start of voting.
  voting_delay: 1
  # Blocks voting stays open.
  voting_period: 5
  # Seconds between queue and execute.
  timelock_delay: 3600
  # Share of total credential weight that must vote for or abstain.
  quorum_percentage: 4
  block_time_seconds: 12

tiers:
  # Random word mod 100 below 10 is tier 0, below 30 tier 1, otherwise tier 2.
  chances: [10, 30, 100]
  weights: [3, 2, 1]

reputation:
  dispute_reward: 10
  dispute_penalty: 10
  grant_reward: 5
  max_delta: 100
  strict_debit: false

grants:
  policy: "credentials > 0 || reputation >= 10"

addresses:
  escrow: freelanco.escrow
  treasury: freelanco.treasury
  issuer: freelanco.issuer
  governor: freelanco.governor
  timelock: freelanco.timelock
  reputation: freelanco.reputation
  guardian: freelanco.guardian
  vrf_coordinator: vrf.coordinator
  oracle_voter: oracle.ai

compute:
  vote_weight: 1
  max_gas_limit: 300000
  request_timeout_seconds: 300
  # Program the oracle node runs for requests that name no source. The
  # built-in node classifies the dispute transcript in args[0] with the LLM.
  source: classify-dispute/v1
  transmitters: [oracle.transmitter]
  subscriptions:
    - id: 1
      consumers: [freelanco.governor]

llm:
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  api_key_env: OPENAI_API_KEY
  timeout_seconds: 30

nats:
  subject_prefix: freelanco
`
