// Package tier holds the static membership tier configuration. Tiers are
// loaded once at startup; their fingerprint (Hash) keys the validity of every
// cached artifact derived from them.
package tier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is one configured on-chain membership contract.
type Tier struct {
	ID              string `yaml:"id" json:"id"`
	ContractAddress string `yaml:"contractAddress" json:"contractAddress"`
	// Order ranks tiers; higher wins when an address holds several.
	Order       int  `yaml:"order" json:"order"`
	Renewable   bool `yaml:"renewable" json:"renewable"`
	NeverExpires bool `yaml:"neverExpires" json:"neverExpires"`
}

// Config is the full tier configuration.
type Config struct {
	Tiers []Tier `yaml:"tiers"`
}

// Load reads and validates the tier configuration from a YAML file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse tiers file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("tiers file defines no tiers")
	}
	seen := make(map[string]bool, len(c.Tiers))
	for _, t := range c.Tiers {
		if t.ID == "" {
			return fmt.Errorf("tier with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tier id %q", t.ID)
		}
		seen[t.ID] = true
		if !strings.HasPrefix(t.ContractAddress, "0x") || len(t.ContractAddress) != 42 {
			return fmt.Errorf("tier %q: invalid contract address %q", t.ID, t.ContractAddress)
		}
	}
	return nil
}

func (c *Config) normalize() {
	for i := range c.Tiers {
		c.Tiers[i].ContractAddress = strings.ToLower(c.Tiers[i].ContractAddress)
	}
	sort.Slice(c.Tiers, func(i, j int) bool { return c.Tiers[i].Order > c.Tiers[j].Order })
}

// ByID returns the tier with the given id, or nil.
func (c *Config) ByID(id string) *Tier {
	for i := range c.Tiers {
		if c.Tiers[i].ID == id {
			return &c.Tiers[i]
		}
	}
	return nil
}

// Hash returns a stable fingerprint of the tier configuration. Cache entries
// computed under a different fingerprint are never served.
func (c *Config) Hash() string {
	lines := make([]string, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		lines = append(lines, fmt.Sprintf("%s|%s|%d|%t|%t",
			t.ID, strings.ToLower(t.ContractAddress), t.Order, t.Renewable, t.NeverExpires))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:8])
}

// Less ranks tier a above tier b for "highest tier" selection: higher Order
// wins; ties break toward the later expiry supplied by the caller.
func Less(a, b Tier, aExpiry, bExpiry int64) bool {
	if a.Order != b.Order {
		return a.Order > b.Order
	}
	return aExpiry > bExpiry
}
