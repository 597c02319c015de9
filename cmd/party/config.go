package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the party configuration.
// Values come from an optional YAML file; flags given on the command line
// take precedence over it.
type Config struct {
	// ConfigPath is the YAML file to load.
	ConfigPath string `yaml:"-"`

	// PartyID is this party's id in 1..PartyCount.
	PartyID int `yaml:"party_id"`

	// PartyCount is the size of the roster.
	PartyCount int `yaml:"party_count"`

	// Modulus is the ambient field modulus.
	Modulus int64 `yaml:"modulus"`

	// ProviderAddr is the provider's QUIC address.
	ProviderAddr string `yaml:"provider_addr"`

	// ProviderKey is the provider's hex ed25519 transport key, pinned on connect.
	ProviderKey string `yaml:"provider_key"`

	// ProviderBLSKey is the provider's hex BLS key; responses are unchecked if empty.
	ProviderBLSKey string `yaml:"provider_bls_key"`

	// KeySeed is the hex ed25519 seed of this party; a fresh key if empty.
	KeySeed string `yaml:"key_seed"`

	// JournalPath is the Pebble journal directory; no journal if empty.
	JournalPath string `yaml:"journal_path"`

	// StatusAddr is the HTTP status listen address; no server if empty.
	StatusAddr string `yaml:"status_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// AllowedLabels restricts the labels that may be requested; any if empty.
	AllowedLabels []string `yaml:"allowed_labels"`

	// Params are default parameters merged into every request.
	Params map[string]any `yaml:"params"`

	// CompressThreshold is the payload size from which envelopes are compressed.
	CompressThreshold int `yaml:"compress_threshold"`

	// TombstoneTTL is how long resolved identifiers are remembered.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`

	// Labels are requested in order, Count times each.
	Labels []string `yaml:"labels"`

	// Count is the number of requests per label.
	Count int `yaml:"count"`

	// Timeout bounds the wait for each response.
	Timeout time.Duration `yaml:"timeout"`

	// Serve keeps the party running after the batch until a signal arrives.
	Serve bool `yaml:"serve"`
}

// defaultConfig returns the configuration used when nothing is set.
func defaultConfig() *Config {
	return &Config{
		PartyID:    1,
		PartyCount: 3,
		Modulus:    16777729,
		LogLevel:   "info",
		Labels:     []string{"triplet"},
		Count:      1,
		Timeout:    30 * time.Second,
	}
}

// listFlag is a comma-separated string list.
type listFlag struct {
	values *[]string
}

func (l listFlag) String() string {
	if l.values == nil {
		return ""
	}

	return strings.Join(*l.values, ",")
}

func (l listFlag) Set(s string) error {
	*l.values = nil

	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l.values = append(*l.values, v)
		}
	}

	return nil
}

// parseFlags parses command-line arguments into Config, loading the YAML
// file named by -config underneath them.
func parseFlags(args []string) (*Config, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("party", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", "", "YAML config file")
	fs.IntVar(&cfg.PartyID, "id", cfg.PartyID, "Party id (1..parties)")
	fs.IntVar(&cfg.PartyCount, "parties", cfg.PartyCount, "Number of parties")
	fs.Int64Var(&cfg.Modulus, "zp", cfg.Modulus, "Field modulus")
	fs.StringVar(&cfg.ProviderAddr, "provider", "", "Provider QUIC address")
	fs.StringVar(&cfg.ProviderKey, "provider-key", "", "Provider ed25519 public key (hex)")
	fs.StringVar(&cfg.ProviderBLSKey, "provider-bls-key", "", "Provider BLS public key (hex)")
	fs.StringVar(&cfg.KeySeed, "key-seed", "", "Party ed25519 seed (hex, generates new if empty)")
	fs.StringVar(&cfg.JournalPath, "journal", "", "Journal directory")
	fs.StringVar(&cfg.StatusAddr, "status", "", "HTTP status address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Var(listFlag{&cfg.AllowedLabels}, "allow", "Comma-separated allowed labels")
	fs.Var(listFlag{&cfg.Labels}, "label", "Comma-separated labels to request")
	fs.IntVar(&cfg.Count, "count", cfg.Count, "Requests per label")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Wait per response")
	fs.BoolVar(&cfg.Serve, "serve", false, "Keep serving status after the batch")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ConfigPath != "" {
		explicit := make(map[string]string)
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

		if err := loadFile(cfg, cfg.ConfigPath); err != nil {
			return nil, err
		}

		for name, value := range explicit {
			if err := fs.Set(name, value); err != nil {
				return nil, fmt.Errorf("reapply -%s:\n%w", name, err)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile decodes the YAML file at path over cfg.
func loadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config:\n%w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config %s:\n%w", path, err)
	}

	return nil
}

// validate checks the combined configuration.
func (c *Config) validate() error {
	if c.PartyCount < 1 {
		return fmt.Errorf("parties must be positive, got %d", c.PartyCount)
	}

	if c.PartyID < 1 || c.PartyID > c.PartyCount {
		return fmt.Errorf("party id %d outside 1..%d", c.PartyID, c.PartyCount)
	}

	if c.Modulus < 2 {
		return fmt.Errorf("modulus must be at least 2, got %d", c.Modulus)
	}

	if c.ProviderAddr == "" || c.ProviderKey == "" {
		return fmt.Errorf("provider address and key are required")
	}

	if c.Count < 0 {
		return fmt.Errorf("count must not be negative, got %d", c.Count)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}

	return nil
}
