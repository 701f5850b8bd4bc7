// Package config loads service settings from a YAML file, DIGEST_*
// environment variables and the system keyring.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Martian-dev/inbox-digest/internal/auth"
	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/llm"
	"github.com/Martian-dev/inbox-digest/internal/notify"
	"github.com/Martian-dev/inbox-digest/internal/providers/imap"
	"github.com/Martian-dev/inbox-digest/internal/store"
	"github.com/Martian-dev/inbox-digest/internal/sync"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "digest.yaml"

// KeyringService is the keyring service secrets are stored under.
const KeyringService = "inbox-digest"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DIGEST"

// SecretKeys are resolved from the keyring when env and file leave them empty.
var SecretKeys = []string{
	"llm.api_key",
	"google.client_secret",
	"microsoft.client_secret",
	"smtp.password",
	"http.jwt_secret",
}

type Config struct {
	Store     StoreConfig    `mapstructure:"store"`
	LLM       LLMConfig      `mapstructure:"llm"`
	Google    OAuthConfig    `mapstructure:"google"`
	Microsoft OAuthConfig    `mapstructure:"microsoft"`
	IMAP      IMAPConfig     `mapstructure:"imap"`
	Pipeline  PipelineConfig `mapstructure:"pipeline"`
	NATS      NATSConfig     `mapstructure:"nats"`
	SMTP      SMTPConfig     `mapstructure:"smtp"`
	HTTP      HTTPConfig     `mapstructure:"http"`
	Log       LogConfig      `mapstructure:"log"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type LLMConfig struct {
	Backend string        `mapstructure:"backend"`
	Model   string        `mapstructure:"model"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
	// Tenant is only used by Microsoft.
	Tenant string `mapstructure:"tenant"`
}

type IMAPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	TLS  bool   `mapstructure:"tls"`
}

type PipelineConfig struct {
	MaxMessages       int           `mapstructure:"max_messages"`
	BatchSize         int           `mapstructure:"batch_size"`
	BatchParallelism  int           `mapstructure:"batch_parallelism"`
	Retention         time.Duration `mapstructure:"retention"`
	DefaultLookback   time.Duration `mapstructure:"default_lookback"`
	RelevanceMatch    string        `mapstructure:"relevance_match"`
	ClearOnNoRelevant bool          `mapstructure:"clear_on_no_relevant"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	CycleTimeout      time.Duration `mapstructure:"cycle_timeout"`
	SweepConcurrency  int           `mapstructure:"sweep_concurrency"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	TLS      bool   `mapstructure:"tls"`
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
	JWKSURL   string `mapstructure:"jwks_url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	opts := sync.DefaultOptions()

	v.SetDefault("store.driver", string(store.DriverModernc))
	v.SetDefault("store.path", "data/digest.db")

	v.SetDefault("llm.backend", string(llm.BackendOpenAI))
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout", 2*time.Minute)

	for _, p := range []string{"google", "microsoft"} {
		v.SetDefault(p+".client_id", "")
		v.SetDefault(p+".client_secret", "")
		v.SetDefault(p+".redirect_url", "")
	}
	v.SetDefault("google.tenant", "")
	v.SetDefault("microsoft.tenant", "common")

	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)

	v.SetDefault("pipeline.max_messages", opts.MaxMessages)
	v.SetDefault("pipeline.batch_size", opts.BatchSize)
	v.SetDefault("pipeline.batch_parallelism", opts.BatchParallelism)
	v.SetDefault("pipeline.retention", opts.Retention)
	v.SetDefault("pipeline.default_lookback", opts.DefaultLookback)
	v.SetDefault("pipeline.relevance_match", string(opts.RelevanceMatch))
	v.SetDefault("pipeline.clear_on_no_relevant", opts.ClearOnNoRelevant)
	v.SetDefault("pipeline.lease_ttl", opts.LeaseTTL)
	v.SetDefault("pipeline.cycle_timeout", opts.CycleTimeout)
	v.SetDefault("pipeline.sweep_concurrency", 4)

	v.SetDefault("nats.url", "")

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.tls", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.jwks_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored; existing variables are not overwritten.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path (optional), applies DIGEST_* overrides, then fills empty
// secrets from ring. ring may be nil.
func Load(path string, ring keyring.Keyring) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	if ring != nil {
		for _, key := range SecretKeys {
			if v.GetString(key) != "" {
				continue
			}
			item, err := ring.Get(key)
			if errors.Is(err, keyring.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("reading secret %s: %w", key, err)
			}
			v.Set(key, string(item.Data))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch store.Driver(c.Store.Driver) {
	case store.DriverModernc, store.DriverMattn:
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	switch llm.Backend(c.LLM.Backend) {
	case llm.BackendOpenAI, llm.BackendOllama:
	default:
		return fmt.Errorf("llm.backend: unknown backend %q", c.LLM.Backend)
	}
	switch digest.MatchMode(c.Pipeline.RelevanceMatch) {
	case digest.MatchSubject, digest.MatchSubjectSender:
	default:
		return fmt.Errorf("pipeline.relevance_match: unknown mode %q", c.Pipeline.RelevanceMatch)
	}
	if c.Pipeline.MaxMessages <= 0 || c.Pipeline.BatchSize <= 0 {
		return errors.New("pipeline.max_messages and pipeline.batch_size must be positive")
	}
	return nil
}

// OpenKeyring opens the OS keyring for the service.
func OpenKeyring(fileDir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: KeyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(KeyringService + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// SetSecret stores a secret under one of SecretKeys.
func SetSecret(ring keyring.Keyring, key, value string) error {
	known := false
	for _, k := range SecretKeys {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown secret %q", key)
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting secret %q: %w", key, err)
	}
	return nil
}

func (c *Config) PipelineOptions() sync.Options {
	p := c.Pipeline
	return sync.Options{
		MaxMessages:       p.MaxMessages,
		BatchSize:         p.BatchSize,
		BatchParallelism:  p.BatchParallelism,
		Retention:         p.Retention,
		DefaultLookback:   p.DefaultLookback,
		RelevanceMatch:    digest.ParseMatchMode(p.RelevanceMatch),
		ClearOnNoRelevant: p.ClearOnNoRelevant,
		LeaseTTL:          p.LeaseTTL,
		CycleTimeout:      p.CycleTimeout,
	}
}

func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		Backend: llm.Backend(c.LLM.Backend),
		Model:   c.LLM.Model,
		BaseURL: c.LLM.BaseURL,
		APIKey:  c.LLM.APIKey,
		Timeout: c.LLM.Timeout,
	}
}

func (c *Config) GoogleClient() auth.ClientConfig {
	return auth.ClientConfig{
		ClientID:     c.Google.ClientID,
		ClientSecret: c.Google.ClientSecret,
		RedirectURL:  c.Google.RedirectURL,
	}
}

func (c *Config) MicrosoftClient() auth.ClientConfig {
	return auth.ClientConfig{
		ClientID:     c.Microsoft.ClientID,
		ClientSecret: c.Microsoft.ClientSecret,
		RedirectURL:  c.Microsoft.RedirectURL,
		Tenant:       c.Microsoft.Tenant,
	}
}

func (c *Config) IMAPServer() imap.Config {
	return imap.Config{Host: c.IMAP.Host, Port: c.IMAP.Port, TLS: c.IMAP.TLS}
}

func (c *Config) Mail() notify.Config {
	s := c.SMTP
	return notify.Config{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		From:     s.From,
		TLS:      s.TLS,
	}
}
