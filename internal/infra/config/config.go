package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"subdispatch/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Transport    TransportConfig    `yaml:"transport"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Capabilities []CapabilityConfig `yaml:"capabilities"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Sink         SinkConfig         `yaml:"sink"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// DispatchConfig holds the default resource limits applied to every dispatch.
// Zero or negative values disable the corresponding limit.
type DispatchConfig struct {
	MaxTotalCostUSD   string        `yaml:"max_total_cost_usd"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	MaxTotalAgents    int           `yaml:"max_total_agents"`
	MaxAgentDuration  time.Duration `yaml:"max_agent_duration"`
	MaxTotalDuration  time.Duration `yaml:"max_total_duration"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxFailureRate    float64       `yaml:"max_failure_rate"`
	MinSuccessCount   int           `yaml:"min_success_count"`
	MaxDispatchDepth  int           `yaml:"max_dispatch_depth"`
}

// TransportConfig holds settings for calls to remote agents.
type TransportConfig struct {
	DefaultTimeout   time.Duration        `yaml:"default_timeout"`
	ConnTimeout      time.Duration        `yaml:"conn_timeout"`
	MaxResponseBytes int64                `yaml:"max_response_bytes"`
	Retry            RetryConfig          `yaml:"retry"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit        RateLimitConfig      `yaml:"rate_limit"`
	Pool             PoolConfig           `yaml:"pool"`

	// BlockPrivateEndpoints refuses connections to private and reserved addresses.
	BlockPrivateEndpoints bool `yaml:"block_private_endpoints"`
}

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction"`
	RetryTimeouts  bool          `yaml:"retry_timeouts"`
}

// CircuitBreakerConfig holds per-endpoint circuit breaker settings.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig is the per-endpoint token bucket shared by all dispatches.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// IdempotencyConfig selects the result cache backend.
type IdempotencyConfig struct {
	Backend       string        `yaml:"backend"` // "memory" or "sqlite"
	Path          string        `yaml:"path"`
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CapabilityConfig describes one remote agent in the static catalog.
type CapabilityConfig struct {
	Name            string            `yaml:"name"`
	Version         string            `yaml:"version"`
	Endpoint        string            `yaml:"endpoint"`
	Transport       string            `yaml:"transport"`
	CostEstimate    string            `yaml:"cost_estimate"`
	LatencyEstimate time.Duration     `yaml:"latency_estimate"`
	Streaming       bool              `yaml:"streaming"`
	InputSchema     string            `yaml:"input_schema,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	Output         string   `yaml:"output"`
	RedactPatterns []string `yaml:"redact_patterns,omitempty"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"service_name"`
}

// SinkConfig controls the JSONL event sink.
type SinkConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	// Retention trims the file on startup. Zero values keep everything.
	MaxAge  time.Duration `yaml:"max_age"`
	MaxSize string        `yaml:"max_size"` // e.g. "100MB"
}

// defaultDataDir returns the persistent data directory under $HOME/.subdispatch/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".subdispatch", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	limits := domain.DefaultLimits()
	return &Config{
		Dispatch: DispatchConfig{
			MaxTotalCostUSD:   limits.MaxTotalCostUSD.String(),
			MaxConcurrent:     limits.MaxConcurrent,
			MaxTotalAgents:    limits.MaxTotalAgents,
			MaxAgentDuration:  limits.MaxAgentDuration,
			MaxTotalDuration:  limits.MaxTotalDuration,
			RequestsPerSecond: limits.RequestsPerSecond,
			MaxFailureRate:    limits.MaxFailureRate,
			MinSuccessCount:   limits.MinSuccessCount,
			MaxDispatchDepth:  limits.MaxDispatchDepth,
		},
		Transport: TransportConfig{
			DefaultTimeout:   5 * time.Minute,
			ConnTimeout:      10 * time.Second,
			MaxResponseBytes: 10 << 20,
			Retry: RetryConfig{
				MaxAttempts:    3,
				BaseDelay:      250 * time.Millisecond,
				MaxDelay:       5 * time.Second,
				Multiplier:     2,
				JitterFraction: 0.25,
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			RateLimit: RateLimitConfig{RequestsPerSecond: 10},
			Pool: PoolConfig{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     0,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Backend:       "memory",
			Path:          filepath.Join(dataDir, "results.db"),
			TTL:           time.Hour,
			MaxEntries:    10000,
			SweepInterval: time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			ServiceName: "subdispatch",
		},
		Sink: SinkConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "events.jsonl"),
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, fmt.Sprintf("parse config: %v", err))
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		mainCaps := cfg.Capabilities
		cfg.Capabilities = nil
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		fromIncludes := cfg.Capabilities

		// Second pass: the main file takes precedence over includes.
		cfg.Capabilities = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, fmt.Sprintf("parse config (second pass): %v", err))
		}
		cfg.Capabilities = mergeCapabilities(fromIncludes, mainCaps)
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SUBDISPATCH_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeCapabilities returns base with every entry of override replacing the
// same-named entry or appended after it.
func mergeCapabilities(base, override []CapabilityConfig) []CapabilityConfig {
	out := append([]CapabilityConfig(nil), base...)
	pos := make(map[string]int, len(out))
	for i, c := range out {
		pos[c.Name] = i
	}
	for _, c := range override {
		if i, ok := pos[c.Name]; ok {
			out[i] = c
			continue
		}
		pos[c.Name] = len(out)
		out = append(out, c)
	}
	return out
}

// ApplyEnvOverrides maps SUBDISPATCH_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUBDISPATCH_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SUBDISPATCH_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SUBDISPATCH_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SUBDISPATCH_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	// Dispatch limit overrides.
	if v := os.Getenv("SUBDISPATCH_DISPATCH_MAX_TOTAL_COST_USD"); v != "" {
		cfg.Dispatch.MaxTotalCostUSD = v
	}
	if v := os.Getenv("SUBDISPATCH_DISPATCH_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.MaxConcurrent = n
		}
	}
	if v := os.Getenv("SUBDISPATCH_DISPATCH_MAX_TOTAL_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.MaxTotalAgents = n
		}
	}
	if v := os.Getenv("SUBDISPATCH_DISPATCH_MAX_TOTAL_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatch.MaxTotalDuration = d
		}
	}
	if v := os.Getenv("SUBDISPATCH_DISPATCH_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Dispatch.RequestsPerSecond = f
		}
	}

	// Transport overrides.
	if v := os.Getenv("SUBDISPATCH_TRANSPORT_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Transport.DefaultTimeout = d
		}
	}
	if v := os.Getenv("SUBDISPATCH_TRANSPORT_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Transport.Retry.MaxAttempts = n
		}
	}

	// Idempotency overrides.
	if v := os.Getenv("SUBDISPATCH_IDEMPOTENCY_BACKEND"); v != "" {
		cfg.Idempotency.Backend = v
	}
	if v := os.Getenv("SUBDISPATCH_IDEMPOTENCY_PATH"); v != "" {
		cfg.Idempotency.Path = v
	}
	if v := os.Getenv("SUBDISPATCH_IDEMPOTENCY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Idempotency.TTL = d
		}
	}

	if v := os.Getenv("SUBDISPATCH_SINK_ENABLED"); v == "true" {
		cfg.Sink.Enabled = true
	}
	if v := os.Getenv("SUBDISPATCH_SINK_PATH"); v != "" {
		cfg.Sink.Path = v
	}
}

// Limits converts the dispatch section into resource limits.
func (d DispatchConfig) Limits() (domain.DispatchResourceLimits, error) {
	cost := decimal.Zero
	if s := strings.TrimSpace(d.MaxTotalCostUSD); s != "" {
		var err error
		if cost, err = decimal.NewFromString(s); err != nil {
			return domain.DispatchResourceLimits{}, fmt.Errorf("max_total_cost_usd: %w", err)
		}
	}
	return domain.DispatchResourceLimits{
		MaxTotalCostUSD:   cost,
		MaxConcurrent:     d.MaxConcurrent,
		MaxTotalAgents:    d.MaxTotalAgents,
		MaxAgentDuration:  d.MaxAgentDuration,
		MaxTotalDuration:  d.MaxTotalDuration,
		RequestsPerSecond: d.RequestsPerSecond,
		MaxFailureRate:    d.MaxFailureRate,
		MinSuccessCount:   d.MinSuccessCount,
		MaxDispatchDepth:  d.MaxDispatchDepth,
	}, nil
}

// Capability converts one catalog entry into its domain form.
func (c CapabilityConfig) Capability() (domain.AgentCapability, error) {
	cost := decimal.Zero
	if s := strings.TrimSpace(c.CostEstimate); s != "" {
		var err error
		if cost, err = decimal.NewFromString(s); err != nil {
			return domain.AgentCapability{}, fmt.Errorf("capability %s cost_estimate: %w", c.Name, err)
		}
	}
	kind := domain.TransportKind(strings.ToLower(c.Transport))
	if kind == "" {
		kind = domain.TransportHTTP
	}
	var schema json.RawMessage
	if s := strings.TrimSpace(c.InputSchema); s != "" {
		schema = json.RawMessage(s)
	}
	return domain.AgentCapability{
		Name:            c.Name,
		Version:         c.Version,
		Endpoint:        c.Endpoint,
		Transport:       kind,
		CostEstimate:    cost,
		LatencyEstimate: c.LatencyEstimate,
		Streaming:       c.Streaming,
		InputSchema:     schema,
		Headers:         c.Headers,
	}, nil
}

// Catalog builds the static capability catalog.
func (cfg *Config) Catalog() (domain.StaticCatalog, error) {
	catalog := make(domain.StaticCatalog, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		capability, err := c.Capability()
		if err != nil {
			return nil, err
		}
		catalog[c.Name] = capability
	}
	return catalog, nil
}

// decryptSecrets finds "enc:..." values in capability headers and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Capabilities {
		c := &cfg.Capabilities[i]
		for name, value := range c.Headers {
			if !strings.HasPrefix(value, "enc:") {
				continue
			}
			decrypted, err := DecryptValue(strings.TrimPrefix(value, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("capability %s header %s: %w", c.Name, name, err)
			}
			c.Headers[name] = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// GeneratePassphrase returns a random hex passphrase suitable for SUBDISPATCH_CONFIG_KEY.
func GeneratePassphrase() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate passphrase: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
