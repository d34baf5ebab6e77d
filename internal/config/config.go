package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/crosswire-dev/crosswire/internal/logging"
)

// HealthScoreConfig tunes the hybrid strategy's health scoring.
type HealthScoreConfig struct {
	Initial          float64 `json:"initial"`
	SuccessReward    float64 `json:"successReward"`
	RateLimitPenalty float64 `json:"rateLimitPenalty"`
	FailurePenalty   float64 `json:"failurePenalty"`
	RecoveryPerHour  float64 `json:"recoveryPerHour"`
	MinUsable        float64 `json:"minUsable"`
	MaxScore         float64 `json:"maxScore"`
}

// TokenBucketConfig tunes the hybrid strategy's per-account token bucket.
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute"`
	InitialTokens   float64 `json:"initialTokens"`
}

// QuotaConfig tunes quota-derived scoring.
type QuotaConfig struct {
	LowThreshold      float64 `json:"lowThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`
	StaleMs           int64   `json:"staleMs"`
	UnknownScore      float64 `json:"unknownScore"`
}

// AccountSelectionConfig selects and tunes the pool strategy.
type AccountSelectionConfig struct {
	Strategy    string             `json:"strategy"`
	HealthScore *HealthScoreConfig `json:"healthScore,omitempty"`
	TokenBucket *TokenBucketConfig `json:"tokenBucket,omitempty"`
	Quota       *QuotaConfig       `json:"quota,omitempty"`
}

// Config is the runtime configuration, loaded from
// ~/.config/crosswire/config.json with environment overrides.
type Config struct {
	mu sync.RWMutex

	APIKey string `json:"apiKey"`

	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"`
	LogLevel string `json:"logLevel"`

	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	PersistTokenCache bool `json:"persistTokenCache"`

	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	MaxAccounts          int     `json:"maxAccounts"`
	GlobalQuotaThreshold float64 `json:"globalQuotaThreshold"`

	RateLimitDedupWindowMs int64 `json:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `json:"extendedCooldownMs"`
	MaxCapacityRetries     int   `json:"maxCapacityRetries"`

	// ModelMapping aliases requested model ids before validation.
	ModelMapping map[string]string `json:"modelMapping"`

	AccountSelection AccountSelectionConfig `json:"accountSelection"`

	// Redis is optional: shared signature cache and usage stats.
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`
	RedisEnabled  bool   `json:"redisEnabled"`

	Port int    `json:"port"`
	Host string `json:"host"`

	FallbackEnabled bool `json:"fallbackEnabled"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:               "info",
		MaxRetries:             MaxRetries,
		RetryBaseMs:            1000,
		RetryMaxMs:             30000,
		DefaultCooldownMs:      DefaultCooldownMs,
		MaxWaitBeforeErrorMs:   MaxWaitBeforeErrorMs,
		MaxAccounts:            MaxAccounts,
		RateLimitDedupWindowMs: RateLimitDedupWindowMs,
		MaxConsecutiveFailures: MaxConsecutiveFailures,
		ExtendedCooldownMs:     ExtendedCooldownMs,
		MaxCapacityRetries:     MaxCapacityRetries,
		ModelMapping:           make(map[string]string),
		AccountSelection: AccountSelectionConfig{
			Strategy: DefaultSelectionStrategy,
			HealthScore: &HealthScoreConfig{
				Initial:          70,
				SuccessReward:    1,
				RateLimitPenalty: -10,
				FailurePenalty:   -20,
				RecoveryPerHour:  2,
				MinUsable:        50,
				MaxScore:         100,
			},
			TokenBucket: &TokenBucketConfig{
				MaxTokens:       50,
				TokensPerMinute: 6,
				InitialTokens:   50,
			},
			Quota: &QuotaConfig{
				LowThreshold:      0.10,
				CriticalThreshold: 0.05,
				StaleMs:           300000,
			},
		},
		RedisAddr: "localhost:6379",
		Port:      DefaultPort,
		Host:      "0.0.0.0",
	}
}

var (
	configDir  string
	configFile string
)

func init() {
	configDir = filepath.Join(homeDir(), ".config", "crosswire")
	configFile = filepath.Join(configDir, "config.json")
}

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.Load()
	})
	return globalConfig
}

// Load reads the config file and applies environment overrides.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		logging.Warn("Failed to create config directory: %v", err)
	}

	path := configFile
	if _, err := os.Stat(path); err != nil {
		// Fall back to a config.json next to the binary.
		path = filepath.Join(".", "config.json")
	}
	if _, err := os.Stat(path); err == nil {
		if err := c.loadFromFile(path); err != nil {
			logging.Warn("Failed to load config from %s: %v", path, err)
		}
	}

	c.loadFromEnv()
	c.clampKnobs()

	if c.Debug && !c.DevMode {
		c.DevMode = true
	}
	logging.SetDebug(c.Debug || c.DevMode)

	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Unmarshal over defaults so missing fields keep their default values.
	loaded := DefaultConfig()
	if err := json.Unmarshal(data, loaded); err != nil {
		return err
	}

	c.copyFrom(loaded)
	return nil
}

func (c *Config) copyFrom(src *Config) {
	c.APIKey = src.APIKey
	c.Debug = src.Debug
	c.DevMode = src.DevMode
	c.LogLevel = src.LogLevel
	c.MaxRetries = src.MaxRetries
	c.RetryBaseMs = src.RetryBaseMs
	c.RetryMaxMs = src.RetryMaxMs
	c.PersistTokenCache = src.PersistTokenCache
	c.DefaultCooldownMs = src.DefaultCooldownMs
	c.MaxWaitBeforeErrorMs = src.MaxWaitBeforeErrorMs
	c.MaxAccounts = src.MaxAccounts
	c.GlobalQuotaThreshold = src.GlobalQuotaThreshold
	c.RateLimitDedupWindowMs = src.RateLimitDedupWindowMs
	c.MaxConsecutiveFailures = src.MaxConsecutiveFailures
	c.ExtendedCooldownMs = src.ExtendedCooldownMs
	c.MaxCapacityRetries = src.MaxCapacityRetries
	c.ModelMapping = src.ModelMapping
	c.AccountSelection = src.AccountSelection
	c.RedisAddr = src.RedisAddr
	c.RedisPassword = src.RedisPassword
	c.RedisDB = src.RedisDB
	c.RedisEnabled = src.RedisEnabled
	c.Port = src.Port
	c.Host = src.Host
	c.FallbackEnabled = src.FallbackEnabled
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
		c.RedisEnabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
}

// clampKnobs keeps operator knobs inside their supported ranges.
func (c *Config) clampKnobs() {
	c.MaxRetries = clampInt(c.MaxRetries, 0, 20)
	c.DefaultCooldownMs = clampInt64(c.DefaultCooldownMs, 0, 10*60*1000)
	c.MaxWaitBeforeErrorMs = clampInt64(c.MaxWaitBeforeErrorMs, 60*1000, 30*60*1000)
	c.MaxAccounts = clampInt(c.MaxAccounts, 1, 100)
	c.RateLimitDedupWindowMs = clampInt64(c.RateLimitDedupWindowMs, 1000, 30*1000)
	c.MaxConsecutiveFailures = clampInt(c.MaxConsecutiveFailures, 1, 10)
	c.ExtendedCooldownMs = clampInt64(c.ExtendedCooldownMs, 10*1000, 5*60*1000)

	valid := false
	for _, s := range SelectionStrategies {
		if c.AccountSelection.Strategy == s {
			valid = true
			break
		}
	}
	if !valid {
		c.AccountSelection.Strategy = DefaultSelectionStrategy
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Save writes the configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configFile, data, 0o644)
}

// Public returns a copy with secrets redacted, for diagnostic endpoints.
func (c *Config) Public() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"apiKey":                 redact(c.APIKey),
		"debug":                  c.Debug,
		"devMode":                c.DevMode,
		"logLevel":               c.LogLevel,
		"maxRetries":             c.MaxRetries,
		"defaultCooldownMs":      c.DefaultCooldownMs,
		"maxWaitBeforeErrorMs":   c.MaxWaitBeforeErrorMs,
		"maxAccounts":            c.MaxAccounts,
		"globalQuotaThreshold":   c.GlobalQuotaThreshold,
		"rateLimitDedupWindowMs": c.RateLimitDedupWindowMs,
		"maxConsecutiveFailures": c.MaxConsecutiveFailures,
		"extendedCooldownMs":     c.ExtendedCooldownMs,
		"maxCapacityRetries":     c.MaxCapacityRetries,
		"modelMapping":           c.ModelMapping,
		"accountSelection":       c.AccountSelection,
		"redisAddr":              c.RedisAddr,
		"redisPassword":          redact(c.RedisPassword),
		"redisEnabled":           c.RedisEnabled,
		"port":                   c.Port,
		"host":                   c.Host,
		"fallbackEnabled":        c.FallbackEnabled,
	}
}

// Strategy returns the configured selection strategy.
func (c *Config) Strategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccountSelection.Strategy
}

// SetStrategy overrides the selection strategy at runtime.
func (c *Config) SetStrategy(strategy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AccountSelection.Strategy = strategy
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
