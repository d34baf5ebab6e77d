// Package config holds the protocol constants and runtime configuration of
// the proxy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version is the proxy version reported on startup and /health.
const Version = "0.4.0"

// Cloud Code endpoint mirrors, tried in order per attempt.
const (
	EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// EndpointMirrors is the generateContent fallback order (daily first).
var EndpointMirrors = []string{EndpointDaily, EndpointProd}

// LoadCodeAssistEndpoints is the order for loadCodeAssist. Prod first: fresh
// accounts are often not yet provisioned on the daily mirror.
var LoadCodeAssistEndpoints = []string{EndpointProd, EndpointDaily}

// OnboardUserEndpoints mirrors the generateContent order.
var OnboardUserEndpoints = EndpointMirrors

// DefaultProjectID is used when project discovery yields nothing.
const DefaultProjectID = "rising-fact-p41fc"

// ServiceHeaders returns the fixed identity headers required by the upstream.
func ServiceHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        platformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   clientMetadata(),
	}
}

func platformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

func clientMetadata() string {
	data, _ := json.Marshal(map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	})
	return string(data)
}

// Timing constants.
const (
	// TokenCacheTTLMs is the bearer-token cache TTL.
	TokenCacheTTLMs = 5 * 60 * 1000
	// RequestBodyLimit caps inbound request bodies.
	RequestBodyLimit int64 = 50 * 1024 * 1024
	// DefaultPort is the default listen port.
	DefaultPort = 8080
)

// File locations under the user config directory.
var (
	// AccountConfigPath is where the account pool is persisted.
	AccountConfigPath = filepath.Join(homeDir(), ".config", "crosswire", "accounts.json")
	// HostIDEDBPath is the host IDE state database scraped for tokens.
	HostIDEDBPath = hostIDEDBPath()
)

// Rate limit and retry constants.
const (
	DefaultCooldownMs       = 10 * 1000
	MaxRetries              = 5
	MaxEmptyResponseRetries = 2
	MaxAccounts             = 10
	MaxWaitBeforeErrorMs    = 120000
	RateLimitDedupWindowMs  = 2000
	RateLimitStateResetMs   = 120000
	SwitchAccountDelayMs    = 5000
	MaxConsecutiveFailures  = 3
	ExtendedCooldownMs      = 60000
	MaxCapacityRetries      = 5
	MinBackoffMs            = 2000
	CapacityJitterMaxMs     = 10000
)

// CapacityBackoffTiersMs is the progressive backoff for capacity errors.
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaExhaustedBackoffTiersMs is the progressive backoff for QUOTA_EXHAUSTED.
var QuotaExhaustedBackoffTiersMs = []int64{60000, 300000, 1800000, 7200000}

// BackoffByErrorType maps upstream error categories to a flat backoff.
var BackoffByErrorType = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30000,
	"MODEL_CAPACITY_EXHAUSTED": 15000,
	"SERVER_ERROR":             20000,
	"UNKNOWN":                  60000,
}

// MinSignatureLength is the shortest thought signature worth caching.
// Shorter values are sentinels, not real signatures.
const MinSignatureLength = 50

// Account selection strategies.
var SelectionStrategies = []string{"sticky", "round-robin", "hybrid"}

// DefaultSelectionStrategy is used when the config names none.
const DefaultSelectionStrategy = "hybrid"

// StrategyLabels are display labels for the strategies.
var StrategyLabels = map[string]string{
	"sticky":      "Sticky (Cache Optimized)",
	"round-robin": "Round Robin (Load Balanced)",
	"hybrid":      "Hybrid (Smart Distribution)",
}

// Model handling limits.
const (
	GeminiMaxOutputTokens     = 16384
	GeminiThinkingBudget      = 16000
	GeminiSkipSignature       = "skip_thought_signature_validator"
	SignatureCacheTTLMs       = 2 * 60 * 60 * 1000
	ModelValidationCacheTTLMs = 5 * 60 * 1000
)

// InterleavedThinkingBeta is sent for Claude thinking models.
const InterleavedThinkingBeta = "interleaved-thinking-2025-05-14"

// OAuthSettings is the Google OAuth client configuration.
type OAuthSettings struct {
	ClientID              string
	ClientSecret          string
	AuthURL               string
	TokenURL              string
	UserInfoURL           string
	CallbackPort          int
	CallbackFallbackPorts []int
	Scopes                []string
}

// OAuth is the OAuth client used for account login and refresh.
var OAuth = OAuthSettings{
	ClientID:              "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret:          "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",
	AuthURL:               "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:              "https://oauth2.googleapis.com/token",
	UserInfoURL:           "https://www.googleapis.com/oauth2/v1/userinfo",
	CallbackPort:          oauthCallbackPort(),
	CallbackFallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

// OAuthRedirectURI returns the local callback URL for the configured port.
func OAuthRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", OAuth.CallbackPort)
}

// SystemInstructionPrefix is the minimal system instruction the upstream
// expects ahead of any client-supplied system prompt.
const SystemInstructionPrefix = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// ModelFallbackMap maps a primary model to its cross-family fallback used
// when the primary's quota is exhausted and fallback mode is enabled.
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-5-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-5-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// ModelFamily tags a model as claude, gemini or unknown.
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily detects the family from the model name.
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether a model emits thinking output. Claude
// models need "thinking" in the name; Gemini models from version 3 onward
// always think.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") && strings.Contains(lower, "thinking") {
		return true
	}

	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionRe.FindStringSubmatch(lower); len(m) >= 2 {
			if version, err := strconv.Atoi(m[1]); err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

// GetFallbackModel returns the configured fallback for a model, if any.
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func hostIDEDBPath() string {
	home := homeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

func oauthCallbackPort() int {
	if portStr := os.Getenv("OAUTH_CALLBACK_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			return port
		}
	}
	return 51121
}
