// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
)

// Backend preferences.
const (
	BackendAuto  = "auto"
	BackendRich  = "rich"
	BackendBasic = "basic"
)

// Grant types understood by the CRM token endpoint.
const (
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	CORSOrigins []string
	LogLevel    slog.Level

	Storage    StorageConfig
	Transcript TranscriptConfig

	SessionIdleTTL  time.Duration
	ContextMessages int
	ChatRPS         float64
	ChatBurst       int

	Analysis AnalysisConfig
	CRM      CRMConfig
}

// StorageConfig selects where conversations and plans are kept.
type StorageConfig struct {
	Backend    string
	DBPath     string
	HistoryDir string
	PlansDir   string
}

// TranscriptConfig controls the NDJSON transcript of pushed events.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// AnalysisConfig configures the analysis capability and background runs.
type AnalysisConfig struct {
	Timeout           time.Duration
	CapabilityTimeout time.Duration
	CapabilityRetries int
	GRPCAddr          string
	OpenAIKey         string
	OpenAIBaseURL     string
	OpenAIModel       string
	RPS               float64
	SpecialistsFile   string
	Backend           string
}

// CRMConfig configures the CRM metadata connector.
type CRMConfig struct {
	ClientID      string
	ClientSecret  string
	InstanceURL   string
	Username      string
	Password      string
	SecurityToken string
	Domain        string
	AuthURL       string
	APIVersion    string
	Timeout       time.Duration
	RetryAttempts int
	RPS           float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Storage: StorageConfig{
			Backend:    strings.ToLower(getEnv("STORAGE_BACKEND", StorageSQLite)),
			DBPath:     getEnv("DB_PATH", "./data/reqplan.db"),
			HistoryDir: getEnv("CONVERSATION_HISTORY_DIR", "./data/conversation_history"),
			PlansDir:   getEnv("PLANS_DIR", "./data/implementation_plans"),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_DIR", "./data/logs/transcripts"),
			QueueSize: getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000),
		},
		SessionIdleTTL:  getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
		ContextMessages: getEnvInt("CONTEXT_MESSAGES", 20),
		ChatRPS:         getEnvFloat("CHAT_RPS", 2),
		ChatBurst:       getEnvInt("CHAT_BURST", 5),
		Analysis: AnalysisConfig{
			Timeout:           getEnvDuration("ANALYSIS_TIMEOUT", 300*time.Second),
			CapabilityTimeout: getEnvDuration("CAPABILITY_TIMEOUT", 120*time.Second),
			CapabilityRetries: getEnvInt("CAPABILITY_RETRIES", 2),
			GRPCAddr:          getEnv("CAPABILITY_GRPC_ADDR", ""),
			OpenAIKey:         getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4"),
			RPS:               getEnvFloat("CAPABILITY_RPS", 1),
			SpecialistsFile:   getEnv("SPECIALISTS_FILE", ""),
			Backend:           strings.ToLower(getEnv("BACKEND", BackendAuto)),
		},
		CRM: CRMConfig{
			ClientID:      getEnv("CRM_CLIENT_ID", ""),
			ClientSecret:  getEnv("CRM_CLIENT_SECRET", ""),
			InstanceURL:   strings.TrimRight(getEnv("CRM_INSTANCE_URL", ""), "/"),
			Username:      getEnv("CRM_USERNAME", ""),
			Password:      getEnv("CRM_PASSWORD", ""),
			SecurityToken: getEnv("CRM_SECURITY_TOKEN", ""),
			Domain:        strings.ToLower(getEnv("CRM_DOMAIN", "login")),
			AuthURL:       strings.TrimRight(getEnv("CRM_AUTH_URL", ""), "/"),
			APIVersion:    getEnv("CRM_API_VERSION", "v59.0"),
			Timeout:       getEnvDuration("CRM_TIMEOUT", 30*time.Second),
			RetryAttempts: getEnvInt("CRM_RETRY_ATTEMPTS", 3),
			RPS:           getEnvFloat("CRM_RPS", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	switch c.Storage.Backend {
	case StorageSQLite:
		if c.Storage.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH cannot be empty"))
		}
	case StorageFile:
		if c.Storage.HistoryDir == "" || c.Storage.PlansDir == "" {
			errs = append(errs, errors.New("CONVERSATION_HISTORY_DIR and PLANS_DIR cannot be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be %q or %q", StorageSQLite, StorageFile))
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		errs = append(errs, errors.New("TRANSCRIPT_DIR cannot be empty"))
	}
	if c.Transcript.QueueSize <= 0 {
		errs = append(errs, errors.New("TRANSCRIPT_QUEUE_SIZE must be > 0"))
	}
	if c.ContextMessages <= 0 {
		errs = append(errs, errors.New("CONTEXT_MESSAGES must be > 0"))
	}
	if c.SessionIdleTTL <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TTL must be > 0"))
	}
	if c.ChatRPS <= 0 || c.ChatBurst <= 0 {
		errs = append(errs, errors.New("CHAT_RPS and CHAT_BURST must be > 0"))
	}
	if c.Analysis.Timeout <= 0 || c.Analysis.CapabilityTimeout <= 0 {
		errs = append(errs, errors.New("ANALYSIS_TIMEOUT and CAPABILITY_TIMEOUT must be > 0"))
	}
	if c.Analysis.CapabilityRetries < 0 {
		errs = append(errs, errors.New("CAPABILITY_RETRIES must be >= 0"))
	}
	if c.Analysis.RPS <= 0 {
		errs = append(errs, errors.New("CAPABILITY_RPS must be > 0"))
	}
	switch c.Analysis.Backend {
	case BackendAuto, BackendRich, BackendBasic:
	default:
		errs = append(errs, fmt.Errorf("BACKEND must be one of auto, rich, basic; got %q", c.Analysis.Backend))
	}
	if c.CRM.Timeout <= 0 {
		errs = append(errs, errors.New("CRM_TIMEOUT must be > 0"))
	}
	if c.CRM.RetryAttempts <= 0 {
		errs = append(errs, errors.New("CRM_RETRY_ATTEMPTS must be > 0"))
	}
	if c.CRM.RPS <= 0 {
		errs = append(errs, errors.New("CRM_RPS must be > 0"))
	}
	if c.CRM.Domain != "login" && c.CRM.Domain != "test" {
		errs = append(errs, fmt.Errorf("CRM_DOMAIN must be login or test; got %q", c.CRM.Domain))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// CapabilityConfigured reports whether any analysis capability is reachable.
func (c *Config) CapabilityConfigured() bool {
	return c.Analysis.GRPCAddr != "" || c.Analysis.OpenAIKey != ""
}

// AuthGrant returns the CRM grant type the configured credentials allow,
// preferring client credentials, or "" when neither is viable.
func (c *CRMConfig) AuthGrant() string {
	if c.ClientID == "" || c.ClientSecret == "" {
		return ""
	}
	if c.InstanceURL != "" {
		return GrantClientCredentials
	}
	if c.Username != "" && c.Password != "" {
		return GrantPassword
	}
	return ""
}

// CRMConfigured reports whether the connector can authenticate.
func (c *Config) CRMConfigured() bool {
	return c.CRM.AuthGrant() != ""
}

// TokenURL returns the OAuth token endpoint for the configured domain.
func (c *CRMConfig) TokenURL() string {
	base := c.AuthURL
	if base == "" {
		base = "https://login.salesforce.com"
		if c.Domain == "test" {
			base = "https://test.salesforce.com"
		}
	}
	return base + "/services/oauth2/token"
}

// Problems lists configuration gaps that disable features without
// preventing startup.
func (c *Config) Problems() []string {
	var out []string
	if !c.CapabilityConfigured() {
		out = append(out, "no analysis capability configured: set CAPABILITY_GRPC_ADDR or OPENAI_API_KEY")
	}
	if !c.CRMConfigured() {
		out = append(out, "CRM connector not configured: set CRM_CLIENT_ID, CRM_CLIENT_SECRET and CRM_INSTANCE_URL or CRM_USERNAME/CRM_PASSWORD")
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return lvl
}
