// Package config loads the dispatch subsystem configuration from a YAML
// file, a .env file, and environment variable overrides, applying
// platform defaults for anything unset.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch subsystem.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	AWS        AWSConfig        `yaml:"aws"`
	Snowflake  SnowflakeConfig  `yaml:"snowflake"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	JIT        JITConfig        `yaml:"jit"`
	RateCaps   RateCapConfig    `yaml:"rate_caps"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reply      ReplyConfig      `yaml:"reply"`
	Pattern    PatternConfig    `yaml:"pattern"`
	Cache      CacheConfig      `yaml:"cache"`
	TestMode   TestModeConfig   `yaml:"test_mode"`
	Providers  ProvidersConfig  `yaml:"providers"`
}

// ServerConfig holds HTTP server settings for webhook ingress and the
// operator surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for the rate ledger, cache,
// batch counters, and distributed locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AWSConfig holds shared AWS settings for SES, DynamoDB, S3 and Bedrock.
type AWSConfig struct {
	Region        string `yaml:"region"`
	Profile       string `yaml:"profile"` // empty uses default credential chain (IAM role)
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	PatternTable  string `yaml:"pattern_table"`
	ArchiveBucket string `yaml:"archive_bucket"`
	BedrockModel  string `yaml:"bedrock_model"`
}

// SnowflakeConfig holds the lead sourcing warehouse connection.
type SnowflakeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
	Table     string `yaml:"table"`
}

// EnrichmentConfig holds the waterfall tuning knobs.
type EnrichmentConfig struct {
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`   // acceptance gate
	PremiumBudgetPercent float64 `yaml:"premium_budget_percent"` // premium tier batch cap
	PerLeadTimeoutSecs   int     `yaml:"per_lead_timeout_secs"`
	TierTimeoutSecs      int     `yaml:"tier_timeout_secs"`
	StaleAfterDays       int     `yaml:"stale_after_days"`
}

// PerLeadTimeout returns the total wall-clock bound for one lead.
func (c EnrichmentConfig) PerLeadTimeout() time.Duration {
	return time.Duration(c.PerLeadTimeoutSecs) * time.Second
}

// TierTimeout returns the per-tier timeout.
func (c EnrichmentConfig) TierTimeout() time.Duration {
	return time.Duration(c.TierTimeoutSecs) * time.Second
}

// ScoringConfig holds the ALS tier boundaries and channel gates.
type ScoringConfig struct {
	HotThreshold  int `yaml:"hot_threshold"`
	WarmThreshold int `yaml:"warm_threshold"`
	VoiceMinALS   int `yaml:"voice_min_als"`
	MailMinALS    int `yaml:"mail_min_als"`
}

// JITConfig holds the pre-send gate cooldowns and warmup window.
type JITConfig struct {
	MinTouchGapDays     int `yaml:"min_touch_gap_days"`
	ChannelCooldownDays int `yaml:"channel_cooldown_days"`
	EmailWarmupDays     int `yaml:"email_warmup_days"`
}

// RateCapConfig holds the default per-resource daily caps. Caps on the
// resource row override these.
type RateCapConfig struct {
	EmailDomain  int `yaml:"daily_cap_email_domain"`
	SMSNumber    int `yaml:"daily_cap_sms_number"`
	VoiceNumber  int `yaml:"daily_cap_voice_number"`
	LinkedInSeat int `yaml:"daily_cap_linkedin_seat"`
	MailSender   int `yaml:"daily_cap_mail_sender"`
}

// SchedulerConfig holds the outreach scheduler run parameters.
type SchedulerConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	BatchSize       int `yaml:"batch_size"`
	MaxParallel     int `yaml:"max_parallel"`
	WindowStartHour int `yaml:"window_start_hour"`
	WindowEndHour   int `yaml:"window_end_hour"`
}

// Interval returns the scheduler tick interval as a duration.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// ReplyConfig holds reply router settings.
type ReplyConfig struct {
	SDKLifetimeCapUSD   float64 `yaml:"sdk_lifetime_cap_usd"`
	RecoveryIntervalMin int     `yaml:"recovery_interval_min"`
	PushMaxFailures     int     `yaml:"push_max_failures"`
}

// PatternConfig holds detector eligibility gating.
type PatternConfig struct {
	MinSample      int     `yaml:"min_sample"`
	MinConversions int     `yaml:"min_conversions"`
	MinConfidence  float64 `yaml:"min_confidence"`
}

// CacheConfig holds the versioned cache settings.
type CacheConfig struct {
	VersionPrefix       string `yaml:"version_prefix"`
	EnrichmentTTLDays   int    `yaml:"enrichment_ttl_days"`
	SuppressionTTLHours int    `yaml:"suppression_ttl_hours"`
}

// TestModeConfig redirects driver addresses to fixed operator endpoints
// and caps daily volume. Global toggle.
type TestModeConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RedirectEmail   string `yaml:"redirect_email"`
	RedirectPhone   string `yaml:"redirect_phone"`
	DailyEmailLimit int    `yaml:"daily_email_limit"`
}

// ProvidersConfig holds external enrichment/channel provider endpoints.
type ProvidersConfig struct {
	PrimaryURL       string `yaml:"primary_url"`
	PrimaryAPIKey    string `yaml:"primary_api_key"`
	SupplementURL    string `yaml:"supplement_url"`
	SupplementKey    string `yaml:"supplement_api_key"`
	PremiumURL       string `yaml:"premium_url"`
	PremiumAPIKey    string `yaml:"premium_api_key"`
	NewsFeedURL      string `yaml:"news_feed_url"`
	SMSProviderURL   string `yaml:"sms_provider_url"`
	SMSAPIKey        string `yaml:"sms_api_key"`
	DNCRLookupURL    string `yaml:"dncr_lookup_url"`
	VoiceURL         string `yaml:"voice_url"`
	VoiceAPIKey      string `yaml:"voice_api_key"`
	LinkedInURL      string `yaml:"linkedin_url"`
	LinkedInClient   string `yaml:"linkedin_client_id"`
	LinkedInSecret   string `yaml:"linkedin_client_secret"`
	LinkedInTokenURL string `yaml:"linkedin_token_url"`
	MailURL          string `yaml:"mail_url"`
	MailAPIKey       string `yaml:"mail_api_key"`
}

// Load reads and parses the configuration file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the config file, then overlays .env and environment
// variables. Env values win over file values.
func LoadFromEnv(path string) (*Config, error) {
	godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("SNOWFLAKE_ACCOUNT"); v != "" {
		cfg.Snowflake.Account = v
		cfg.Snowflake.Enabled = true
	}
	if v := os.Getenv("SNOWFLAKE_USER"); v != "" {
		cfg.Snowflake.User = v
	}
	if v := os.Getenv("SNOWFLAKE_PASSWORD"); v != "" {
		cfg.Snowflake.Password = v
	}
	if v := os.Getenv("PRIMARY_PROVIDER_API_KEY"); v != "" {
		cfg.Providers.PrimaryAPIKey = v
	}
	if v := os.Getenv("SUPPLEMENT_PROVIDER_API_KEY"); v != "" {
		cfg.Providers.SupplementKey = v
	}
	if v := os.Getenv("PREMIUM_PROVIDER_API_KEY"); v != "" {
		cfg.Providers.PremiumAPIKey = v
	}
	if v := os.Getenv("TEST_MODE"); v != "" {
		cfg.TestMode.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CACHE_VERSION_PREFIX"); v != "" {
		cfg.Cache.VersionPrefix = v
	}
	if v := os.Getenv("SCHEDULER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.BatchSize = n
		}
	}
	if v := os.Getenv("SCHEDULER_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.MaxParallel = n
		}
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}
	if c.AWS.PatternTable == "" {
		c.AWS.PatternTable = "dispatch-patterns"
	}
	if c.AWS.BedrockModel == "" {
		c.AWS.BedrockModel = "anthropic.claude-3-haiku-20240307-v1:0"
	}

	if c.Enrichment.ConfidenceThreshold == 0 {
		c.Enrichment.ConfidenceThreshold = 0.70
	}
	if c.Enrichment.PremiumBudgetPercent == 0 {
		c.Enrichment.PremiumBudgetPercent = 0.15
	}
	if c.Enrichment.PerLeadTimeoutSecs == 0 {
		c.Enrichment.PerLeadTimeoutSecs = 60
	}
	if c.Enrichment.TierTimeoutSecs == 0 {
		c.Enrichment.TierTimeoutSecs = 15
	}
	if c.Enrichment.StaleAfterDays == 0 {
		c.Enrichment.StaleAfterDays = 90
	}

	if c.Scoring.HotThreshold == 0 {
		c.Scoring.HotThreshold = 85
	}
	if c.Scoring.WarmThreshold == 0 {
		c.Scoring.WarmThreshold = 60
	}
	if c.Scoring.VoiceMinALS == 0 {
		c.Scoring.VoiceMinALS = 70
	}
	if c.Scoring.MailMinALS == 0 {
		c.Scoring.MailMinALS = 85
	}

	if c.JIT.MinTouchGapDays == 0 {
		c.JIT.MinTouchGapDays = 2
	}
	if c.JIT.ChannelCooldownDays == 0 {
		c.JIT.ChannelCooldownDays = 5
	}
	if c.JIT.EmailWarmupDays == 0 {
		c.JIT.EmailWarmupDays = 14
	}

	if c.RateCaps.EmailDomain == 0 {
		c.RateCaps.EmailDomain = 50
	}
	if c.RateCaps.SMSNumber == 0 {
		c.RateCaps.SMSNumber = 100
	}
	if c.RateCaps.VoiceNumber == 0 {
		c.RateCaps.VoiceNumber = 50
	}
	if c.RateCaps.LinkedInSeat == 0 {
		c.RateCaps.LinkedInSeat = 17
	}
	if c.RateCaps.MailSender == 0 {
		c.RateCaps.MailSender = 1000
	}

	if c.Scheduler.IntervalMinutes == 0 {
		c.Scheduler.IntervalMinutes = 60
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 50
	}
	if c.Scheduler.MaxParallel == 0 {
		c.Scheduler.MaxParallel = 10
	}
	if c.Scheduler.WindowStartHour == 0 {
		c.Scheduler.WindowStartHour = 8
	}
	if c.Scheduler.WindowEndHour == 0 {
		c.Scheduler.WindowEndHour = 18
	}

	if c.Reply.SDKLifetimeCapUSD == 0 {
		c.Reply.SDKLifetimeCapUSD = 0.50
	}
	if c.Reply.RecoveryIntervalMin == 0 {
		c.Reply.RecoveryIntervalMin = 30
	}
	if c.Reply.PushMaxFailures == 0 {
		c.Reply.PushMaxFailures = 5
	}

	if c.Pattern.MinSample == 0 {
		c.Pattern.MinSample = 30
	}
	if c.Pattern.MinConversions == 0 {
		c.Pattern.MinConversions = 20
	}
	if c.Pattern.MinConfidence == 0 {
		c.Pattern.MinConfidence = 0.70
	}

	if c.Cache.VersionPrefix == "" {
		c.Cache.VersionPrefix = "v1"
	}
	if c.Cache.EnrichmentTTLDays == 0 {
		c.Cache.EnrichmentTTLDays = 90
	}
	if c.Cache.SuppressionTTLHours == 0 {
		c.Cache.SuppressionTTLHours = 24
	}

	if c.TestMode.DailyEmailLimit == 0 {
		c.TestMode.DailyEmailLimit = 15
	}
}

// DailyCap returns the configured default cap for a resource type string
// as stored on resource rows ("email_domain", "phone_number",
// "linkedin_seat", "mail_sender"). Voice sends against a phone number use
// the voice figure via the ledger key, not this lookup.
func (c RateCapConfig) DailyCap(resourceType string) int {
	switch resourceType {
	case "phone_number":
		return c.SMSNumber
	case "linkedin_seat":
		return c.LinkedInSeat
	case "mail_sender":
		return c.MailSender
	default:
		return c.EmailDomain
	}
}
