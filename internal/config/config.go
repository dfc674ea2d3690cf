package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration. Values come from an optional
// cashup.yaml, overridden by CASHUP_* environment variables.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr      string
	APIKeyHashes  []string
	SnowflakeNode int64

	OTLPEndpoint   string
	OTLPProtocol   string
	MetricsEnabled bool
	TracingEnabled bool

	DB    DBConfig
	Redis RedisConfig

	Workflow  WorkflowConfig
	Matcher   MatcherConfig
	Extractor ExtractorConfig
	ERP       ERPConfig
	Notify    NotifyConfig
	Push      PushConfig
}

type DBConfig struct {
	Driver          string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	DSN             string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type WorkflowConfig struct {
	MaxConcurrentTransactions int
	Timeout                   time.Duration
	QueueDepth                int
	// StartWait bounds how long StartWorkflow blocks when the global
	// semaphore is saturated; zero returns Busy immediately.
	StartWait             time.Duration
	SuppressReadOnlyComms bool
}

type MatcherConfig struct {
	AmountTolerancePct         float64
	ShortWriteOffThreshold     string
	AutoApplyCeiling           string
	RequireCustomerMatch       bool
	AllowPartialAllocation     bool
	PerfectMatchOnly           bool
	EnableAutonomousERPUpdates bool
	ConfirmationOnMatch        bool
	DuplicateProbeWindow       time.Duration
}

type ExtractorConfig struct {
	TierPreference      string
	ConfidenceThreshold float64
	DocumentCacheTTL    time.Duration
	Layout              LayoutTierConfig
	Cloud               CloudTierConfig
}

type LayoutTierConfig struct {
	Endpoint string
	APIKey   string
	Model    string
}

type CloudTierConfig struct {
	ProjectID       string
	Location        string
	ProcessorID     string
	CredentialsFile string
}

type ERPConfig struct {
	MaxConnsPerSystem int
	Systems           []ERPSystemConfig
}

// ERPSystemConfig carries the credential block for one configured system.
// Kind selects the adapter; the remaining fields are adapter-specific.
type ERPSystemConfig struct {
	Name           string
	Kind           string
	BaseURL        string
	AccountID      string
	ConsumerKey    string
	ConsumerSecret string
	TokenID        string
	TokenSecret    string
	ClientCertFile string
	ClientKeyFile  string
	APIKey         string
	RealmID        string
}

type NotifyConfig struct {
	RatePerRecipient int
	MaxRetries       int
	TemplateDir      string
	ARTeamRecipient  string
	AttachAdvicePDF  bool
	SMTP             SMTPConfig
	SlackWebhookURL  string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// PushConfig drives the optional business-KPI exporter.
type PushConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// Load reads .env, an optional cashup.yaml and CASHUP_* variables.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("cashup")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cashup")
	v.SetEnvPrefix("CASHUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppVersion:  v.GetString("app.version"),
		Environment: v.GetString("environment"),

		HTTPAddr:      v.GetString("http.addr"),
		APIKeyHashes:  splitList(v.GetString("http.api_key_hashes")),
		SnowflakeNode: v.GetInt64("snowflake_node"),

		OTLPEndpoint:   v.GetString("otlp.endpoint"),
		OTLPProtocol:   strings.ToLower(v.GetString("otlp.protocol")),
		MetricsEnabled: v.GetBool("otlp.metrics_enabled"),
		TracingEnabled: v.GetBool("otlp.tracing_enabled"),

		DB: DBConfig{
			Driver:          v.GetString("db.driver"),
			Host:            v.GetString("db.host"),
			Port:            v.GetString("db.port"),
			Name:            v.GetString("db.name"),
			User:            v.GetString("db.user"),
			Password:        v.GetString("db.password"),
			SSLMode:         v.GetString("db.sslmode"),
			DSN:             v.GetString("db.dsn"),
			MaxIdleConn:     v.GetInt("db.max_idle_conn"),
			MaxOpenConn:     v.GetInt("db.max_open_conn"),
			ConnMaxLifetime: v.GetInt("db.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("db.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Workflow: WorkflowConfig{
			MaxConcurrentTransactions: v.GetInt("workflow.max_concurrent_transactions"),
			Timeout:                   v.GetDuration("workflow.timeout"),
			QueueDepth:                v.GetInt("workflow.queue_depth"),
			StartWait:                 v.GetDuration("workflow.start_wait"),
			SuppressReadOnlyComms:     v.GetBool("workflow.suppress_read_only_communications"),
		},
		Matcher: MatcherConfig{
			AmountTolerancePct:         v.GetFloat64("matcher.amount_tolerance_pct"),
			ShortWriteOffThreshold:     v.GetString("matcher.short_write_off_threshold"),
			AutoApplyCeiling:           v.GetString("matcher.auto_apply_ceiling"),
			RequireCustomerMatch:       v.GetBool("matcher.require_customer_match"),
			AllowPartialAllocation:     v.GetBool("matcher.allow_partial_allocation"),
			PerfectMatchOnly:           v.GetBool("matcher.perfect_match_only"),
			EnableAutonomousERPUpdates: v.GetBool("matcher.enable_autonomous_erp_updates"),
			ConfirmationOnMatch:        v.GetBool("matcher.confirmation_on_match"),
			DuplicateProbeWindow:       v.GetDuration("matcher.duplicate_probe_window"),
		},
		Extractor: ExtractorConfig{
			TierPreference:      strings.ToLower(v.GetString("extractor.tier_preference")),
			ConfidenceThreshold: v.GetFloat64("extractor.confidence_threshold"),
			DocumentCacheTTL:    v.GetDuration("extractor.document_cache_ttl"),
			Layout: LayoutTierConfig{
				Endpoint: v.GetString("extractor.layout.endpoint"),
				APIKey:   v.GetString("extractor.layout.api_key"),
				Model:    v.GetString("extractor.layout.model"),
			},
			Cloud: CloudTierConfig{
				ProjectID:       v.GetString("extractor.cloud.project_id"),
				Location:        v.GetString("extractor.cloud.location"),
				ProcessorID:     v.GetString("extractor.cloud.processor_id"),
				CredentialsFile: v.GetString("extractor.cloud.credentials_file"),
			},
		},
		ERP: ERPConfig{
			MaxConnsPerSystem: v.GetInt("erp.max_conns_per_system"),
			Systems:           loadERPSystems(v),
		},
		Notify: NotifyConfig{
			RatePerRecipient: v.GetInt("notify.rate_per_recipient"),
			MaxRetries:       v.GetInt("notify.max_retries"),
			TemplateDir:      v.GetString("notify.template_dir"),
			ARTeamRecipient:  v.GetString("notify.ar_team_recipient"),
			AttachAdvicePDF:  v.GetBool("notify.attach_advice_pdf"),
			SMTP: SMTPConfig{
				Host:     v.GetString("notify.smtp.host"),
				Port:     v.GetInt("notify.smtp.port"),
				Username: v.GetString("notify.smtp.username"),
				Password: v.GetString("notify.smtp.password"),
				From:     v.GetString("notify.smtp.from"),
			},
			SlackWebhookURL: v.GetString("notify.slack_webhook_url"),
		},
		Push: PushConfig{
			Enabled:   v.GetBool("push.enabled"),
			Exporter:  strings.ToLower(v.GetString("push.exporter")),
			Endpoint:  v.GetString("push.endpoint"),
			AuthToken: v.GetString("push.auth_token"),
			Interval:  v.GetDuration("push.interval"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cashup")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("environment", "development")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("snowflake_node", 1)

	v.SetDefault("otlp.endpoint", "localhost:4317")
	v.SetDefault("otlp.protocol", "grpc")
	v.SetDefault("otlp.metrics_enabled", false)
	v.SetDefault("otlp.tracing_enabled", false)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "cashup")
	v.SetDefault("db.user", "cashup")
	v.SetDefault("db.password", "")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_idle_conn", 5)
	v.SetDefault("db.max_open_conn", 25)
	v.SetDefault("db.conn_max_lifetime", 300)
	v.SetDefault("db.conn_max_idle_time", 60)

	v.SetDefault("workflow.max_concurrent_transactions", 10)
	v.SetDefault("workflow.timeout", 10*time.Minute)
	v.SetDefault("workflow.queue_depth", 256)
	v.SetDefault("workflow.start_wait", 2*time.Second)
	v.SetDefault("workflow.suppress_read_only_communications", false)

	v.SetDefault("matcher.amount_tolerance_pct", 0.0)
	v.SetDefault("matcher.short_write_off_threshold", "0.00")
	v.SetDefault("matcher.auto_apply_ceiling", "")
	v.SetDefault("matcher.require_customer_match", false)
	v.SetDefault("matcher.allow_partial_allocation", true)
	v.SetDefault("matcher.perfect_match_only", false)
	v.SetDefault("matcher.enable_autonomous_erp_updates", true)
	v.SetDefault("matcher.confirmation_on_match", false)
	v.SetDefault("matcher.duplicate_probe_window", 72*time.Hour)

	v.SetDefault("extractor.tier_preference", "auto")
	v.SetDefault("extractor.confidence_threshold", 0.85)
	v.SetDefault("extractor.document_cache_ttl", 10*time.Minute)
	v.SetDefault("extractor.layout.model", "layout-extractor-v1")

	v.SetDefault("erp.max_conns_per_system", 8)
	v.SetDefault("erp.systems", "sandbox")

	v.SetDefault("notify.rate_per_recipient", 10)
	v.SetDefault("notify.max_retries", 3)
	v.SetDefault("notify.ar_team_recipient", "ar-team@localhost")
	v.SetDefault("notify.attach_advice_pdf", true)
	v.SetDefault("notify.smtp.port", 587)

	v.SetDefault("push.enabled", false)
	v.SetDefault("push.interval", 15*time.Second)
}

// loadERPSystems reads the comma-separated system list, then one credential
// block per name (erp.<name>.* keys, CASHUP_ERP_<NAME>_* in the env).
func loadERPSystems(v *viper.Viper) []ERPSystemConfig {
	names := splitList(v.GetString("erp.systems"))
	systems := make([]ERPSystemConfig, 0, len(names))
	for _, name := range names {
		prefix := "erp." + name + "."
		kind := strings.ToLower(v.GetString(prefix + "kind"))
		if kind == "" {
			kind = name
		}
		systems = append(systems, ERPSystemConfig{
			Name:           name,
			Kind:           kind,
			BaseURL:        v.GetString(prefix + "base_url"),
			AccountID:      v.GetString(prefix + "account_id"),
			ConsumerKey:    v.GetString(prefix + "consumer_key"),
			ConsumerSecret: v.GetString(prefix + "consumer_secret"),
			TokenID:        v.GetString(prefix + "token_id"),
			TokenSecret:    v.GetString(prefix + "token_secret"),
			ClientCertFile: v.GetString(prefix + "client_cert_file"),
			ClientKeyFile:  v.GetString(prefix + "client_key_file"),
			APIKey:         v.GetString(prefix + "api_key"),
			RealmID:        v.GetString(prefix + "realm_id"),
		})
	}
	return systems
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
