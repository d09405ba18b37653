package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration shared by the processor and aggregator daemons.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Processor     ProcessorConfig     `mapstructure:"processor"`
	Registry      RegistryConfig      `mapstructure:"registry"`
	Aggregation   AggregationConfig   `mapstructure:"aggregation"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Health        HealthConfig        `mapstructure:"health"`
	Export        ExportConfig        `mapstructure:"export"`
	Bootstrap     BootstrapConfig     `mapstructure:"bootstrap"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MinConns        int32         `mapstructure:"min_conns"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// QueueConfig names the Redis lists that make up the ingestion queue.
type QueueConfig struct {
	Primary          string `mapstructure:"primary"`
	DeadLetter       string `mapstructure:"dead_letter"`
	ProcessingPrefix string `mapstructure:"processing_prefix"`
}

type ProcessorConfig struct {
	Workers               int           `mapstructure:"workers"`
	WorkerID              string        `mapstructure:"worker_id"`
	BatchSize             int           `mapstructure:"batch_size"`
	BatchConcurrency      int           `mapstructure:"batch_concurrency"`
	DequeueTimeout        time.Duration `mapstructure:"dequeue_timeout"`
	MaxRetries            int           `mapstructure:"max_retries"`
	DeadLetterInvalid     bool          `mapstructure:"dead_letter_invalid"`
	BackoffInitial        time.Duration `mapstructure:"backoff_initial"`
	BackoffMax            time.Duration `mapstructure:"backoff_max"`
	QueueFailureThreshold int           `mapstructure:"queue_failure_threshold"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
}

type RegistryConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AggregationConfig struct {
	Interval          time.Duration     `mapstructure:"interval"`
	FailureBackoff    time.Duration     `mapstructure:"failure_backoff"`
	Lookback          LookbackConfig    `mapstructure:"lookback"`
	TopUsers          int               `mapstructure:"top_users"`
	SummaryTopUsers   int               `mapstructure:"summary_top_users"`
	TenantConcurrency int               `mapstructure:"tenant_concurrency"`
	LockKey           string            `mapstructure:"lock_key"`
	LockTTL           time.Duration     `mapstructure:"lock_ttl"`
	ShutdownTimeout   time.Duration     `mapstructure:"shutdown_timeout"`
	Summaries         SummaryToggleConf `mapstructure:"summaries"`
}

// LookbackConfig is the number of windows re-aggregated per granularity, including the open one.
type LookbackConfig struct {
	Hour  int `mapstructure:"hour"`
	Day   int `mapstructure:"day"`
	Week  int `mapstructure:"week"`
	Month int `mapstructure:"month"`
}

type SummaryToggleConf struct {
	Enabled bool `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

// ExportConfig selects where cmd/dlqexport writes dead-letter snapshots.
type ExportConfig struct {
	Storage string            `mapstructure:"storage"`
	S3      ExportS3Config    `mapstructure:"s3"`
	Local   ExportLocalConfig `mapstructure:"local"`
}

type ExportS3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`

	// Static credentials; when empty the default AWS credential chain applies.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type ExportLocalConfig struct {
	Directory string `mapstructure:"directory"`
}

type BootstrapConfig struct {
	Services     []BootstrapService     `mapstructure:"services"`
	BillingRules []BootstrapBillingRule `mapstructure:"billing_rules"`
}

type BootstrapService struct {
	ServiceType      string                 `mapstructure:"service_type"`
	ServiceName      string                 `mapstructure:"service_name"`
	Providers        []string               `mapstructure:"providers"`
	RequiredFields   []string               `mapstructure:"required_fields"`
	OptionalFields   []string               `mapstructure:"optional_fields"`
	BillingConfig    map[string]interface{} `mapstructure:"billing_config"`
	AggregationRules BootstrapAggregation   `mapstructure:"aggregation_rules"`
	Active           *bool                  `mapstructure:"active"`
	Version          string                 `mapstructure:"version"`
}

func (s BootstrapService) IsActive() bool {
	if s.Active == nil {
		return true
	}
	return *s.Active
}

type BootstrapAggregation struct {
	Sum     []string           `mapstructure:"sum"`
	Avg     []string           `mapstructure:"avg"`
	Derived []BootstrapDerived `mapstructure:"derived"`
}

type BootstrapDerived struct {
	Name       string `mapstructure:"name"`
	Expression string `mapstructure:"expression"`
}

// BootstrapBillingRule keeps money values as strings so they reach decimal parsing untouched.
type BootstrapBillingRule struct {
	ServiceType           string          `mapstructure:"service_type"`
	Provider              string          `mapstructure:"provider"`
	ModelOrTier           string          `mapstructure:"model_or_tier"`
	BillingUnit           string          `mapstructure:"billing_unit"`
	QuantityMetric        string          `mapstructure:"quantity_metric"`
	RatePerUnit           string          `mapstructure:"rate_per_unit"`
	TieredRates           []BootstrapTier `mapstructure:"tiered_rates"`
	MinimumCharge         string          `mapstructure:"minimum_charge"`
	CalculationMethod     string          `mapstructure:"calculation_method"`
	CalculationExpression string          `mapstructure:"calculation_expression"`
	EffectiveFrom         string          `mapstructure:"effective_from"`
	EffectiveUntil        string          `mapstructure:"effective_until"`
	Active                *bool           `mapstructure:"active"`
}

func (r BootstrapBillingRule) IsActive() bool {
	if r.Active == nil {
		return true
	}
	return *r.Active
}

type BootstrapTier struct {
	UpTo string `mapstructure:"up_to"`
	Rate string `mapstructure:"rate"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("USAGE_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("usage")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("USAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		timeStringToDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and fills derived defaults.
// Every problem found is reported in one joined error.
func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "USAGE_DATABASE_URL")
	}
	if c.Redis.URL == "" {
		missing = append(missing, "USAGE_REDIS_URL")
	}

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", ")))
	}
	if c.Database.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("database.max_conns must be >= 0"))
	}
	if c.Redis.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("redis.pool_size must be >= 0"))
	}
	if c.Registry.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("registry.cache_ttl must be >= 0"))
	}
	if c.Health.CheckInterval <= 0 {
		c.Health.CheckInterval = 15 * time.Second
	}
	if c.Health.CheckTimeout <= 0 {
		c.Health.CheckTimeout = 2 * time.Second
	}

	errs = append(errs,
		c.Queue.validate(),
		c.Processor.validate(),
		c.Aggregation.validate(),
		c.Logging.validate(),
		c.Export.validate(),
		c.Bootstrap.validate(),
	)
	return errors.Join(errs...)
}

func (q *QueueConfig) validate() error {
	q.Primary = strings.TrimSpace(q.Primary)
	q.DeadLetter = strings.TrimSpace(q.DeadLetter)
	if q.Primary == "" || q.DeadLetter == "" {
		return fmt.Errorf("queue.primary and queue.dead_letter must be provided")
	}
	if q.Primary == q.DeadLetter {
		return fmt.Errorf("queue.primary and queue.dead_letter must differ")
	}
	if strings.TrimSpace(q.ProcessingPrefix) == "" {
		q.ProcessingPrefix = q.Primary + ":processing"
	}
	return nil
}

func (p *ProcessorConfig) validate() error {
	if p.Workers <= 0 {
		return fmt.Errorf("processor.workers must be > 0")
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("processor.batch_size must be > 0")
	}
	if p.BatchConcurrency <= 0 {
		p.BatchConcurrency = 1
	}
	if p.DequeueTimeout <= 0 {
		return fmt.Errorf("processor.dequeue_timeout must be > 0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("processor.max_retries must be >= 0")
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = time.Second
	}
	if p.BackoffMax < p.BackoffInitial {
		p.BackoffMax = p.BackoffInitial
	}
	if p.QueueFailureThreshold <= 0 {
		p.QueueFailureThreshold = 10
	}
	if p.ShutdownTimeout <= 0 {
		p.ShutdownTimeout = 30 * time.Second
	}
	if strings.TrimSpace(p.WorkerID) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "processor"
		}
		p.WorkerID = host
	}
	return nil
}

func (a *AggregationConfig) validate() error {
	if a.Interval <= 0 {
		return fmt.Errorf("aggregation.interval must be > 0")
	}
	if a.FailureBackoff <= 0 {
		a.FailureBackoff = time.Minute
	}
	lb := a.Lookback
	if lb.Hour <= 0 || lb.Day <= 0 || lb.Week <= 0 || lb.Month <= 0 {
		return fmt.Errorf("aggregation.lookback.{hour,day,week,month} must all be > 0")
	}
	if a.TopUsers <= 0 {
		return fmt.Errorf("aggregation.top_users must be > 0")
	}
	if a.SummaryTopUsers <= 0 {
		return fmt.Errorf("aggregation.summary_top_users must be > 0")
	}
	if a.TenantConcurrency <= 0 {
		a.TenantConcurrency = 1
	}
	a.LockKey = strings.TrimSpace(a.LockKey)
	if a.LockTTL <= 0 {
		a.LockTTL = 10 * time.Minute
	}
	if a.LockTTL < time.Second {
		return fmt.Errorf("aggregation.lock_ttl must be at least 1s")
	}
	if a.ShutdownTimeout <= 0 {
		a.ShutdownTimeout = 30 * time.Second
	}
	return nil
}

func (l *LoggingConfig) validate() error {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	switch l.Level {
	case "":
		l.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	l.Format = strings.ToLower(strings.TrimSpace(l.Format))
	switch l.Format {
	case "":
		l.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}

func (e *ExportConfig) validate() error {
	e.Storage = strings.ToLower(strings.TrimSpace(e.Storage))
	switch e.Storage {
	case "":
		e.Storage = "local"
	case "local", "s3":
	default:
		return fmt.Errorf("export.storage must be local or s3")
	}
	if e.Storage == "s3" && strings.TrimSpace(e.S3.Bucket) == "" {
		return fmt.Errorf("export.s3.bucket must be provided for s3 storage")
	}
	if (e.S3.AccessKeyID == "") != (e.S3.SecretAccessKey == "") {
		return fmt.Errorf("export.s3.access_key_id and export.s3.secret_access_key must be set together")
	}
	return nil
}

func (b *BootstrapConfig) validate() error {
	seen := make(map[string]struct{}, len(b.Services))
	for i := range b.Services {
		svc := &b.Services[i]
		svc.ServiceType = strings.TrimSpace(svc.ServiceType)
		if svc.ServiceType == "" {
			return fmt.Errorf("bootstrap.services[%d].service_type must be provided", i)
		}
		if _, dup := seen[svc.ServiceType]; dup {
			return fmt.Errorf("bootstrap.services[%d].service_type %q is duplicated", i, svc.ServiceType)
		}
		seen[svc.ServiceType] = struct{}{}
		svc.Providers = normalizeStringSlice(svc.Providers)
		svc.RequiredFields = normalizeStringSlice(svc.RequiredFields)
		svc.OptionalFields = normalizeStringSlice(svc.OptionalFields)
		for j, d := range svc.AggregationRules.Derived {
			if strings.TrimSpace(d.Name) == "" || strings.TrimSpace(d.Expression) == "" {
				return fmt.Errorf("bootstrap.services[%d].aggregation_rules.derived[%d] needs name and expression", i, j)
			}
		}
	}
	for i := range b.BillingRules {
		rule := &b.BillingRules[i]
		if strings.TrimSpace(rule.ServiceType) == "" {
			return fmt.Errorf("bootstrap.billing_rules[%d].service_type must be provided", i)
		}
		if strings.TrimSpace(rule.Provider) == "" {
			return fmt.Errorf("bootstrap.billing_rules[%d].provider must be provided", i)
		}
		if strings.TrimSpace(rule.BillingUnit) == "" {
			rule.BillingUnit = "requests"
		}
		if strings.TrimSpace(rule.CalculationMethod) == "" {
			rule.CalculationMethod = "linear"
		}
		if strings.TrimSpace(rule.EffectiveFrom) == "" {
			return fmt.Errorf("bootstrap.billing_rules[%d].effective_from must be provided", i)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8081")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	// Registered so USAGE_* environment variables reach keys without a real default.
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("processor.worker_id", "")
	v.SetDefault("export.s3.bucket", "")
	v.SetDefault("export.s3.prefix", "")
	v.SetDefault("export.s3.region", "")
	v.SetDefault("export.s3.endpoint", "")
	v.SetDefault("export.s3.use_path_style", false)
	v.SetDefault("export.s3.access_key_id", "")
	v.SetDefault("export.s3.secret_access_key", "")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("queue.primary", "usage_events")
	v.SetDefault("queue.dead_letter", "dead_letter_events")
	v.SetDefault("queue.processing_prefix", "usage_events:processing")

	v.SetDefault("processor.workers", 4)
	v.SetDefault("processor.batch_size", 10)
	v.SetDefault("processor.batch_concurrency", 4)
	v.SetDefault("processor.dequeue_timeout", "30s")
	v.SetDefault("processor.max_retries", 3)
	v.SetDefault("processor.dead_letter_invalid", true)
	v.SetDefault("processor.backoff_initial", "1s")
	v.SetDefault("processor.backoff_max", "30s")
	v.SetDefault("processor.queue_failure_threshold", 10)
	v.SetDefault("processor.shutdown_timeout", "30s")

	v.SetDefault("registry.cache_ttl", "60s")

	v.SetDefault("aggregation.interval", "300s")
	v.SetDefault("aggregation.failure_backoff", "60s")
	v.SetDefault("aggregation.lookback.hour", 25)
	v.SetDefault("aggregation.lookback.day", 8)
	v.SetDefault("aggregation.lookback.week", 5)
	v.SetDefault("aggregation.lookback.month", 13)
	v.SetDefault("aggregation.top_users", 100)
	v.SetDefault("aggregation.summary_top_users", 50)
	v.SetDefault("aggregation.tenant_concurrency", 4)
	v.SetDefault("aggregation.lock_key", "usage_aggregation:leader")
	v.SetDefault("aggregation.lock_ttl", "10m")
	v.SetDefault("aggregation.shutdown_timeout", "30s")
	v.SetDefault("aggregation.summaries.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("health.check_interval", "15s")
	v.SetDefault("health.check_timeout", "2s")

	v.SetDefault("export.storage", "local")
	v.SetDefault("export.local.directory", "./data/dead_letter")
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
