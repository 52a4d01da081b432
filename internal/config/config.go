package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every recognized option, resolved once at startup and passed
// explicitly. Sink sections left unconfigured disable that sink without
// error.
type Config struct {
	Environment string

	Service   ServiceConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Security  SecurityLogConfig
	Audit     AuditLogConfig
	Risk      RiskConfig
	Scrub     ScrubConfig
	Alerting  AlertingConfig
	Sinks     SinksConfig
	Redis     RedisConfig
	Scylla    ScyllaConfig
	KMS       KMSConfig
	Hashing   HashingConfig
	Bucketing BucketingConfig
	RateLimit RateLimitConfig
}

type ServiceConfig struct {
	Name string
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableTLS   bool
	AutoCert    bool
	Domain      string
	Email       string
	CertFile    string
	KeyFile     string
	AutoCertDir string
}

// LoggingConfig configures the operational logger, not the security/audit
// channels.
type LoggingConfig struct {
	Level  string
	Format string
}

// SecurityLogConfig configures the security event channel.
type SecurityLogConfig struct {
	Enabled              bool
	Level                string
	EncryptLogs          bool
	SensitiveDataMasking bool
	ComplianceMode       bool

	Directory     string
	FileName      string
	ErrorFileName string
	MaxSizeMB     int
	MaxBackups    int
	MaxAgeDays    int
	Compress      bool

	PayloadMaxLen int
}

// AuditLogConfig configures the compliance audit channel. Retention is
// years-scale and never shared with the security channel's rotation policy.
type AuditLogConfig struct {
	Directory     string
	FileName      string
	RetentionDays int
	MaxSizeMB     int
	MaxBackups    int
	Compress      bool
}

type RiskConfig struct {
	RepeatThreshold  int
	RepeatStep       int
	RepeatCap        int
	AttackThreshold  int
	CounterStaleness time.Duration
	CacheTTL         time.Duration
	TrustedCIDRs     []string
}

type ScrubConfig struct {
	ExtraSensitiveKeys []string
}

type AlertingConfig struct {
	Enabled       bool
	RealTime      bool
	WebhookURL    string
	WebhookSecret string
	Timeout       time.Duration
}

type SinksConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferCap     int

	HTTP          HTTPSinkConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	ClickHouse    ClickHouseConfig
}

type HTTPSinkConfig struct {
	Endpoint string
	Token    string
	Headers  map[string]string
	Timeout  time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ElasticsearchConfig struct {
	URL         string
	Username    string
	Password    string
	IndexPrefix string
}

type ClickHouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	ArgonTime    uint32
	ArgonMemory  uint32
	ArgonThreads uint8
}

type BucketingConfig struct {
	EventBuckets  int
	CounterShards int
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	Window            time.Duration
	APIKeys           []string
	AdminAPIKey       string
}

// LoadConfig reads the environment (a .env file is honored in development)
// and resolves every option with its default.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Service: ServiceConfig{
			Name: getEnv("SERVICE_NAME", "security-log-service"),
		},
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", ""),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "./certs"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Security: SecurityLogConfig{
			Enabled:              getEnvBool("SECURITY_LOG_ENABLED", true),
			Level:                getEnv("SECURITY_LOG_LEVEL", "warn"),
			EncryptLogs:          getEnvBool("SECURITY_LOG_ENCRYPT", false),
			SensitiveDataMasking: getEnvBool("SENSITIVE_DATA_MASKING", true),
			ComplianceMode:       getEnvBool("COMPLIANCE_MODE", false),
			Directory:            getEnv("SECURITY_LOG_DIR", "logs"),
			FileName:             getEnv("SECURITY_LOG_FILE", "security.log"),
			ErrorFileName:        getEnv("SECURITY_ERROR_LOG_FILE", "security-error.log"),
			MaxSizeMB:            getEnvInt("SECURITY_LOG_MAX_SIZE_MB", 100),
			MaxBackups:           getEnvInt("SECURITY_LOG_MAX_BACKUPS", 10),
			MaxAgeDays:           getEnvInt("SECURITY_LOG_MAX_AGE_DAYS", 30),
			Compress:             getEnvBool("SECURITY_LOG_COMPRESS", true),
			PayloadMaxLen:        getEnvInt("SECURITY_LOG_PAYLOAD_MAX_LEN", 500),
		},
		Audit: AuditLogConfig{
			Directory:     getEnv("AUDIT_LOG_DIR", "logs"),
			FileName:      getEnv("AUDIT_LOG_FILE", "audit.log"),
			RetentionDays: getEnvInt("AUDIT_RETENTION_DAYS", 2555),
			MaxSizeMB:     getEnvInt("AUDIT_LOG_MAX_SIZE_MB", 100),
			MaxBackups:    getEnvInt("AUDIT_LOG_MAX_BACKUPS", 0),
			Compress:      getEnvBool("AUDIT_LOG_COMPRESS", true),
		},
		Risk: RiskConfig{
			RepeatThreshold:  getEnvInt("RISK_REPEAT_THRESHOLD", 5),
			RepeatStep:       getEnvInt("RISK_REPEAT_STEP", 5),
			RepeatCap:        getEnvInt("RISK_REPEAT_CAP", 30),
			AttackThreshold:  getEnvInt("RISK_ATTACK_THRESHOLD", 10),
			CounterStaleness: getEnvDuration("RISK_COUNTER_STALENESS", time.Hour),
			CacheTTL:         getEnvDuration("RISK_CACHE_TTL", 5*time.Minute),
			TrustedCIDRs:     getEnvSlice("RISK_TRUSTED_CIDRS", nil),
		},
		Scrub: ScrubConfig{
			ExtraSensitiveKeys: getEnvSlice("SCRUB_SENSITIVE_KEYS", nil),
		},
		Alerting: AlertingConfig{
			Enabled:       getEnvBool("ALERTING_ENABLED", true),
			RealTime:      getEnvBool("REAL_TIME_ALERTING", true),
			WebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("ALERT_WEBHOOK_SECRET", ""),
			Timeout:       getEnvDuration("ALERT_WEBHOOK_TIMEOUT", 5*time.Second),
		},
		Sinks: SinksConfig{
			BatchSize:     getEnvInt("SINK_BATCH_SIZE", 100),
			FlushInterval: getEnvDuration("SINK_FLUSH_INTERVAL", 5*time.Second),
			BufferCap:     getEnvInt("SINK_BUFFER_CAP", 1000),
			HTTP: HTTPSinkConfig{
				Endpoint: getEnv("SINK_HTTP_ENDPOINT", ""),
				Token:    getEnv("SINK_HTTP_TOKEN", ""),
				Headers:  getEnvMap("SINK_HTTP_HEADERS"),
				Timeout:  getEnvDuration("SINK_HTTP_TIMEOUT", 10*time.Second),
			},
			Kafka: KafkaConfig{
				Brokers: getEnvSlice("KAFKA_BROKERS", nil),
				Topic:   getEnv("KAFKA_TOPIC", "security-events"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:         getEnv("ELASTICSEARCH_URL", ""),
				Username:    getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:    getEnv("ELASTICSEARCH_PASSWORD", ""),
				IndexPrefix: getEnv("ELASTICSEARCH_INDEX_PREFIX", "security-events"),
			},
			ClickHouse: ClickHouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "security"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Scylla: ScyllaConfig{
			Hosts:       getEnvSlice("SCYLLA_HOSTS", nil),
			Keyspace:    getEnv("SCYLLA_KEYSPACE", "audit"),
			Username:    getEnv("SCYLLA_USERNAME", ""),
			Password:    getEnv("SCYLLA_PASSWORD", ""),
			Consistency: getEnv("SCYLLA_CONSISTENCY", "quorum"),
			Timeout:     getEnvDuration("SCYLLA_TIMEOUT", 10*time.Second),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			ArgonTime:    uint32(getEnvInt("ARGON_TIME", 1)),
			ArgonMemory:  uint32(getEnvInt("ARGON_MEMORY_KB", 64*1024)),
			ArgonThreads: uint8(getEnvInt("ARGON_THREADS", 4)),
		},
		Bucketing: BucketingConfig{
			EventBuckets:  getEnvInt("EVENT_BUCKETS", 64),
			CounterShards: getEnvInt("COUNTER_SHARDS", 16),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 300),
			Window:            getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			APIKeys:           getEnvSlice("INGEST_API_KEYS", nil),
			AdminAPIKey:       getEnv("ADMIN_API_KEY", ""),
		},
	}

	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func (c *Config) GetTLSAddress() string {
	return fmt.Sprintf(":%d", c.Server.TLSPort)
}

// Validate rejects combinations that cannot produce a working service.
// Unconfigured sinks are not errors.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.EnableTLS && c.Server.AutoCert && c.Server.Domain == "" {
		return fmt.Errorf("autocert requires SERVER_DOMAIN")
	}

	if c.Sinks.BatchSize <= 0 {
		return fmt.Errorf("sink batch size must be positive, got %d", c.Sinks.BatchSize)
	}
	if c.Sinks.BufferCap < c.Sinks.BatchSize {
		return fmt.Errorf("sink buffer cap %d below batch size %d", c.Sinks.BufferCap, c.Sinks.BatchSize)
	}

	for _, cidr := range c.Risk.TrustedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid trusted CIDR %q: %w", cidr, err)
		}
	}

	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS enabled without KMS_KEY_ID")
	}

	if c.IsProduction() && c.RateLimit.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("rate limiting in production requires REDIS_URL")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// getEnvMap parses "Key1=v1,Key2=v2" pairs, used for custom sink headers.
func getEnvMap(key string) map[string]string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		k = strings.TrimSpace(k)
		val = strings.TrimSpace(val)
		if k != "" {
			out[k] = val
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
