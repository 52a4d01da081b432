package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks variables the surrounding shell may have exported.
// The getters treat empty values as unset.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t, "ENVIRONMENT", "SERVER_PORT", "LOG_LEVEL",
		"SECURITY_LOG_LEVEL", "REDIS_URL", "SINK_BATCH_SIZE")

	cfg := LoadConfig()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "security-log-service", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8443, cfg.Server.TLSPort)
	assert.False(t, cfg.Server.EnableTLS)

	assert.True(t, cfg.Security.Enabled)
	assert.Equal(t, "warn", cfg.Security.Level)
	assert.True(t, cfg.Security.SensitiveDataMasking)
	assert.False(t, cfg.Security.ComplianceMode)
	assert.Equal(t, 500, cfg.Security.PayloadMaxLen)
	assert.Equal(t, "security.log", cfg.Security.FileName)

	assert.Equal(t, 2555, cfg.Audit.RetentionDays)
	assert.Equal(t, "audit.log", cfg.Audit.FileName)

	assert.Equal(t, 5, cfg.Risk.RepeatThreshold)
	assert.Equal(t, 5, cfg.Risk.RepeatStep)
	assert.Equal(t, 30, cfg.Risk.RepeatCap)
	assert.Equal(t, 10, cfg.Risk.AttackThreshold)
	assert.Equal(t, time.Hour, cfg.Risk.CounterStaleness)
	assert.Equal(t, 5*time.Minute, cfg.Risk.CacheTTL)
	assert.Nil(t, cfg.Risk.TrustedCIDRs)

	assert.True(t, cfg.Alerting.Enabled)
	assert.True(t, cfg.Alerting.RealTime)
	assert.Equal(t, 5*time.Second, cfg.Alerting.Timeout)

	assert.Equal(t, 100, cfg.Sinks.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Sinks.FlushInterval)
	assert.Equal(t, 1000, cfg.Sinks.BufferCap)
	assert.Equal(t, "security-events", cfg.Sinks.Kafka.Topic)
	assert.Equal(t, "security-events", cfg.Sinks.Elasticsearch.IndexPrefix)
	assert.Equal(t, "security", cfg.Sinks.ClickHouse.Database)

	assert.False(t, cfg.KMS.Enabled)
	assert.Equal(t, uint32(64*1024), cfg.Hashing.ArgonMemory)
	assert.Equal(t, 64, cfg.Bucketing.EventBuckets)
	assert.Equal(t, 16, cfg.Bucketing.CounterShards)

	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 300, cfg.RateLimit.RequestsPerWindow)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SECURITY_LOG_LEVEL", "error")
	t.Setenv("SENSITIVE_DATA_MASKING", "false")
	t.Setenv("COMPLIANCE_MODE", "true")
	t.Setenv("SECURITY_LOG_PAYLOAD_MAX_LEN", "200")
	t.Setenv("AUDIT_RETENTION_DAYS", "365")
	t.Setenv("RISK_REPEAT_THRESHOLD", "3")
	t.Setenv("RISK_COUNTER_STALENESS", "30m")
	t.Setenv("RISK_TRUSTED_CIDRS", "10.0.0.0/8, 192.168.0.0/16,")
	t.Setenv("SINK_BATCH_SIZE", "50")
	t.Setenv("SINK_FLUSH_INTERVAL", "2s")
	t.Setenv("SINK_HTTP_HEADERS", "X-Tenant=acme, X-Env=stage")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("INGEST_API_KEYS", "key-a,key-b")
	t.Setenv("ADMIN_API_KEY", "root-key")
	t.Setenv("ARGON_MEMORY_KB", "8192")

	cfg := LoadConfig()

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "error", cfg.Security.Level)
	assert.False(t, cfg.Security.SensitiveDataMasking)
	assert.True(t, cfg.Security.ComplianceMode)
	assert.Equal(t, 200, cfg.Security.PayloadMaxLen)
	assert.Equal(t, 365, cfg.Audit.RetentionDays)
	assert.Equal(t, 3, cfg.Risk.RepeatThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Risk.CounterStaleness)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.Risk.TrustedCIDRs)
	assert.Equal(t, 50, cfg.Sinks.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Sinks.FlushInterval)
	assert.Equal(t, map[string]string{"X-Tenant": "acme", "X-Env": "stage"}, cfg.Sinks.HTTP.Headers)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Sinks.Kafka.Brokers)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.RateLimit.APIKeys)
	assert.Equal(t, "root-key", cfg.RateLimit.AdminAPIKey)
	assert.Equal(t, uint32(8192), cfg.Hashing.ArgonMemory)
}

// Malformed values fall back to defaults instead of failing startup.
func TestLoadConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("SECURITY_LOG_COMPRESS", "definitely")
	t.Setenv("SINK_FLUSH_INTERVAL", "soon")
	t.Setenv("RISK_TRUSTED_CIDRS", " , ,")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Security.Compress)
	assert.Equal(t, 5*time.Second, cfg.Sinks.FlushInterval)
	assert.Nil(t, cfg.Risk.TrustedCIDRs)
}

func TestEnvironmentHelpers(t *testing.T) {
	dev := &Config{Environment: "development"}
	dev.Server.Port = 8080
	dev.Server.TLSPort = 8443

	assert.True(t, dev.IsDevelopment())
	assert.False(t, dev.IsProduction())
	assert.Equal(t, ":8080", dev.GetServerAddress())
	assert.Equal(t, ":8443", dev.GetTLSAddress())

	prod := &Config{Environment: "production"}
	assert.True(t, prod.IsProduction())
	assert.False(t, prod.IsDevelopment())
}

func validConfig() *Config {
	cfg := &Config{Environment: "development"}
	cfg.Server.Port = 8080
	cfg.Server.TLSPort = 8443
	cfg.Sinks.BatchSize = 100
	cfg.Sinks.BufferCap = 1000
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "minimal development config",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown environment",
			mutate:  func(c *Config) { c.Environment = "qa" },
			wantErr: "unknown environment",
		},
		{
			name:    "zero port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 99999 },
			wantErr: "invalid server port",
		},
		{
			name: "autocert without domain",
			mutate: func(c *Config) {
				c.Server.EnableTLS = true
				c.Server.AutoCert = true
			},
			wantErr: "autocert requires",
		},
		{
			name: "autocert with domain",
			mutate: func(c *Config) {
				c.Server.EnableTLS = true
				c.Server.AutoCert = true
				c.Server.Domain = "logs.example.com"
			},
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Sinks.BatchSize = 0 },
			wantErr: "batch size",
		},
		{
			name:    "buffer cap below batch size",
			mutate:  func(c *Config) { c.Sinks.BufferCap = 10 },
			wantErr: "buffer cap",
		},
		{
			name: "malformed trusted CIDR",
			mutate: func(c *Config) {
				c.Risk.TrustedCIDRs = []string{"10.0.0.0/8", "office network"}
			},
			wantErr: "invalid trusted CIDR",
		},
		{
			name:    "KMS without key id",
			mutate:  func(c *Config) { c.KMS.Enabled = true },
			wantErr: "KMS_KEY_ID",
		},
		{
			name: "production rate limiting without redis",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.RateLimit.Enabled = true
			},
			wantErr: "REDIS_URL",
		},
		{
			name: "production rate limiting with redis",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.RateLimit.Enabled = true
				c.Redis.URL = "redis://localhost:6379"
			},
		},
		{
			name: "production without rate limiting",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.RateLimit.Enabled = false
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
