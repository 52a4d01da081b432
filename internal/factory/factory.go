package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"

	"security-log-service/internal/alert"
	"security-log-service/internal/bucketing"
	"security-log-service/internal/client"
	"security-log-service/internal/config"
	"security-log-service/internal/encryption"
	"security-log-service/internal/hashing"
	clickhouserepo "security-log-service/internal/repository/clickhouse"
	redisrepo "security-log-service/internal/repository/redis"
	"security-log-service/internal/repository/scylla"
	"security-log-service/internal/risk"
	"security-log-service/internal/scrub"
	"security-log-service/internal/seclog"
	"security-log-service/internal/sink"
	"security-log-service/internal/tls"
	"security-log-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	lineEncryptor     *encryption.LineEncryptor
	bucketingManager  *bucketing.BucketingManager

	// Pipeline
	eventStore     *clickhouserepo.SecurityEventStore
	auditStore     *scylla.AuditStore
	rateLimitCache *redisrepo.RateLimitCache
	transports     []*sink.Transport
	securityLogger *seclog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	util.Init(cfg.Service.Name, cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializePipeline(); err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Int("sinks", len(factory.transports)),
	)

	return factory, nil
}

// initializeClients initializes the configured backends with health
// checks. A backend absent from the config is disabled, not an error.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Redis.URL == "" {
		util.Info("Redis not configured, rate limiting disabled")
	} else if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if len(f.config.Scylla.Hosts) == 0 {
		util.Info("ScyllaDB not configured, audit archive disabled")
	} else if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is best effort even in production; the pipeline runs without it.
	if len(f.config.Sinks.Kafka.Brokers) == 0 {
		util.Info("Kafka not configured, kafka sink disabled")
	} else if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if f.config.Sinks.Elasticsearch.URL == "" {
		util.Info("Elasticsearch not configured, elasticsearch sink disabled")
	} else if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esClient
		if err := f.esClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Sinks.ClickHouse.URL == "" {
		util.Info("ClickHouse not configured, clickhouse sink disabled")
	} else if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	if !f.config.Security.EncryptLogs {
		return nil
	}

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("failed to load AWS config for KMS: %w", err)
			}
			util.Warn("AWS config unavailable, using local data keys", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
			util.Info("KMS client initialized", util.String("region", f.config.KMS.Region))
		}
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient, util.Get())

	// File sinks only exist in production, so the stream key is only
	// needed there.
	if f.config.IsProduction() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		lineEnc, err := f.encryptionManager.NewLineEncryptor(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize log encryption: %w", err)
		}
		f.lineEncryptor = lineEnc
	}

	return nil
}

// initializePipeline wires scoring, analysis, alerting, sinks and the
// security logger facade on top of the initialized clients.
func (f *Factory) initializePipeline() error {
	scrubber := scrub.NewScrubber(f.config)
	engine := risk.NewEngine(f.config, f.bucketingManager, util.Named("risk"))
	analyzer := risk.NewAnalyzer(f.config)
	dispatcher := alert.NewDispatcher(f.config, util.Named("alert"))

	sinkOpts := sink.Options{
		BatchSize:     f.config.Sinks.BatchSize,
		FlushInterval: f.config.Sinks.FlushInterval,
		BufferCap:     f.config.Sinks.BufferCap,
	}

	if f.clickhouseClient != nil {
		store, err := clickhouserepo.NewSecurityEventStore(f.clickhouseClient, f.bucketingManager, util.Named("clickhouse_store"))
		if err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("clickhouse store: %w", err)
			}
			util.Warn("ClickHouse store initialization failed, sink disabled", util.ErrorField(err))
		} else {
			f.eventStore = store
			// encryptionManager is nil unless encryptLogs is on, so this
			// wires sealing exactly when configured.
			f.addTransport(sink.NewClickHouseSender(store, f.encryptionManager), sinkOpts)
		}
	}
	if f.esClient != nil {
		f.addTransport(sink.NewESSender(f.esClient, f.config.Sinks.Elasticsearch.IndexPrefix), sinkOpts)
	}
	if f.kafkaProducer != nil {
		f.addTransport(sink.NewKafkaSender(f.kafkaProducer), sinkOpts)
	}
	if f.config.Sinks.HTTP.Endpoint != "" {
		f.addTransport(sink.NewHTTPSender(f.config.Sinks.HTTP), sinkOpts)
	}

	if f.scyllaClient != nil {
		f.auditStore = scylla.NewAuditStore(f.scyllaClient, util.Named("audit_store"))
	}
	if f.redisClient != nil && f.config.RateLimit.Enabled {
		f.rateLimitCache = redisrepo.NewRateLimitCache(f.redisClient, f.config, util.Named("rate_limit"))
	}

	f.securityLogger = seclog.New(f.config, seclog.Options{
		Engine:        engine,
		Analyzer:      analyzer,
		Scrubber:      scrubber,
		Dispatcher:    dispatcher,
		Transports:    f.transports,
		AuditStore:    f.auditStore,
		Encryption:    f.encryptionManager,
		LineEncryptor: f.lineEncryptor,
	}, util.Named("seclog"))

	return nil
}

func (f *Factory) addTransport(sender sink.Sender, opts sink.Options) {
	f.transports = append(f.transports, sink.NewTransport(sender, opts, util.Named("sink")))
}

// ==============================
// Health Checks
// ==============================

// HealthCheck runs every configured backend's check in parallel, so one
// slow backend does not hold up the rest. Disabled backends are not
// reported.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := make(map[string]func(context.Context) error)

	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}

	return checkAll(ctx, checks)
}

// checkAll fans the checks out on an errgroup and collects one result
// per component. Check failures land in the map, never in the group.
func checkAll(ctx context.Context, checks map[string]func(context.Context) error) map[string]error {
	var (
		mu      sync.Mutex
		results = make(map[string]error, len(checks))
	)

	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			err := check(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		// Kafka is best effort everywhere.
		if name == "kafka" {
			continue
		}
		if err != nil {
			return false
		}
	}
	return true
}

// ==============================
// Shutdown
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.securityLogger != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := f.securityLogger.Flush(ctx); err != nil {
				util.Error("Failed to flush security sinks", util.ErrorField(err))
			}
			cancel()

			f.securityLogger.Close()
			util.Info("Security logger closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

// ==============================
// Getters
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) SecurityLogger() *seclog.Logger {
	return f.securityLogger
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) RateLimitCache() *redisrepo.RateLimitCache {
	return f.rateLimitCache
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
