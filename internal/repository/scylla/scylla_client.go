package scylla

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"security-log-service/internal/config"
)

// PreparedStatements holds the statements the audit store actually runs.
type PreparedStatements struct {
	InsertRecord *gocql.Query
	ChainHead    *gocql.Query
	RecordsByDay *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	logger       *zap.Logger
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla
	if len(scyllaConfig.Hosts) == 0 {
		return nil, fmt.Errorf("no Scylla hosts configured")
	}

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = parseConsistency(scyllaConfig.Consistency)
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 getEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               getEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                getEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
		logger:  logger,
	}

	if err := client.ensureSchema(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to ensure audit schema: %w", err)
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// ensureSchema creates the audit table when a fresh keyspace is pointed
// at. The keyspace itself is provisioned outside the service.
func (s *ScyllaClient) ensureSchema() error {
	return s.Session.Query(`
    CREATE TABLE IF NOT EXISTS audit_records (
        day            text,
        seq            timeuuid,
        recorded_at    timestamp,
        correlation_id text,
        event_type     text,
        action         text,
        resource       text,
        user_id        text,
        outcome        text,
        payload        text,
        prev_hash      text,
        record_hash    text,
        PRIMARY KEY ((day), seq)
    ) WITH CLUSTERING ORDER BY (seq ASC)`).Exec()
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.InsertRecord = s.Session.Query(`
        INSERT INTO audit_records (
            day, seq, recorded_at, correlation_id, event_type, action,
            resource, user_id, outcome, payload, prev_hash, record_hash
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.ChainHead = s.Session.Query(`
        SELECT record_hash FROM audit_records
        WHERE day = ? ORDER BY seq DESC LIMIT 1`)

	prepared.RecordsByDay = s.Session.Query(`
        SELECT seq, recorded_at, correlation_id, event_type, action,
            resource, user_id, outcome, payload, prev_hash, record_hash
        FROM audit_records WHERE day = ? ORDER BY seq ASC`)

	s.Prepared = prepared
	s.isPrepared = true

	s.logger.Info("ScyllaDB prepared statements created")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		s.logger.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseConsistency(name string) gocql.Consistency {
	switch strings.ToLower(name) {
	case "one":
		return gocql.One
	case "two":
		return gocql.Two
	case "quorum":
		return gocql.Quorum
	case "localquorum", "local_quorum":
		return gocql.LocalQuorum
	case "all":
		return gocql.All
	default:
		return gocql.LocalQuorum
	}
}
