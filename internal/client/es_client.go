package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"security-log-service/internal/config"
)

// ESClient wraps the Elasticsearch connection used for the searchable
// event index.
type ESClient struct {
	Client *elasticsearch.Client
	config *config.ElasticsearchConfig
	logger *zap.Logger
}

func NewElasticsearchClient(cfg *config.Config, logger *zap.Logger) (*ESClient, error) {
	esConfig := cfg.Sinks.Elasticsearch

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.IsDevelopment(),
		},
	}

	elasticConfig := elasticsearch.Config{
		Addresses: []string{esConfig.URL},
		Username:  esConfig.Username,
		Password:  esConfig.Password,
		Transport: transport,
	}

	client, err := elasticsearch.NewClient(elasticConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	esClient := &ESClient{
		Client: client,
		config: &esConfig,
		logger: logger,
	}

	if err := esClient.HealthCheck(context.Background()); err != nil {
		return nil, fmt.Errorf("elasticsearch connection test failed: %w", err)
	}

	logger.Info("Elasticsearch client initialized",
		zap.String("url", esConfig.URL),
	)

	return esClient, nil
}

func (e *ESClient) Close() {
	e.logger.Info("Elasticsearch client shutdown")
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to get cluster info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

// BulkIndex writes every document to the given index in a single _bulk
// request. Document ids are assigned by Elasticsearch.
func (e *ESClient) BulkIndex(ctx context.Context, index string, docs []map[string]interface{}) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	action := []byte(fmt.Sprintf(`{"index":{"_index":%q}}`, index))
	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("error encoding document: %w", err)
		}
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(body)
		buf.WriteByte('\n')
	}

	res, err := e.Client.Bulk(
		bytes.NewReader(buf.Bytes()),
		e.Client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error executing bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch bulk error: %s", res.String())
	}

	var result struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return fmt.Errorf("error parsing bulk response: %w", err)
	}
	if result.Errors {
		return fmt.Errorf("elasticsearch rejected one or more documents in bulk request")
	}

	return nil
}
