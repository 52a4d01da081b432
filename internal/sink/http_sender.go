package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"security-log-service/internal/config"

	"github.com/google/uuid"
)

// HTTPSender posts each batch as one JSON payload to an external log
// service endpoint.
type HTTPSender struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

func NewHTTPSender(cfg config.HTTPSinkConfig) *HTTPSender {
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	return &HTTPSender{
		endpoint: cfg.Endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) Name() string { return "http" }

func (s *HTTPSender) Send(ctx context.Context, records []Record) error {
	payload, err := json.Marshal(map[string]any{
		"batch_id": uuid.NewString(),
		"count":    len(records),
		"sent_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"records":  records,
	})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}
