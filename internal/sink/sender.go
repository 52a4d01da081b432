package sink

import (
	"context"
	"time"
)

// Record is one structured log record bound for an external destination.
type Record map[string]any

// Sender delivers one batch. Implementations own their transport-level
// timeout; an error means the whole batch is retryable.
type Sender interface {
	Name() string
	Send(ctx context.Context, records []Record) error
}

// Field accessors tolerate absent or mistyped values so a malformed
// record degrades a column instead of failing the batch.

func recString(rec Record, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

func recInt(rec Record, key string) int {
	switch v := rec[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func recBool(rec Record, key string) bool {
	if v, ok := rec[key].(bool); ok {
		return v
	}
	return false
}

func recTime(rec Record, key string) time.Time {
	switch v := rec[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func recStrings(rec Record, key string) []string {
	switch v := rec[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
