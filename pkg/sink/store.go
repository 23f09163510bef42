package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/rs/zerolog"

	"github.com/hearthpipe/hearthpipe/pkg/log"
	"github.com/hearthpipe/hearthpipe/pkg/types"
)

// Measurement is the series name every normalized record is written
// under.
const Measurement = "home_assistant_events"

// WriteClass classifies a store write failure; the batch writer picks
// its recovery strategy from it.
type WriteClass string

const (
	// ClassRetryable covers transport errors, 5xx and anything else
	// worth another attempt.
	ClassRetryable WriteClass = "retryable"

	// ClassRateLimited is a 429; the retry hint is honored when present.
	ClassRateLimited WriteClass = "rate_limited"

	// ClassConflict is a field type conflict; the batch must be split.
	ClassConflict WriteClass = "conflict"

	// ClassFatal is an authorization failure; the writer goes unhealthy.
	ClassFatal WriteClass = "fatal"

	// ClassInvalid is a rejected payload that is neither a conflict nor
	// retryable; the batch is dropped.
	ClassInvalid WriteClass = "invalid"
)

// WriteError is a classified store write failure.
type WriteError struct {
	Class      WriteClass
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *WriteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("store write failed (%s, HTTP %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("store write failed (%s): %s", e.Class, e.Message)
}

// StoreWriter is the write capability of the time-series store.
type StoreWriter interface {
	WriteBatch(ctx context.Context, records []*types.Record) error
}

// StoreConfig configures the HTTP store client.
type StoreConfig struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration
}

// StoreClient writes batches of records to the time-series store over
// its HTTP write API using line protocol. Tag columns map to the store's
// indexed dimensions, field columns to its value columns.
type StoreClient struct {
	writeURL string
	token    string
	client   *http.Client
	logger   zerolog.Logger
}

// NewStoreClient creates a store client.
func NewStoreClient(cfg StoreConfig) *StoreClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	q := url.Values{}
	q.Set("org", cfg.Org)
	q.Set("bucket", cfg.Bucket)
	q.Set("precision", "ns")

	return &StoreClient{
		writeURL: strings.TrimSuffix(cfg.URL, "/") + "/api/v2/write?" + q.Encode(),
		token:    cfg.Token,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   log.WithComponent("store"),
	}
}

// WriteBatch writes all records in one call, in order. Any failure is
// returned as a *WriteError.
func (c *StoreClient) WriteBatch(ctx context.Context, records []*types.Record) error {
	body, err := EncodeBatch(records)
	if err != nil {
		return &WriteError{Class: ClassInvalid, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.writeURL, bytes.NewReader(body))
	if err != nil {
		return &WriteError{Class: ClassInvalid, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &WriteError{Class: ClassRetryable, Message: err.Error()}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyResponse(resp, string(msg))
}

func classifyResponse(resp *http.Response, body string) *WriteError {
	werr := &WriteError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(body)}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		werr.Class = ClassRateLimited
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				werr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode >= 500:
		werr.Class = ClassRetryable
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		werr.Class = ClassFatal
	case resp.StatusCode == http.StatusBadRequest && isTypeConflict(body):
		werr.Class = ClassConflict
	default:
		werr.Class = ClassInvalid
	}
	return werr
}

// isTypeConflict matches the store's field type conflict rejection.
func isTypeConflict(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "field type conflict") || strings.Contains(lower, "type conflict")
}

// EncodeBatch renders records as line protocol in append order.
func EncodeBatch(records []*types.Record) ([]byte, error) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)

	for _, rec := range records {
		enc.StartLine(Measurement)

		// The encoder requires tags in lexical key order.
		tags := rec.Tags()
		keys := make([]string, 0, len(tags))
		for k := range tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			enc.AddTag(k, tags[k])
		}

		fields := rec.Fields()
		fieldKeys := make([]string, 0, len(fields))
		for k := range fields {
			fieldKeys = append(fieldKeys, k)
		}
		sort.Strings(fieldKeys)
		for _, k := range fieldKeys {
			v, ok := lineprotocol.NewValue(fields[k])
			if !ok {
				continue
			}
			enc.AddField(k, v)
		}

		enc.EndLine(rec.Timestamp)
	}

	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return enc.Bytes(), nil
}
