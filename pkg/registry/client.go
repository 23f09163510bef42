package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hearthpipe/hearthpipe/pkg/log"
	"github.com/hearthpipe/hearthpipe/pkg/metrics"
	"github.com/hearthpipe/hearthpipe/pkg/types"
)

// MetadataConfig configures the metadata collaborator client.
type MetadataConfig struct {
	BaseURL string
	Timeout time.Duration

	// MaxRetries bounds upsert retries (default 3).
	MaxRetries int

	// RetryBaseDelay is the first retry delay (default 1s).
	RetryBaseDelay time.Duration
}

// MetadataClient pushes discovered devices and entities to the metadata
// collaborator's bulk upsert endpoints. The ingestion service is the
// sole caller; the collaborator never calls back.
type MetadataClient struct {
	cfg    MetadataConfig
	client *http.Client
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewMetadataClient creates a metadata client.
func NewMetadataClient(cfg MetadataConfig, clock clockwork.Clock) *MetadataClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MetadataClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		clock:  clock,
		logger: log.WithComponent("metadata"),
	}
}

// UpsertDevices posts all devices in a single bulk upsert.
func (c *MetadataClient) UpsertDevices(ctx context.Context, devices []types.DevicePayload) error {
	body := map[string]any{"devices": devices}
	return c.post(ctx, "/internal/devices/bulk_upsert", "devices", body)
}

// UpsertEntities posts all entities in a single bulk upsert.
func (c *MetadataClient) UpsertEntities(ctx context.Context, entities []types.EntityPayload) error {
	body := map[string]any{"entities": entities}
	return c.post(ctx, "/internal/entities/bulk_upsert", "entities", body)
}

func (c *MetadataClient) post(ctx context.Context, path, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + path

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.clock.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.doPost(ctx, url, data)
		if lastErr == nil {
			metrics.MetadataUpserts.WithLabelValues(kind, "ok").Inc()
			return nil
		}
		c.logger.Warn().Err(lastErr).Str("kind", kind).Int("attempt", attempt+1).Msg("Bulk upsert failed")
	}

	metrics.MetadataUpserts.WithLabelValues(kind, "error").Inc()
	return fmt.Errorf("bulk upsert of %s failed: %w", kind, lastErr)
}

func (c *MetadataClient) doPost(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("collaborator returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
