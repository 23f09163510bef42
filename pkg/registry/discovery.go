package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hearthpipe/hearthpipe/pkg/events"
	"github.com/hearthpipe/hearthpipe/pkg/log"
	"github.com/hearthpipe/hearthpipe/pkg/metrics"
	"github.com/hearthpipe/hearthpipe/pkg/normalize"
	"github.com/hearthpipe/hearthpipe/pkg/types"
)

// RPC is the request/result capability discovery needs from the hub
// session.
type RPC interface {
	Call(ctx context.Context, msgType string) ([]byte, error)
}

// DiscoveryConfig tunes the registry discovery task.
type DiscoveryConfig struct {
	// ListRetries bounds registry listing retries per run (default 2,
	// with delays ListRetryDelay and 2*ListRetryDelay).
	ListRetries int

	// ListRetryDelay is the first listing retry delay (default 2s).
	ListRetryDelay time.Duration

	// RescheduleAfter is how long to wait before retrying a run whose
	// listings failed (default 5m).
	RescheduleAfter time.Duration
}

func (c *DiscoveryConfig) applyDefaults() {
	if c.ListRetries <= 0 {
		c.ListRetries = 2
	}
	if c.ListRetryDelay <= 0 {
		c.ListRetryDelay = 2 * time.Second
	}
	if c.RescheduleAfter <= 0 {
		c.RescheduleAfter = 5 * time.Minute
	}
}

// Discovery fetches the hub's device and entity registries once per
// session, pushes them to the metadata collaborator and refreshes the
// registry cache consulted by the normalizer.
type Discovery struct {
	cfg    DiscoveryConfig
	meta   *MetadataClient
	cache  *normalize.RegistryCache
	clock  clockwork.Clock
	broker *events.Broker
	logger zerolog.Logger
}

// NewDiscovery creates a discovery task.
func NewDiscovery(cfg DiscoveryConfig, meta *MetadataClient, cache *normalize.RegistryCache, clock clockwork.Clock, broker *events.Broker) *Discovery {
	cfg.applyDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Discovery{
		cfg:    cfg,
		meta:   meta,
		cache:  cache,
		clock:  clock,
		broker: broker,
		logger: log.WithComponent("discovery"),
	}
}

// Run performs discovery against the given session, rescheduling itself
// while the hub listings keep failing. It returns when a run completes
// or ctx (the session context) is cancelled.
func (d *Discovery) Run(ctx context.Context, rpc RPC) {
	for {
		err := d.runOnce(ctx, rpc)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		metrics.DiscoveryRuns.WithLabelValues("error").Inc()
		d.emit(events.Event{Type: events.EventDiscoveryFailed, Err: err.Error()})
		d.logger.Error().Err(err).Dur("retry_in", d.cfg.RescheduleAfter).Msg("Discovery failed, keeping previous cache")

		select {
		case <-d.clock.After(d.cfg.RescheduleAfter):
		case <-ctx.Done():
			return
		}
	}
}

// runOnce executes one full discovery pass.
func (d *Discovery) runOnce(ctx context.Context, rpc RPC) error {
	devices, err := d.listDevices(ctx, rpc)
	if err != nil {
		return err
	}
	entities, err := d.listEntities(ctx, rpc)
	if err != nil {
		return err
	}

	// The cache is authoritative for the normalizer regardless of the
	// external upsert outcome, so it is refreshed first.
	d.cache.Replace(buildCache(entities))

	devicePayloads := buildDevicePayloads(devices)
	entityPayloads := buildEntityPayloads(entities)

	// Collaborator errors are logged and retried inside the client but
	// never abort the session.
	if err := d.meta.UpsertDevices(ctx, devicePayloads); err != nil {
		d.logger.Error().Err(err).Msg("Device upsert failed")
	}
	if err := d.meta.UpsertEntities(ctx, entityPayloads); err != nil {
		d.logger.Error().Err(err).Msg("Entity upsert failed")
	}

	metrics.DiscoveryRuns.WithLabelValues("ok").Inc()
	d.emit(events.Event{
		Type:    events.EventDiscoveryDone,
		Records: len(entities),
		Message: fmt.Sprintf("discovered %d devices, %d entities", len(devices), len(entities)),
	})
	d.logger.Info().Int("devices", len(devices)).Int("entities", len(entities)).Msg("Registry discovery completed")
	return nil
}

func (d *Discovery) listDevices(ctx context.Context, rpc RPC) ([]types.DeviceEntry, error) {
	raw, err := d.listWithRetry(ctx, rpc, types.MsgDeviceRegistryList)
	if err != nil {
		return nil, err
	}
	var devices []types.DeviceEntry
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("failed to decode device registry: %w", err)
	}
	return devices, nil
}

func (d *Discovery) listEntities(ctx context.Context, rpc RPC) ([]types.EntityEntry, error) {
	raw, err := d.listWithRetry(ctx, rpc, types.MsgEntityRegistryList)
	if err != nil {
		return nil, err
	}
	var entities []types.EntityEntry
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("failed to decode entity registry: %w", err)
	}
	return entities, nil
}

// listWithRetry issues a registry list RPC, retrying with 2s/4s delays
// before giving up on this run.
func (d *Discovery) listWithRetry(ctx context.Context, rpc RPC, msgType string) ([]byte, error) {
	delay := d.cfg.ListRetryDelay

	var lastErr error
	for attempt := 0; attempt <= d.cfg.ListRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-d.clock.After(delay):
				delay *= 2
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		raw, err := rpc.Call(ctx, msgType)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		d.logger.Warn().Err(err).Str("rpc", msgType).Int("attempt", attempt+1).Msg("Registry listing failed")
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", msgType, d.cfg.ListRetries+1, lastErr)
}

// buildCache derives the normalizer's entity lookup from an entity
// list.
func buildCache(entities []types.EntityEntry) map[string]normalize.RegistryEntry {
	cache := make(map[string]normalize.RegistryEntry, len(entities))
	for _, e := range entities {
		cache[e.EntityID] = normalize.RegistryEntry{DeviceID: e.DeviceID, AreaID: e.AreaID}
	}
	return cache
}

func buildDevicePayloads(devices []types.DeviceEntry) []types.DevicePayload {
	out := make([]types.DevicePayload, 0, len(devices))
	for _, dev := range devices {
		name := dev.Name
		if dev.NameByUser != nil && *dev.NameByUser != "" {
			name = *dev.NameByUser
		}
		out = append(out, types.DevicePayload{
			ID:           dev.ID,
			Name:         name,
			Manufacturer: dev.Manufacturer,
			Model:        dev.Model,
			SWVersion:    dev.SWVersion,
			AreaID:       dev.AreaID,
			Integration:  integrationOf(dev),
		})
	}
	return out
}

func buildEntityPayloads(entities []types.EntityEntry) []types.EntityPayload {
	out := make([]types.EntityPayload, 0, len(entities))
	for _, e := range entities {
		domain := ""
		for i := 0; i < len(e.EntityID); i++ {
			if e.EntityID[i] == '.' {
				domain = e.EntityID[:i]
				break
			}
		}
		out = append(out, types.EntityPayload{
			EntityID: e.EntityID,
			DeviceID: e.DeviceID,
			Domain:   domain,
			Platform: e.Platform,
			UniqueID: e.UniqueID,
			AreaID:   e.AreaID,
			Disabled: e.DisabledBy != "",
		})
	}
	return out
}

// integrationOf extracts the integration name from a device's
// identifiers, which arrive as [[integration, id], ...] pairs.
func integrationOf(dev types.DeviceEntry) string {
	for _, pair := range dev.Identifiers {
		if len(pair) > 0 {
			if s, ok := pair[0].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func (d *Discovery) emit(ev events.Event) {
	if d.broker != nil {
		d.broker.Publish(ev)
	}
}
