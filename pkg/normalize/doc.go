/*
Package normalize turns raw nested state_changed envelopes into the flat
records persisted by the batch writer.

The Normalizer validates each event (entity_id shape, state presence,
timestamp skew), flattens it, promotes the whitelisted attribute keys
(friendly_name, unit_of_measurement, device_class), attaches spatial
tags from the RegistryCache and derives duration_in_state from the
DurationTracker. Exactly one record is produced per accepted event;
rejected events are counted by reason and never kill the session.

The RegistryCache is a snapshot-replaced map published by discovery; the
DurationTracker is a sharded in-memory map of last transitions that
survives reconnects but not process restarts.
*/
package normalize
