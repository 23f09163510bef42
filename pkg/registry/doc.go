/*
Package registry implements periodic registry discovery against the hub
and the push toward the metadata collaborator.

Once per session, after the connection goes active, Discovery lists the
hub's device and entity registries over the session's RPC channel,
refreshes the normalizer's registry cache (always, the cache is
authoritative locally) and bulk-upserts both lists to the collaborator.
Hub listing failures retry twice with 2s/4s delays and then reschedule
the whole run five minutes out, keeping the previous cache in place;
collaborator failures are retried with backoff and never abort the
session.
*/
package registry
