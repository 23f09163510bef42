/*
Package metrics defines the Prometheus instrumentation for hearthpipe.

All metrics are declared as package-level collectors and registered in
init(), so importing the package is enough to make them available on the
/metrics endpoint served by pkg/api.

The metric families mirror the ingestion pipeline stages: connection
lifecycle (attempts, successes, failures by close reason), the event
pipeline (received, rejected by validation reason, malformed frames), the
batch writer (records and batches written, drops by cause, flush latency,
buffer occupancy) and registry discovery.
*/
package metrics
