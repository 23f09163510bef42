/*
Package api exposes the daemon's HTTP health surface.

These endpoints are served on HEALTH_PORT:

  - /health: liveness plus a full counter snapshot (connection,
    subscription, writer and pipeline sections). Status is "healthy"
    only while the hub session is ACTIVE and the batch writer has not
    hit a fatal store error.
  - /ready: readiness. 503 until the first successful authenticated
    session, and while any collaborator probe (store, metadata) fails.
  - /metrics: the Prometheus registry from pkg/metrics.
  - /debug/pprof/: the net/http/pprof profiling handlers.

The server reads snapshots through accessor functions handed to it at
construction; it holds no references into live components. The Tracker
subscribes to the lifecycle event broker to surface the most recent
error classification.
*/
package api
