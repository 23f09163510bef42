/*
Package types defines the shared data model of the ingestion pipeline.

It contains the wire types of the hub WebSocket protocol (Frame, RawEvent,
State), the flat normalized Record written to the time-series store, and
the registry rows and collaborator payloads used by discovery.

Record separates tag columns (low cardinality, indexed by the store) from
field columns (value payload); Tags and Fields return the populated
columns keyed by their persisted names.
*/
package types
