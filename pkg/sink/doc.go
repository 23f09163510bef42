/*
Package sink persists normalized records to the time-series store with
bounded latency and memory.

The Writer buffers records in a channel sized to BUFFER_CAPACITY and
flushes from a single worker goroutine when the batch reaches
BATCH_SIZE, when BATCH_TIMEOUT elapses since the oldest buffered record,
or on an explicit Flush. Append does not block while the buffer has
room, including between the high-water mark and capacity; once the
buffer is full it blocks for a bounded wait (AppendWait) and then fails
with ErrBufferFull.

Write failures are classified by StoreClient: transport errors and 5xx
retry with exponential backoff, 429 honors the Retry-After hint, field
type conflicts bisect the batch until the offending records are isolated
and dropped, and authorization failures flip the writer unhealthy until
Reset.

Records are encoded as line protocol; tag columns become indexed
dimensions and field columns the value payload.
*/
package sink
