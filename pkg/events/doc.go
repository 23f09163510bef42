/*
Package events provides the lifecycle event bus of the ingestion
pipeline.

The session loop, batch writer and discovery task publish typed events
(session connected/closed with a close reason, auth failures, batch
flushes with record counts, discovery completion) and consumers such as
the health tracker subscribe to exactly the types they care about:

	sub := broker.Subscribe(events.EventSessionClosed, events.EventBatchFailed)
	defer sub.Close()
	for ev := range sub.C() {
		// ev.Reason, ev.Err, ev.Records are typed fields
	}

	broker.Publish(events.Event{
		Type:      events.EventBatchFlushed,
		Records:   100,
	})

Delivery is best effort and synchronous: Publish fans out directly under
a read lock and never blocks, so a slow observer misses events rather
than stalling the pipeline. There is no background goroutine; Close
detaches every subscriber.
*/
package events
