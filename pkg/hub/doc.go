/*
Package hub implements the WebSocket session against the home-automation
hub: the frame codec, the two-phase auth handshake, the event
subscription machinery and the supervisor that keeps one session alive
through arbitrary network failure.

# Session lifecycle

A Session moves through a fixed state machine:

	CONNECTING → AUTHENTICATING → SUBSCRIBING → ACTIVE → CLOSED

Once ACTIVE, four goroutines cooperate over channels: a read loop (the
only socket reader), a write loop (the only socket writer), a handler
loop that routes dispatched frames to subscriptions and pending calls,
and a watchdog that sends the application-level ping and enforces the
silence timeout. Frames from a session are dispatched in receive order.

A session is single-use. When it ends, Run returns a Classification
(dial_failed, auth_failed, ping_timeout, ...) and the Supervisor decides
the retry cadence: exponential backoff from 1s capped at MaxDelay, reset
after a session survives the success threshold, with a 60s floor after
auth_invalid.

Registry RPCs (device/entity listing) use Session.Call, which assigns a
correlation ID and waits for the matching result frame.
*/
package hub
