// Package transport provides the multiplexed channel surface echomux is built
// on: session-scoped publications and subscriptions with peer presence
// tracking, plus the handshake path clients use to obtain a session.
//
// # Model
//
// A Channel is one logical stream identified by (endpoint, port, session).
// The port is a numeric channel identifier, not an OS port; it partitions the
// subject space the same way the addressing model it descends from partitions
// UDP ports. Opening a Publication on a channel makes frames offered there
// fan out to every Subscription on the same channel (dynamic
// multi-destination delivery). Opening a Subscription yields buffered frames
// via Poll and peer attach/detach notification via image handlers.
//
// An Image is a live remote peer: one remote publication currently attached
// to a local subscription. ImageCount is the liveness signal the session
// layer uses for both last-peer teardown and idle-session expiry.
//
// # NATS Implementation
//
// Subjects: "<prefix>.<addr>.ch.<port>.<session>" carries frames,
// "...presence" carries HELLO/BYE/PROBE announcements, and
// "<prefix>.<addr>.hello" carries handshake request/reply. Presence is
// announced by publications (HELLO on open, BYE on close) and probed by
// late-opening subscriptions. Delivery within one subject is ordered; the
// network below is assumed unreliable and no retransmission is attempted
// here.
//
// Image handlers fire on the NATS delivery goroutine. Consumers with
// execution-affinity requirements must re-dispatch onto their own executor
// before touching state; the duologue package does exactly that.
package transport
