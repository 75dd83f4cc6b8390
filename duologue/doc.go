// Package duologue implements the per-client session object of the echo
// service.
//
// # Model
//
// A Duologue is one isolated, bidirectional conversation between the server
// and exactly one remote peer, bound to an immutable session id, an owner
// address, and a data/control channel pair. It owns exactly two transport
// handles - a publication on the control channel for replies and a
// subscription on the data channel for requests - plus a fixed 1024-byte
// aligned scratch buffer for encoding outbound frames. The handles are opened
// together at creation and always closed together.
//
// # Protocol
//
// Frames are single-line UTF-8 text. "ECHO <payload>" (payload may be empty)
// is answered with the identical frame and the session stays open. Anything
// else - including undecodable bytes - is answered with "ERROR bad message"
// and the session closes: a protocol violation terminates one conversation,
// never the server. An I/O failure while replying closes the session too,
// attributed separately from protocol violations.
//
// # Concurrency
//
// A duologue has no locks. It is pinned at creation to one executor and every
// operation that touches mutable state (Poll, IsExpired, IsClosed, Close)
// asserts it is running on that executor's goroutine. Transport peer
// attach/detach callbacks arrive on a goroutine the duologue does not own;
// their bodies are packaged as tasks and enqueued, so all state transitions
// apply sequentially on the executor.
//
// # Lifecycle
//
// The pool creates a duologue, polls it periodically on the executor, reaps
// it once IsExpired reports true (no attached peers and strictly past the
// 10-second creation deadline - an absolute window, not a sliding one), and
// destroys it after observing IsClosed. The duologue closes itself on
// protocol violation, reply failure, or when its last peer detaches.
package duologue
