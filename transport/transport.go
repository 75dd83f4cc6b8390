// Package transport defines the channel surface that duologues and the server
// consume, plus the NATS implementation of it.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strings"
)

// Endpoint is the server's bind identity inside a shared subject space. All
// channels of one server hang off its endpoint so that multiple servers can
// share a transport cluster without colliding.
type Endpoint struct {
	Prefix string     // subject prefix, e.g. "echomux"
	Addr   netip.Addr // local bind address
}

// Valid reports whether the endpoint has both a prefix and an address.
func (e Endpoint) Valid() bool {
	return e.Prefix != "" && e.Addr.IsValid()
}

// token renders the address as a subject token (dots collide with subject
// hierarchy separators).
func (e Endpoint) token() string {
	return strings.NewReplacer(".", "-", ":", "_").Replace(e.Addr.String())
}

// AllClientsSubject is where handshake requests for this endpoint arrive.
func (e Endpoint) AllClientsSubject() string {
	return fmt.Sprintf("%s.%s.hello", e.Prefix, e.token())
}

// Channel identifies one logical stream scoped to a port and a session id.
// A channel maps to exactly one subject; the port is a numeric channel
// identifier inherited from the addressing model, not an OS port.
type Channel struct {
	Endpoint Endpoint
	Port     int
	Session  int
}

// Subject returns the frame subject of the channel.
func (c Channel) Subject() string {
	return fmt.Sprintf("%s.%s.ch.%d.%d", c.Endpoint.Prefix, c.Endpoint.token(), c.Port, c.Session)
}

// PresenceSubject returns the sibling subject carrying peer attach/detach
// announcements for the channel.
func (c Channel) PresenceSubject() string {
	return c.Subject() + ".presence"
}

// Image is a live remote peer observed on a subscription.
type Image interface {
	// Correlation uniquely identifies one peer attachment.
	Correlation() string
	// SourceIdentity is the peer's announced network identity, "host:port".
	SourceIdentity() string
}

// ImageHandler is invoked when a peer attaches to or detaches from a
// subscription. Handlers run on a transport-owned goroutine; implementations
// must re-dispatch before touching affinity-bound state.
type ImageHandler func(Image)

// FragmentHandler consumes one inbound frame during a Poll drain. The payload
// is owned by the handler for the duration of the call only.
type FragmentHandler func(payload []byte)

// Publication is the outbound half of a channel. Frames offered here fan out
// dynamically to every peer subscribed to the channel.
type Publication interface {
	Offer(payload []byte) error
	Close() error
}

// Subscription is the inbound half of a channel.
type Subscription interface {
	// Poll delivers up to limit buffered frames to h and returns how many.
	Poll(h FragmentHandler, limit int) int
	// ImageCount returns the number of live peers currently attached.
	ImageCount() int
	Close() error
}

// HandshakeHandler processes one handshake request payload and returns the
// reply payload.
type HandshakeHandler func(payload []byte) []byte

// Transport opens channels. Implementations: NATS (production) and the
// in-memory transport in testutil.
type Transport interface {
	// Identity is the source identity this process announces to peers,
	// "host:port".
	Identity() string

	// OpenPublication opens the outbound half of ch and announces the local
	// peer's presence on it.
	OpenPublication(ctx context.Context, ch Channel) (Publication, error)

	// OpenSubscription opens the inbound half of ch. onAvailable and
	// onUnavailable fire on peer presence changes, on a transport-owned
	// goroutine.
	OpenSubscription(ctx context.Context, ch Channel,
		onAvailable, onUnavailable ImageHandler) (Subscription, error)

	// ServeHandshake registers h as the responder for handshake requests on
	// the endpoint's all-clients subject.
	ServeHandshake(ctx context.Context, e Endpoint, h HandshakeHandler) (io.Closer, error)

	// Handshake sends one handshake request to the endpoint and waits for
	// the reply.
	Handshake(ctx context.Context, e Endpoint, payload []byte) ([]byte, error)
}
