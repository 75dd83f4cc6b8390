// Package client implements the echomux client: the handshake that leases a
// session from the server and the echo round trip over the session's channel
// pair.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/echomux/errors"
	"github.com/c360/echomux/transport"
)

const (
	helloVerb   = "HELLO"
	connectVerb = "CONNECT"
	errorVerb   = "ERROR"

	echoPrefix = "ECHO "

	defaultPollInterval = 5 * time.Millisecond
)

// connection describes the session lease granted by a CONNECT reply.
type connection struct {
	session     int
	portData    int
	portControl int
}

// parseConnect parses a handshake reply. An ERROR reply surfaces the server's
// reason; anything else is a protocol violation.
func parseConnect(reply []byte) (connection, error) {
	fields := strings.Fields(string(reply))
	switch {
	case len(fields) == 4 && fields[0] == connectVerb:
		var conn connection
		var err error
		if conn.session, err = strconv.Atoi(fields[1]); err != nil {
			break
		}
		if conn.portData, err = strconv.Atoi(fields[2]); err != nil {
			break
		}
		if conn.portControl, err = strconv.Atoi(fields[3]); err != nil {
			break
		}
		return conn, nil
	case len(fields) >= 1 && fields[0] == errorVerb:
		reason := strings.TrimSpace(strings.TrimPrefix(string(reply), errorVerb))
		return connection{}, errors.Wrap(
			fmt.Errorf("server rejected handshake: %s", reason),
			"Client", "parseConnect", "negotiate session")
	}
	return connection{}, errors.WrapProtocol(errors.ErrBadMessage,
		"Client", "parseConnect", "parse handshake reply")
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithPollInterval sets how often Echo polls for a reply.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// Client is one leased session: a publication carrying requests to the server
// and a subscription carrying its replies. Safe for use from one goroutine;
// calls are serialized by the caller or a mutex, not an executor.
type Client struct {
	log          *slog.Logger
	pollInterval time.Duration

	conn connection

	mu     sync.Mutex
	pub    transport.Publication
	sub    transport.Subscription
	closed bool
}

// Dial performs the handshake against the server's endpoint and attaches to
// the granted session's channels.
func Dial(ctx context.Context, tr transport.Transport, remote transport.Endpoint, opts ...Option) (*Client, error) {
	if tr == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingDependency,
			"Client", "Dial", "missing transport")
	}
	if !remote.Valid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument,
			"Client", "Dial", "invalid remote endpoint")
	}

	c := &Client{
		log:          slog.Default(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	request := []byte(helloVerb + " " + tr.Identity())
	reply, err := tr.Handshake(ctx, remote, request)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "Dial", "handshake request")
	}

	conn, err := parseConnect(reply)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	// Requests flow out on the data channel; replies come back on the
	// control channel.
	dataCh := transport.Channel{Endpoint: remote, Port: conn.portData, Session: conn.session}
	controlCh := transport.Channel{Endpoint: remote, Port: conn.portControl, Session: conn.session}

	sub, err := tr.OpenSubscription(ctx, controlCh, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Client", "Dial", "open reply subscription")
	}

	pub, err := tr.OpenPublication(ctx, dataCh)
	if err != nil {
		serr := sub.Close()
		return nil, errors.WithSecondary(
			errors.Wrap(err, "Client", "Dial", "open request publication"), serr)
	}

	c.sub = sub
	c.pub = pub

	c.log.Debug("session leased",
		slog.Int("session", conn.session),
		slog.Int("port_data", conn.portData),
		slog.Int("port_control", conn.portControl))

	return c, nil
}

// Session returns the leased session id.
func (c *Client) Session() int {
	return c.conn.session
}

// Echo sends one request and waits for the server's reply. The request text
// is returned unchanged on success; a server-side rejection or a closed
// session surfaces as an error.
func (c *Client) Echo(ctx context.Context, payload string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", errors.ErrClosed
	}

	if err := c.pub.Offer([]byte(echoPrefix + payload)); err != nil {
		return "", errors.Wrap(err, "Client", "Echo", "send request")
	}

	reply, err := c.awaitReply(ctx)
	if err != nil {
		return "", err
	}

	if strings.HasPrefix(reply, errorVerb+" ") || reply == errorVerb {
		reason := strings.TrimSpace(strings.TrimPrefix(reply, errorVerb))
		return "", errors.WrapProtocol(
			fmt.Errorf("%w: %s", errors.ErrBadMessage, reason),
			"Client", "Echo", "request rejected")
	}
	if !strings.HasPrefix(reply, echoPrefix) {
		return "", errors.WrapProtocol(errors.ErrBadMessage,
			"Client", "Echo", "parse reply")
	}
	return strings.TrimPrefix(reply, echoPrefix), nil
}

// awaitReply polls the reply subscription until one frame arrives or ctx is
// done. Caller holds c.mu.
func (c *Client) awaitReply(ctx context.Context) (string, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var reply string
		n := c.sub.Poll(func(frame []byte) {
			if reply == "" {
				reply = string(frame)
			}
		}, 1)
		if n > 0 {
			return reply, nil
		}

		select {
		case <-ctx.Done():
			return "", errors.WrapIO(ctx.Err(), "Client", "awaitReply", "wait for reply")
		case <-ticker.C:
		}
	}
}

// Close releases the session's channels. Idempotent. The server notices the
// departure through the transport and retires the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	perr := c.pub.Close()
	serr := c.sub.Close()

	if serr != nil {
		return errors.WithSecondary(
			errors.Wrap(serr, "Client", "Close", "close reply subscription"), perr)
	}
	if perr != nil {
		return errors.Wrap(perr, "Client", "Close", "close request publication")
	}
	return nil
}
