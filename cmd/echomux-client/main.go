// Package main implements a line-oriented echomux client: it leases a session
// from a server, then echoes stdin lines through it.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/echomux/client"
	"github.com/c360/echomux/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("client failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		natsURL  = flag.String("nats", nats.DefaultURL, "NATS server URL")
		prefix   = flag.String("prefix", "echomux", "Server subject prefix")
		address  = flag.String("address", "127.0.0.1", "Server endpoint address")
		identity = flag.String("identity", "", "Source identity announced to the server (host:port; derived when empty)")
		timeout  = flag.Duration("timeout", 5*time.Second, "Per-request timeout")
	)
	flag.Parse()

	addr, err := netip.ParseAddr(*address)
	if err != nil {
		return fmt.Errorf("invalid server address: %w", err)
	}
	remote := transport.Endpoint{Prefix: *prefix, Addr: addr}

	if *identity == "" {
		// A locally unique fake port keeps concurrent clients on one host
		// distinguishable.
		*identity = fmt.Sprintf("127.0.0.1:%d", 10000+int(uuid.New().ID()%50000))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(*natsURL, nats.Name("echomux-client"))
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	tr, err := transport.NewNATS(nc, *identity)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	c, err := client.Dial(dialCtx, tr, remote)
	cancel()
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	defer func() { _ = c.Close() }()

	fmt.Fprintf(os.Stderr, "session %d leased; type lines to echo, EOF to quit\n", c.Session())

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}

		reqCtx, cancel := context.WithTimeout(ctx, *timeout)
		reply, err := c.Echo(reqCtx, scanner.Text())
		cancel()
		if err != nil {
			return fmt.Errorf("echo: %w", err)
		}
		fmt.Println(reply)
	}
	return scanner.Err()
}
