//go:build integration

package transport

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startNATSContainer starts a disposable NATS server for integration tests.
func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.11.7-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)

	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return natsContainer, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_PublicationToSubscription(t *testing.T) {
	ctx := context.Background()

	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	serverConn, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer clientConn.Close()

	serverSide, err := NewNATS(serverConn, "10.0.0.1:9000")
	require.NoError(t, err)
	clientSide, err := NewNATS(clientConn, "10.0.0.5:53618")
	require.NoError(t, err)

	ep := Endpoint{Prefix: "echomux-it", Addr: netip.MustParseAddr("10.0.0.1")}
	ch := Channel{Endpoint: ep, Port: 9001, Session: 7}

	attached := make(chan Image, 1)
	detached := make(chan Image, 1)

	sub, err := serverSide.OpenSubscription(ctx, ch,
		func(img Image) { attached <- img },
		func(img Image) { detached <- img })
	require.NoError(t, err)
	defer sub.Close()

	pub, err := clientSide.OpenPublication(ctx, ch)
	require.NoError(t, err)

	select {
	case img := <-attached:
		assert.Equal(t, "10.0.0.5:53618", img.SourceIdentity())
	case <-time.After(5 * time.Second):
		t.Fatal("no image attach observed")
	}
	assert.Equal(t, 1, sub.ImageCount())

	require.NoError(t, pub.Offer([]byte("ECHO hi")))

	deadline := time.Now().Add(5 * time.Second)
	var got []string
	for len(got) == 0 && time.Now().Before(deadline) {
		sub.Poll(func(payload []byte) { got = append(got, string(payload)) }, 10)
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, []string{"ECHO hi"}, got)

	require.NoError(t, pub.Close())

	select {
	case <-detached:
	case <-time.After(5 * time.Second):
		t.Fatal("no image detach observed")
	}
	assert.Equal(t, 0, sub.ImageCount())
}

func TestIntegration_LateSubscriberSeesProbedPresence(t *testing.T) {
	ctx := context.Background()

	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	nc, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer nc.Close()

	tr, err := NewNATS(nc, "10.0.0.5:53618")
	require.NoError(t, err)

	ep := Endpoint{Prefix: "echomux-it", Addr: netip.MustParseAddr("10.0.0.1")}
	ch := Channel{Endpoint: ep, Port: 9003, Session: 9}

	// Publication opens first; its HELLO is gone by the time we subscribe.
	pub, err := tr.OpenPublication(ctx, ch)
	require.NoError(t, err)
	defer pub.Close()

	sub, err := tr.OpenSubscription(ctx, ch, nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return sub.ImageCount() == 1 },
		5*time.Second, 20*time.Millisecond,
		"PROBE should recover the pre-existing publication")
}

func TestIntegration_Handshake(t *testing.T) {
	ctx := context.Background()

	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	nc, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer nc.Close()

	tr, err := NewNATS(nc, "10.0.0.1:9000")
	require.NoError(t, err)

	ep := Endpoint{Prefix: "echomux-it", Addr: netip.MustParseAddr("10.0.0.1")}

	responder, err := tr.ServeHandshake(ctx, ep, func(payload []byte) []byte {
		return []byte("CONNECT 1 9001 9002")
	})
	require.NoError(t, err)
	defer responder.Close()

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reply, err := tr.Handshake(reqCtx, ep, []byte("HELLO 10.0.0.5:53618"))
	require.NoError(t, err)
	assert.Equal(t, "CONNECT 1 9001 9002", string(reply))
}
