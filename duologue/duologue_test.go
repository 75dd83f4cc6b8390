package duologue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/echomux/errors"
	"github.com/c360/echomux/executor"
	"github.com/c360/echomux/testutil"
	"github.com/c360/echomux/transport"
)

const (
	testSession     = 7
	testPortData    = 9001
	testPortControl = 9002
)

var (
	testOwner = netip.MustParseAddr("10.0.0.5")
	testLocal = transport.Endpoint{
		Prefix: "echomux",
		Addr:   netip.MustParseAddr("10.0.0.1"),
	}
)

// fixture wires a duologue to the in-memory transport on a private executor.
type fixture struct {
	t    *testing.T
	exec *executor.Executor
	tr   *testutil.Transport
	d    *Duologue
	t0   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:    t,
		exec: executor.New("test", 64),
		tr:   testutil.NewTransport("10.0.0.1:0"),
		t0:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() { f.exec.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, f.exec.Perform(func() error {
		var err error
		f.d, err = Create(context.Background(), Config{
			Transport:   f.tr,
			Clock:       func() time.Time { return f.t0 },
			Executor:    f.exec,
			Local:       testLocal,
			Owner:       testOwner,
			Session:     testSession,
			PortData:    testPortData,
			PortControl: testPortControl,
			Logger:      log,
		})
		return err
	}))
	return f
}

func (f *fixture) dataChannel() transport.Channel {
	return transport.Channel{Endpoint: testLocal, Port: testPortData, Session: testSession}
}

func (f *fixture) controlChannel() transport.Channel {
	return transport.Channel{Endpoint: testLocal, Port: testPortControl, Session: testSession}
}

// sub is the duologue's inbound data subscription.
func (f *fixture) sub() *testutil.MemSubscription {
	f.t.Helper()
	s := f.tr.LastSubscription(f.dataChannel())
	require.NotNil(f.t, s)
	return s
}

// pub is the duologue's outbound control publication.
func (f *fixture) pub() *testutil.MemPublication {
	f.t.Helper()
	p := f.tr.LastPublication(f.controlChannel())
	require.NotNil(f.t, p)
	return p
}

func (f *fixture) poll() {
	f.t.Helper()
	require.NoError(f.t, f.exec.Perform(func() error {
		f.d.Poll()
		return nil
	}))
}

// barrier waits until all previously enqueued executor tasks have run.
func (f *fixture) barrier() {
	f.t.Helper()
	require.NoError(f.t, f.exec.Perform(func() error { return nil }))
}

func (f *fixture) isClosed() bool {
	f.t.Helper()
	var closed bool
	require.NoError(f.t, f.exec.Perform(func() error {
		closed = f.d.IsClosed()
		return nil
	}))
	return closed
}

func (f *fixture) isExpired(now time.Time) bool {
	f.t.Helper()
	var expired bool
	require.NoError(f.t, f.exec.Perform(func() error {
		expired = f.d.IsExpired(now)
		return nil
	}))
	return expired
}

func TestDuologue_EchoRoundTrip(t *testing.T) {
	f := newFixture(t)

	f.sub().Deliver([]byte("ECHO hi"))
	f.poll()

	assert.Equal(t, []string{"ECHO hi"}, f.pub().Frames())
	assert.False(t, f.isClosed(), "a matched echo keeps the session open")
}

func TestDuologue_EchoEmptyPayload(t *testing.T) {
	f := newFixture(t)

	f.sub().Deliver([]byte("ECHO "))
	f.poll()

	assert.Equal(t, []string{"ECHO "}, f.pub().Frames())
	assert.False(t, f.isClosed())
}

func TestDuologue_ExactlyOneReplyPerRequest(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.sub().Deliver([]byte(fmt.Sprintf("ECHO msg-%d", i)))
	}
	f.poll()

	assert.Equal(t, []string{"ECHO msg-0", "ECHO msg-1", "ECHO msg-2"}, f.pub().Frames())
	assert.False(t, f.isClosed())
}

func TestDuologue_BadMessageClosesSession(t *testing.T) {
	for _, input := range []string{"PING", "", "ECHOX y", "ECHO", "STOP"} {
		t.Run(fmt.Sprintf("input_%q", input), func(t *testing.T) {
			f := newFixture(t)

			f.sub().Deliver([]byte(input))
			f.poll()

			assert.Equal(t, []string{"ERROR bad message"}, f.pub().Frames())
			assert.True(t, f.isClosed())
		})
	}
}

func TestDuologue_InvalidUTF8ClosesSession(t *testing.T) {
	f := newFixture(t)

	f.sub().Deliver([]byte{0xff, 0xfe, 'E', 'C', 'H', 'O'})
	f.poll()

	assert.Equal(t, []string{"ERROR bad message"}, f.pub().Frames())
	assert.True(t, f.isClosed())
}

func TestDuologue_PollLimit(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 12; i++ {
		f.sub().Deliver([]byte(fmt.Sprintf("ECHO %d", i)))
	}

	f.poll()
	assert.Len(t, f.pub().Frames(), 10, "one poll drains at most 10 fragments")

	f.poll()
	assert.Len(t, f.pub().Frames(), 12)
}

func TestDuologue_FramesAfterViolationIgnored(t *testing.T) {
	f := newFixture(t)

	f.sub().Deliver([]byte("STOP"))
	f.sub().Deliver([]byte("ECHO after"))
	f.poll()

	// The poison frame closed the session inside the drain batch; the echo
	// that followed it in the same batch must not produce a reply.
	assert.Equal(t, []string{"ERROR bad message"}, f.pub().Frames())
	assert.True(t, f.isClosed())
}

func TestDuologue_EchoReplyFailureClosesSession(t *testing.T) {
	f := newFixture(t)

	f.pub().FailOffer(errors.ErrPublicationClosed)
	f.sub().Deliver([]byte("ECHO hi"))
	f.poll()

	assert.True(t, f.isClosed(), "an I/O failure replying closes the session")
}

func TestDuologue_ErrorReplyFailureStillCloses(t *testing.T) {
	f := newFixture(t)

	f.pub().FailOffer(errors.ErrPublicationClosed)
	f.sub().Deliver([]byte("PING"))
	f.poll()

	assert.True(t, f.isClosed(), "teardown proceeds even when the error reply fails")
}

func TestDuologue_PollAfterCloseIsNoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.exec.Perform(func() error { return f.d.Close() }))

	f.sub().Deliver([]byte("ECHO hi"))
	f.poll()

	assert.Empty(t, f.pub().Frames())
}

func TestDuologue_CloseIdempotent(t *testing.T) {
	f := newFixture(t)

	closeErr := fmt.Errorf("flaky close")
	f.pub().FailClose(closeErr)

	var first, second error
	require.NoError(t, f.exec.Perform(func() error {
		first = f.d.Close()
		second = f.d.Close()
		return nil
	}))

	assert.ErrorIs(t, first, closeErr)
	assert.NoError(t, second, "second close is a no-op and must not re-close the channels")
	assert.True(t, f.isClosed())
}

func TestDuologue_CloseCause(t *testing.T) {
	f := newFixture(t)

	var before string
	require.NoError(t, f.exec.Perform(func() error {
		before = f.d.CloseCause()
		return nil
	}))
	assert.Empty(t, before, "an open duologue has no close cause")

	f.sub().Deliver([]byte("STOP"))
	f.poll()

	var after string
	require.NoError(t, f.exec.Perform(func() error {
		after = f.d.CloseCause()
		require.NoError(t, f.d.Close())
		return nil
	}))
	assert.Equal(t, CauseProtocol, after)

	// A later explicit close must not overwrite the original cause.
	require.NoError(t, f.exec.Perform(func() error {
		after = f.d.CloseCause()
		return nil
	}))
	assert.Equal(t, CauseProtocol, after)
}

func TestDuologue_CloseClosesBothChannels(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.exec.Perform(func() error { return f.d.Close() }))

	assert.True(t, f.pub().Closed())
	assert.True(t, f.sub().Closed())
}

func TestDuologue_CloseAggregatesBothFailures(t *testing.T) {
	f := newFixture(t)

	pubErr := fmt.Errorf("publication close boom")
	subErr := fmt.Errorf("subscription close boom")
	f.pub().FailClose(pubErr)
	f.sub().FailClose(subErr)

	var err error
	require.NoError(t, f.exec.Perform(func() error {
		err = f.d.Close()
		return nil
	}))

	require.Error(t, err)
	assert.ErrorIs(t, err, subErr, "the later (subscription) failure is primary")
	assert.ErrorIs(t, err, pubErr, "the earlier failure rides along as secondary cause")
	assert.True(t, f.isClosed(), "closed is marked even when both closes fail")
}

func TestDuologue_CloseSubscriptionDespitePublicationFailure(t *testing.T) {
	f := newFixture(t)

	f.pub().FailClose(fmt.Errorf("publication close boom"))

	var err error
	require.NoError(t, f.exec.Perform(func() error {
		err = f.d.Close()
		return nil
	}))

	require.Error(t, err)
	assert.True(t, f.sub().Closed(), "the subscription close is attempted regardless")
}

func TestDuologue_PeerConnectScenario(t *testing.T) {
	// Session 7, owner 10.0.0.5, created at T0. Peer connects from the owner
	// address, echoes once, then violates the protocol.
	f := newFixture(t)

	f.sub().AttachPeer("corr-1", "10.0.0.5:53618")
	f.barrier()
	assert.False(t, f.isClosed(), "correct-address attach only logs")

	f.sub().Deliver([]byte("ECHO hi"))
	f.poll()
	assert.Equal(t, []string{"ECHO hi"}, f.pub().Frames())

	f.sub().Deliver([]byte("STOP"))
	f.poll()
	assert.Equal(t, []string{"ECHO hi", "ERROR bad message"}, f.pub().Frames())
	assert.True(t, f.isClosed())
}

func TestDuologue_WrongAddressPeerNotTerminated(t *testing.T) {
	f := newFixture(t)

	// Documented observe-only behavior: a mismatched address is logged as an
	// error but the session is not closed.
	f.sub().AttachPeer("corr-1", "192.168.1.99:1000")
	f.barrier()

	assert.False(t, f.isClosed())
	assert.Empty(t, f.pub().Frames())
}

func TestDuologue_LastPeerDisconnectCloses(t *testing.T) {
	f := newFixture(t)

	f.sub().AttachPeer("corr-1", "10.0.0.5:1000")
	f.barrier()

	f.sub().DetachPeer("corr-1")
	f.barrier()

	assert.True(t, f.isClosed(), "zero remaining images closes the session")
}

func TestDuologue_MultiImageDisconnect(t *testing.T) {
	f := newFixture(t)

	f.sub().AttachPeer("corr-1", "10.0.0.5:1000")
	f.sub().AttachPeer("corr-2", "10.0.0.5:2000")
	f.barrier()

	f.sub().DetachPeer("corr-1")
	f.barrier()
	assert.False(t, f.isClosed(), "one image remains, session stays open")

	f.sub().DetachPeer("corr-2")
	f.barrier()
	assert.True(t, f.isClosed(), "last image gone, session closes")
}

func TestDuologue_Expiry(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.isExpired(f.t0.Add(9*time.Second)))
	assert.False(t, f.isExpired(f.t0.Add(10*time.Second)),
		"the deadline itself is exclusive")
	assert.True(t, f.isExpired(f.t0.Add(10*time.Second+time.Nanosecond)))
	assert.True(t, f.isExpired(f.t0.Add(11*time.Second)))
}

func TestDuologue_ExpiryRequiresZeroImages(t *testing.T) {
	f := newFixture(t)

	f.sub().AttachPeer("corr-1", "10.0.0.5:1000")
	f.barrier()

	assert.False(t, f.isExpired(f.t0.Add(time.Hour)),
		"an attached peer blocks expiry regardless of age")

	f.sub().DetachPeer("corr-1")
	f.barrier()

	// The disconnect closed the session, but expiry logic itself re-derives
	// from current image count, not from history.
	assert.True(t, f.isExpired(f.t0.Add(time.Hour)))
}

func TestDuologue_Accessors(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, testSession, f.d.Session())
	assert.Equal(t, testPortData, f.d.PortData())
	assert.Equal(t, testPortControl, f.d.PortControl())
	assert.Equal(t, testOwner, f.d.OwnerAddress())
}

func TestDuologue_AffinityViolationPanics(t *testing.T) {
	f := newFixture(t)

	assert.Panics(t, func() { f.d.Poll() })
	assert.Panics(t, func() { f.d.IsClosed() })
	assert.Panics(t, func() { f.d.IsExpired(time.Now()) })
	assert.Panics(t, func() { f.d.Close() })

	// Immutable accessors carry no affinity constraint.
	assert.NotPanics(t, func() { f.d.Session() })
	assert.NotPanics(t, func() { f.d.OwnerAddress() })
}

func TestCreate_MissingDependencies(t *testing.T) {
	exec := executor.New("test", 16)
	defer exec.Close()
	tr := testutil.NewTransport("10.0.0.1:0")

	valid := Config{
		Transport:   tr,
		Clock:       time.Now,
		Executor:    exec,
		Local:       testLocal,
		Owner:       testOwner,
		Session:     1,
		PortData:    9001,
		PortControl: 9002,
	}

	mutations := map[string]func(*Config){
		"nil transport":  func(c *Config) { c.Transport = nil },
		"nil clock":      func(c *Config) { c.Clock = nil },
		"nil executor":   func(c *Config) { c.Executor = nil },
		"zero endpoint":  func(c *Config) { c.Local = transport.Endpoint{} },
		"zero owner":     func(c *Config) { c.Owner = netip.Addr{} },
		"zero data port": func(c *Config) { c.PortData = 0 },
		"zero ctl port":  func(c *Config) { c.PortControl = 0 },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)

			var err error
			require.NoError(t, exec.Perform(func() error {
				_, err = Create(context.Background(), cfg)
				return nil
			}))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestCreate_SubscriptionFailureClosesPublication(t *testing.T) {
	exec := executor.New("test", 16)
	defer exec.Close()
	tr := testutil.NewTransport("10.0.0.1:0")

	openErr := fmt.Errorf("subscribe boom")
	tr.FailNextOpenSubscription(openErr)

	var err error
	require.NoError(t, exec.Perform(func() error {
		_, err = Create(context.Background(), Config{
			Transport:   tr,
			Clock:       time.Now,
			Executor:    exec,
			Local:       testLocal,
			Owner:       testOwner,
			Session:     1,
			PortData:    9001,
			PortControl: 9002,
		})
		return nil
	}))

	require.ErrorIs(t, err, openErr)

	ctl := transport.Channel{Endpoint: testLocal, Port: 9002, Session: 1}
	pub := tr.LastPublication(ctl)
	require.NotNil(t, pub)
	assert.True(t, pub.Closed(), "the opened publication must not leak")
}

func TestCreate_CleanupFailureAttachedAsSecondary(t *testing.T) {
	exec := executor.New("test", 16)
	defer exec.Close()
	tr := testutil.NewTransport("10.0.0.1:0")

	openErr := fmt.Errorf("subscribe boom")
	tr.FailNextOpenSubscription(openErr)

	// Sabotage the cleanup close as well. We cannot reach the publication
	// before Create opens it, so arrange the failure through the transport:
	// open order is publication first, so grab it via a probe create that we
	// fail at subscription time after injecting the close failure... instead,
	// exercise cleanupCreate directly.
	ctl := transport.Channel{Endpoint: testLocal, Port: 9002, Session: 1}
	pub, perr := tr.OpenPublication(context.Background(), ctl)
	require.NoError(t, perr)

	closeErr := fmt.Errorf("cleanup boom")
	pub.(*testutil.MemPublication).FailClose(closeErr)

	err := cleanupCreate(pub, openErr)
	require.ErrorIs(t, err, openErr, "the original failure stays primary")
	require.ErrorIs(t, err, closeErr, "the cleanup failure is attached")
	assert.True(t, pub.(*testutil.MemPublication).Closed())
}
