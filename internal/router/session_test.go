package router

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/lorawan-server/poc-gateway/internal/auth"
	"github.com/lorawan-server/poc-gateway/internal/metrics"
	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/internal/signer"
)

type serverSession struct {
	stream grpc.ServerStream
	kill   chan struct{}
}

// fakeRouter is an in-process packet router speaking the Route stream.
type fakeRouter struct {
	listener *bufconn.Listener
	server   *grpc.Server

	rejectAuth bool
	// stall, when set, keeps the router from reading uplinks until closed
	stall      chan struct{}
	uplinks    chan *models.UplinkPacket
	sessions   chan *serverSession
}

func newFakeRouter(t *testing.T) *fakeRouter {
	t.Helper()
	f := &fakeRouter{
		listener: bufconn.Listen(1024 * 1024),
		server:   grpc.NewServer(),
		uplinks:  make(chan *models.UplinkPacket, 64),
		sessions: make(chan *serverSession, 8),
	}
	f.server.RegisterService(&grpc.ServiceDesc{
		ServiceName: "packet_router.PacketRouter",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Route",
			Handler:       f.route,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, f)

	go func() { _ = f.server.Serve(f.listener) }()
	t.Cleanup(f.server.Stop)
	return f
}

func (f *fakeRouter) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return f.listener.DialContext(ctx)
	})
}

func (f *fakeRouter) route(_ any, stream grpc.ServerStream) error {
	var up UpEnvelope
	if err := stream.RecvMsg(&up); err != nil {
		return err
	}
	if up.Register == nil {
		return status.Error(codes.InvalidArgument, "expected register")
	}
	if f.rejectAuth {
		return stream.SendMsg(&DownEnvelope{Error: &RouterError{Code: "unauthorized", Message: "unknown gateway"}})
	}

	claims, pk, err := auth.ValidateToken(up.Register.Token)
	if err != nil || claims.Subject != up.Register.Gateway {
		return status.Error(codes.Unauthenticated, "bad token")
	}

	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	if err := stream.SendMsg(&DownEnvelope{SessionOffer: &SessionOffer{Nonce: nonce}}); err != nil {
		return err
	}

	if err := stream.RecvMsg(&up); err != nil {
		return err
	}
	if up.SessionInit == nil || !pk.Verify(SessionInitMessage(nonce, pk), up.SessionInit.Signature) {
		return status.Error(codes.Unauthenticated, "bad session signature")
	}

	sess := &serverSession{stream: stream, kill: make(chan struct{})}
	f.sessions <- sess

	errCh := make(chan error, 1)
	go func() {
		if f.stall != nil {
			select {
			case <-f.stall:
			case <-stream.Context().Done():
				errCh <- stream.Context().Err()
				return
			}
		}
		for {
			var msg UpEnvelope
			if err := stream.RecvMsg(&msg); err != nil {
				errCh <- err
				return
			}
			if msg.Packet != nil {
				f.uplinks <- msg.Packet
			}
		}
	}()

	select {
	case <-sess.kill:
		return status.Error(codes.Unavailable, "router restarting")
	case err := <-errCh:
		return err
	}
}

func (f *fakeRouter) nextSession(t *testing.T) *serverSession {
	t.Helper()
	select {
	case s := <-f.sessions:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no router session")
		return nil
	}
}

func (f *fakeRouter) collect(t *testing.T, n int) []uint32 {
	t.Helper()
	var got []uint32
	for len(got) < n {
		select {
		case p := <-f.uplinks:
			got = append(got, p.Tmst)
		case <-time.After(3 * time.Second):
			t.Fatalf("received %d of %d uplinks", len(got), n)
		}
	}
	return got
}

func testSigner(t *testing.T) signer.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return signer.NewFileSigner(priv)
}

func testSession(t *testing.T, f *fakeRouter, queue int) *Session {
	t.Helper()
	s, err := NewSession(Config{
		URL:            "http://bufnet",
		ConnectTimeout: 2 * time.Second,
		AuthTimeout:    2 * time.Second,
		SendTimeout:    2 * time.Second,
		BackoffMin:     100 * time.Millisecond,
		BackoffMax:     400 * time.Millisecond,
		ResetAfter:     time.Minute,
		QueueSize:      queue,
		DialOptions:    []grpc.DialOption{f.dialer()},
	}, testSigner(t), nil)
	require.NoError(t, err)
	return s
}

func runSession(t *testing.T, s *Session) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("session did not stop")
		}
	})
	return cancel
}

func uplink(tmst uint32) *models.UplinkPacket {
	return &models.UplinkPacket{GatewayID: "aa555a0000000101", PHYPayload: []byte{0x40, byte(tmst)}, Tmst: tmst}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want }, 3*time.Second, 5*time.Millisecond)
}

func TestSessionForwardsInOrder(t *testing.T) {
	f := newFakeRouter(t)
	s := testSession(t, f, 10)
	runSession(t, s)

	f.nextSession(t)
	waitState(t, s, Streaming)

	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, s.SendUplink(context.Background(), uplink(i)))
	}
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, f.collect(t, 5))

	select {
	case p := <-f.uplinks:
		t.Fatalf("duplicate uplink %d", p.Tmst)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionFlushesBacklogAfterReconnect(t *testing.T) {
	f := newFakeRouter(t)
	s := testSession(t, f, 10)
	runSession(t, s)

	sess := f.nextSession(t)
	waitState(t, s, Streaming)
	reconnects := testutil.ToFloat64(metrics.SessionReconnects)

	close(sess.kill)
	require.Eventually(t, func() bool { return s.Status() != Streaming }, 3*time.Second, time.Millisecond)

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, s.SendUplink(context.Background(), uplink(i)))
	}

	f.nextSession(t)
	waitState(t, s, Streaming)
	assert.Zero(t, s.Queued())
	require.NoError(t, s.SendUplink(context.Background(), uplink(4)))

	assert.Equal(t, []uint32{1, 2, 3, 4}, f.collect(t, 4))
	assert.Greater(t, testutil.ToFloat64(metrics.SessionReconnects), reconnects)
}

func TestSessionQueueDropsOldest(t *testing.T) {
	f := newFakeRouter(t)
	s := testSession(t, f, 2)

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, s.SendUplink(context.Background(), uplink(i)))
	}
	assert.Equal(t, 2, s.Queued())

	runSession(t, s)
	assert.Equal(t, []uint32{2, 3}, f.collect(t, 2))
}

func TestSessionDeliversDownlinksInOrder(t *testing.T) {
	f := newFakeRouter(t)
	s := testSession(t, f, 10)
	runSession(t, s)

	sess := f.nextSession(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, sess.stream.SendMsg(&DownEnvelope{Packet: &models.DownlinkInstruction{
			ID:         id,
			PHYPayload: []byte{0x60},
			RX1:        models.TxWindow{Tmst: 1000, Frequency: 868100000},
		}}))
	}

	var got []string
	for len(got) < 3 {
		select {
		case d := <-s.Downlinks():
			assert.False(t, d.ReceivedAt.IsZero())
			got = append(got, d.ID)
		case <-time.After(3 * time.Second):
			t.Fatal("downlink not delivered")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSessionRejectedAuthReconnects(t *testing.T) {
	f := newFakeRouter(t)
	f.rejectAuth = true
	s := testSession(t, f, 10)
	reconnects := testutil.ToFloat64(metrics.SessionReconnects)

	runSession(t, s)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.SessionReconnects) >= reconnects+2
	}, 3*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, Streaming, s.Status())

	// 未建立会话时上行进入队列
	require.NoError(t, s.SendUplink(context.Background(), uplink(9)))
	assert.Equal(t, 1, s.Queued())
}

func TestSendUplinkAfterShutdown(t *testing.T) {
	f := newFakeRouter(t)
	s := testSession(t, f, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	f.nextSession(t)
	cancel()
	require.NoError(t, <-done)

	err := s.SendUplink(context.Background(), uplink(1))
	var se *SendError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, SendClosed, se.Kind)

	_, open := <-s.Downlinks()
	assert.False(t, open)
}

func TestParseTarget(t *testing.T) {
	target, _, err := parseTarget("https://router.example.com")
	require.NoError(t, err)
	assert.Equal(t, "passthrough:///router.example.com:443", target)

	target, _, err = parseTarget("http://10.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "passthrough:///10.0.0.1:8080", target)

	_, _, err = parseTarget("ftp://router")
	assert.Error(t, err)
	_, _, err = parseTarget("router:8080")
	assert.Error(t, err)
}

func TestSessionKeepsReceiptOrderAcrossStreamLoss(t *testing.T) {
	f := newFakeRouter(t)
	s := testSession(t, f, 10)
	runSession(t, s)

	sess := f.nextSession(t)
	waitState(t, s, Streaming)

	// 1 races the stream teardown, 2 and 3 arrive while disconnected
	close(sess.kill)
	require.NoError(t, s.SendUplink(context.Background(), uplink(1)))
	require.Eventually(t, func() bool { return s.Status() != Streaming }, 3*time.Second, time.Millisecond)
	require.NoError(t, s.SendUplink(context.Background(), uplink(2)))
	require.NoError(t, s.SendUplink(context.Background(), uplink(3)))

	f.nextSession(t)
	var got []uint32
	for len(got) == 0 || got[len(got)-1] != 3 {
		got = append(got, f.collect(t, 1)...)
	}
	// 1 may be lost with the old stream, never delivered late
	assert.IsIncreasing(t, got)
	assert.Subset(t, got, []uint32{2, 3})
}

func TestSendUplinkDoesNotWaitForStalledStream(t *testing.T) {
	f := newFakeRouter(t)
	f.stall = make(chan struct{})
	s := testSession(t, f, 64)
	runSession(t, s)

	f.nextSession(t)
	waitState(t, s, Streaming)

	// enough data to exhaust the HTTP/2 flow-control window
	start := time.Now()
	for i := uint32(1); i <= 20; i++ {
		pkt := uplink(i)
		pkt.PHYPayload = make([]byte, 64*1024)
		require.NoError(t, s.SendUplink(context.Background(), pkt))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(f.stall)
	want := make([]uint32, 20)
	for i := range want {
		want[i] = uint32(i + 1)
	}
	assert.Equal(t, want, f.collect(t, 20))
}

func TestForwardedCountedOnWrite(t *testing.T) {
	f := newFakeRouter(t)
	s := testSession(t, f, 10)
	forwarded := testutil.ToFloat64(metrics.UplinksForwarded)

	require.NoError(t, s.SendUplink(context.Background(), uplink(1)))
	require.NoError(t, s.SendUplink(context.Background(), uplink(2)))
	assert.Equal(t, forwarded, testutil.ToFloat64(metrics.UplinksForwarded), "queued is not forwarded")

	runSession(t, s)
	assert.Equal(t, []uint32{1, 2}, f.collect(t, 2))
	assert.Equal(t, forwarded+2, testutil.ToFloat64(metrics.UplinksForwarded))
}

func TestSessionBackoff(t *testing.T) {
	f := newFakeRouter(t)
	s := testSession(t, f, 10)
	s.cfg.BackoffMin = 100 * time.Millisecond
	s.cfg.BackoffMax = 2 * time.Second
	s.cfg.ResetAfter = 300 * time.Millisecond

	delays := make(chan time.Duration, 8)
	s.after = func(d time.Duration) <-chan time.Time {
		delays <- d
		return time.After(d)
	}
	runSession(t, s)

	nextDelay := func() time.Duration {
		t.Helper()
		select {
		case d := <-delays:
			return d
		case <-time.After(3 * time.Second):
			t.Fatal("session did not back off")
			return 0
		}
	}
	dropAfter := func(d time.Duration) time.Duration {
		t.Helper()
		sess := f.nextSession(t)
		waitState(t, s, Streaming)
		time.Sleep(d)
		close(sess.kill)
		return nextDelay()
	}

	// short-lived streams keep growing the delay
	d := dropAfter(0)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.Less(t, d, 150*time.Millisecond)

	d = dropAfter(0)
	assert.GreaterOrEqual(t, d, 200*time.Millisecond)
	assert.Less(t, d, 300*time.Millisecond)

	// a stream that outlived ResetAfter starts over from BackoffMin
	d = dropAfter(400 * time.Millisecond)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
	assert.Less(t, d, 150*time.Millisecond)
}
