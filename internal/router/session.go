// Package router keeps the authenticated streaming session to the remote
// packet router.
package router

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/lorawan-server/poc-gateway/internal/auth"
	"github.com/lorawan-server/poc-gateway/internal/config"
	"github.com/lorawan-server/poc-gateway/internal/metrics"
	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/internal/signer"
)

// State is the session state
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Streaming:
		return "streaming"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Publisher receives structured events. It must not block.
type Publisher interface {
	Publish(models.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(models.Event) {}

// Config represents session configuration
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	SendTimeout    time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	ResetAfter     time.Duration
	QueueSize      int

	// Region, when set, is put in the registration token.
	Region func() string
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// ConfigFrom converts the router section of the process configuration
func ConfigFrom(c config.RouterConfig) Config {
	return Config{
		URL:            c.URL,
		ConnectTimeout: c.ConnectTimeout.Duration,
		AuthTimeout:    c.AuthTimeout.Duration,
		SendTimeout:    c.SendTimeout.Duration,
		BackoffMin:     c.BackoffMin.Duration,
		BackoffMax:     c.BackoffMax.Duration,
		ResetAfter:     c.ResetAfter.Duration,
		QueueSize:      c.QueueSize,
	}
}

// Session is the RouterSession. Every uplink goes through one ordered
// queue drained by the stream writer, so uplinks are delivered in the order
// SendUplink was called; downlinks in the order the router sent them.
type Session struct {
	cfg    Config
	signer signer.Signer
	tokens *auth.TokenManager
	events Publisher
	log    zerolog.Logger

	mu           sync.Mutex
	state        State
	closed       bool
	backlog      []*models.UplinkPacket
	streamingAt  time.Time
	lastActivity time.Time

	wake      chan struct{}
	downlinks chan *models.DownlinkInstruction

	after func(time.Duration) <-chan time.Time
}

// NewSession creates a session. It does not connect until Run.
func NewSession(cfg Config, s signer.Signer, events Publisher) (*Session, error) {
	if _, _, err := parseTarget(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if events == nil {
		events = nopPublisher{}
	}

	return &Session{
		cfg:       cfg,
		signer:    s,
		tokens:    auth.NewTokenManager(s, 5*time.Minute),
		events:    events,
		log:       log.With().Str("module", "router").Logger(),
		state:     Disconnected,
		wake:      make(chan struct{}, 1),
		downlinks: make(chan *models.DownlinkInstruction, 16),
		after:     time.After,
	}, nil
}

// Status returns the session state
func (s *Session) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when the stream last carried a message
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Queued returns the number of uplinks not yet written to the stream
func (s *Session) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// Downlinks returns the downlink stream. It is closed when Run returns.
func (s *Session) Downlinks() <-chan *models.DownlinkInstruction {
	return s.downlinks
}

// SendUplink appends pkt to the uplink queue and wakes the writer. It
// never waits on the stream: while not streaming the packet stays queued
// and is flushed in order once the stream is up again.
func (s *Session) SendUplink(ctx context.Context, pkt *models.UplinkPacket) error {
	if err := ctx.Err(); err != nil {
		return &SendError{Kind: SendTimeout, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &SendError{Kind: SendClosed}
	}
	s.enqueueLocked(pkt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) enqueueLocked(pkt *models.UplinkPacket) {
	if len(s.backlog) >= s.cfg.QueueSize {
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		metrics.UplinksDropped.WithLabelValues("queue_overflow").Inc()
		s.log.Warn().Int("size", s.cfg.QueueSize).Msg("uplink queue full, oldest dropped")
	}
	s.backlog = append(s.backlog, pkt)
}

// Run keeps the session up until ctx is done
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.setState(Disconnected)
		close(s.downlinks)
	}()

	bo := NewBackoff(s.cfg.BackoffMin, s.cfg.BackoffMax)
	for {
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if streamed := s.streamedFor(); streamed >= s.cfg.ResetAfter {
			bo.Reset()
		}
		s.setState(Disconnected)

		delay := bo.Next()
		metrics.SessionReconnects.Inc()
		s.log.Warn().Err(err).Dur("backoff", delay).Int("attempt", bo.Attempts()).Msg("router session lost")

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(delay):
		}
	}
}

func (s *Session) streamedFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamingAt.IsZero() {
		return 0
	}
	d := time.Since(s.streamingAt)
	s.streamingAt = time.Time{}
	return d
}

// connect runs one Connecting, Authenticating, Streaming cycle and returns
// why it ended.
func (s *Session) connect(ctx context.Context) error {
	s.setState(Connecting)

	target, creds, err := parseTarget(s.cfg.URL)
	if err != nil {
		return err
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithChainStreamInterceptor(grpcprom.StreamClientInterceptor),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	opts = append(opts, s.cfg.DialOptions...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return fmt.Errorf("dial router: %w", err)
	}
	defer conn.Close()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := withDeadline(s.cfg.ConnectTimeout, cancel, func() (grpc.ClientStream, error) {
		return conn.NewStream(sctx, routeStreamDesc, routeMethod, grpc.WaitForReady(true))
	})
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	s.setState(Authenticating)
	if _, err := withDeadline(s.cfg.AuthTimeout, cancel, func() (struct{}, error) {
		return struct{}{}, s.authenticate(sctx, stream)
	}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		defer cancel()
		return s.reader(gctx, stream)
	})
	g.Go(func() error {
		defer cancel()
		return s.writer(gctx, stream, cancel)
	})
	return g.Wait()
}

// withDeadline runs fn and cancels the stream if it takes longer than d.
func withDeadline[T any](d time.Duration, cancel context.CancelFunc, fn func() (T, error)) (T, error) {
	var fired atomic.Bool
	t := time.AfterFunc(d, func() {
		fired.Store(true)
		cancel()
	})
	v, err := fn()
	t.Stop()
	if err != nil && fired.Load() {
		return v, fmt.Errorf("timed out after %s: %w", d, err)
	}
	return v, err
}

func (s *Session) authenticate(ctx context.Context, stream grpc.ClientStream) error {
	pk := s.signer.PublicKey()

	region := ""
	if s.cfg.Region != nil {
		region = s.cfg.Region()
	}
	token, err := s.tokens.Issue(ctx, region)
	if err != nil {
		return err
	}

	if err := stream.SendMsg(&UpEnvelope{Register: &Register{
		Gateway:   pk.String(),
		Timestamp: time.Now().UnixMilli(),
		Token:     token,
	}}); err != nil {
		return err
	}

	var down DownEnvelope
	if err := stream.RecvMsg(&down); err != nil {
		return err
	}
	if down.Error != nil {
		return down.Error
	}
	if down.SessionOffer == nil || len(down.SessionOffer.Nonce) == 0 {
		return errors.New("expected session offer")
	}

	nonce := down.SessionOffer.Nonce
	sig, err := s.signer.Sign(ctx, SessionInitMessage(nonce, pk))
	if err != nil {
		return err
	}

	return stream.SendMsg(&UpEnvelope{SessionInit: &SessionInit{
		Gateway:   pk.String(),
		Nonce:     nonce,
		Signature: sig,
	}})
}

func (s *Session) reader(ctx context.Context, stream grpc.ClientStream) error {
	for {
		var down DownEnvelope
		if err := stream.RecvMsg(&down); err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		s.touch()

		switch {
		case down.Packet != nil:
			d := down.Packet
			d.ReceivedAt = time.Now()
			s.log.Debug().Str("id", d.ID).Uint32("freq", d.RX1.Frequency).Msg("downlink received")
			select {
			case s.downlinks <- d:
			case <-ctx.Done():
				return ctx.Err()
			}
		case down.Error != nil:
			return down.Error
		default:
			s.log.Warn().Msg("unexpected message from router ignored")
		}
	}
}

func (s *Session) writer(ctx context.Context, stream grpc.ClientStream, cancel context.CancelFunc) error {
	for {
		pkt, ok := s.nextQueued()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}

		if err := s.send(stream, cancel, pkt); err != nil {
			var se *SendError
			if errors.As(err, &se) && se.Kind == SendEncode {
				s.log.Error().Err(err).Msg("uplink dropped")
				metrics.UplinksDropped.WithLabelValues("encode").Inc()
				continue
			}
			// 放回队首, 重连后先发
			s.requeue(pkt)
			return err
		}
	}
}

// nextQueued pops the oldest queued uplink. The session reports Streaming
// once the backlog left from the last outage is flushed.
func (s *Session) nextQueued() (*models.UplinkPacket, bool) {
	s.mu.Lock()
	if len(s.backlog) > 0 {
		pkt := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		s.mu.Unlock()
		return pkt, true
	}
	changed := s.state != Streaming
	if changed {
		s.state = Streaming
		s.streamingAt = time.Now()
	}
	s.mu.Unlock()

	if changed {
		s.stateChanged(Streaming)
	}
	return nil, false
}

// requeue puts pkt back at the head of the queue. A full queue drops it,
// since it is the oldest packet.
func (s *Session) requeue(pkt *models.UplinkPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) >= s.cfg.QueueSize {
		metrics.UplinksDropped.WithLabelValues("queue_overflow").Inc()
		s.log.Warn().Int("size", s.cfg.QueueSize).Msg("uplink queue full, oldest dropped")
		return
	}
	s.backlog = append([]*models.UplinkPacket{pkt}, s.backlog...)
}

func (s *Session) send(stream grpc.ClientStream, cancel context.CancelFunc, pkt *models.UplinkPacket) error {
	var timedOut atomic.Bool
	t := time.AfterFunc(s.cfg.SendTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	err := stream.SendMsg(&UpEnvelope{Packet: pkt})
	t.Stop()

	switch {
	case err == nil:
		s.touch()
		metrics.UplinksForwarded.Inc()
		return nil
	case timedOut.Load():
		return &SendError{Kind: SendTimeout, Err: err}
	case status.Code(err) == codes.Internal:
		return &SendError{Kind: SendEncode, Err: err}
	default:
		return &SendError{Kind: SendClosed, Err: err}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		s.stateChanged(state)
	}
}

func (s *Session) stateChanged(state State) {
	metrics.SessionState.Set(float64(state))
	s.log.Info().Str("state", state.String()).Msg("router session state")

	level := models.EventLevelInfo
	if state == Disconnected {
		level = models.EventLevelWarning
	}
	s.events.Publish(models.NewEvent(models.EventTypeSessionState, level,
		"router session "+state.String(), models.Variables{"state": state.String()}))
}

// parseTarget maps the router URL to a gRPC target. https uses TLS.
func parseTarget(raw string) (string, credentials.TransportCredentials, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("parse router url: %w", err)
	}
	if u.Host == "" {
		return "", nil, fmt.Errorf("router url %q has no host", raw)
	}

	host := u.Host
	var creds credentials.TransportCredentials
	switch u.Scheme {
	case "https":
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "443")
		}
		creds = credentials.NewTLS(&tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12})
	case "http":
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
		creds = insecure.NewCredentials()
	default:
		return "", nil, fmt.Errorf("unsupported router url scheme %q", u.Scheme)
	}

	return "passthrough:///" + host, creds, nil
}
