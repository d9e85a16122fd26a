package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/poc-gateway/internal/config"
	"github.com/lorawan-server/poc-gateway/internal/metrics"
	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/pkg/crypto"
	"github.com/lorawan-server/poc-gateway/pkg/lorawan"
)

// Config 链路配置
type Config struct {
	Bind              string
	KeepaliveInterval time.Duration
	MissedKeepalives  int
	AckTimeout        time.Duration
	CleanupInterval   time.Duration
	ClientTimeout     time.Duration
	TxQueueSize       int
	EventBuffer       int
}

// ConfigFrom converts the gateway section of the process configuration
func ConfigFrom(c config.GatewayConfig) Config {
	return Config{
		Bind:              c.UDPBind,
		KeepaliveInterval: c.KeepaliveInterval.Duration,
		MissedKeepalives:  c.MissedKeepalives,
		AckTimeout:        c.AckTimeout.Duration,
		CleanupInterval:   c.CleanupInterval.Duration,
		ClientTimeout:     c.ClientTimeout.Duration,
		TxQueueSize:       c.TxQueueSize,
		EventBuffer:       64,
	}
}

// Event 链路事件: 上行包或状态报告, 二者之一
type Event struct {
	Uplink *models.UplinkPacket
	Status *models.StatusReport
}

// TxRequest 发送请求
type TxRequest struct {
	Window  models.TxWindow
	Payload []byte
	IPol    bool // 下行为 true, 信标为 false
}

// Ack 网关确认
type Ack struct {
	Token   uint16
	Gateway string
	Warn    string
	At      time.Time
}

// GatewayInfo 网关信息
type GatewayInfo struct {
	GatewayID string
	PushAddr  *net.UDPAddr // PUSH_DATA 地址（上行）
	PullAddr  *net.UDPAddr // PULL_DATA 地址（下行）
	LastSeen  time.Time
	PullData  time.Time
}

type txJob struct {
	ctx  context.Context
	req  TxRequest
	done chan txResult
}

type txResult struct {
	ack Ack
	err error
}

type txAckResult struct {
	gateway string
	code    TxAckCode
	warn    string
	err     error
}

// UDPPacketForwarder 处理 Semtech UDP 协议
type UDPPacketForwarder struct {
	conn *net.UDPConn
	cfg  Config
	log  zerolog.Logger

	events  chan Event
	txq     chan *txJob
	stopped chan struct{}

	mu       sync.RWMutex
	gateways map[string]*GatewayInfo
	active   string // 最近发送 PULL_DATA 的网关, 下行发往此处

	pendingMu sync.Mutex
	pending   map[uint16]chan txAckResult

	healthMu sync.Mutex
	health   models.LinkHealth
	healthCh chan struct{}
	lastSeen time.Time

	now func() time.Time
}

// NewUDPPacketForwarder 创建 UDP 包转发器. 绑定失败属于启动致命错误.
func NewUDPPacketForwarder(cfg Config) (*UDPPacketForwarder, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Bind)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.TxQueueSize <= 0 {
		cfg.TxQueueSize = 16
	}

	u := &UDPPacketForwarder{
		conn:     conn,
		cfg:      cfg,
		log:      log.With().Str("module", "gateway").Logger(),
		events:   make(chan Event, cfg.EventBuffer),
		txq:      make(chan *txJob, cfg.TxQueueSize),
		stopped:  make(chan struct{}),
		gateways: make(map[string]*GatewayInfo),
		pending:  make(map[uint16]chan txAckResult),
		health:   models.LinkDown,
		healthCh: make(chan struct{}),
		now:      time.Now,
	}
	u.lastSeen = u.now()
	metrics.LinkHealth.Set(float64(models.LinkDown))

	return u, nil
}

// LocalAddr returns the bound UDP address
func (u *UDPPacketForwarder) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Receive returns the inbound event stream. It survives concentrator
// reconnects and is closed only when Run returns.
func (u *UDPPacketForwarder) Receive() <-chan Event {
	return u.events
}

// Health returns the current link health
func (u *UDPPacketForwarder) Health() models.LinkHealth {
	u.healthMu.Lock()
	defer u.healthMu.Unlock()
	return u.health
}

// HealthNotify returns a channel closed on the next health change.
func (u *UDPPacketForwarder) HealthNotify() <-chan struct{} {
	u.healthMu.Lock()
	defer u.healthMu.Unlock()
	return u.healthCh
}

// ActiveGateway returns the MAC of the concentrator downlinks go to
func (u *UDPPacketForwarder) ActiveGateway() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.active
}

// Run 启动 UDP 服务器, 阻塞直到 ctx 结束
func (u *UDPPacketForwarder) Run(ctx context.Context) error {
	u.log.Info().Str("addr", u.conn.LocalAddr().String()).Msg("concentrator link listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return u.readLoop(ctx) })
	g.Go(func() error { u.transmitLoop(ctx); return nil })
	g.Go(func() error { u.monitorKeepalive(ctx); return nil })
	g.Go(func() error { u.cleanupGateways(ctx); return nil })
	g.Go(func() error {
		<-ctx.Done()
		return u.conn.Close()
	})

	err := g.Wait()
	close(u.stopped)
	close(u.events)
	u.log.Info().Msg("concentrator link stopped")

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// readLoop 按接收顺序处理上行 UDP 包
func (u *UDPPacketForwarder) readLoop(ctx context.Context) error {
	buf := make([]byte, 65507)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			u.log.Error().Err(err).Msg("udp read failed")
			continue
		}
		u.handlePacket(ctx, buf[:n], addr)
	}
}

// handlePacket 处理接收到的包
func (u *UDPPacketForwarder) handlePacket(ctx context.Context, data []byte, addr *net.UDPAddr) {
	version, token, identifier, err := header(data)
	if err != nil {
		u.log.Debug().Err(err).Str("addr", addr.String()).Msg("malformed packet dropped")
		return
	}

	// 检查协议版本
	if version != ProtocolVersion {
		u.log.Warn().
			Uint8("version", version).
			Str("addr", addr.String()).
			Msg("unsupported protocol version")
		return
	}

	switch identifier {
	case PushData:
		u.handlePushData(ctx, data, addr, token)
	case PullData:
		u.handlePullData(ctx, data, addr, token)
	case TxAck:
		u.handleTxAck(ctx, data, token)
	default:
		u.log.Warn().
			Uint8("type", identifier).
			Str("addr", addr.String()).
			Msg("unknown packet type")
	}
}

// handlePushData 处理 PUSH_DATA
func (u *UDPPacketForwarder) handlePushData(ctx context.Context, data []byte, addr *net.UDPAddr, token uint16) {
	gatewayID, err := gatewayMAC(data)
	if err != nil {
		u.log.Debug().Err(err).Msg("malformed PUSH_DATA dropped")
		return
	}

	// 更新网关信息
	u.mu.Lock()
	gw := u.gatewayLocked(gatewayID)
	gw.PushAddr = addr // 只更新 PUSH 地址
	gw.LastSeen = u.now()
	u.mu.Unlock()

	// 发送 PUSH_ACK
	if _, err := u.conn.WriteToUDP(ackPacket(token, PushAck), addr); err != nil {
		u.log.Error().Err(err).Str("gateway", gatewayID).Msg("write PUSH_ACK failed")
	}

	u.markSeen(ctx, gatewayID)

	body := trimNul(data[macHeaderLen:])
	if len(body) == 0 {
		return
	}

	var payload pushDataPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		u.log.Error().Err(err).Str("gateway", gatewayID).Msg("decode PUSH_DATA json failed")
		return
	}

	// 处理接收到的数据包
	for _, pk := range payload.RXPK {
		u.handleRXPacket(ctx, gatewayID, pk)
	}

	// 处理状态信息
	if payload.Stat != nil {
		u.handleStat(ctx, gatewayID, payload.Stat)
	}
}

// handlePullData 处理 PULL_DATA, 记录下行地址
func (u *UDPPacketForwarder) handlePullData(ctx context.Context, data []byte, addr *net.UDPAddr, token uint16) {
	gatewayID, err := gatewayMAC(data)
	if err != nil {
		u.log.Debug().Err(err).Msg("malformed PULL_DATA dropped")
		return
	}

	now := u.now()
	u.mu.Lock()
	gw := u.gatewayLocked(gatewayID)
	gw.PullAddr = addr // 只更新 PULL 地址
	gw.LastSeen = now
	gw.PullData = now
	if u.active != gatewayID {
		u.log.Info().Str("gateway", gatewayID).Str("pullAddr", addr.String()).Msg("concentrator attached")
	}
	u.active = gatewayID
	u.mu.Unlock()

	// 发送 PULL_ACK
	if _, err := u.conn.WriteToUDP(ackPacket(token, PullAck), addr); err != nil {
		u.log.Error().Err(err).Str("gateway", gatewayID).Msg("write PULL_ACK failed")
	}

	u.markSeen(ctx, gatewayID)
}

// handleTxAck 按 token 匹配等待中的发送
func (u *UDPPacketForwarder) handleTxAck(ctx context.Context, data []byte, token uint16) {
	gatewayID, err := gatewayMAC(data)
	if err != nil {
		u.log.Debug().Err(err).Msg("malformed TX_ACK dropped")
		return
	}
	u.markSeen(ctx, gatewayID)

	code, warn, err := parseTxAck(data[macHeaderLen:])

	u.pendingMu.Lock()
	ch, ok := u.pending[token]
	delete(u.pending, token)
	u.pendingMu.Unlock()

	if !ok {
		u.log.Warn().Str("gateway", gatewayID).Uint16("token", token).Msg("unmatched TX_ACK discarded")
		metrics.TxAcks.WithLabelValues("unmatched").Inc()
		return
	}

	ch <- txAckResult{gateway: gatewayID, code: code, warn: warn, err: err}
}

// handleRXPacket 处理接收包
func (u *UDPPacketForwarder) handleRXPacket(ctx context.Context, gatewayID string, pk RXPK) {
	if pk.Stat != 1 {
		// CRC 校验失败或无 CRC
		u.log.Debug().Str("gateway", gatewayID).Int8("stat", pk.Stat).Msg("rxpk with bad crc dropped")
		metrics.UplinksDropped.WithLabelValues("bad_crc").Inc()
		return
	}
	if pk.Modu != "LORA" {
		u.log.Debug().Str("gateway", gatewayID).Str("modu", pk.Modu).Msg("non-lora rxpk dropped")
		metrics.UplinksDropped.WithLabelValues("modulation").Inc()
		return
	}

	up, err := u.uplinkFromRXPK(gatewayID, pk)
	if err != nil {
		u.log.Warn().Err(err).Str("gateway", gatewayID).Msg("malformed rxpk dropped")
		metrics.UplinksDropped.WithLabelValues("malformed").Inc()
		return
	}

	u.log.Debug().
		Str("gateway", gatewayID).
		Uint32("freq", up.Frequency).
		Str("datr", up.DataRate.String()).
		Int("rssi", up.RSSI).
		Float64("snr", up.SNR).
		Int("size", len(up.PHYPayload)).
		Msg("uplink received")

	u.emit(ctx, Event{Uplink: up})
}

func (u *UDPPacketForwarder) uplinkFromRXPK(gatewayID string, pk RXPK) (*models.UplinkPacket, error) {
	var datr string
	if err := json.Unmarshal(pk.DatR, &datr); err != nil {
		return nil, fmt.Errorf("datr: %w", err)
	}
	dr, err := lorawan.ParseDataRate(datr)
	if err != nil {
		return nil, err
	}

	payload, err := base64.StdEncoding.DecodeString(pk.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if pk.Size != 0 && int(pk.Size) != len(payload) {
		return nil, fmt.Errorf("size %d does not match payload length %d", pk.Size, len(payload))
	}

	return &models.UplinkPacket{
		GatewayID:  gatewayID,
		PHYPayload: payload,
		Tmst:       pk.Tmst,
		Tmms:       pk.Tmms,
		ReceivedAt: rxTime(pk, u.now()),
		Frequency:  hzFromMHz(pk.Freq),
		DataRate:   dr,
		CodingRate: pk.CodR,
		Channel:    pk.Chan,
		RFChain:    pk.RFCh,
		RSSI:       pk.RSSI,
		SNR:        pk.LSNR,
	}, nil
}

// handleStat 处理状态信息
func (u *UDPPacketForwarder) handleStat(ctx context.Context, gatewayID string, stat *Stat) {
	stats := &models.GatewayStats{
		GatewayID:         gatewayID,
		RXPacketsReceived: stat.RXNb,
		RXPacketsValid:    stat.RXOk,
		RXPacketsFwd:      stat.RXFW,
		AckRatio:          stat.ACKR,
		TXPacketsReceived: stat.DWNb,
		TXPacketsEmitted:  stat.TXNb,
	}
	if t, ok := parseStatTime(stat.Time); ok {
		stats.Time = t
	} else {
		stats.Time = u.now()
	}
	if stat.Lati != 0 || stat.Long != 0 {
		stats.Location = &models.Location{Latitude: stat.Lati, Longitude: stat.Long, Altitude: float64(stat.Alti)}
	}

	u.log.Debug().
		Str("gateway", gatewayID).
		Int("rxnb", stat.RXNb).
		Int("rxok", stat.RXOk).
		Msg("gateway stat received")

	u.emit(ctx, Event{Status: &models.StatusReport{
		GatewayID: gatewayID,
		Health:    u.Health(),
		Stats:     stats,
		At:        stats.Time,
	}})
}

// Transmit 发送下行或信标, 等待 TX_ACK 或超时. 所有发送经同一队列串行执行.
func (u *UDPPacketForwarder) Transmit(ctx context.Context, req TxRequest) (Ack, error) {
	job := &txJob{ctx: ctx, req: req, done: make(chan txResult, 1)}

	select {
	case u.txq <- job:
	case <-ctx.Done():
		return Ack{}, &LinkError{Kind: ErrKindTimeout, Err: ctx.Err()}
	case <-u.stopped:
		return Ack{}, &LinkError{Kind: ErrKindIO, Err: net.ErrClosed}
	}

	select {
	case r := <-job.done:
		return r.ack, r.err
	case <-ctx.Done():
		return Ack{}, &LinkError{Kind: ErrKindTimeout, Err: ctx.Err()}
	case <-u.stopped:
		return Ack{}, &LinkError{Kind: ErrKindIO, Err: net.ErrClosed}
	}
}

// transmitLoop 唯一的发送者, 先到先发
func (u *UDPPacketForwarder) transmitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-u.txq:
			if err := job.ctx.Err(); err != nil {
				job.done <- txResult{err: &LinkError{Kind: ErrKindTimeout, Err: err}}
				continue
			}
			ack, err := u.transmit(ctx, job)
			job.done <- txResult{ack: ack, err: err}
		}
	}
}

func (u *UDPPacketForwarder) transmit(ctx context.Context, job *txJob) (Ack, error) {
	u.mu.RLock()
	var pullAddr *net.UDPAddr
	gatewayID := u.active
	if gw, ok := u.gateways[gatewayID]; ok {
		pullAddr = gw.PullAddr
	}
	u.mu.RUnlock()

	if pullAddr == nil {
		return Ack{}, &LinkError{Kind: ErrKindNoClient, Err: errors.New("no PULL_DATA received yet")}
	}

	token, ch, err := u.register()
	if err != nil {
		return Ack{}, &LinkError{Kind: ErrKindIO, Err: err}
	}
	defer u.unregister(token)

	pkt, err := pullRespPacket(token, buildTXPK(job.req))
	if err != nil {
		return Ack{}, &LinkError{Kind: ErrKindMalformed, Err: err}
	}

	// 发送到网关的 PULL 地址
	if _, err := u.conn.WriteToUDP(pkt, pullAddr); err != nil {
		return Ack{}, &LinkError{Kind: ErrKindIO, Err: err}
	}

	u.log.Debug().
		Str("gateway", gatewayID).
		Uint16("token", token).
		Uint32("freq", job.req.Window.Frequency).
		Bool("imme", job.req.Window.Immediate).
		Uint32("tmst", job.req.Window.Tmst).
		Msg("PULL_RESP sent")

	timer := time.NewTimer(u.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			metrics.TxAcks.WithLabelValues("malformed").Inc()
			return Ack{}, &LinkError{Kind: ErrKindMalformed, Err: r.err}
		}
		metrics.TxAcks.WithLabelValues(string(r.code)).Inc()
		if r.code != TxAckNone {
			return Ack{}, &LinkError{Kind: ErrKindRejected, Code: r.code}
		}
		return Ack{Token: token, Gateway: r.gateway, Warn: r.warn, At: u.now()}, nil

	case <-timer.C:
		metrics.TxAcks.WithLabelValues("timeout").Inc()
		return Ack{}, &LinkError{Kind: ErrKindTimeout, Err: fmt.Errorf("no TX_ACK within %s", u.cfg.AckTimeout)}

	case <-job.ctx.Done():
		return Ack{}, &LinkError{Kind: ErrKindTimeout, Err: job.ctx.Err()}

	case <-ctx.Done():
		return Ack{}, &LinkError{Kind: ErrKindIO, Err: net.ErrClosed}
	}
}

// register 分配一个未被占用的随机 token
func (u *UDPPacketForwarder) register() (uint16, chan txAckResult, error) {
	u.pendingMu.Lock()
	defer u.pendingMu.Unlock()

	for {
		token, err := crypto.RandomUint16()
		if err != nil {
			return 0, nil, err
		}
		if _, taken := u.pending[token]; taken {
			continue
		}
		ch := make(chan txAckResult, 1)
		u.pending[token] = ch
		return token, ch, nil
	}
}

func (u *UDPPacketForwarder) unregister(token uint16) {
	u.pendingMu.Lock()
	delete(u.pending, token)
	u.pendingMu.Unlock()
}

func buildTXPK(req TxRequest) TXPK {
	txpk := TXPK{
		Imme: req.Window.Immediate,
		Freq: mhzFromHz(req.Window.Frequency),
		RFCh: 0,
		Powe: req.Window.Power,
		Modu: "LORA",
		DatR: req.Window.DataRate.String(),
		CodR: "4/5",
		IPol: req.IPol,
		Size: uint16(len(req.Payload)),
		Data: base64.StdEncoding.EncodeToString(req.Payload),
	}
	if !req.Window.Immediate {
		tmst := req.Window.Tmst
		txpk.Tmst = &tmst
	}
	return txpk
}

// markSeen 任何入站包都恢复链路健康
func (u *UDPPacketForwarder) markSeen(ctx context.Context, gatewayID string) {
	u.healthMu.Lock()
	u.lastSeen = u.now()
	changed := u.setHealthLocked(models.LinkHealthy)
	u.healthMu.Unlock()

	if changed {
		u.log.Info().Str("gateway", gatewayID).Msg("concentrator link healthy")
		u.emit(ctx, Event{Status: &models.StatusReport{GatewayID: gatewayID, Health: models.LinkHealthy, At: u.now()}})
	}
}

// monitorKeepalive 连续错过保活则降级, 达到阈值标记为断开
func (u *UDPPacketForwarder) monitorKeepalive(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.KeepaliveInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.healthMu.Lock()
			missed := int(u.now().Sub(u.lastSeen) / u.cfg.KeepaliveInterval)
			next := u.health
			switch {
			case missed >= u.cfg.MissedKeepalives:
				next = models.LinkDown
			case missed >= 1 && u.health == models.LinkHealthy:
				next = models.LinkDegraded
			}
			changed := u.setHealthLocked(next)
			u.healthMu.Unlock()

			if changed {
				u.log.Warn().Int("missed", missed).Str("health", next.String()).Msg("concentrator keepalive missed")
				u.emit(ctx, Event{Status: &models.StatusReport{GatewayID: u.ActiveGateway(), Health: next, At: u.now()}})
			}
		}
	}
}

func (u *UDPPacketForwarder) setHealthLocked(h models.LinkHealth) bool {
	if u.health == h {
		return false
	}
	u.health = h
	close(u.healthCh)
	u.healthCh = make(chan struct{})
	metrics.LinkHealth.Set(float64(h))
	return true
}

func (u *UDPPacketForwarder) emit(ctx context.Context, ev Event) {
	select {
	case u.events <- ev:
	case <-ctx.Done():
	}
}

// gatewayLocked 获取或创建网关条目, 调用方持有 u.mu
func (u *UDPPacketForwarder) gatewayLocked(gatewayID string) *GatewayInfo {
	gw, exists := u.gateways[gatewayID]
	if !exists {
		gw = &GatewayInfo{GatewayID: gatewayID}
		u.gateways[gatewayID] = gw
	}
	return gw
}

// cleanupGateways 清理离线网关
func (u *UDPPacketForwarder) cleanupGateways(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.mu.Lock()
			now := u.now()
			for id, gw := range u.gateways {
				if now.Sub(gw.LastSeen) > u.cfg.ClientTimeout {
					delete(u.gateways, id)
					if u.active == id {
						u.active = ""
					}
					u.log.Info().Str("gateway", id).Msg("concentrator expired")
				}
			}
			u.mu.Unlock()
		}
	}
}
