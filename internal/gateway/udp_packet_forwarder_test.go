package gateway

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/pkg/lorawan"
)

var testMAC = []byte{0xaa, 0x55, 0x5a, 0x00, 0x00, 0x00, 0x01, 0x01}

func testConfig() Config {
	return Config{
		Bind:              "127.0.0.1:0",
		KeepaliveInterval: time.Second,
		MissedKeepalives:  3,
		AckTimeout:        500 * time.Millisecond,
		CleanupInterval:   time.Minute,
		ClientTimeout:     5 * time.Minute,
		TxQueueSize:       4,
	}
}

func startForwarder(t *testing.T, cfg Config) (*UDPPacketForwarder, *net.UDPConn) {
	t.Helper()

	fwd, err := NewUDPPacketForwarder(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- fwd.Run(ctx) }()

	client, err := net.DialUDP("udp", nil, fwd.LocalAddr())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("forwarder did not stop")
		}
	})
	return fwd, client
}

func frame(token uint16, identifier uint8, body []byte) []byte {
	out := []byte{ProtocolVersion, 0, 0, identifier}
	binary.BigEndian.PutUint16(out[1:3], token)
	out = append(out, testMAC...)
	return append(out, body...)
}

func readPacket(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 65507)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func nextUplink(t *testing.T, fwd *UDPPacketForwarder) *models.UplinkPacket {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fwd.Receive():
			if ev.Uplink != nil {
				return ev.Uplink
			}
		case <-timeout:
			t.Fatal("no uplink event")
			return nil
		}
	}
}

func rxpkJSON(t *testing.T, stat int8, payload []byte) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"rxpk": []map[string]any{{
			"tmst": 3512348611,
			"freq": 868.3,
			"chan": 2,
			"rfch": 0,
			"stat": stat,
			"modu": "LORA",
			"datr": "SF7BW125",
			"codr": "4/5",
			"rssi": -35,
			"lsnr": 5.1,
			"size": len(payload),
			"data": base64.StdEncoding.EncodeToString(payload),
		}},
	})
	require.NoError(t, err)
	return body
}

func attach(t *testing.T, fwd *UDPPacketForwarder, client *net.UDPConn) {
	t.Helper()
	_, err := client.Write(frame(0x0102, PullData, nil))
	require.NoError(t, err)
	ack := readPacket(t, client)
	require.Equal(t, []byte{ProtocolVersion, 0x01, 0x02, PullAck}, ack)
	require.Eventually(t, func() bool { return fwd.ActiveGateway() != "" }, time.Second, 5*time.Millisecond)
}

func TestPushDataEmitsUplink(t *testing.T) {
	fwd, client := startForwarder(t, testConfig())
	assert.Equal(t, models.LinkDown, fwd.Health())

	payload := []byte{0x40, 0x04, 0x03, 0x02, 0x01, 0x80, 0x01, 0x00, 0x01, 0xa6}
	_, err := client.Write(frame(0xbeef, PushData, rxpkJSON(t, 1, payload)))
	require.NoError(t, err)

	ack := readPacket(t, client)
	assert.Equal(t, []byte{ProtocolVersion, 0xbe, 0xef, PushAck}, ack)

	up := nextUplink(t, fwd)
	assert.Equal(t, "aa555a0000000101", up.GatewayID)
	assert.Equal(t, payload, up.PHYPayload)
	assert.Equal(t, uint32(868300000), up.Frequency)
	assert.Equal(t, lorawan.DataRate{SpreadFactor: 7, Bandwidth: 125}, up.DataRate)
	assert.Equal(t, uint32(3512348611), up.Tmst)
	assert.Equal(t, -35, up.RSSI)
	assert.Equal(t, models.LinkHealthy, fwd.Health())
}

func TestPushDataDropsBadCRC(t *testing.T) {
	fwd, client := startForwarder(t, testConfig())

	_, err := client.Write(frame(1, PushData, rxpkJSON(t, -1, []byte{0x01, 0x02})))
	require.NoError(t, err)
	readPacket(t, client)

	good := []byte{0x80, 0x01, 0x02, 0x03, 0x04, 0x00, 0x00, 0x00}
	_, err = client.Write(frame(2, PushData, rxpkJSON(t, 1, good)))
	require.NoError(t, err)
	readPacket(t, client)

	up := nextUplink(t, fwd)
	assert.Equal(t, good, up.PHYPayload)
}

func TestPushDataStatEmitsStatusReport(t *testing.T) {
	fwd, client := startForwarder(t, testConfig())

	body := []byte(`{"stat":{"time":"2014-01-12 08:59:28 GMT","lati":46.24,"long":3.2523,"alti":145,"rxnb":2,"rxok":2,"rxfw":2,"ackr":100.0,"dwnb":2,"txnb":2}}`)
	_, err := client.Write(frame(7, PushData, body))
	require.NoError(t, err)
	readPacket(t, client)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fwd.Receive():
			if ev.Status == nil || ev.Status.Stats == nil {
				continue
			}
			assert.Equal(t, 2, ev.Status.Stats.RXPacketsReceived)
			require.NotNil(t, ev.Status.Stats.Location)
			assert.InDelta(t, 46.24, ev.Status.Stats.Location.Latitude, 1e-9)
			assert.Equal(t, 2014, ev.Status.Stats.Time.Year())
			return
		case <-timeout:
			t.Fatal("no stat event")
		}
	}
}

func TestTransmitWithoutClient(t *testing.T) {
	fwd, _ := startForwarder(t, testConfig())

	_, err := fwd.Transmit(context.Background(), TxRequest{Window: models.TxWindow{Immediate: true, Frequency: 869525000}})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrKindNoClient))
}

func TestTransmitAcked(t *testing.T) {
	fwd, client := startForwarder(t, testConfig())
	attach(t, fwd, client)

	type result struct {
		ack Ack
		err error
	}
	done := make(chan result, 1)
	go func() {
		ack, err := fwd.Transmit(context.Background(), TxRequest{
			Window: models.TxWindow{
				Tmst:      1000000,
				Frequency: 869525000,
				DataRate:  lorawan.DataRate{SpreadFactor: 9, Bandwidth: 125},
				Power:     14,
			},
			Payload: []byte{0x60, 0x01},
			IPol:    true,
		})
		done <- result{ack, err}
	}()

	resp := readPacket(t, client)
	require.Equal(t, uint8(PullResp), resp[3])
	token := binary.BigEndian.Uint16(resp[1:3])

	var p pullRespPayload
	require.NoError(t, json.Unmarshal(resp[4:], &p))
	assert.False(t, p.TXPK.Imme)
	require.NotNil(t, p.TXPK.Tmst)
	assert.Equal(t, uint32(1000000), *p.TXPK.Tmst)
	assert.InDelta(t, 869.525, p.TXPK.Freq, 1e-9)
	assert.Equal(t, "SF9BW125", p.TXPK.DatR)
	assert.True(t, p.TXPK.IPol)
	assert.Equal(t, uint16(2), p.TXPK.Size)

	_, err := client.Write(frame(token, TxAck, []byte(`{"txpk_ack":{"warn":"TX_POWER"}}`)))
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, token, r.ack.Token)
		assert.Equal(t, "TX_POWER", r.ack.Warn)
	case <-time.After(2 * time.Second):
		t.Fatal("transmit did not return")
	}
}

func TestTransmitRejectedTooLate(t *testing.T) {
	fwd, client := startForwarder(t, testConfig())
	attach(t, fwd, client)

	done := make(chan error, 1)
	go func() {
		_, err := fwd.Transmit(context.Background(), TxRequest{Window: models.TxWindow{Tmst: 5, Frequency: 868100000}})
		done <- err
	}()

	resp := readPacket(t, client)
	token := binary.BigEndian.Uint16(resp[1:3])

	// 不匹配的 token 被丢弃
	_, err := client.Write(frame(token+1, TxAck, nil))
	require.NoError(t, err)
	_, err = client.Write(frame(token, TxAck, []byte(`{"txpk_ack":{"error":"TOO_LATE"}}`+"\x00")))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsTimingRejection(err))
		assert.True(t, IsKind(err, ErrKindRejected))
	case <-time.After(2 * time.Second):
		t.Fatal("transmit did not return")
	}
}

func TestTransmitAckTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	fwd, client := startForwarder(t, cfg)
	attach(t, fwd, client)

	_, err := fwd.Transmit(context.Background(), TxRequest{Window: models.TxWindow{Immediate: true, Frequency: 868100000}})
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrKindTimeout))
	assert.False(t, IsTimingRejection(err))
}

func TestKeepaliveHealth(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = 40 * time.Millisecond
	fwd, client := startForwarder(t, cfg)

	notify := fwd.HealthNotify()
	attach(t, fwd, client)

	select {
	case <-notify:
	case <-time.After(time.Second):
		t.Fatal("health change not notified")
	}
	assert.NotEqual(t, models.LinkDown, fwd.Health())

	require.Eventually(t, func() bool { return fwd.Health() == models.LinkDegraded }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fwd.Health() == models.LinkDown }, time.Second, 5*time.Millisecond)

	// 再次收到包立即恢复
	attach(t, fwd, client)
	require.Eventually(t, func() bool { return fwd.Health() == models.LinkHealthy }, time.Second, 5*time.Millisecond)
}

func TestHeaderAndTxAckParsing(t *testing.T) {
	_, _, _, err := header([]byte{2, 0})
	assert.Error(t, err)

	code, warn, err := parseTxAck(nil)
	require.NoError(t, err)
	assert.Equal(t, TxAckNone, code)
	assert.Empty(t, warn)

	_, _, err = parseTxAck([]byte("{not json"))
	assert.Error(t, err)

	assert.Equal(t, uint32(868100000), hzFromMHz(868.1))
	assert.InDelta(t, 868.1, mhzFromHz(868100000), 1e-9)

	tmms := uint64(1000)
	assert.Equal(t, gpsEpoch.Add(time.Second-gpsLeapSeconds), rxTime(RXPK{Tmms: &tmms}, time.Now()))
}
