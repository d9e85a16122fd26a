package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Semtech UDP 协议常量
const (
	ProtocolVersion = 2

	// 消息类型
	PushData = 0x00
	PushAck  = 0x01
	PullData = 0x02
	PullResp = 0x03
	PullAck  = 0x04
	TxAck    = 0x05
)

// 头部: [version:1][token:2][identifier:1], 上行消息后跟 8 字节网关 MAC
const (
	headerLen    = 4
	macHeaderLen = 12
)

// GPS 纪元与 UTC 之间的闰秒差
var (
	gpsEpoch       = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)
	gpsLeapSeconds = 18 * time.Second
)

// TxAckCode is the error field of a TX_ACK
type TxAckCode string

const (
	TxAckNone            TxAckCode = "NONE"
	TxAckTooLate         TxAckCode = "TOO_LATE"
	TxAckTooEarly        TxAckCode = "TOO_EARLY"
	TxAckCollisionPacket TxAckCode = "COLLISION_PACKET"
	TxAckCollisionBeacon TxAckCode = "COLLISION_BEACON"
	TxAckTxFreq          TxAckCode = "TX_FREQ"
	TxAckTxPower         TxAckCode = "TX_POWER"
	TxAckGPSUnlocked     TxAckCode = "GPS_UNLOCKED"
)

// RXPK 上行数据包 (rxpk 数组元素)
type RXPK struct {
	Time *string         `json:"time,omitempty"`
	Tmms *uint64         `json:"tmms,omitempty"`
	Tmst uint32          `json:"tmst"`
	Freq float64         `json:"freq"`
	Chan uint8           `json:"chan"`
	RFCh uint8           `json:"rfch"`
	Stat int8            `json:"stat"`
	Modu string          `json:"modu"`
	DatR json.RawMessage `json:"datr"`
	CodR string          `json:"codr"`
	RSSI int             `json:"rssi"`
	LSNR float64         `json:"lsnr"`
	Size uint16          `json:"size"`
	Data string          `json:"data"`
}

// Stat 网关状态
type Stat struct {
	Time string  `json:"time"`
	Lati float64 `json:"lati"`
	Long float64 `json:"long"`
	Alti int     `json:"alti"`
	RXNb int     `json:"rxnb"`
	RXOk int     `json:"rxok"`
	RXFW int     `json:"rxfw"`
	ACKR float64 `json:"ackr"`
	DWNb int     `json:"dwnb"`
	TXNb int     `json:"txnb"`
}

type pushDataPayload struct {
	RXPK []RXPK `json:"rxpk"`
	Stat *Stat  `json:"stat"`
}

// TXPK 下行数据包
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst *uint32 `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh uint8   `json:"rfch"`
	Powe int     `json:"powe"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr"`
	IPol bool    `json:"ipol"`
	Size uint16  `json:"size"`
	Data string  `json:"data"`
}

type pullRespPayload struct {
	TXPK TXPK `json:"txpk"`
}

type txAckPayload struct {
	TXPKAck struct {
		Error TxAckCode `json:"error"`
		Warn  string    `json:"warn"`
	} `json:"txpk_ack"`
}

// header 解析公共头部
func header(data []byte) (version uint8, token uint16, identifier uint8, err error) {
	if len(data) < headerLen {
		return 0, 0, 0, fmt.Errorf("packet too short: %d bytes", len(data))
	}
	return data[0], binary.BigEndian.Uint16(data[1:3]), data[3], nil
}

// gatewayMAC 读取 8 字节网关 MAC
func gatewayMAC(data []byte) (string, error) {
	if len(data) < macHeaderLen {
		return "", fmt.Errorf("packet too short for gateway MAC: %d bytes", len(data))
	}
	var mac [8]byte
	copy(mac[:], data[4:12])
	return fmt.Sprintf("%016x", mac), nil
}

func ackPacket(token uint16, identifier uint8) []byte {
	ack := make([]byte, headerLen)
	ack[0] = ProtocolVersion
	binary.BigEndian.PutUint16(ack[1:3], token)
	ack[3] = identifier
	return ack
}

func pullRespPacket(token uint16, txpk TXPK) ([]byte, error) {
	body, err := json.Marshal(pullRespPayload{TXPK: txpk})
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerLen, headerLen+len(body))
	out[0] = ProtocolVersion
	binary.BigEndian.PutUint16(out[1:3], token)
	out[3] = PullResp
	return append(out, body...), nil
}

// parseTxAck 空负载视为成功
func parseTxAck(body []byte) (TxAckCode, string, error) {
	body = trimNul(body)
	if len(body) == 0 {
		return TxAckNone, "", nil
	}
	var p txAckPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", "", err
	}
	if p.TXPKAck.Error == "" {
		return TxAckNone, p.TXPKAck.Warn, nil
	}
	return p.TXPKAck.Error, p.TXPKAck.Warn, nil
}

// 部分转发器在 JSON 后附带 NUL 结束符
func trimNul(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// rxTime 时间戳优先级: tmms (GPS) > time (RFC3339) > now
func rxTime(pk RXPK, now time.Time) time.Time {
	if pk.Tmms != nil {
		return gpsEpoch.Add(time.Duration(*pk.Tmms) * time.Millisecond).Add(-gpsLeapSeconds)
	}
	if pk.Time != nil {
		if t, err := time.Parse(time.RFC3339Nano, *pk.Time); err == nil {
			return t
		}
	}
	return now
}

// parseStatTime 形如 "2014-01-12 08:59:28 GMT"
func parseStatTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02 15:04:05 MST", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func hzFromMHz(f float64) uint32 {
	return uint32(math.Round(f * 1e6))
}

func mhzFromHz(f uint32) float64 {
	return float64(f) / 1e6
}
