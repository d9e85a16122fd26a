package router

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/lorawan-server/poc-gateway/internal/models"
	"github.com/lorawan-server/poc-gateway/internal/signer"
)

const (
	codecName   = "json"
	routeMethod = "/packet_router.PacketRouter/Route"
)

var routeStreamDesc = &grpc.StreamDesc{
	StreamName:    "Route",
	ServerStreams: true,
	ClientStreams: true,
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// UpEnvelope is a gateway to router message. Exactly one field is set.
type UpEnvelope struct {
	Register    *Register            `json:"register,omitempty"`
	SessionInit *SessionInit         `json:"session_init,omitempty"`
	Packet      *models.UplinkPacket `json:"packet,omitempty"`
}

// Register opens the handshake
type Register struct {
	Gateway   string `json:"gateway"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Token     string `json:"token"`
}

// SessionInit answers a SessionOffer
type SessionInit struct {
	Gateway   string `json:"gateway"`
	Nonce     []byte `json:"nonce"`
	Signature []byte `json:"signature"`
}

// DownEnvelope is a router to gateway message. Exactly one field is set.
type DownEnvelope struct {
	SessionOffer *SessionOffer              `json:"session_offer,omitempty"`
	Packet       *models.DownlinkInstruction `json:"packet,omitempty"`
	Error        *RouterError               `json:"error,omitempty"`
}

// SessionOffer carries the challenge the gateway signs
type SessionOffer struct {
	Nonce []byte `json:"nonce"`
}

// RouterError is sent by the router before it closes the stream
type RouterError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RouterError) Error() string {
	return "router: " + e.Code + ": " + e.Message
}

// SessionInitMessage returns the bytes signed in SessionInit: nonce followed
// by the encoded gateway public key.
func SessionInitMessage(nonce []byte, gateway signer.PublicKey) []byte {
	key := gateway.Bytes()
	out := make([]byte, 0, len(nonce)+len(key))
	out = append(out, nonce...)
	return append(out, key...)
}
