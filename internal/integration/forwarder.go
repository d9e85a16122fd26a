package integration

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/poc-gateway/internal/config"
	"github.com/lorawan-server/poc-gateway/internal/models"
)

const publishTimeout = 5 * time.Second

// natsPublisher 是 *nats.Conn 的子集
type natsPublisher interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// mqttPublisher 是 mqtt.Client 的子集
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// NATSSink 将事件转发到 NATS
type NATSSink struct {
	nc      natsPublisher
	prefix  string
	gateway string
}

// DialNATS 连接 NATS 并创建事件转发
func DialNATS(cfg config.NATSConfig, gatewayID string) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("gatewayd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATSSink(nc, cfg.SubjectPrefix, gatewayID), nil
}

func newNATSSink(nc natsPublisher, prefix, gatewayID string) *NATSSink {
	return &NATSSink{nc: nc, prefix: prefix, gateway: gatewayID}
}

// Name implements events.Sink
func (s *NATSSink) Name() string { return "nats" }

// Publish implements events.Sink
func (s *NATSSink) Publish(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.nc.Publish(s.subject(ev.Type), data)
}

// subject 形如 gateway.<id>.events.<type>
func (s *NATSSink) subject(t models.EventType) string {
	return fmt.Sprintf("%s.%s.events.%s", s.prefix, s.gateway, strings.ToLower(string(t)))
}

// Close 排空并关闭连接
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}

// MQTTSink 将事件转发到 MQTT broker
type MQTTSink struct {
	client  mqttPublisher
	prefix  string
	gateway string
	qos     byte
}

// DialMQTT 创建 MQTT 客户端并连接
func DialMQTT(cfg config.MQTTConfig, gatewayID string) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// 连接处理
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.Broker, err)
	}

	return newMQTTSink(client, cfg.TopicPrefix, gatewayID, cfg.QoS), nil
}

func newMQTTSink(client mqttPublisher, prefix, gatewayID string, qos byte) *MQTTSink {
	return &MQTTSink{client: client, prefix: prefix, gateway: gatewayID, qos: qos}
}

// Name implements events.Sink
func (s *MQTTSink) Name() string { return "mqtt" }

// Publish implements events.Sink
func (s *MQTTSink) Publish(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := s.topic(ev.Type)
	token := s.client.Publish(topic, s.qos, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s: timeout", topic)
	}
	return token.Error()
}

// topic 形如 <prefix>/<id>/events/<type>
func (s *MQTTSink) topic(t models.EventType) string {
	return fmt.Sprintf("%s/%s/events/%s", s.prefix, s.gateway, strings.ToLower(string(t)))
}

// Close 断开连接
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
