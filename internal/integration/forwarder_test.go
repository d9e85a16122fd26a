package integration

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/poc-gateway/internal/models"
)

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	drained  bool
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

type fakeToken struct {
	done    chan struct{}
	err     error
	expired bool
}

func newToken(err error, expired bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err, expired: expired}
	if !expired {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool { return !t.expired }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.expired }
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type fakeMQTT struct {
	topics []string
	qos    []byte
	token  *fakeToken
	closed bool
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, _ interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.qos = append(f.qos, qos)
	return f.token
}

func (f *fakeMQTT) Disconnect(uint) { f.closed = true }

func TestNATSSinkSubject(t *testing.T) {
	nc := &fakeNATS{}
	sink := newNATSSink(nc, "gateway", "01abcd")

	ev := models.NewEvent(models.EventTypeBeacon, models.EventLevelInfo, "beacon sent", models.Variables{"outcome": "sent"})
	require.NoError(t, sink.Publish(ev))

	require.Len(t, nc.subjects, 1)
	assert.Equal(t, "gateway.01abcd.events.beacon", nc.subjects[0])

	var decoded models.Event
	require.NoError(t, json.Unmarshal(nc.payloads[0], &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, "sent", decoded.Details["outcome"])

	require.NoError(t, sink.Close())
	assert.True(t, nc.drained)
}

func TestMQTTSinkTopic(t *testing.T) {
	client := &fakeMQTT{token: newToken(nil, false)}
	sink := newMQTTSink(client, "site-7", "01abcd", 1)

	require.NoError(t, sink.Publish(models.NewEvent(models.EventTypeSessionState, models.EventLevelWarning, "router session disconnected", nil)))
	assert.Equal(t, []string{"site-7/01abcd/events/session_state"}, client.topics)
	assert.Equal(t, []byte{1}, client.qos)

	require.NoError(t, sink.Close())
	assert.True(t, client.closed)
}

func TestMQTTSinkErrors(t *testing.T) {
	ev := models.NewEvent(models.EventTypeWitness, models.EventLevelInfo, "witness", nil)

	sink := newMQTTSink(&fakeMQTT{token: newToken(nil, true)}, "gateway", "01abcd", 0)
	assert.Error(t, sink.Publish(ev))

	broker := errors.New("not authorized")
	sink = newMQTTSink(&fakeMQTT{token: newToken(broker, false)}, "gateway", "01abcd", 0)
	assert.ErrorIs(t, sink.Publish(ev), broker)
}
