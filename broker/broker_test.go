package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehub/hub/envelope"
)

// fakeConnManager stands in for *autopaho.ConnectionManager in tests,
// implementing the same narrow interface the broker depends on.
type fakeConnManager struct {
	mu        sync.Mutex
	up        bool
	published []*paho.Publish
}

func (f *fakeConnManager) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return nil, errors.New("not connected")
	}
	f.published = append(f.published, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeConnManager) Subscribe(_ context.Context, _ *paho.Subscribe) (*paho.Suback, error) {
	return &paho.Suback{}, nil
}

func newTestBroker() (*Broker, *fakeConnManager) {
	fake := &fakeConnManager{}
	b := &Broker{log: slog.Default(), connMgr: fake}
	return b, fake
}

func settingsMsg(id string) envelope.Message {
	return envelope.Message{
		MessageID:    id,
		MessageType:  envelope.Request,
		MessageEvent: envelope.EventSetSettings,
		DeviceID:     "aa:bb:cc:dd:ee:ff",
		Payload:      json.RawMessage(`{}`),
	}
}

func TestPublishUnicastTopic(t *testing.T) {
	b, fake := newTestBroker()
	fake.up = true

	b.Publish(context.Background(), settingsMsg("1"))

	require.Len(t, fake.published, 1)
	assert.Equal(t, "device/aa:bb:cc:dd:ee:ff/", fake.published[0].Topic)
	assert.Equal(t, byte(1), fake.published[0].QoS)
}

func TestPublishBroadcastTopic(t *testing.T) {
	b, fake := newTestBroker()
	fake.up = true

	msg := settingsMsg("1")
	msg.MessageEvent = envelope.EventGetConnectedDevices
	b.Publish(context.Background(), msg)

	require.Len(t, fake.published, 1)
	assert.Equal(t, broadcastTopic, fake.published[0].Topic)
}

func TestOfflineQueueFIFODrain(t *testing.T) {
	b, fake := newTestBroker()
	fake.up = false

	b.Publish(context.Background(), settingsMsg("1"))
	b.Publish(context.Background(), settingsMsg("2"))
	b.Publish(context.Background(), settingsMsg("3"))

	assert.Equal(t, 3, b.QueueLen())
	assert.Empty(t, fake.published)

	fake.up = true
	b.drainQueue()

	assert.Equal(t, 0, b.QueueLen())
	require.Len(t, fake.published, 3)

	var ids []string
	for _, p := range fake.published {
		var msg envelope.Message
		require.NoError(t, json.Unmarshal(p.Payload, &msg))
		ids = append(ids, msg.MessageID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestHandlePublishReceivedDeliversToRouter(t *testing.T) {
	b, _ := newTestBroker()

	var delivered envelope.Message
	var mu sync.Mutex
	got := false
	b.BindRouter(routerSinkFunc(func(msg envelope.Message) {
		mu.Lock()
		defer mu.Unlock()
		delivered = msg
		got = true
	}))

	raw := []byte(`{"message_id":"x","message_type":"request","message_event":"health_check","device_id":"camera","payload":{}}`)
	_, err := b.handlePublishReceived(paho.PublishReceived{
		Packet: &paho.Publish{Topic: subscribeTopic, Payload: raw},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, got)
	assert.Equal(t, "x", delivered.MessageID)
}

func TestHandlePublishReceivedDropsMalformed(t *testing.T) {
	b, _ := newTestBroker()

	called := false
	b.BindRouter(routerSinkFunc(func(envelope.Message) { called = true }))

	_, err := b.handlePublishReceived(paho.PublishReceived{
		Packet: &paho.Publish{Topic: subscribeTopic, Payload: []byte(`not json`)},
	})
	require.NoError(t, err)
	assert.False(t, called)
}

// routerSinkFunc adapts a plain function to the RouterSink interface.
type routerSinkFunc func(envelope.Message)

func (f routerSinkFunc) DeliverFromBroker(msg envelope.Message) { f(msg) }
