// Package broker maintains the hub's MQTTv5 session with the local
// device broker: a persistent connection as client id "Hub",
// subscribed to topic "hub", publishing downlink messages to
// per-device or broadcast topics.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/edgehub/hub/envelope"
)

const (
	// ClientID is the fixed MQTTv5 client identifier the hub
	// authenticates as.
	ClientID = "Hub"

	subscribeTopic      = "hub"
	unicastTopicPrefix  = "device/"
	broadcastTopic      = "device/broadcast/"
	sessionExpirySecs   = 3600
	reconnectBackoff    = 5 * time.Second
	connectTimeout      = 10 * time.Second
	publishWaitTimeout  = 5 * time.Second
	subscribeWaitSecond = 10 * time.Second
)

// broadcastEvents lists the message_event values published to the
// broadcast topic rather than a per-device unicast topic. Everything
// else is unicast. get_connected_devices is the only broadcast event
// in the current taxonomy.
var broadcastEvents = map[string]bool{
	envelope.EventGetConnectedDevices: true,
}

// isBroadcast reports whether event should be published to the
// broadcast topic.
func isBroadcast(event string) bool {
	return broadcastEvents[event]
}

// RouterSink receives envelopes the broker decodes off the "hub"
// topic. router.Router implements this.
type RouterSink interface {
	DeliverFromBroker(msg envelope.Message)
}

// Config configures the broker's connection to the MQTT server.
type Config struct {
	// BrokerURL is a "scheme://host:port" MQTT broker address, e.g.
	// "tcp://10.0.0.10:1883".
	BrokerURL string
}

// Broker owns the hub's MQTTv5 session. It queues publishes made while
// disconnected and drains them in FIFO order once the connection comes
// back up.
type Broker struct {
	log *slog.Logger

	mu       sync.Mutex
	queue    [][]byte // encoded payloads pending publish, FIFO
	topics   []string // topics[i] is the topic of queue[i]
	router   RouterSink
	connMgr  connectionManager
	connOnce sync.Once
}

// connectionManager is the subset of *autopaho.ConnectionManager the
// broker depends on; narrow so tests can substitute a fake.
type connectionManager interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
}

// New constructs a Broker and starts its connection manager, which
// connects to cfg.BrokerURL in the background and keeps reconnecting.
// logger may be nil, in which case slog.Default is used.
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("broker: invalid broker url: %w", err)
	}

	b := &Broker{log: logger}

	acCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		TlsCfg:                        &tls.Config{InsecureSkipVerify: true},
		KeepAlive:                     20,
		ReconnectBackoff:              autopaho.NewConstantBackoff(reconnectBackoff),
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         sessionExpirySecs,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.log.Info("mqtt connected", "broker", cfg.BrokerURL)
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: subscribeTopic, QoS: 1},
				},
			}); err != nil {
				b.log.Error("mqtt subscribe failed", "topic", subscribeTopic, "error", err)
			}
			b.drainQueue()
		},
		OnConnectError: func(err error) {
			b.log.Error("mqtt connect failed", "broker", cfg.BrokerURL, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: ClientID,
			OnClientError: func(err error) {
				b.log.Error("mqtt client error", "error", err)
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				b.handlePublishReceived,
			},
		},
	}

	cm, err := autopaho.NewConnection(context.Background(), acCfg)
	if err != nil {
		return nil, fmt.Errorf("broker: create connection manager: %w", err)
	}
	b.connMgr = cm
	return b, nil
}

// BindRouter installs the sink that decoded "hub"-topic messages are
// delivered to. The connection is already started by New; messages
// that arrive before a sink is bound are acknowledged and dropped
// (mirrors the original's bind_router/bind_broker injection order).
func (b *Broker) BindRouter(r RouterSink) {
	b.mu.Lock()
	b.router = r
	b.mu.Unlock()
}

// Await blocks until the initial MQTT connection succeeds or ctx is
// done.
func (b *Broker) Await(ctx context.Context) error {
	cm, ok := b.connMgr.(*autopaho.ConnectionManager)
	if !ok {
		return nil
	}
	return cm.AwaitConnection(ctx)
}

func (b *Broker) handlePublishReceived(pr paho.PublishReceived) (bool, error) {
	msg, err := envelope.Decode(pr.Packet.Payload)
	if err != nil {
		b.log.Warn("dropping malformed envelope from broker", "error", err)
		return true, nil
	}

	b.mu.Lock()
	router := b.router
	b.mu.Unlock()

	if router != nil {
		router.DeliverFromBroker(msg)
	}
	return true, nil
}

// Publish sends msg to its unicast or broadcast device topic at QoS
// 1, waiting at most publishWaitTimeout for the broker's
// acknowledgement. If the publish fails (for example because the
// client is disconnected), it is queued and retried, in FIFO order, on
// the next reconnect. Failures are not returned to the caller; they
// are only observable via queue growth.
func (b *Broker) Publish(ctx context.Context, msg envelope.Message) {
	topic := topicFor(msg)
	payload, err := envelope.Encode(msg)
	if err != nil {
		b.log.Error("failed to encode envelope for publish", "error", err)
		return
	}

	if err := b.publishNow(ctx, topic, payload); err != nil {
		b.log.Warn("mqtt publish failed, queuing", "topic", topic, "error", err)
		b.enqueue(topic, payload)
	}
}

func topicFor(msg envelope.Message) string {
	if isBroadcast(msg.MessageEvent) {
		return broadcastTopic
	}
	return unicastTopicPrefix + msg.DeviceID + "/"
}

func (b *Broker) publishNow(ctx context.Context, topic string, payload []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, publishWaitTimeout)
	defer cancel()
	_, err := b.connMgr.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	})
	return err
}

// queuedPublish pairs a topic with its already-encoded payload. The
// offline queue does not use it: it keeps topics and payloads in the
// parallel topics/queue slices.
type queuedPublish struct {
	topic   string
	payload []byte
}

func (b *Broker) enqueue(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.queue = append(b.queue, payload)
}

// drainQueue replays queued publishes in FIFO order. Called on
// reconnect. A publish that fails again stays queued at the front,
// preserving order, and draining stops for this round.
func (b *Broker) drainQueue() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		topic := b.topics[0]
		payload := b.queue[0]
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), publishWaitTimeout)
		err := b.publishNow(ctx, topic, payload)
		cancel()
		if err != nil {
			b.log.Warn("mqtt queue drain failed, will retry on next reconnect", "topic", topic, "error", err)
			return
		}

		b.mu.Lock()
		b.topics = b.topics[1:]
		b.queue = b.queue[1:]
		b.mu.Unlock()
	}
}

// QueueLen reports the number of publishes currently queued for
// retry. Exposed for tests and operator introspection.
func (b *Broker) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
