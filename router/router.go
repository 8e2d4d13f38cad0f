// Package router owns the hub's uplink WebSocket and fans decoded
// envelopes in and out of the broker, the TCP device server and the
// camera manager. It is the sole bidirectional seam to the cloud;
// every other subsystem is LAN-local.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/edgehub/hub/envelope"
	"github.com/edgehub/hub/utils"
)

const (
	reconnectBackoff    = 5 * time.Second
	writerPollInterval  = 100 * time.Millisecond
	healthCheckInterval = 60 * time.Second
)

// wsConn is the subset of *websocket.Conn the router depends on,
// narrow enough that tests can substitute a fake in its place.
type wsConn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// dialFunc opens the uplink connection. Swappable in tests.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// BrokerSink publishes an envelope to its MQTT-addressed device.
// broker.Broker implements this.
type BrokerSink interface {
	Publish(ctx context.Context, msg envelope.Message)
}

// DeviceTable is the subset of devicetcp.Server the router needs to
// decide TCP vs. MQTT delivery and to drive the health-check ticker.
type DeviceTable interface {
	Has(mac string) bool
	Enqueue(mac string, payload []byte) bool
	MACs() []string
}

// CameraDispatcher handles camera_offer/camera_disconnect envelopes.
// camera.Manager implements this.
type CameraDispatcher interface {
	Dispatch(ctx context.Context, msg envelope.Message)
}

// OTAHandler processes an update_firmware envelope and returns the
// rewritten envelope to publish to the target device. ota.Client
// implements this.
type OTAHandler interface {
	HandleUpdateFirmware(ctx context.Context, msg envelope.Message) (envelope.Message, error)
}

// Router owns the uplink WebSocket lifecycle and the FIFO outbound
// queue drained onto it. It implements broker.RouterSink,
// devicetcp.UplinkSink and camera.UplinkSink: any of those deliver
// into the same outbound queue via SendToServer.
type Router struct {
	log     *slog.Logger
	url     string
	devices DeviceTable
	camera  CameraDispatcher
	ota     OTAHandler
	dial    dialFunc

	mu       sync.Mutex
	broker   BrokerSink
	outbound []envelope.Message
}

// New constructs a Router that will dial url once Run is called.
// devices may be nil, in which case every device-addressed message is
// published to the broker and no health checks run. camera and ota may
// be nil, in which case messages destined for them are logged and
// dropped. logger may be nil, in which case slog.Default is used.
func New(url string, devices DeviceTable, camera CameraDispatcher, ota OTAHandler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		log:     logger,
		url:     url,
		devices: devices,
		camera:  camera,
		ota:     ota,
		dial:    dialWebsocket,
	}
}

// BindBroker installs the broker this router publishes to. Must be
// called before Run; mirrors the original's bind_broker/bind_router
// injection that breaks the Router<->Broker cycle (the broker binds
// the router as its sink first, then the router is bound the broker
// here).
func (r *Router) BindBroker(b BrokerSink) {
	r.mu.Lock()
	r.broker = b
	r.mu.Unlock()
}

// SendToServer appends msg to the uplink's outbound queue. Safe to
// call from any goroutine; never blocks.
func (r *Router) SendToServer(msg envelope.Message) {
	r.mu.Lock()
	r.outbound = append(r.outbound, msg)
	r.mu.Unlock()
}

// DeliverFromBroker implements broker.RouterSink.
func (r *Router) DeliverFromBroker(msg envelope.Message) { r.SendToServer(msg) }

// DeliverFromDevice implements devicetcp.UplinkSink.
func (r *Router) DeliverFromDevice(msg envelope.Message) { r.SendToServer(msg) }

// DeliverFromCamera implements camera.UplinkSink.
func (r *Router) DeliverFromCamera(msg envelope.Message) { r.SendToServer(msg) }

// Run drives the uplink lifecycle: connect, run reader and writer
// concurrently, and on any failure of either sleep 5s and reconnect.
// There is no bounded retry; Run only returns when ctx is done. It
// also starts the periodic per-device health-check ticker.
func (r *Router) Run(ctx context.Context) error {
	go r.runHealthChecks(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := r.dial(ctx, r.url)
		if err != nil {
			r.log.Error("uplink dial failed", "url", r.url, "error", err)
			if !sleepOrDone(ctx, reconnectBackoff) {
				return ctx.Err()
			}
			continue
		}

		r.log.Info("uplink connected", "url", r.url)
		if err := r.runSession(ctx, conn); err != nil && ctx.Err() == nil {
			r.log.Warn("uplink session ended, reconnecting", "error", err)
		}
		conn.Close()

		if !sleepOrDone(ctx, reconnectBackoff) {
			return ctx.Err()
		}
	}
}

// sleepOrDone waits d or until ctx is done, reporting whether the
// sleep completed (false means ctx ended first).
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// runSession runs the downlink reader and uplink writer over conn
// until either exits or ctx is cancelled.
func (r *Router) runSession(ctx context.Context, conn wsConn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.readLoop(gctx, conn) })
	g.Go(func() error { return r.writeLoop(gctx, conn) })
	return g.Wait()
}

// readLoop decodes each inbound downlink message and routes it.
// Camera dispatch is spawned on its own goroutine so a slow RTSP
// dial or WebRTC negotiation never blocks the downlink reader.
func (r *Router) readLoop(ctx context.Context, conn wsConn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := envelope.Decode(raw)
		if err != nil {
			r.log.Warn("dropping malformed downlink envelope", "error", err)
			continue
		}
		r.route(ctx, msg)
	}
}

// writeLoop drains the outbound queue FIFO, sleeping briefly when
// idle.
func (r *Router) writeLoop(ctx context.Context, conn wsConn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.mu.Lock()
		if len(r.outbound) == 0 {
			r.mu.Unlock()
			if !sleepOrDone(ctx, writerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		msg := r.outbound[0]
		r.outbound = r.outbound[1:]
		r.mu.Unlock()

		if err := conn.WriteJSON(msg); err != nil {
			// Put it back at the front so a reconnect can retry it.
			r.mu.Lock()
			r.outbound = append([]envelope.Message{msg}, r.outbound...)
			r.mu.Unlock()
			return err
		}
	}
}

// route implements the downlink routing table: update_firmware goes
// through the OTA client then the broker; camera-addressed messages
// are dispatched non-blocking; everything else is delivered to its
// device, preferring the TCP table over MQTT.
func (r *Router) route(ctx context.Context, msg envelope.Message) {
	switch {
	case msg.MessageEvent == envelope.EventUpdateFirmware:
		go r.handleUpdateFirmware(ctx, msg)
	case msg.DeviceID == envelope.CameraDeviceID:
		if r.camera != nil {
			go r.camera.Dispatch(ctx, msg)
		} else {
			r.log.Warn("no camera manager bound, dropping camera envelope", "event", msg.MessageEvent)
		}
	default:
		r.deliverToDevice(ctx, msg)
	}
}

func (r *Router) handleUpdateFirmware(ctx context.Context, msg envelope.Message) {
	if r.ota == nil {
		r.log.Warn("no ota client bound, dropping update_firmware", "device_id", msg.DeviceID)
		return
	}
	rewritten, err := r.ota.HandleUpdateFirmware(ctx, msg)
	if err != nil {
		r.log.Error("ota handling failed", "device_id", msg.DeviceID, "error", err)
		return
	}
	r.publishToBroker(ctx, rewritten)
}

// deliverToDevice chooses TCP vs. MQTT delivery by exact MAC presence
// in the TCP device table, falling back to a broker publish.
func (r *Router) deliverToDevice(ctx context.Context, msg envelope.Message) {
	if r.devices != nil && r.devices.Has(msg.DeviceID) {
		payload, err := envelope.Encode(msg)
		if err != nil {
			r.log.Error("failed to encode envelope for tcp delivery", "error", err)
			return
		}
		if r.devices.Enqueue(msg.DeviceID, payload) {
			return
		}
	}
	r.publishToBroker(ctx, msg)
}

func (r *Router) publishToBroker(ctx context.Context, msg envelope.Message) {
	r.mu.Lock()
	broker := r.broker
	r.mu.Unlock()
	if broker == nil {
		r.log.Warn("no broker bound, dropping envelope", "device_id", msg.DeviceID)
		return
	}
	broker.Publish(ctx, msg)
}

// runHealthChecks enqueues a health_check request for every device
// known to the TCP table every healthCheckInterval, grounded on the
// original's periodic check_device loop. Uses the named ticker so an
// operator can find it via utils.GetTicker("router-health-check").
func (r *Router) runHealthChecks(ctx context.Context) {
	if r.devices == nil {
		return
	}
	t := utils.NewTicker("router-health-check", healthCheckInterval, func(time.Time) {
		r.sendHealthChecks(ctx)
	})
	<-ctx.Done()
	t.Stop()
}

func (r *Router) sendHealthChecks(ctx context.Context) {
	for _, mac := range r.devices.MACs() {
		r.deliverToDevice(ctx, envelope.Message{
			MessageID:    uuid.NewString(),
			MessageType:  envelope.Request,
			MessageEvent: envelope.EventHealthCheck,
			DeviceID:     mac,
			Payload:      json.RawMessage(`{}`),
		})
	}
}

// QueueLen reports the number of messages currently queued for the
// uplink writer. Exposed for tests and operator introspection.
func (r *Router) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbound)
}
