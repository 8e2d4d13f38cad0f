// Package devicetcp implements the hub's raw TCP device protocol: a
// JSON envelope per handshake and per subsequent Read, with
// generation tokens to resolve reconnect races without hard socket
// cancellation.
package devicetcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgehub/hub/envelope"
)

const (
	// DefaultAddr is the address the device server listens on.
	DefaultAddr = "0.0.0.0:8080"

	handshakeDeadline = 5 * time.Second
	handshakeMaxBytes  = 1024
	readDeadline       = 90 * time.Second
	writerPollInterval = 100 * time.Millisecond
)

// UplinkSink receives envelopes produced by device connections: the
// handshake, every subsequent read, and a synthesized
// DEVICE_DISCONNECT on teardown. router.Router implements this.
type UplinkSink interface {
	DeliverFromDevice(msg envelope.Message)
}

// entry is the per-MAC device record: a generation token and the
// outbound queue for the connection currently holding that token.
// Superseded entries are overwritten wholesale; the superseded
// connection's loops detect the mismatch on their next iteration and
// exit without emitting a DEVICE_DISCONNECT.
type entry struct {
	generation uint64
	mu         sync.Mutex
	outbound   [][]byte
}

// Server accepts device connections on Addr and maintains the
// generation-token device table.
type Server struct {
	Addr   string
	Uplink UplinkSink
	log    *slog.Logger

	mu      sync.Mutex
	devices map[string]*entry

	nextGeneration atomic.Uint64
}

// New constructs a Server. logger may be nil, in which case
// slog.Default is used.
func New(addr string, uplink UplinkSink, logger *slog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Addr:    addr,
		Uplink:  uplink,
		log:     logger,
		devices: make(map[string]*entry),
	}
}

// Enqueue appends payload to mac's outbound queue if mac currently has
// a live connection. Returns false if mac is not in the device table.
func (s *Server) Enqueue(mac string, payload []byte) bool {
	s.mu.Lock()
	e, ok := s.devices[mac]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.outbound = append(e.outbound, payload)
	e.mu.Unlock()
	return true
}

// MACs returns the MAC addresses currently registered in the device
// table. Used by the router's periodic health-check ticker.
func (s *Server) MACs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	macs := make([]string, 0, len(s.devices))
	for mac := range s.devices {
		macs = append(macs, mac)
	}
	return macs
}

// Has reports whether mac is currently registered in the device
// table. Used by the router to decide TCP vs. MQTT delivery.
func (s *Server) Has(mac string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[mac]
	return ok
}

// Serve accepts connections on Addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("devicetcp: listen %s: %w", s.Addr, err)
	}
	s.log.Info("device tcp server listening", "addr", s.Addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("devicetcp: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	mac, err := s.handshake(conn)
	if err != nil {
		s.log.Warn("device handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	generation := s.nextGeneration.Add(1)
	e := &entry{generation: generation}
	s.mu.Lock()
	s.devices[mac] = e
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writerLoop(conn, mac, generation, e)
	}()
	s.readerLoop(conn, mac, generation)

	// Tearing down removes the entry (if this generation still owns
	// it), which also stops the writer on its next poll.
	s.teardown(mac, generation)
	wg.Wait()
}

// handshake reads the device's opening envelope, enriches its payload
// with the peer's ip/port, and forwards it to the uplink as the
// device's first message. It returns the device's MAC.
func (s *Server) handshake(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeDeadline))

	buf := make([]byte, handshakeMaxBytes)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}

	msg, err := envelope.Decode(buf[:n])
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if msg.DeviceID == envelope.CameraDeviceID {
		return "", fmt.Errorf("devicetcp: camera device_id not valid for tcp handshake")
	}

	host, port, _ := net.SplitHostPort(conn.RemoteAddr().String())
	enriched, err := enrichPayload(msg.Payload, host, port)
	if err != nil {
		return "", fmt.Errorf("enrich payload: %w", err)
	}
	msg.Payload = enriched

	if s.Uplink != nil {
		s.Uplink.DeliverFromDevice(msg)
	}
	return msg.DeviceID, nil
}

func enrichPayload(payload json.RawMessage, ip, port string) (json.RawMessage, error) {
	m := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
	}
	m["ip"] = ip
	m["port"] = port
	return json.Marshal(m)
}

// readerLoop reads subsequent JSON envelopes from conn, one per Read
// call (a documented framing limitation: a Read that returns more
// than one JSON object, or a partial object, is not reassembled
// across calls). It exits on any read error/timeout, or once its
// generation is superseded.
func (s *Server) readerLoop(conn net.Conn, mac string, generation uint64) {
	buf := make([]byte, handshakeMaxBytes)
	for {
		if !s.currentGeneration(mac, generation) {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		msg, err := envelope.Decode(buf[:n])
		if err != nil {
			s.log.Warn("dropping malformed device envelope", "mac", mac, "error", err)
			continue
		}
		if s.Uplink != nil {
			s.Uplink.DeliverFromDevice(msg)
		}
	}
}

// writerLoop drains e's outbound queue onto conn at a fixed poll
// interval. It exits once its generation is superseded.
func (s *Server) writerLoop(conn net.Conn, mac string, generation uint64, e *entry) {
	ticker := time.NewTicker(writerPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !s.currentGeneration(mac, generation) {
			return
		}

		e.mu.Lock()
		pending := e.outbound
		e.outbound = nil
		e.mu.Unlock()

		for _, payload := range pending {
			if _, err := conn.Write(payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) currentGeneration(mac string, generation uint64) bool {
	s.mu.Lock()
	e, ok := s.devices[mac]
	s.mu.Unlock()
	return ok && e.generation == generation
}

// teardown removes mac's device table entry and emits a synthesized
// DEVICE_DISCONNECT, but only if generation is still the current one
// — a superseded generation's teardown is a no-op, since the new
// generation already owns the entry.
func (s *Server) teardown(mac string, generation uint64) {
	s.mu.Lock()
	e, ok := s.devices[mac]
	if ok && e.generation == generation {
		delete(s.devices, mac)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if s.Uplink != nil {
		s.Uplink.DeliverFromDevice(envelope.Message{
			MessageID:    fmt.Sprintf("disconnect-%s-%d", mac, generation),
			MessageType:  envelope.Request,
			MessageEvent: envelope.EventDeviceDisconnect,
			DeviceID:     mac,
			Payload:      json.RawMessage(`{}`),
		})
	}
}
