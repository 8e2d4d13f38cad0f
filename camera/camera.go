// Package camera ingests RTSP streams once per URL, fans tracks out
// to WebRTC viewer sessions via a relay, and runs the CAMERA_OFFER /
// CAMERA_ANSWER / CAMERA_ICE / CAMERA_DISCONNECT state machine.
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/edgehub/hub/envelope"
)

// errnoMessages maps common errno-style codes to human text for
// CAMERA_ERROR payloads. 1414092869 is the ingest library's sentinel
// for "could not connect to camera". Unknown codes map to
// "Unknown error".
var errnoMessages = map[int]string{
	1:          "Operation not permitted",
	2:          "No such file or directory",
	5:          "Input/output error",
	11:         "Resource temporarily unavailable",
	22:         "Invalid argument",
	110:        "Connection timed out",
	1414092869: "Could not connect to camera",
}

const errnoCameraUnreachable = 1414092869
const errnoInvalidArgument = 22

func errnoMessage(errno int) string {
	if msg, ok := errnoMessages[errno]; ok {
		return msg
	}
	return "Unknown error"
}

// UplinkSink receives the CAMERA_ANSWER/CAMERA_ERROR/CAMERA_ICE
// response envelopes the manager produces. router.Router implements
// this.
type UplinkSink interface {
	DeliverFromCamera(msg envelope.Message)
}

type sessionEntry struct {
	session *CameraSession
	rtsp    string
}

// Manager dispatches CAMERA_OFFER/CAMERA_DISCONNECT envelopes,
// pooling one CameraConnection per RTSP URL and one CameraSession per
// viewer token.
type Manager struct {
	log    *slog.Logger
	uplink UplinkSink
	dial   rtspDialFunc

	mu          sync.Mutex
	connections map[string]*CameraConnection
	sessions    map[string]*sessionEntry
}

// NewManager constructs a Manager that publishes its responses to
// uplink. logger may be nil, in which case slog.Default is used.
func NewManager(uplink UplinkSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:         logger,
		uplink:      uplink,
		dial:        dialRTSP,
		connections: make(map[string]*CameraConnection),
		sessions:    make(map[string]*sessionEntry),
	}
}

// BindUplink installs the sink CAMERA_ANSWER/CAMERA_ERROR/CAMERA_ICE
// responses are delivered to. Lets the manager be constructed before
// its router, breaking the camera<->router construction cycle the
// same way broker.BindRouter does for the broker.
func (m *Manager) BindUplink(uplink UplinkSink) {
	m.mu.Lock()
	m.uplink = uplink
	m.mu.Unlock()
}

// PublishICE implements icePublisher for sessions this manager
// creates.
func (m *Manager) PublishICE(msg envelope.Message) {
	if m.uplink != nil {
		m.uplink.DeliverFromCamera(msg)
	}
}

// Dispatch handles one CAMERA_OFFER or CAMERA_DISCONNECT envelope.
// Callers invoke this from its own goroutine; Dispatch itself may
// block on the RTSP dial and WebRTC negotiation.
func (m *Manager) Dispatch(ctx context.Context, msg envelope.Message) {
	switch msg.MessageEvent {
	case envelope.EventCameraOffer:
		m.handleOffer(ctx, msg)
	case envelope.EventCameraDisconnect:
		m.handleDisconnect(msg)
	default:
		m.log.Warn("camera manager ignoring unrecognized event", "event", msg.MessageEvent)
	}
}

type offerPayload struct {
	Token string `json:"token"`
	RTSP  string `json:"rtsp"`
	Offer struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	} `json:"offer"`
}

type disconnectPayload struct {
	Token string `json:"token"`
}

func (m *Manager) handleOffer(ctx context.Context, msg envelope.Message) {
	var payload offerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		m.sendError(msg.MessageID, "", errnoMessage(errnoInvalidArgument))
		return
	}

	conn := m.connectionFor(payload.RTSP)
	conn.open(ctx)
	if err := conn.awaitOpen(ctx); err != nil {
		m.sendError(msg.MessageID, payload.Token, err.Error())
		return
	}

	session, err := newCameraSession(payload.Token, payload.RTSP, m.deleteSession, m, nil)
	if err != nil {
		m.sendError(msg.MessageID, payload.Token, err.Error())
		return
	}
	m.mu.Lock()
	m.sessions[payload.Token] = &sessionEntry{session: session, rtsp: payload.RTSP}
	m.mu.Unlock()

	tracks, err := conn.getTracks(ctx)
	if err != nil {
		m.sendTrackError(msg.MessageID, payload.Token, err)
		m.deleteSession(payload.Token, payload.RTSP)
		return
	}

	answer, err := session.handleOffer(payload.Offer.SDP, payload.Offer.Type, tracks, msg.MessageID)
	if err != nil {
		m.sendError(msg.MessageID, payload.Token, err.Error())
		m.deleteSession(payload.Token, payload.RTSP)
		return
	}

	conn.addViewer(payload.Token)
	if m.uplink != nil {
		m.uplink.DeliverFromCamera(answer)
	}
}

func (m *Manager) handleDisconnect(msg envelope.Message) {
	var payload disconnectPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	m.mu.Lock()
	entry, ok := m.sessions[payload.Token]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.deleteSession(payload.Token, entry.rtsp)
}

// deleteSession stops and removes the session for token, decrements
// the owning connection's viewer set, and stops the connection if it
// has no more viewers. Idempotent: a missing token is a no-op. Called
// both explicitly (CAMERA_DISCONNECT) and from a session's own
// connection-state callback.
func (m *Manager) deleteSession(token, rtsp string) {
	m.mu.Lock()
	entry, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
	}
	conn := m.connections[rtsp]
	m.mu.Unlock()

	if !ok {
		return
	}
	entry.session.stop()

	if conn == nil {
		return
	}
	if empty := conn.removeViewer(token); empty {
		conn.stop()
		m.mu.Lock()
		delete(m.connections, rtsp)
		m.mu.Unlock()
	}
}

func (m *Manager) connectionFor(rtsp string) *CameraConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[rtsp]
	if !ok {
		conn = newCameraConnection(rtsp, m.dial, m.log)
		m.connections[rtsp] = conn
	}
	return conn
}

func (m *Manager) sendError(messageID, token, text string) {
	payload, _ := json.Marshal(map[string]any{"token": token, "error": text})
	if m.uplink != nil {
		m.uplink.DeliverFromCamera(envelope.Message{
			MessageID:    messageID,
			MessageType:  envelope.Response,
			MessageEvent: envelope.EventCameraError,
			DeviceID:     envelope.CameraDeviceID,
			Payload:      payload,
		})
	}
}

// sendTrackError classifies a getTracks failure: an unavailable
// camera maps to the ingest library's "could not connect" sentinel;
// anything else is reported verbatim.
func (m *Manager) sendTrackError(messageID, token string, err error) {
	if errors.Is(err, ErrCameraUnavailable) {
		m.sendError(messageID, token, errnoMessage(errnoCameraUnreachable))
		return
	}
	m.sendError(messageID, token, err.Error())
}
