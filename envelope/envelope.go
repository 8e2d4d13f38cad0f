// Package envelope implements the hub's wire message format: a typed
// JSON envelope shared by the MQTT broker, the TCP device server, the
// camera subsystem and the cloud WebSocket uplink.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// macPattern matches a canonical colon- or dash-separated 48-bit MAC
// address, e.g. "aa:bb:cc:dd:ee:ff" or "aa-bb-cc-dd-ee-ff".
var macPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}[:-]){5}[0-9a-fA-F]{2}$`)

// MessageType distinguishes a request from its response.
type MessageType string

const (
	Request  MessageType = "request"
	Response MessageType = "response"
)

// Event vocabulary. Values outside this set still decode; the router
// treats them as opaque strings rather than failing.
const (
	EventGetConnectedDevices = "get_connected_devices"
	EventDeviceConnect       = "device_connect"
	EventDeviceDisconnect    = "device_disconnect"
	EventHealthCheck         = "health_check"
	EventGetSettings         = "get_settings"
	EventSetSettings         = "set_settings"
	EventStateChange         = "state_change"
	EventUpdateFirmware      = "update_firmware"
	EventUpdateFirmwareError = "update_firmware_error"

	EventCameraOffer      = "camera_offer"
	EventCameraAnswer     = "camera_answer"
	EventCameraDisconnect = "camera_disconnect"
	EventCameraError      = "camera_error"
	EventCameraICE        = "camera_ice"
)

// CameraDeviceID is the reserved device_id value used for the camera
// subsystem's signalling envelopes, in place of a MAC address.
const CameraDeviceID = "camera"

// Message is the hub's wire envelope. Payload is always a JSON object
// (never null) once decoded.
type Message struct {
	MessageID    string          `json:"message_id"`
	MessageType  MessageType     `json:"message_type"`
	MessageEvent string          `json:"message_event"`
	DeviceID     string          `json:"device_id"`
	Payload      json.RawMessage `json:"payload"`
}

// MalformedEnvelope reports why raw bytes failed to decode into a
// valid Message.
type MalformedEnvelope struct {
	Reason string
}

func (e *MalformedEnvelope) Error() string {
	return fmt.Sprintf("envelope: malformed: %s", e.Reason)
}

// ValidDeviceID reports whether id is a canonical MAC address or the
// literal "camera".
func ValidDeviceID(id string) bool {
	return id == CameraDeviceID || macPattern.MatchString(id)
}

// Encode serializes msg to its wire form. A nil Payload is normalized
// to an empty JSON object.
func Encode(msg Message) ([]byte, error) {
	if len(msg.Payload) == 0 {
		msg.Payload = json.RawMessage(`{}`)
	}
	return json.Marshal(msg)
}

// Decode parses raw bytes into a Message. It fails with
// *MalformedEnvelope on invalid JSON, missing required fields, a
// device_id that is neither a valid MAC nor "camera", or a payload
// that is not a JSON object. A null or missing payload normalizes to
// an empty object rather than failing.
func Decode(raw []byte) (Message, error) {
	var wire struct {
		MessageID    string          `json:"message_id"`
		MessageType  MessageType     `json:"message_type"`
		MessageEvent string          `json:"message_event"`
		DeviceID     string          `json:"device_id"`
		Payload      json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, &MalformedEnvelope{Reason: err.Error()}
	}

	if wire.MessageID == "" {
		return Message{}, &MalformedEnvelope{Reason: "missing message_id"}
	}
	if wire.MessageType != Request && wire.MessageType != Response {
		return Message{}, &MalformedEnvelope{Reason: "missing or invalid message_type"}
	}
	if wire.MessageEvent == "" {
		return Message{}, &MalformedEnvelope{Reason: "missing message_event"}
	}
	if !ValidDeviceID(wire.DeviceID) {
		return Message{}, &MalformedEnvelope{Reason: fmt.Sprintf("device_id %q is not a valid MAC or %q", wire.DeviceID, CameraDeviceID)}
	}

	payload := wire.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	} else if payload[0] != '{' {
		return Message{}, &MalformedEnvelope{Reason: "payload is not a JSON object"}
	}

	return Message{
		MessageID:    wire.MessageID,
		MessageType:  wire.MessageType,
		MessageEvent: wire.MessageEvent,
		DeviceID:     wire.DeviceID,
		Payload:      payload,
	}, nil
}
