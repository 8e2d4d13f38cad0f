package camera

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehub/hub/envelope"
)

type fakeUplink struct {
	mu   sync.Mutex
	msgs []envelope.Message
}

func (f *fakeUplink) DeliverFromCamera(msg envelope.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeUplink) all() []envelope.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]envelope.Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func offerMessage(t *testing.T, token, rtsp string) envelope.Message {
	t.Helper()
	offer := clientOffer(t)
	payload, err := json.Marshal(map[string]any{
		"token": token,
		"rtsp":  rtsp,
		"offer": map[string]any{"sdp": offer.SDP, "type": "offer"},
	})
	require.NoError(t, err)
	return envelope.Message{
		MessageID:    "m-" + token,
		MessageType:  envelope.Request,
		MessageEvent: envelope.EventCameraOffer,
		DeviceID:     envelope.CameraDeviceID,
		Payload:      payload,
	}
}

func TestDispatchOfferHappyPathGrowsViewerSet(t *testing.T) {
	uplink := &fakeUplink{}
	m := NewManager(uplink, nil)
	m.dial = func(ctx context.Context, url string) (*rtspTracks, error) {
		return &rtspTracks{video: h264Relay("video-0")}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.Dispatch(ctx, offerMessage(t, "viewer-1", "rtsp://camera.local/stream"))
	m.Dispatch(ctx, offerMessage(t, "viewer-2", "rtsp://camera.local/stream"))

	msgs := uplink.all()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, envelope.EventCameraAnswer, msg.MessageEvent)
	}

	m.mu.Lock()
	conn := m.connections["rtsp://camera.local/stream"]
	m.mu.Unlock()
	require.NotNil(t, conn)
	conn.mu.Lock()
	viewerCount := len(conn.viewers)
	conn.mu.Unlock()
	assert.Equal(t, 2, viewerCount)
}

func TestDispatchOfferRTSPUnreachableSendsError(t *testing.T) {
	uplink := &fakeUplink{}
	m := NewManager(uplink, nil)
	m.dial = func(ctx context.Context, url string) (*rtspTracks, error) {
		return nil, assertErrUnreachable
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.Dispatch(ctx, offerMessage(t, "viewer-1", "rtsp://unreachable/stream"))

	msgs := uplink.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, envelope.EventCameraError, msgs[0].MessageEvent)

	var payload struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, "viewer-1", payload.Token)
	assert.Equal(t, "Could not connect to camera", payload.Error)

	m.mu.Lock()
	_, stillPresent := m.sessions["viewer-1"]
	m.mu.Unlock()
	assert.False(t, stillPresent)
}

func TestDispatchDisconnectStopsConnectionWhenEmpty(t *testing.T) {
	uplink := &fakeUplink{}
	m := NewManager(uplink, nil)
	m.dial = func(ctx context.Context, url string) (*rtspTracks, error) {
		return &rtspTracks{video: h264Relay("video-0")}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.Dispatch(ctx, offerMessage(t, "viewer-1", "rtsp://camera.local/stream"))

	disconnectPayload, _ := json.Marshal(map[string]any{"token": "viewer-1"})
	m.Dispatch(ctx, envelope.Message{
		MessageID:    "d-1",
		MessageType:  envelope.Request,
		MessageEvent: envelope.EventCameraDisconnect,
		DeviceID:     envelope.CameraDeviceID,
		Payload:      disconnectPayload,
	})

	m.mu.Lock()
	_, hasSession := m.sessions["viewer-1"]
	_, hasConn := m.connections["rtsp://camera.local/stream"]
	m.mu.Unlock()
	assert.False(t, hasSession)
	assert.False(t, hasConn)
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	m := NewManager(nil, nil)
	m.deleteSession("missing", "rtsp://nowhere")
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const assertErrUnreachable = sentinelError("connection refused")
