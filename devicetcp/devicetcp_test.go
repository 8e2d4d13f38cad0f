package devicetcp

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehub/hub/envelope"
)

// fakeSink records delivered envelopes for assertions.
type fakeSink struct {
	mu   sync.Mutex
	msgs []envelope.Message
}

func (f *fakeSink) DeliverFromDevice(msg envelope.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeSink) all() []envelope.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]envelope.Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func TestHandshakeEnrichesPayloadAndForwards(t *testing.T) {
	sink := &fakeSink{}
	s := New("", sink, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	go func() {
		raw, _ := envelope.Encode(envelope.Message{
			MessageID:    "a",
			MessageType:  envelope.Request,
			MessageEvent: envelope.EventDeviceConnect,
			DeviceID:     "aa:bb:cc:dd:ee:ff",
			Payload:      json.RawMessage(`{}`),
		})
		client.Write(raw)
	}()

	mac, err := s.handshake(server)
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", mac)

	msgs := sink.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, envelope.EventDeviceConnect, msgs[0].MessageEvent)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.NotEmpty(t, payload["ip"])
}

func TestTeardownSkippedOnSupersession(t *testing.T) {
	sink := &fakeSink{}
	s := New("", sink, nil)
	mac := "aa:bb:cc:dd:ee:ff"

	s.devices[mac] = &entry{generation: 1}
	// A new handshake supersedes generation 1 with generation 2.
	s.devices[mac] = &entry{generation: 2}

	// The old generation's teardown must not remove the new entry or
	// emit a DEVICE_DISCONNECT.
	s.teardown(mac, 1)
	assert.Empty(t, sink.all())
	assert.True(t, s.Has(mac))

	// The current generation's teardown does both.
	s.teardown(mac, 2)
	msgs := sink.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, envelope.EventDeviceDisconnect, msgs[0].MessageEvent)
	assert.False(t, s.Has(mac))
}

func TestEnqueueRequiresRegisteredDevice(t *testing.T) {
	s := New("", nil, nil)
	assert.False(t, s.Enqueue("aa:bb:cc:dd:ee:ff", []byte("x")))

	s.devices["aa:bb:cc:dd:ee:ff"] = &entry{generation: 1}
	assert.True(t, s.Enqueue("aa:bb:cc:dd:ee:ff", []byte("x")))
}

func TestWriterLoopDeliversThenStopsOnSupersession(t *testing.T) {
	s := New("", nil, nil)
	mac := "aa:bb:cc:dd:ee:ff"
	e := &entry{generation: 1, outbound: [][]byte{[]byte("hello")}}
	s.devices[mac] = e

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.writerLoop(server, mac, 1, e)
		close(done)
	}()

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// Supersede, then the writer loop should exit on its next tick.
	s.mu.Lock()
	s.devices[mac] = &entry{generation: 2}
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writerLoop did not exit after supersession")
	}
}
