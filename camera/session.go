package camera

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/edgehub/hub/envelope"
)

const stunServer = "stun:stun.l.google.com:19302"

// icePublisher receives CAMERA_ICE envelopes produced as a session's
// peer connection gathers outbound candidates. Manager implements it.
type icePublisher interface {
	PublishICE(msg envelope.Message)
}

// pcFactory constructs a new RTCPeerConnection; overridden in tests.
type pcFactory func() (*webrtc.PeerConnection, error)

// newPeerConnection builds the API with the default interceptor chain
// registered (NACK generation/response, RTCP reports, TWCC) so viewer
// sessions get loss recovery on the relayed tracks instead of the bare
// defaults a no-argument NewPeerConnection would give them.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{stunServer}}},
	})
}

// CameraSession is one RTCPeerConnection serving a single viewer of a
// camera stream. Any connection-state transition into
// failed/disconnected/closed triggers stop() and the manager's
// delete callback.
type CameraSession struct {
	Token string
	rtsp  string

	pc             *webrtc.PeerConnection
	deleteCallback func(token, rtsp string)

	mu      sync.Mutex
	stopped bool
}

func newCameraSession(token, rtsp string, deleteCallback func(string, string), ice icePublisher, factory pcFactory) (*CameraSession, error) {
	if factory == nil {
		factory = newPeerConnection
	}
	pc, err := factory()
	if err != nil {
		return nil, fmt.Errorf("camera: new peer connection: %w", err)
	}

	s := &CameraSession{Token: token, rtsp: rtsp, pc: pc, deleteCallback: deleteCallback}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			s.stop()
			if s.deleteCallback != nil {
				s.deleteCallback(token, rtsp)
			}
		}
	})

	if ice != nil {
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			init := c.ToJSON()
			payload, err := json.Marshal(map[string]any{
				"token": token,
				"candidate": map[string]any{
					"sdpMid":        init.SDPMid,
					"sdpMLineIndex": init.SDPMLineIndex,
					"candidate":     init.Candidate,
				},
			})
			if err != nil {
				return
			}
			ice.PublishICE(envelope.Message{
				MessageID:    uuid.NewString(),
				MessageType:  envelope.Response,
				MessageEvent: envelope.EventCameraICE,
				DeviceID:     envelope.CameraDeviceID,
				Payload:      payload,
			})
		})
	}

	return s, nil
}

// handleOffer sets the remote description, adds the relay-subscribed
// tracks, creates and sets a local answer, and returns a CAMERA_ANSWER
// envelope correlated by messageID.
func (s *CameraSession) handleOffer(offerSDP, offerType string, tracks []webrtc.TrackLocal, messageID string) (envelope.Message, error) {
	offer := webrtc.SessionDescription{SDP: offerSDP, Type: sdpTypeFromString(offerType)}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return envelope.Message{}, fmt.Errorf("set remote description: %w", err)
	}

	for _, t := range tracks {
		sender, err := s.pc.AddTrack(t)
		if err != nil {
			return envelope.Message{}, fmt.Errorf("add track: %w", err)
		}
		go drainRTCP(sender)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return envelope.Message{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return envelope.Message{}, fmt.Errorf("set local description: %w", err)
	}

	local := s.pc.LocalDescription()
	payload, err := json.Marshal(map[string]any{
		"token": s.Token,
		"answer": map[string]any{
			"sdp":  local.SDP,
			"type": local.Type.String(),
		},
	})
	if err != nil {
		return envelope.Message{}, err
	}

	return envelope.Message{
		MessageID:    messageID,
		MessageType:  envelope.Response,
		MessageEvent: envelope.EventCameraAnswer,
		DeviceID:     envelope.CameraDeviceID,
		Payload:      payload,
	}, nil
}

func (s *CameraSession) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.pc.Close()
}

// drainRTCP reads RTCP packets off sender until it closes. pion queues
// them internally for interceptor bookkeeping (RTT, loss stats); a
// sender nobody reads from blocks those interceptors, so every track
// needs one reader even when the packets themselves are discarded.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		if _, err := rtcp.Unmarshal(buf[:n]); err != nil {
			continue
		}
	}
}

func sdpTypeFromString(t string) webrtc.SDPType {
	switch t {
	case "answer":
		return webrtc.SDPTypeAnswer
	case "pranswer":
		return webrtc.SDPTypePranswer
	case "rollback":
		return webrtc.SDPTypeRollback
	default:
		return webrtc.SDPTypeOffer
	}
}
