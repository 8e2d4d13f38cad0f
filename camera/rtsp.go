package camera

import (
	"context"
	"fmt"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// capabilityForFormat maps an RTSP media format to the WebRTC codec
// capability it can be forwarded as without transcoding. Formats this
// hub cannot bridge directly (anything requiring a codec conversion)
// are skipped rather than transcoded; transcoding is out of scope.
func capabilityForFormat(f format.Format) (webrtc.RTPCodecCapability, bool) {
	switch f := f.(type) {
	case *format.H264:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}, true
	case *format.VP8:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, true
	case *format.VP9:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, true
	case *format.Opus:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, true
	case *format.G711:
		if f.MULaw {
			return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000}, true
		}
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000}, true
	default:
		return webrtc.RTPCodecCapability{}, false
	}
}

// dialRTSP dials rtspURL, sets up every bridgeable media, and starts
// playback, fanning incoming RTP packets out through a trackRelay per
// media. The caller is responsible for running this on a worker
// goroutine; it blocks for the duration of the RTSP handshake.
func dialRTSP(ctx context.Context, rtspURL string) (*rtspTracks, error) {
	u, err := base.ParseURL(rtspURL)
	if err != nil {
		return nil, fmt.Errorf("camera: parse rtsp url: %w", err)
	}

	c := &gortsplib.Client{}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("camera: rtsp start: %w", err)
	}

	desc, _, err := c.Describe(u)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("camera: rtsp describe: %w", err)
	}

	if err := c.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		c.Close()
		return nil, fmt.Errorf("camera: rtsp setup: %w", err)
	}

	tracks := &rtspTracks{}
	relays := make(map[*description.Media]*trackRelay, len(desc.Medias))

	for i, medi := range desc.Medias {
		if len(medi.Formats) == 0 {
			continue
		}
		capability, ok := capabilityForFormat(medi.Formats[0])
		if !ok {
			continue
		}
		relay := newTrackRelay(capability, fmt.Sprintf("%s-%d", medi.Type, i))
		relays[medi] = relay
		switch medi.Type {
		case description.MediaTypeVideo:
			tracks.video = relay
		case description.MediaTypeAudio:
			tracks.audio = relay
		}
	}

	c.OnPacketRTPAny(func(medi *description.Media, _ format.Format, pkt *rtp.Packet) {
		if relay, ok := relays[medi]; ok {
			relay.writeRTP(pkt)
		}
	})

	if _, err := c.Play(nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("camera: rtsp play: %w", err)
	}

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	return tracks, nil
}
