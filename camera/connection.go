package camera

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ErrCameraUnavailable is returned by getTracks when the RTSP dial
// failed and no media player is available.
var ErrCameraUnavailable = errors.New("camera: unavailable")

// rtspTracks holds the relays fed by a single RTSP ingest.
type rtspTracks struct {
	video *trackRelay
	audio *trackRelay
}

// rtspDialFunc performs the blocking RTSP dial, offloaded to a worker
// goroutine by CameraConnection.open. Production wiring is dialRTSP
// in rtsp.go; tests substitute a fake.
type rtspDialFunc func(ctx context.Context, rtspURL string) (*rtspTracks, error)

// trackRelay fans a single RTSP media stream out to any number of
// WebRTC local track subscriptions, so multiple viewer sessions share
// one RTSP ingest instead of each opening their own.
type trackRelay struct {
	capability webrtc.RTPCodecCapability
	id         string

	mu   sync.Mutex
	subs []*webrtc.TrackLocalStaticRTP
}

func newTrackRelay(capability webrtc.RTPCodecCapability, id string) *trackRelay {
	return &trackRelay{capability: capability, id: id}
}

// subscribe returns a fresh track for one consumer; callers must not
// share a subscription across sessions.
func (r *trackRelay) subscribe() (*webrtc.TrackLocalStaticRTP, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(r.capability, r.id, "camera")
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.subs = append(r.subs, track)
	r.mu.Unlock()
	return track, nil
}

func (r *trackRelay) writeRTP(pkt *rtp.Packet) {
	r.mu.Lock()
	subs := make([]*webrtc.TrackLocalStaticRTP, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		_ = s.WriteRTP(pkt)
	}
}

// CameraConnection is a single RTSP ingest shared across every
// CameraSession viewing that URL. open is idempotent and
// concurrency-safe, guarded by a mutex plus a one-shot gate; getTracks
// blocks on that gate and hands back a fresh relay subscription per
// call so sessions never compete over one consumer.
type CameraConnection struct {
	rtsp string
	dial rtspDialFunc
	log  *slog.Logger

	mu        sync.Mutex
	opening   bool
	gate      chan struct{}
	available bool
	tracks    *rtspTracks
	viewers   map[string]bool
}

func newCameraConnection(rtsp string, dial rtspDialFunc, log *slog.Logger) *CameraConnection {
	return &CameraConnection{
		rtsp:    rtsp,
		dial:    dial,
		log:     log,
		gate:    make(chan struct{}),
		viewers: make(map[string]bool),
	}
}

// open starts the RTSP dial on a worker goroutine unless one is
// already in flight or has already succeeded. A failed dial still
// signals the gate, so waiters observe ErrCameraUnavailable rather
// than hang.
func (c *CameraConnection) open(ctx context.Context) {
	c.mu.Lock()
	if c.opening || c.available {
		c.mu.Unlock()
		return
	}
	c.opening = true
	gate := c.gate
	c.mu.Unlock()

	go func() {
		tracks, err := c.dial(ctx, c.rtsp)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.opening = false
		if err != nil {
			c.log.Warn("rtsp dial failed", "rtsp", c.rtsp, "error", err)
			c.available = false
		} else {
			c.tracks = tracks
			c.available = true
		}
		closeOnce(gate)
	}()
}

// awaitOpen blocks until open's dial has completed, successfully or
// not, or until ctx is done.
func (c *CameraConnection) awaitOpen(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getTracks returns a fresh relay subscription per available media
// track. It fails with ErrCameraUnavailable if the player is absent
// once the gate opens.
func (c *CameraConnection) getTracks(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if err := c.awaitOpen(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.available || c.tracks == nil {
		return nil, ErrCameraUnavailable
	}

	var out []webrtc.TrackLocal
	if c.tracks.video != nil {
		t, err := c.tracks.video.subscribe()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if c.tracks.audio != nil {
		t, err := c.tracks.audio.subscribe()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, ErrCameraUnavailable
	}
	return out, nil
}

func (c *CameraConnection) addViewer(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewers[token] = true
}

// removeViewer reports whether the viewer set is now empty.
func (c *CameraConnection) removeViewer(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.viewers, token)
	return len(c.viewers) == 0
}

// stop drops the player reference, clears the gate, and empties the
// viewer set. It does not wait on RTSP teardown.
func (c *CameraConnection) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.available = false
	c.opening = false
	c.tracks = nil
	c.viewers = make(map[string]bool)
	closeOnce(c.gate)
	c.gate = make(chan struct{})
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
