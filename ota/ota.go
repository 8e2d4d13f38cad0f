// Package ota implements the hub's firmware update glue: caching a
// cloud-hosted firmware image locally, rewriting the device-bound
// envelope to point at this hub's LAN address, and serving the
// cached image over HTTP.
package ota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/edgehub/hub/envelope"
)

// DefaultPort is the LAN HTTP port firmware is served on.
const DefaultPort = 8452

// FirmwareUnavailable reports that the cloud firmware URL did not
// return a successful response. The update_firmware envelope is
// aborted; no device publish occurs.
type FirmwareUnavailable struct {
	URL        string
	StatusCode int
}

func (e *FirmwareUnavailable) Error() string {
	return fmt.Sprintf("ota: firmware unavailable at %s: status %d", e.URL, e.StatusCode)
}

type updateFirmwarePayload struct {
	ToDevice string `json:"to_device"`
	Version  string `json:"version"`
	URL      string `json:"url"`
}

// Client caches firmware images in FirmwareDir and rewrites
// update_firmware envelopes to a LAN URL serving them.
type Client struct {
	log         *slog.Logger
	firmwareDir string
	port        int

	httpGet func(ctx context.Context, url string) (*http.Response, error)
	localIP func() string
}

// New constructs a Client rooted at firmwareDir, creating it if
// necessary. port is the LAN HTTP port firmware is served on
// (DefaultPort if zero). logger may be nil, in which case
// slog.Default is used.
func New(firmwareDir string, port int, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if port == 0 {
		port = DefaultPort
	}
	if err := os.MkdirAll(firmwareDir, 0o755); err != nil {
		return nil, fmt.Errorf("ota: create firmware dir: %w", err)
	}
	return &Client{
		log:         logger,
		firmwareDir: firmwareDir,
		port:        port,
		httpGet:     defaultHTTPGet,
		localIP:     localIP,
	}, nil
}

func defaultHTTPGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

// localIP discovers the hub's LAN-facing address via a UDP dial that
// never sends a packet; the kernel still picks the outbound route and
// binds a local address we can read back.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// HandleUpdateFirmware downloads the firmware named in msg's payload
// if it is not already cached, then rewrites payload.url to this
// hub's LAN-served copy and returns the rewritten envelope for the
// broker to publish. It returns a *FirmwareUnavailable (and the zero
// Message) if the cloud URL did not return 200; callers must not
// publish anything in that case.
func (c *Client) HandleUpdateFirmware(ctx context.Context, msg envelope.Message) (envelope.Message, error) {
	var payload updateFirmwarePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return envelope.Message{}, fmt.Errorf("ota: decode update_firmware payload: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.bin", payload.ToDevice, payload.Version)
	destPath := filepath.Join(c.firmwareDir, filename)

	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		if err := c.download(ctx, payload.URL, destPath); err != nil {
			return envelope.Message{}, err
		}
	}

	payload.URL = fmt.Sprintf("http://%s:%d/ota?name=%s", c.localIP(), c.port, filename)
	rewritten, err := json.Marshal(payload)
	if err != nil {
		return envelope.Message{}, fmt.Errorf("ota: encode rewritten payload: %w", err)
	}

	msg.Payload = rewritten
	return msg, nil
}

func (c *Client) download(ctx context.Context, url, destPath string) error {
	resp, err := c.httpGet(ctx, url)
	if err != nil {
		return fmt.Errorf("ota: fetch firmware: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &FirmwareUnavailable{URL: url, StatusCode: resp.StatusCode}
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("ota: create firmware file: %w", err)
	}
	defer f.Close()

	if _, err := f.ReadFrom(resp.Body); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("ota: write firmware file: %w", err)
	}
	return nil
}

// ServeFirmware is an http.Handler serving GET /ota?name=<filename>
// from the firmware cache with an octet-stream attachment
// disposition. It replies 400 if name is missing.
func (c *Client) ServeFirmware(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="firmware.bin"`)
	http.ServeFile(w, r, filepath.Join(c.firmwareDir, filepath.Base(name)))
}
