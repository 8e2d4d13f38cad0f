// Command hub is the on-premises IoT edge router/hub: it bridges a
// cloud WebSocket uplink to a local MQTTv5 device broker, a raw TCP
// device server, and an RTSP-to-WebRTC camera subsystem.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgehub/hub/broker"
	"github.com/edgehub/hub/camera"
	"github.com/edgehub/hub/config"
	"github.com/edgehub/hub/devicetcp"
	"github.com/edgehub/hub/logging"
	"github.com/edgehub/hub/ota"
	"github.com/edgehub/hub/router"
	"github.com/edgehub/hub/utils"
)

const (
	shutdownGrace = 10 * time.Second
)

var (
	logFormat   string
	logOutput   string
	logFile     string
	firmwareDir string
	otaPort     int
	deviceAddr  string
)

var rootCmd = &cobra.Command{
	Use:           "hub",
	Short:         "Edge IoT hub: MQTT broker, TCP device server, camera manager and cloud uplink",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub's uplink, broker, device server and camera manager",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&logFormat, "log-format", logging.DefaultFormat, "Log format (text, json)")
	serveCmd.Flags().StringVar(&logOutput, "log-output", logging.DefaultOutput, "Log output (stdout, stderr, file)")
	serveCmd.Flags().StringVar(&logFile, "log-file", "", "Log file path (required when log-output=file)")
	serveCmd.Flags().StringVar(&firmwareDir, "firmware-dir", "firmware", "Local firmware cache directory")
	serveCmd.Flags().IntVar(&otaPort, "ota-port", ota.DefaultPort, "LAN port the firmware endpoint is served on")
	serveCmd.Flags().StringVar(&deviceAddr, "device-addr", devicetcp.DefaultAddr, "Address the TCP device server listens on")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if strings.EqualFold(logOutput, "file") && strings.TrimSpace(logFile) == "" {
		return errors.New("log-output=file requires --log-file")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logSvc, err := logging.NewService(logging.Config{
		Level:    cfg.LoggerLevel,
		Format:   logFormat,
		Output:   logOutput,
		FilePath: logFile,
	})
	if err != nil {
		return err
	}
	defer logSvc.Close()
	logger := slog.Default()

	otaClient, err := ota.New(firmwareDir, otaPort, logger)
	if err != nil {
		return err
	}

	deviceSrv := devicetcp.New(deviceAddr, nil, logger)
	cameraMgr := camera.NewManager(nil, logger)

	uplinkURL := cfg.ServerURL + cfg.RouterMAC + "/"
	r := router.New(uplinkURL, deviceSrv, cameraMgr, otaClient, logger)
	deviceSrv.Uplink = r
	cameraMgr.BindUplink(r)

	brokerURL := fmt.Sprintf("%s:%d", cfg.MQTTURL, cfg.MQTTPort)
	mqttBroker, err := broker.New(broker.Config{BrokerURL: brokerURL}, logger)
	if err != nil {
		return err
	}
	mqttBroker.BindRouter(r)
	r.BindBroker(mqttBroker)

	mux := http.NewServeMux()
	mux.HandleFunc("/ota", otaClient.ServeFirmware)
	mux.Handle("/api/stats", (*utils.Stats)(nil))
	mux.Handle("/logging", logSvc)
	mux.HandleFunc("/tickers", utils.ServeTickers)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", otaPort), Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	go func() { errCh <- deviceSrv.Serve(ctx) }()
	go func() { errCh <- r.Run(ctx) }()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info("hub started", "uplink", uplinkURL, "mqtt", brokerURL, "device_addr", deviceAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
