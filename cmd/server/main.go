package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/manhole-api/internal/config"
	"github.com/Brownie44l1/manhole-api/internal/geocode"
	"github.com/Brownie44l1/manhole-api/internal/handlers"
	"github.com/Brownie44l1/manhole-api/internal/model"
	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
)

const shutdownTimeout = 2 * time.Second

func main() {
	parser := argparse.NewParser("manhole-api", "Classify manhole condition from an uploaded photo")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file", Default: ""})
	port := parser.String("p", "port", &argparse.Options{Help: "HTTP port (overrides PORT)", Default: ""})
	modelPath := parser.String("m", "model", &argparse.Options{Help: "Path to ONNX model", Default: ""})
	metadataPath := parser.String("", "metadata", &argparse.Options{Help: "Path to model metadata JSON", Default: ""})
	uploadDir := parser.String("u", "uploads", &argparse.Options{Help: "Directory for temporary uploads", Default: ""})
	threshold := parser.Float("t", "threshold", &argparse.Options{Help: "Minimum detection probability", Default: 0.0})
	nominatimURL := parser.String("", "nominatim", &argparse.Options{Help: "Nominatim base URL", Default: ""})
	userAgent := parser.String("", "user-agent", &argparse.Options{Help: "User-Agent sent to Nominatim", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Port, *port)
	override(&cfg.ModelPath, *modelPath)
	override(&cfg.MetadataPath, *metadataPath)
	override(&cfg.UploadDir, *uploadDir)
	override(&cfg.NominatimURL, *nominatimURL)
	override(&cfg.UserAgent, *userAgent)
	if *threshold != 0 {
		cfg.Threshold = float32(*threshold)
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid config: %v", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		logger.Errorf("Failed to create upload directory %v: %v", cfg.UploadDir, err)
		os.Exit(1)
	}

	logger.Infof("Loading model from: %s", cfg.ModelPath)
	model.SetLibraryPath(cfg.OnnxLibrary)
	modelServer, err := model.NewServer(cfg.ModelPath, cfg.MetadataPath, cfg.DetectionParams())
	if err != nil {
		logger.Errorf("Failed to initialize model server: %v", err)
		os.Exit(1)
	}
	defer modelServer.Close()
	logger.Infof("Classes: %v", modelServer.Metadata.Classes)

	geocoder := geocode.NewNominatim(logger, cfg.NominatimURL, cfg.UserAgent)
	handler := handlers.NewHandler(logger, modelServer, geocoder, cfg.UploadDir, cfg.MaxUploadBytes)

	httpServer := newHTTPServer(":"+cfg.Port, handler.Router())
	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		logger.Errorf("Failed to listen on port %v: %v", cfg.Port, err)
		modelServer.Close()
		os.Exit(1)
	}

	signalIn := make(chan os.Signal, 1)
	signal.Notify(signalIn, os.Interrupt, syscall.SIGTERM)

	// Tell systemd that we're alive. No-op when not running under systemd.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	logger.Infof("Server starting on port %s", cfg.Port)
	logger.Infof("Endpoints: GET / | GET /health | POST /predict (image, latitude, longitude)")
	if err := serve(logger, httpServer, ln, signalIn); err != nil {
		logger.Errorf("Server failed: %v", err)
		modelServer.Close()
		os.Exit(1)
	}
	logger.Infof("Shutdown complete")
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serve runs srv on ln until a signal arrives on stop. It returns only after Shutdown
// has returned, so in-flight requests are done with the model before the caller closes it.
func serve(log logs.Log, srv *http.Server, ln net.Listener, stop <-chan os.Signal) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		sig := <-stop
		log.Infof("Received OS signal '%v'. Shutting down", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnf("Shutdown complete, with error: %v", err)
		}
	}()

	err := srv.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}
