package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/livedetect/broadcast"
	"github.com/nvr-ai/livedetect/capture/gocvcam"
	"github.com/nvr-ai/livedetect/controller"
	"github.com/nvr-ai/livedetect/images"
	"github.com/nvr-ai/livedetect/inference"
	"github.com/nvr-ai/livedetect/pipeline"
	"github.com/nvr-ai/livedetect/profiler"
	"github.com/nvr-ai/livedetect/settings"
	"github.com/nvr-ai/livedetect/tracker"
	"github.com/nvr-ai/livedetect/tracker/miltrack"
)

const (
	// DefaultAddr is the address the websocket server listens on.
	DefaultAddr = ":8080"
	// DefaultModelPath is used when neither a settings file nor -model names one.
	DefaultModelPath = "yolov8n.onnx"
)

func main() {
	var (
		settingsPath    string
		modelPath       string
		deviceID        int
		orientation     int
		displayRotation int
		addr            string
		reportInterval  time.Duration
		libPath         string
		milTracking     bool
		debug           bool
	)
	flag.StringVar(&settingsPath, "settings", "", "Path to a YAML settings file, reloaded on change")
	flag.StringVar(&modelPath, "model", "", "Path to the ONNX model, overrides the settings file")
	flag.IntVar(&deviceID, "device", 0, "Video capture device index")
	flag.IntVar(&orientation, "orientation", 0, "Clockwise sensor mounting rotation in degrees")
	flag.IntVar(&displayRotation, "display-rotation", 0, "Clockwise display rotation in degrees")
	flag.StringVar(&addr, "addr", DefaultAddr, "Websocket listen address")
	flag.DurationVar(&reportInterval, "report-interval", 10*time.Second, "Interval between profiler reports")
	flag.StringVar(&libPath, "onnxruntime", "", "Path to the ONNX Runtime shared library")
	flag.BoolVar(&milTracking, "mil", true, "Track objects between detections with OpenCV MIL")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	s, err := loadSettings(settingsPath, modelPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := broadcast.NewHub(logger)
	defer hub.Close()

	var factory tracker.Factory
	if milTracking {
		factory = miltrack.NewFactory(logger)
	}

	ctrl, err := controller.New(controller.Config{
		Driver:          gocvcam.New(gocvcam.Config{Device: deviceID, Orientation: orientation, Logger: logger}),
		DisplayRotation: displayRotation,
		NewDetector: func(ctx context.Context, s settings.Settings) (pipeline.Detector, error) {
			cfg := inference.ConfigFromSettings(s)
			cfg.LibraryPath = libPath
			cfg.Logger = logger
			return inference.NewONNXDetector(cfg)
		},
		NewTracker: func(s settings.Settings) pipeline.Tracker {
			return tracker.New(factory, logger)
		},
		Listener: hub,
		Logger:   logger,
	}, s)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	defer ctrl.Stop()

	if settingsPath != "" {
		go func() {
			err := settings.Watch(ctx, settingsPath, logger, func(next settings.Settings) {
				if modelPath != "" {
					next.ModelPath = modelPath
				}
				if err := ctrl.UpdateSettings(ctx, next); err != nil {
					logger.Error("main: settings update failed", "error", err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("main: settings watch stopped", "error", err)
			}
		}()
	}

	reporter := profiler.NewReporter(reportInterval, logger)
	reporter.Add(ctrl)
	reporter.Start(ctx)
	defer reporter.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ctrl.Stats())
	})
	mux.HandleFunc("/canvas", func(w http.ResponseWriter, r *http.Request) {
		var canvas images.Size
		if err := json.NewDecoder(r.Body).Decode(&canvas); err != nil || !canvas.Valid() {
			http.Error(w, "body must be {\"width\":W,\"height\":H}", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ctrl.Canvas(canvas))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	logger.Info("main: serving", "addr", addr, "settings", ctrl.Settings().String())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
}

// loadSettings reads settingsPath when given, otherwise starts from the
// defaults. A non-empty modelPath overrides the model in either case.
func loadSettings(settingsPath, modelPath string) (settings.Settings, error) {
	s := settings.Default(images.Size{Width: 640, Height: 480}, DefaultModelPath, settings.DefaultModelInputSize)
	if settingsPath != "" {
		loaded, err := settings.Load(settingsPath)
		if err != nil {
			return settings.Settings{}, err
		}
		s = loaded
	}
	if modelPath != "" {
		s.ModelPath = modelPath
	}
	if s.ModelPath == "" {
		s.ModelPath = DefaultModelPath
	}
	return s, s.Validate()
}
