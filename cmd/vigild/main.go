package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil/internal/alerts"
	"vigil/internal/api"
	"vigil/internal/capture"
	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/export"
	"vigil/internal/hub"
	"vigil/internal/inference"
	"vigil/internal/logging"
	"vigil/internal/model"
	"vigil/internal/notify"
	"vigil/internal/storage"
	"vigil/internal/stream"
)

const version = "1.2.0"

func main() {
	configPath := flag.String("config", "vigil.yaml", "path to the config file")
	flag.Parse()

	if err := run(config.ResolvePath(*configPath)); err != nil {
		fmt.Fprintln(os.Stderr, "vigild:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	mgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting", "version", version, "config", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
	}

	h := hub.New(mgr, logging.Component(logger, "hub"))
	ring := alerts.NewStore(cfg.Alerts.StoreLimit)
	notifier := notify.NewTelegram(mgr, logging.Component(logger, "notify"))
	exporter := export.NewPublisher(cfg.Export, logging.Component(logger, "export"))
	if exporter != nil {
		defer exporter.Close()
	}
	throttler := alerts.NewThrottler(mgr, alertStore(store), ring, notifier, alertPublisher(exporter), logging.Component(logger, "alerts"))
	inferClient := inference.NewClient(mgr)
	offline := inference.NewOfflineTracker(cfg.Inference.OfflineThreshold)

	detectLogger := logging.Component(logger, "detect")
	newAggregator := func(streamID string) *detect.Aggregator {
		return detect.NewAggregator(streamID, mgr, detectionStore(store),
			func(tr model.EventTransition) {
				throttler.Handle(ctx, tr)
			},
			func(res model.DetectionResult) {
				broadcast := res
				broadcast.FrameData = ""
				h.Broadcast(model.MsgDetectionResult, broadcast)
				exporter.PublishDetection(ctx, broadcast)
			},
			detectLogger)
	}

	sup := stream.NewSupervisor(ctx, stream.Deps{
		Manager:       mgr,
		Factory:       capture.NewFactory(cfg.Capture, logging.Component(logger, "capture")),
		Infer:         inferClient,
		Offline:       offline,
		Store:         streamStore(store),
		Hub:           h,
		NewAggregator: newAggregator,
		Logger:        logging.Component(logger, "stream"),
	})

	for _, sc := range cfg.Streams {
		if _, err := sup.Add(ctx, sc); err != nil {
			logger.Error("configured stream rejected", "stream_id", sc.ID, "err", err)
		}
	}

	go h.StatusLoop(ctx, sup.Snapshot)
	go mgr.Watch(3*time.Second, func(next *config.Config) {
		logger.Info("config reloaded", "path", configPath)
	}, func(err error) {
		logger.Error("config reload failed", "err", err)
	}, ctx.Done())

	api.Start(ctx, mgr, sup, h, ring, store, notifier, inferClient, logging.Component(logger, "api"), version)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sup.StopAll(shutdownCtx)
	logger.Info("stopped")
	return nil
}

// Storage is optional; these keep a disabled store as a nil interface so
// the consumers' nil checks hold.
func alertStore(s storage.Store) alerts.AlertStore {
	if s == nil {
		return nil
	}
	return s
}

func detectionStore(s storage.Store) detect.DetectionStore {
	if s == nil {
		return nil
	}
	return s
}

func streamStore(s storage.Store) stream.StreamStore {
	if s == nil {
		return nil
	}
	return s
}

func alertPublisher(p *export.Publisher) alerts.AlertPublisher {
	if p == nil {
		return nil
	}
	return p
}
