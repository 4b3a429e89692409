// cmd/gate-vision/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/sua-org/gate-vision/internal/capture"
	"github.com/sua-org/gate-vision/internal/config"
	"github.com/sua-org/gate-vision/internal/detect"
	"github.com/sua-org/gate-vision/internal/events"
	"github.com/sua-org/gate-vision/internal/mqttclient"
	"github.com/sua-org/gate-vision/internal/ppe"
	"github.com/sua-org/gate-vision/internal/storage"
	"github.com/sua-org/gate-vision/internal/supervisor"
)

func main() {
	configPath := flag.String("config", getenv("GATE_VISION_CONFIG", "config.yaml"), "path to the YAML config")
	flag.Parse()

	// No .env is fine, the environment may be set by the runtime.
	_ = godotenv.Load()

	log := newLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}

	store, err := events.OpenSQLite(cfg.EventDBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.EventDBPath).Msg("open event log")
	}
	defer store.Close()

	mqttCli, err := mqttclient.NewClientFromEnv("gate-vision")
	if err != nil {
		log.Fatal().Err(err).Msg("connect mqtt")
	}
	defer mqttCli.Close()

	baseTopic := getenv("MQTT_BASE_TOPIC", "gate-vision/cameras")
	pub := mqttclient.NewEventPublisher(mqttCli, baseTopic)

	sink, err := events.NewSink(store, pub, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build event sink")
	}

	// MinIO is optional; without it events carry no snapshot URLs.
	var imageStore storage.ImageStore
	if ms, err := storage.NewMinioStoreFromEnv(log); err != nil {
		log.Warn().Err(err).Msg("minio not available, snapshots disabled")
	} else {
		imageStore = ms
	}

	registry := detect.NewRegistry()
	detect.RegisterBuiltins(registry)

	detector, err := registry.Detector("dnn", cfg.Detector.Model, cfg.Detector.Device)
	if err != nil {
		log.Fatal().Err(err).Str("model", cfg.Detector.Model).Msg("load detector")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := ppe.NewQueue(cfg.PPE.QueueSize)
	if cfg.PPE.Model != "" {
		classifier, err := registry.Classifier("dnn", cfg.PPE.Model, cfg.PPE.Device)
		if err != nil {
			log.Fatal().Err(err).Str("model", cfg.PPE.Model).Msg("load ppe classifier")
		}
		worker := ppe.NewWorker(queue, classifier, imageStore, cfg.PPE.Retention, log)
		go func() {
			if err := worker.Run(ctx); err != nil {
				log.Error().Err(err).Msg("ppe worker exited")
			}
		}()
	}

	sup := supervisor.New(cfg, mqttCli, baseTopic, sink, detector, queue, imageStore, log)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := sup.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("supervisor exited")
		}
	}()

	log.Info().
		Int("cameras", len(cfg.Cameras)).
		Strs("backends", capture.Backends()).
		Str("base_topic", baseTopic).
		Msg("gate-vision started")

	<-sig
	log.Info().Msg("signal received, shutting down")
	cancel()
	queue.Close()
	time.Sleep(1 * time.Second)
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := zerolog.New(os.Stderr)
	if getenv("LOG_PRETTY", "") == "true" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return out.Level(level).With().Timestamp().Logger()
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
