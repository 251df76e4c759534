package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/shiftline/shiftline/internal/api"
	"github.com/shiftline/shiftline/internal/cascade"
	"github.com/shiftline/shiftline/internal/catalog"
	"github.com/shiftline/shiftline/internal/config"
	"github.com/shiftline/shiftline/internal/fsm"
	"github.com/shiftline/shiftline/internal/media"
	"github.com/shiftline/shiftline/internal/metrics"
	"github.com/shiftline/shiftline/internal/queue"
	"github.com/shiftline/shiftline/internal/recording"
	"github.com/shiftline/shiftline/internal/store"
	"github.com/shiftline/shiftline/internal/telephony"
	"github.com/shiftline/shiftline/internal/tts"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	slog.Info("starting shiftline",
		"http_port", cfg.HTTPPort,
		"public_base_domain", cfg.PublicBaseDomain,
		"voice_ai_enabled", cfg.VoiceAIEnabled,
		"recording_enabled", cfg.RecordingEnabled,
	)

	startTime := time.Now()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Redis carries call state, the delayed queue and the event streams.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		slog.Error("redis unreachable", "error", err)
		os.Exit(1)
	}
	pingCancel()

	// Record-system client.
	cat := catalog.NewClient(cfg.CatalogBaseURL, cfg.CatalogBaseID, cfg.CatalogAPIKey, logger)

	// Per-call state, lifecycle events, buffered call audio.
	callStore := store.NewCallStore(rdb, store.WithTTL(time.Duration(cfg.SessionTTLSec)*time.Second))
	events := store.NewEventStream(rdb, logger)
	audioSink := store.NewAudioSink(rdb)
	buffers := media.NewCallBuffers(audioSink, logger)

	// Delayed job queue driving the cascade and the recording pipeline.
	q := queue.New(rdb, "shiftline")
	runner := queue.NewRunner(q, logger)

	// Carrier clients.
	carrier := telephony.NewClient(cfg.CarrierBaseURL, cfg.CarrierAccountSID, cfg.CarrierAuthToken, logger)
	sms := telephony.NewSMSClient(cfg.CarrierBaseURL, cfg.CarrierAccountSID, cfg.CarrierAuthToken,
		cfg.MessagingServiceID, cfg.SMSFromNumber, logger)
	offers := telephony.NewOfferRegistry()
	tracker := telephony.NewCallTracker()

	// Speech engines. Prompt synthesis is cached; the same menu text repeats
	// across every call.
	synth := tts.NewCached(tts.NewClient(cfg.TTSEndpoint, cfg.SpeechAPIKey, logger))
	var transcriber telephony.Transcriber
	if cfg.STTEndpoint != "" {
		transcriber = tts.NewTranscribeClient(cfg.STTEndpoint, cfg.SpeechAPIKey, logger)
	} else {
		slog.Warn("no stt endpoint configured, release reasons will be recorded without transcripts")
	}

	// Notification cascade.
	signer := cascade.NewSigner(cfg.LinkSecret, time.Duration(cfg.LinkValidityHrs)*time.Hour)
	casc := cascade.NewCoordinator(cat, rdb, q, sms, carrier, offers, synth, events, signer, cfg, logger)
	casc.RegisterHandlers(runner)

	// Recording pipeline. A missing bucket keeps recordings on their
	// carrier-hosted URLs.
	var objStore recording.ObjectStore
	if cfg.S3Bucket != "" {
		s3Store, err := recording.NewS3Store(appCtx, cfg, logger)
		if err != nil {
			slog.Error("object store init failed", "error", err)
			os.Exit(1)
		}
		if err := s3Store.HeadBucket(appCtx); err != nil {
			slog.Error("object store bucket check failed", "bucket", cfg.S3Bucket, "error", err)
			os.Exit(1)
		}
		objStore = s3Store
	}
	pipeline := recording.NewPipeline(objStore, carrier, cat, q, cfg.S3Prefix,
		time.Duration(cfg.PresignValidity)*24*time.Hour, logger)
	pipeline.RegisterHandlers(runner)

	// Call flow engine.
	engine := fsm.NewEngine(cat, casc, events, fsm.Settings{
		PINLength:        cfg.PINLength,
		MaxAttempts:      cfg.MaxPhaseAttempts,
		PageSize:         cfg.ShiftPageSize,
		GatherTimeoutSec: cfg.GatherTimeoutSec,
		TransferFallback: cfg.TransferFallbackNumber,
	}, logger)

	sessionDeps := telephony.SessionDeps{
		Engine:             engine,
		Store:              callStore,
		Events:             events,
		Carrier:            carrier,
		TTS:                synth,
		Transcriber:        transcriber,
		Buffers:            buffers,
		CallLogs:           cat,
		Logger:             logger,
		TransferTimeoutSec: 30,
		TransferCallerID:   cfg.CarrierVoiceNumber,
	}
	sessions := func(conn *websocket.Conn) (func(), error) {
		stream := media.NewStream(conn, logger)
		sr := telephony.NewSessionRunner(stream, sessionDeps)
		return func() {
			defer stream.Close()
			sr.Run(appCtx)
		}, nil
	}

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(tracker, q, offers, pipeline, startTime),
	)

	handler := api.NewServer(cfg, casc, pipeline, offers, tracker, sessions, registry, logger)

	go runner.Run(appCtx)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		// Media-stream websockets live past any write deadline; rely on the
		// idle timeout for plain HTTP only.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout. Cancelling the app context ends live
	// call sessions and the queue runner; in-flight cascade work is
	// re-delivered from Redis on the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("shiftline stopped")
}

// newLogger builds the process logger per the configured format and level.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
