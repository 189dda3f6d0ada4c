package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexkroman/assembly-notes/internal/bridge"
	"github.com/alexkroman/assembly-notes/internal/config"
	"github.com/alexkroman/assembly-notes/internal/events"
	"github.com/alexkroman/assembly-notes/internal/protocol"
	"github.com/alexkroman/assembly-notes/internal/recording"
	"github.com/alexkroman/assembly-notes/internal/store"
	"github.com/alexkroman/assembly-notes/internal/transcript"
	"github.com/alexkroman/assembly-notes/internal/transcription"
)

// Runtime wires the recording core, its persistence, and the HTTP surface
// into one daemon. Start blocks until the context is cancelled.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	broadcaster := events.NewBroadcaster(r.logger)

	if metrics, err := newMetricsObserver(); err != nil {
		r.logger.Warn("event metrics disabled", slog.String("error", err.Error()))
	} else {
		defer broadcaster.Attach(metrics)()
	}

	embedded, natsBridge, err := r.connectBus()
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	defer natsBridge.Close()
	if natsBridge != nil {
		defer broadcaster.Attach(natsBridge)()
	}

	sessions := newSessionHolder(st)
	merger := transcript.NewMerger()
	controller := recording.NewController(
		r.cfg.Recording,
		recording.SettingsSourceFunc(r.transcriptionSettings),
		sessions,
		r.streamFactory(),
		merger,
		broadcaster,
		&storeFinalizer{store: st},
		r.logger,
	)
	defer broadcaster.Attach(&segmentRecorder{store: st, status: controller.Status, log: r.logger})()

	ingest := newIngester(r.cfg.Audio, controller, r.logger)
	defer ingest.captures.close()
	defer broadcaster.Attach(ingest)()
	eventsWS := newEventsHandler(broadcaster, r.logger)
	ctrlAPI := &api{controller: controller, sessions: sessions, store: st, log: r.logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("GET /v1/audio/{source}", ingest.handle)
	mux.HandleFunc("GET /v1/events", eventsWS.handle)
	ctrlAPI.register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := controller.Stop(shutdownCtx); err != nil {
		r.logger.Error("controller shutdown error", slog.String("error", err.Error()))
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

// connectBus starts the optional embedded broker and the NATS bridge. Both
// come back nil when the bus is disabled; their Shutdown/Close are nil-safe.
func (r *Runtime) connectBus() (*bridge.EmbeddedServer, *bridge.Bridge, error) {
	if !r.cfg.Bus.Enabled {
		return nil, nil, nil
	}

	busCfg := r.cfg.Bus
	embedded, err := bridge.StartEmbedded(busCfg, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded bus: %w", err)
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	natsBridge, err := bridge.Connect(busCfg, r.logger)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("failed to connect event bridge: %w", err)
	}
	return embedded, natsBridge, nil
}

func (r *Runtime) transcriptionSettings() recording.Settings {
	return recording.Settings{
		APIKey:            r.cfg.Transcription.APIKey,
		KeepAliveEnabled:  r.cfg.Transcription.KeepAliveEnabled,
		KeepAliveInterval: time.Duration(r.cfg.Transcription.KeepAliveSeconds) * time.Second,
	}
}

func (r *Runtime) streamFactory() recording.StreamFactory {
	tc := r.cfg.Transcription
	return func(source protocol.Source, settings recording.Settings) recording.Stream {
		return transcription.NewStream(source, transcription.Config{
			BaseURL:            tc.BaseURL,
			APIKey:             settings.APIKey,
			SampleRate:         tc.SampleRate,
			FormatTurns:        tc.FormatTurns,
			SilenceThresholdMS: tc.SilenceThresholdMS,
			MaxRetries:         tc.MaxRetries,
			InitialBackoff:     time.Duration(tc.InitialBackoffMS) * time.Millisecond,
			MaxRetryElapsed:    time.Duration(tc.MaxRetryElapsedMS) * time.Millisecond,
		}, r.logger)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
