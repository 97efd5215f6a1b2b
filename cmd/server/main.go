package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/trifle-io/stats/pkg/buffer"
	"github.com/trifle-io/stats/pkg/config"
	"github.com/trifle-io/stats/pkg/server"
	"github.com/trifle-io/stats/pkg/store"
	storebadger "github.com/trifle-io/stats/pkg/store/badger"
	storememory "github.com/trifle-io/stats/pkg/store/memory"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 35 * time.Second // must outlast the values query timeout
	shutdownTimeout    = 30 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("TRIFLE_STATS_CONFIG"), "path to YAML config file")
	flag.Parse()

	fallbackLog := zerolog.New(os.Stderr)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		fallbackLog.Fatal().Err(err).Msg("invalid log level")
	}

	log.Info().Str("driver", cfg.Store.Driver).Msg("starting trifle-stats server")

	backend, err := newBackend(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	tracking, err := cfg.Tracking.Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid tracking configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Write buffer: coalesces track increments before they hit storage.
	// Assert and beam writes bypass it inside the tracker.
	var buf *buffer.Buffer
	trackerCfg := store.Config{
		Granularities: tracking.Granularities,
		Resolver:      tracking.Resolver,
		Logger:        &log,
	}
	if cfg.Buffer.Enabled {
		buf = buffer.New(backend, buffer.Config{
			MaxEntries: cfg.Buffer.MaxEntries,
			FlushEvery: cfg.Buffer.FlushEvery,
			Aggregate:  cfg.Buffer.Aggregate,
			Logger:     &log,
		})
		if err := buf.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start write buffer")
		}
		trackerCfg.Buffer = buf
		log.Info().
			Int("max_entries", cfg.Buffer.MaxEntries).
			Dur("flush_every", cfg.Buffer.FlushEvery).
			Bool("aggregate", cfg.Buffer.Aggregate).
			Msg("write buffer started")
	}

	tracker, err := store.NewTracker(backend, trackerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create tracker")
	}
	log.Info().Strs("granularities", granStrings(tracking)).Msg("tracker ready")

	// WebSocket hub for the live tracking feed
	hub := server.NewHub(log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	handler := server.NewHandler(tracker, backend, hub, log)
	router := server.NewRouter(handler, hub)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests first so no new writes race the final drain
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}

	// Stop background goroutines (hub), then drain the buffer to
	// completion; buffered increments must never be dropped silently.
	cancel()
	wg.Wait()

	if buf != nil {
		if err := buf.Stop(); err != nil {
			log.Error().Err(err).Int("retained", buf.Len()).Msg("final buffer drain failed")
		} else {
			log.Info().Msg("write buffer drained")
		}
	}

	if err := backend.Close(); err != nil {
		log.Warn().Err(err).Msg("storage close failed")
	}
	log.Info().Msg("server exited cleanly")
}

// newLogger builds the process logger: JSON to stdout, UTC timestamps.
func newLogger(level string) (zerolog.Logger, error) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Logger(), nil
}

func newBackend(cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn().Msg("memory driver selected, data is lost on restart")
		return storememory.New(), nil
	default:
		if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
			return nil, err
		}
		return storebadger.New(storebadger.Config{
			Path:        cfg.Store.Path,
			MaxMemoryMB: cfg.Store.MaxMemoryMB,
		})
	}
}

func granStrings(t *config.Tracking) []string {
	labels := make([]string, len(t.Granularities))
	for i, g := range t.Granularities {
		labels[i] = g.String()
	}
	return labels
}
