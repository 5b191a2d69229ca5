package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/reports"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
	"qms/queue-engine/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup(telemetry.Config{
		ServiceName: "queue-engine",
		Endpoint:    cfg.TraceEndpoint,
		Insecure:    cfg.TraceInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	ticketStore, closeStore := openStore(cfg)
	defer closeStore()

	hub := notify.NewHub()
	eng := engine.New(ticketStore, hub, engine.Options{
		Location:     cfg.Location(),
		ClaimRetries: cfg.ClaimRetryLimit,
	})

	ctx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	relay := notify.NewRelay(ticketStore, hub, cfg.RelayBatchSize)
	relay.Seek(store.OutboxOffset{LastEventTime: time.Now().UTC()})
	go relay.Run(ctx, cfg.RelayPollInterval)

	scheduler, err := reports.New(eng, cfg.ReportCron, cfg.AnomalyWaitThreshold)
	if err != nil {
		log.Fatalf("report scheduler: %v", err)
	}
	scheduler.Start()

	handler := httpapi.NewHandler(eng)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		BranchPerMinute: cfg.BranchRateLimitPerMinute,
		BranchBurst:     cfg.BranchRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/realtime/", httpapi.RealtimeHandler(eng))
	mux.Handle("/", limiter.Middleware(handler.Routes(&httpapi.Identity{TrustGateway: cfg.TrustGatewayIdentity})))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(mux), "queue-engine"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-engine listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopWorkers()
	scheduler.Stop(shutdownCtx)
}

// openStore picks Postgres when DB_DSN is set and an in-memory store
// otherwise.
func openStore(cfg config.Config) (store.TicketStore, func()) {
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		return postgres.NewStore(pool), pool.Close
	}

	log.Printf("DB_DSN not set, using in-memory store")
	mem := memory.NewStore()
	if cfg.SeedPath != "" {
		seed, err := memory.LoadSeed(cfg.SeedPath)
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		mem.Load(seed)
		log.Printf("seed loaded path=%s branches=%d services=%d counters=%d", cfg.SeedPath, len(seed.Branches), len(seed.Services), len(seed.Counters))
	}
	return mem, func() {}
}
