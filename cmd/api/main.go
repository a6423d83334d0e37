package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/grpc"

	"starline.org/internal/access"
	"starline.org/internal/audit"
	"starline.org/internal/compliance"
	"starline.org/internal/httpapi"
	"starline.org/internal/notify"
	"starline.org/internal/obs"
	"starline.org/internal/tenant"
)

var version = "0.3.1"

func main() {
	obs.Init()

	dsn := os.Getenv("STARLINE_PG_DSN")
	if dsn == "" {
		log.Fatal("missing STARLINE_PG_DSN")
	}
	secret := os.Getenv("STARLINE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("missing STARLINE_AUTH_SECRET")
	}
	integrityKey := os.Getenv("STARLINE_AUDIT_KEY")
	if integrityKey == "" {
		log.Fatal("missing STARLINE_AUDIT_KEY")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx := context.Background()

	// permission resolution cache: Redis when configured, in-process otherwise
	var cache access.Cache
	if url := os.Getenv("STARLINE_REDIS_URL"); url != "" {
		redisCache, err := access.NewRedisCache(url)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer redisCache.Close()
		cache = redisCache
	} else {
		cache = access.NewMemoryCache()
	}

	store := access.NewPGStore(db)
	resolver := access.NewResolver(store, cache, access.DefaultResolveTTL)
	signer, err := access.NewTokenSigner(secret, 15*time.Minute)
	if err != nil {
		log.Fatalf("token signer: %v", err)
	}
	svc, err := access.NewService(store, resolver, signer)
	if err != nil {
		log.Fatalf("access service: %v", err)
	}
	if err := svc.EnsureBuiltins(ctx); err != nil {
		log.Fatalf("seed permissions: %v", err)
	}

	guard := tenant.NewGuard(svc, os.Getenv("STARLINE_BASE_DOMAIN"))

	auditStore := audit.NewPGStore(db)
	settings := audit.NewPGSettingsStore(db)
	stream := audit.NewStream()
	recorder, err := audit.NewRecorder(auditStore, stream, integrityKey,
		audit.WithSettingsStore(settings))
	if err != nil {
		log.Fatalf("audit recorder: %v", err)
	}

	violations := compliance.NewPGStore(db)
	var dispatcher notify.Dispatcher = notify.LogDispatcher{}
	if url := os.Getenv("STARLINE_ALERT_WEBHOOK"); url != "" {
		dispatcher = notify.NewWebhookDispatcher(url)
	}
	engine := compliance.NewEngine(violations, compliance.DefaultRules(auditStore), dispatcher)
	engine.Start(stream)

	api := httpapi.New(httpapi.Config{
		Access:     svc,
		Guard:      guard,
		Recorder:   recorder,
		AuditStore: auditStore,
		Settings:   settings,
		Compliance: compliance.NewService(violations),
		ReadyProbe: httpapi.ReadyProbe{DB: db},
		Version:    version,
	})

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(httpapi.ReadyProbe{DB: db}).Register(grpcSrv)

	log.Printf("Starting starline-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", ":9090")
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	engine.Stop()
	recorder.Close()
	_ = db.Close()
	log.Println("Stopped")
}
