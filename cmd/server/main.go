package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailtrace/internal/api"
	"github.com/ignite/mailtrace/internal/config"
	"github.com/ignite/mailtrace/internal/matching"
	"github.com/ignite/mailtrace/internal/pkg/logger"
	"github.com/ignite/mailtrace/internal/repository/postgres"
	"github.com/ignite/mailtrace/internal/statuscache"
	"github.com/ignite/mailtrace/internal/storage"
	"github.com/ignite/mailtrace/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	default:
		logger.SetLevel(logger.INFO)
	}
	logger.SetRedactPII(cfg.Logging.RedactPIIOn())

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	if cfg.Database.URL == "" {
		log.Fatal("database url is required (config database.url or DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.Lifetime())
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database at %s: %v", extractHost(cfg.Database.URL), err)
	}
	logger.Info("database connected", "host", extractHost(cfg.Database.URL))

	opts := worker.Options{
		MatchConfig: matching.Config{
			MinScore:    cfg.Match.MinScore,
			FastFilters: cfg.Match.FastFiltersOn(),
		},
	}

	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(redisOpts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, status cache disabled", "error", err.Error())
		} else {
			opts.Status = statuscache.New(rdb, cfg.Redis.TTL())
			logger.Info("status cache enabled")
		}
	}

	if cfg.Artifact.Bucket != "" {
		s3store, err := storage.NewS3Store(context.Background(), cfg.Artifact.Bucket, cfg.Artifact.Region)
		if err != nil {
			logger.Warn("artifact store disabled", "error", err.Error())
		} else {
			opts.Artifact = s3store
			logger.Info("artifact store enabled", "bucket", cfg.Artifact.Bucket)
		}
	}

	svc := worker.New(
		postgres.NewRunRepo(db),
		postgres.NewRawRepo(db),
		postgres.NewMappingRepo(db),
		postgres.NewStagingRepo(db),
		postgres.NewMatchRepo(db),
		postgres.NewResultRepo(db),
		opts,
	)

	server := api.NewServer(cfg.Server, svc)
	addr := fmt.Sprintf("%s:%d", host, port)

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err.Error())
	}
	svc.Wait()
	logger.Info("shutdown complete")
}
