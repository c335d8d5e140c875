package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	migrations "reelforge/db/migrations"
	"reelforge/internal/config"
	server "reelforge/internal/http"
	"reelforge/internal/pipeline"
	"reelforge/internal/queue"
	"reelforge/internal/resolver"
	"reelforge/internal/service"
	"reelforge/internal/store"
	"reelforge/internal/worker"
)

// migrate applies all pending migrations from the embedded FS. It opens
// and closes its own DB handle so it is independent of the app store.
func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.Files)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	if err := migrate(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse redis url failed: %v", err)
	}
	rdb := redis.NewClient(opt)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	st := store.New(db)
	q := queue.New(rdb, queue.Config{
		Namespace: cfg.Queue.Namespace,
		LeaseTTL:  time.Duration(cfg.Queue.LeaseTTLSeconds) * time.Second,
	})
	svc := service.New(st, q, logger)
	res := resolver.NewWithGateway("/v1/videos", cfg.Storage.GatewayBaseURL)
	pool := worker.New(cfg, st, q, pipeline.NewVideo(), logger)

	rootCtx := context.Background()

	switch *role {
	case "api":
		s := server.NewServer(cfg, svc, res, db, rdb, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "worker":
		pool.Start(rootCtx)
	case "all":
		go pool.Start(rootCtx)
		s := server.NewServer(cfg, svc, res, db, rdb, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}
}
