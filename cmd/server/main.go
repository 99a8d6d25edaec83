package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fabfab/kbrag/internal/chat"
	"github.com/fabfab/kbrag/internal/config"
	"github.com/fabfab/kbrag/internal/coordinator"
	"github.com/fabfab/kbrag/internal/documents"
	"github.com/fabfab/kbrag/internal/embedder"
	"github.com/fabfab/kbrag/internal/indexer"
	"github.com/fabfab/kbrag/internal/llm"
	"github.com/fabfab/kbrag/internal/migrate"
	"github.com/fabfab/kbrag/internal/pipeline"
	"github.com/fabfab/kbrag/internal/server"
	"github.com/fabfab/kbrag/internal/vectorstore"

	"github.com/jackc/pgx/v5/pgxpool"
)

// timeoutSweepInterval bounds how often check_timeout_tasks runs, per
// SPEC_FULL.md's supplemented periodic-ticker feature.
const timeoutSweepInterval = 30 * time.Second

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("kbrag dev build")
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalw("failed to load configuration", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		log.Fatalw("failed to parse database url", "error", err)
	}
	if cfg.Database.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to postgres", "error", err)
	}
	defer pool.Close()

	if err := migrate.Run(ctx, pool); err != nil {
		log.Fatalw("failed to apply schema", "error", err)
	}

	vectorStore, err := vectorstore.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Embed.Dimension, log)
	if err != nil {
		log.Fatalw("failed to connect vector store", "error", err)
	}
	defer vectorStore.Close()

	emb := embedder.New(embedder.Config{
		BaseURL:   cfg.OpenAI.BaseURL,
		APIKey:    cfg.OpenAI.APIKey,
		Model:     cfg.Embed.Model,
		Dimension: cfg.Embed.Dimension,
		BatchSize: cfg.Embed.BatchSize,
	})

	llmClient := llm.New(llm.Config{
		BaseURL: cfg.OpenAI.BaseURL,
		APIKey:  cfg.OpenAI.APIKey,
	})

	docRepo := documents.NewPostgresRepo(pool)
	chatRepo := chat.NewPostgresRepo(pool)
	ragIndexer := indexer.New(vectorStore, emb, indexer.Config{})

	var admission coordinator.AdmissionLimiter = coordinator.NoopLimiter()
	if cfg.Redis.Addr != "" {
		limiter := coordinator.NewRedisAdmissionLimiter(cfg.Redis.Addr, "kbrag", int64(cfg.Coordinator.MaxWorkers)*10, time.Second)
		defer limiter.Close()
		admission = limiter
	}

	coord := coordinator.New(docRepo, vectorStore, ragIndexer, admission, coordinator.Config{
		MaxWorkers: cfg.Coordinator.MaxWorkers,
		Timeout:    cfg.Coordinator.Timeout,
	}, log, prometheus.DefaultRegisterer)
	defer coord.Close()

	chatPipeline := pipeline.New(chatRepo, emb, vectorStore, llmClient, cfg.OpenAI.ChatModel, log)

	srv := server.New(server.Deps{
		Docs:        docRepo,
		Store:       vectorStore,
		Embedder:    emb,
		Indexer:     ragIndexer,
		Coordinator: coord,
		Chats:       chatRepo,
		Pipeline:    chatPipeline,
		SearchTopK:  cfg.Database.SearchTopK,
		Log:         log,
	})

	stopSweep := startTimeoutSweep(coord, log)
	defer close(stopSweep)

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: srv,
	}

	log.Infow("starting server", "address", cfg.Address, "chat_model", cfg.OpenAI.ChatModel)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, log)
}

// startTimeoutSweep periodically invokes check_timeout_tasks, per spec.md
// §4.6's "also safe to invoke periodically" note. Returns a channel that,
// when closed, stops the ticker goroutine.
func startTimeoutSweep(coord *coordinator.Coordinator, log *zap.SugaredLogger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(timeoutSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := coord.CheckTimeoutTasks(context.Background())
				if err != nil {
					log.Warnw("timeout sweep failed", "error", err)
					continue
				}
				if n > 0 {
					log.Infow("timeout sweep transitioned stale tasks", "count", n)
				}
			}
		}
	}()
	return stop
}

func waitForShutdown(srv *http.Server, log *zap.SugaredLogger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("graceful shutdown failed", "error", err)
		if err := srv.Close(); err != nil {
			log.Errorw("forced close failed", "error", err)
		}
	}

	log.Info("server stopped")
}
