// Command vaultindexd is the process entrypoint, replacing the
// teacher's Wails main.go/app.go desktop lifecycle with an explicit
// constructor-injection wiring order: Registry, then JobQueue, then
// IndexingPipeline, then Watcher, then EventBus, then Server. Grounded
// on the teacher's app.go startup(ctx) ordering (config -> AI service
// -> indexing pipeline -> watcher -> auxiliary services), generalized
// away from the Wails runtime context to a flag-driven TOML config
// path and OS signal handling.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"vaultindex/pkg/config"
	"vaultindex/pkg/embedding"
	"vaultindex/pkg/eventbus"
	"vaultindex/pkg/indexing"
	"vaultindex/pkg/logger"
	"vaultindex/pkg/query"
	"vaultindex/pkg/queue"
	"vaultindex/pkg/registry"
	"vaultindex/pkg/server"
	"vaultindex/pkg/tokens"
	"vaultindex/pkg/vectorstore"
	"vaultindex/pkg/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML bootstrap config file (defaults apply if omitted)")
	flag.Parse()

	cfg, err := config.LoadBootstrap(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(logger.Config{
		Level:           levelFromString(cfg.Logger.Level),
		LogDir:          cfg.Logger.LogDir,
		FileName:        "vaultindexd.log",
		MaxFileSize:     10 * 1024 * 1024,
		MaxBackups:      5,
		ConsoleOutput:   cfg.Logger.ConsoleOutput,
		AsyncBufferSize: cfg.Logger.AsyncBufferSize,
		KafkaEnabled:    cfg.Logger.KafkaEnabled,
		KafkaBrokers:    splitCSV(cfg.Logger.KafkaBrokers),
		KafkaTopic:      cfg.Logger.KafkaTopic,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.GetDefault().Close()

	logger.Info("vaultindexd starting, data_dir=%s", cfg.DataDir)

	if err := run(cfg); err != nil {
		logger.Error("fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Bootstrap) error {
	store := vectorstore.NewStore(cfg.VectorsDir())

	secret, err := loadOrCreateSigningSecret(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load signing secret: %w", err)
	}
	issuer := tokens.NewIssuer(secret)

	reg, err := registry.Open(cfg.CollectionsDBPath(), store, issuer)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	q, err := queue.Open(cfg.JobsDBPath(), cfg.Queue.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("open job queue: %w", err)
	}
	q.SetLogger(logger.Info)

	embSvc := embedding.NewService(cfg.AI.BatchSize)
	registerEmbeddingProvider(embSvc, cfg.AI)

	pipeline := indexing.New(reg, store, embSvc, indexing.DefaultOptions())
	pipeline.RegisterHandlers(q)

	w, err := watcher.New(q, cfg.WatcherDir())
	if err != nil {
		return fmt.Errorf("open watcher: %w", err)
	}

	bus := eventbus.New()
	bus.Run()
	defer bus.Stop()
	q.SetEventBus(bus)

	qp := query.New(reg, store, embSvc)

	srv := server.New(cfg.Server, reg, q, w, bus, qp)

	q.Start()
	defer q.Stop()
	w.Start()
	defer w.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control API: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		logger.Warn("graceful shutdown: %v", err)
	}
	return nil
}

func registerEmbeddingProvider(svc *embedding.Service, ai config.AIConfig) {
	svc.Register(embedding.NewOllamaProvider(embedding.OllamaConfig{
		BaseURL:        ai.OllamaBaseURL,
		Model:          ai.OllamaModel,
		RequestsPerSec: ai.RequestsPerSec,
	}))
	if ai.OpenAIAPIKey != "" {
		svc.Register(embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:         ai.OpenAIAPIKey,
			Model:          ai.OpenAIModel,
			RequestsPerSec: ai.RequestsPerSec,
		}))
	}
	provider := ai.Provider
	if provider == "" {
		provider = "ollama"
	}
	if err := svc.SetCurrent(provider); err != nil {
		logger.Warn("embedding provider %q unavailable, falling back to ollama: %v", provider, err)
		svc.SetCurrent("ollama")
	}
}

func levelFromString(s string) logger.Level {
	switch s {
	case "debug":
		return logger.DEBUG
	case "warn":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// loadOrCreateSigningSecret persists the deletion-token HMAC key under
// the data dir so tokens issued before a restart stay verifiable for
// their remaining TTL.
func loadOrCreateSigningSecret(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, "deletion_token.key")
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		return nil, fmt.Errorf("persist secret: %w", err)
	}
	return secret, nil
}
