// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/markdave123-py/contexta-rag/internal/config"
	"github.com/markdave123-py/contexta-rag/internal/core"
	"github.com/markdave123-py/contexta-rag/internal/core/chat"
	db "github.com/markdave123-py/contexta-rag/internal/core/database"
	ingest "github.com/markdave123-py/contexta-rag/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-rag/internal/core/jobqueue"
	"github.com/markdave123-py/contexta-rag/internal/core/llm"
	"github.com/markdave123-py/contexta-rag/internal/core/memdb"
	"github.com/markdave123-py/contexta-rag/internal/core/metrics"
	objectclient "github.com/markdave123-py/contexta-rag/internal/core/object-client"
	"github.com/markdave123-py/contexta-rag/internal/core/retriever"
	"github.com/markdave123-py/contexta-rag/internal/core/workerpool"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
	"github.com/markdave123-py/contexta-rag/internal/services"
)

// App holds every long-lived component of a process.
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	Metrics *metrics.Metrics

	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Pool         *workerpool.Pool
	Signer       *jobqueue.Signer
	// RedisQueue is nil when QUEUE_MODE=inline.
	RedisQueue *jobqueue.RedisQueue
	Ingestion  *ingest.Controller
	Chat       *chat.Engine

	Documents     *services.DocumentService
	Conversations *services.ConversationService

	closers []func() error
}

func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{Config: cfg, Log: log, Metrics: metrics.New()}

	if err := a.initStorage(appCtx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	embedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel, cfg.ProviderTimeout)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}
	a.closers = append(a.closers, embedder.Close)

	llmProvider, err := llm.NewGeminiLLM(appCtx, cfg.AIAPIKey, cfg.GenModel, cfg.ProviderTimeout)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("couldn't initialize the llm, %w", err)
	}
	a.closers = append(a.closers, llmProvider.Close)
	if cfg.AIAPIKey == "" {
		log.Warn("GEMINI_API_KEY not set, embedding and chat calls will fail")
	}

	var tokenizer ingest.Tokenizer = ingest.HeuristicTokenizer{}
	if cfg.TokenizerEncoding != "" {
		tt := ingest.NewTiktokenTokenizer(cfg.TokenizerEncoding, log)
		if tt.Warm() {
			tokenizer = tt
		} else {
			log.Warn("Chunk token counts are estimated", "encoding", cfg.TokenizerEncoding)
		}
	}
	chunker, err := ingest.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap, tokenizer)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Signer, err = jobqueue.NewSigner(cfg.JobSigningSecret, 24*time.Hour)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Pool = workerpool.New(cfg.Workers, cfg.Workers*16, log)
	a.Ingestion = ingest.NewController(ingest.Deps{
		DB:        a.DBClient,
		Blobs:     a.ObjectClient,
		Extractor: ingest.NewDocconvExtractor(),
		Chunker:   chunker,
		Embedder:  embedder,
		Pool:      a.Pool,
		Log:       log,
		Metrics:   a.Metrics,
	}, ingest.IngestConfigFrom(cfg))

	switch cfg.QueueMode {
	case "redis":
		host, _ := os.Hostname()
		consumerID := fmt.Sprintf("%s-%d", host, os.Getpid())
		a.RedisQueue, err = jobqueue.NewRedisQueue(appCtx, cfg.RedisURL, cfg.QueueName, consumerID, a.Signer, log, a.Metrics)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.Ingestion.SetQueue(a.RedisQueue)
		a.closers = append(a.closers, a.RedisQueue.Close)
	default:
		inline := jobqueue.NewInlineQueue(a.Signer, log)
		inline.SetHandler(a.Ingestion.DispatchJob)
		a.Ingestion.SetQueue(inline)
	}
	log.Info("Ingestion queue ready", "mode", cfg.QueueMode, "workers", cfg.Workers)

	a.Chat = chat.NewEngine(a.DBClient, embedder, llmProvider,
		retriever.New(a.DBClient, cfg.RetrieveTopK, a.Metrics), log, a.Metrics,
		chat.Options{HistoryTurns: cfg.HistoryTurns, TopK: cfg.RetrieveTopK})

	a.Documents = services.NewDocumentService(a.DBClient, a.ObjectClient, a.Ingestion, cfg.MaxUploadBytes, log)
	a.Conversations = services.NewConversationService(a.DBClient)
	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	switch a.Config.StoreBackend {
	case "memory":
		a.DBClient = memdb.New()
		a.Log.Warn("Using in-memory store, data is lost on exit")
	default:
		client, err := db.NewDatabaseClient(ctx, a.Config)
		if err != nil {
			return err
		}
		a.DBClient = client
		a.Log.Info("Database initialized and ready.")
	}
	a.closers = append(a.closers, a.DBClient.Close)

	switch a.Config.BlobBackend {
	case "memory":
		a.ObjectClient = objectclient.NewMemoryClient()
	default:
		client, err := objectclient.NewS3Client(ctx, a.Config, a.Log)
		if err != nil {
			return err
		}
		a.ObjectClient = client
		a.Log.Info("Object client initialized and ready.")
	}
	return nil
}

// Close drains the worker pool within ctx and releases every client.
// Attempts still running when ctx expires are cancelled and recorded as failed.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Pool != nil {
		if err := a.Pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
