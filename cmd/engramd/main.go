package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/engramd/engram/config"
	"github.com/engramd/engram/conversations"
	engramlogger "github.com/engramd/engram/logger"
	"github.com/engramd/engram/maintenance"
	"github.com/engramd/engram/memory"
	"github.com/engramd/engram/memory/anthropic"
	"github.com/engramd/engram/memory/ollama"
	"github.com/engramd/engram/memory/openai"
	"github.com/engramd/engram/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		logFile   = flag.String("logfile", "", "Path to log file. If not set, logs to stdout")
		pretty    = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		dbPath    = flag.String("db", "", "Path to SQLite database file (overrides config)")
		ownerFlag = flag.String("owner", "", "Owner ID for one-shot -add/-query operations")
		addText   = flag.String("add", "", "One-shot: ingest a human message for -owner and exit")
		convID    = flag.String("conversation", "default", "Conversation ID for -add")
		queryText = flag.String("query", "", "One-shot: retrieve memories for -owner and exit")
		runOnce   = flag.Bool("once", false, "Run a single maintenance cycle and exit")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := engramlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	configPath := config.GetConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	params, err := cfg.EngineParams()
	if err != nil {
		return fmt.Errorf("invalid engine configuration: %w", err)
	}

	logger.Info().
		Str("db", cfg.DBPath).
		Str("embedder", cfg.Embedder).
		Str("generator", cfg.Generator).
		Msg("engramd starting")

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // no remedy for db close errors

	if err := migrations.Run(db, cfg.MigrationsPath, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}
	generator, err := buildGenerator(cfg, logger)
	if err != nil {
		return err
	}

	nodeStore := memory.NewStore(db, logger)
	messageStore := conversations.NewStore(db, logger)
	engine := memory.NewEngine(nodeStore, params, logger)
	retriever := memory.NewRetriever(nodeStore, messageStore, params, logger)
	summarizer := memory.NewSummarizer(generator, logger)
	service := memory.NewService(embedder, memory.NewScorer(params), engine, retriever, summarizer, messageStore, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// One-shot modes for scripting and smoke tests.
	switch {
	case *addText != "":
		if *ownerFlag == "" {
			return fmt.Errorf("-add requires -owner")
		}
		msgID, err := service.AddMessage(ctx, *ownerFlag, *convID, memory.MessageTypeHuman, *addText, nil)
		if err != nil {
			return err
		}
		fmt.Println(msgID)
		return nil
	case *queryText != "":
		if *ownerFlag == "" {
			return fmt.Errorf("-query requires -owner")
		}
		resp, err := service.RetrieveMemory(ctx, *ownerFlag, *queryText)
		if err != nil {
			return err
		}
		fmt.Println(resp.MergedContext)
		if resp.Summary != "" {
			fmt.Println("\nSummary: " + resp.Summary)
		}
		return nil
	}

	schedule, err := maintenance.ParseSchedule(cfg.MaintenanceSchedule)
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule: %w", err)
	}
	runner := maintenance.NewRunner(engine, nodeStore, schedule, logger)

	if *runOnce {
		runner.RunOnce(ctx)
		return nil
	}

	runner.Start(ctx)
	logger.Info().Msg("engramd shut down")
	return nil
}

func buildEmbedder(cfg *config.Config) (memory.Embedder, error) {
	switch cfg.Embedder {
	case "openai":
		return openai.NewEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	case "ollama", "":
		return ollama.NewEmbedder(ollama.Model(cfg.Ollama.EmbedModel))
	default:
		return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
	}
}

func buildGenerator(cfg *config.Config, logger zerolog.Logger) (memory.Generator, error) {
	switch cfg.Generator {
	case "anthropic":
		return anthropic.NewGenerator(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, logger)
	case "ollama":
		return ollama.NewGenerator(cfg.Ollama.GenerateModel)
	case "":
		return nil, nil // summaries disabled
	default:
		return nil, fmt.Errorf("unknown generator %q", cfg.Generator)
	}
}
