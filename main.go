package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/tribune/internal/alert"
	"github.com/hazyhaar/tribune/internal/api"
	"github.com/hazyhaar/tribune/internal/auth"
	"github.com/hazyhaar/tribune/internal/config"
	"github.com/hazyhaar/tribune/internal/consensus"
	"github.com/hazyhaar/tribune/internal/db"
	"github.com/hazyhaar/tribune/internal/economy"
	"github.com/hazyhaar/tribune/internal/llm"
	mcpsrv "github.com/hazyhaar/tribune/internal/mcp"
	"github.com/hazyhaar/tribune/internal/worker"
	"github.com/hazyhaar/tribune/pkg/audit"
	"github.com/hazyhaar/tribune/pkg/trace"
	"github.com/mark3labs/mcp-go/server"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "mcp":
		cmdMCP(os.Args[2:])
	case "version":
		fmt.Printf("tribune %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tribune — hybrid moderation with peer consensus and a credit economy

Usage:
  tribune serve [--config config.toml] [--addr :8080]
  tribune mcp [--config config.toml]
  tribune version
  tribune help

Commands:
  serve     Start the HTTP server, workers and scheduler
  mcp       Serve the MCP tool surface over stdio
  version   Print version
  help      Show this help`)
}

// components is everything cmdServe and cmdMCP share.
type components struct {
	cfg        *config.Config
	db         *db.DB
	auth       *auth.Auth
	auditLog   *audit.SQLiteLogger
	traces     *trace.Store
	rewarder   *consensus.Rewarder
	assigner   *consensus.Assigner
	resolver   *consensus.Resolver
	auditor    *consensus.Auditor
	health     *economy.Health
	adjuster   *economy.Adjuster
	classifier consensus.Classifier
}

func buildComponents(configPath string) (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	auditLog := audit.NewSQLiteLogger(database.DB)
	if err := auditLog.Init(); err != nil {
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	traces := trace.NewStore(database.DB)
	if err := traces.Init(); err != nil {
		return nil, fmt.Errorf("initializing trace store: %w", err)
	}
	db.SetTracer(traces)

	// Seed the mutable rollout setting on first boot.
	current, err := database.GetSetting(api.SettingRolloutPct, "")
	if err != nil {
		return nil, fmt.Errorf("reading rollout setting: %w", err)
	}
	if current == "" {
		if err := database.SetSetting(api.SettingRolloutPct, strconv.Itoa(cfg.Consensus.DefaultRolloutPct)); err != nil {
			return nil, fmt.Errorf("seeding rollout setting: %w", err)
		}
	}

	notifier := alert.NewWebhook(cfg.Alert.WebhookURL, cfg.Instance.Name)
	classifier := buildClassifier(cfg)
	logger := slog.Default()

	c := &components{
		cfg:      cfg,
		db:       database,
		auth:     auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiryMin),
		auditLog: auditLog,
		traces:   traces,
		rewarder: consensus.NewRewarder(database, int64(cfg.Economy.HardshipThreshold), logger),
		assigner: consensus.NewAssigner(database,
			time.Duration(cfg.Consensus.ReviewWindowHours)*time.Hour,
			cfg.Consensus.HighRiskDomains, logger),
		resolver: consensus.NewResolver(database, cfg.Consensus.SpotCheckPct, logger),
		health: economy.NewHealth(database, economy.HealthConfig{
			RatioFloor:        cfg.Economy.RatioFloor,
			RatioCeiling:      cfg.Economy.RatioCeiling,
			HardshipThreshold: int64(cfg.Economy.HardshipThreshold),
			HardshipAlertRate: cfg.Economy.HardshipAlertRate,
		}, notifier, logger),
		adjuster: economy.NewAdjuster(database,
			cfg.Economy.RatioFloor, cfg.Economy.RatioCeiling, cfg.Economy.BreakerCeiling,
			notifier, logger),
		classifier: classifier,
	}
	c.auditor = consensus.NewAuditor(database, classifier, logger)
	return c, nil
}

func (c *components) close() {
	_ = c.auditLog.Close()
	_ = c.traces.Close()
	_ = c.db.Close()
}

// buildClassifier assembles the provider chain from whatever keys are
// configured. No keys means no fast path and no spot checks; peer consensus
// still works.
func buildClassifier(cfg *config.Config) consensus.Classifier {
	var providers []llm.Provider
	if cfg.LLM.AnthropicAPIKey != "" {
		providers = append(providers, llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey))
	}
	if cfg.LLM.GroqAPIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:    "groq",
			BaseURL: "https://api.groq.com/openai/v1",
			APIKey:  cfg.LLM.GroqAPIKey,
			Models:  []string{"llama-3.3-70b-versatile"},
		}))
	}
	if cfg.LLM.OpenRouterKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:    "openrouter",
			BaseURL: "https://openrouter.ai/api/v1",
			APIKey:  cfg.LLM.OpenRouterKey,
			Models:  []string{"anthropic/claude-sonnet-4.5"},
		}))
	}
	if len(providers) == 0 {
		return nil
	}
	return &classifierAdapter{inner: llm.NewClassifier(llm.New(providers), "")}
}

// classifierAdapter bridges the llm verdict type to the consensus interface.
type classifierAdapter struct {
	inner *llm.Classifier
}

func (a *classifierAdapter) Evaluate(ctx context.Context, content, domain string) (*consensus.Classification, error) {
	v, err := a.inner.Evaluate(ctx, content, domain)
	if err != nil {
		return nil, err
	}
	return &consensus.Classification{Decision: v.Decision, Score: v.Score, Reasoning: v.Reasoning}, nil
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	addr := fs.String("addr", "", "listen address (overrides config)")
	fs.Parse(args)

	c, err := buildComponents(*configPath)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer c.close()

	if *addr != "" {
		c.cfg.Server.Addr = *addr
	}

	apiHandler := api.New(c.db, c.auth, c.cfg)
	apiHandler.SetRewarder(c.rewarder)
	apiHandler.SetResolver(c.resolver)
	apiHandler.SetClassifier(c.classifier)
	apiHandler.SetAdjuster(c.adjuster)

	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    c.cfg.Server.Addr,
		Handler: api.SecurityHeaders(mux),
	}
	g.Go(func() error {
		slog.Info("tribune listening",
			"version", version, "addr", c.cfg.Server.Addr, "database", c.cfg.Database.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	deps := worker.Deps{
		DB:       c.db,
		Assigner: c.assigner,
		Resolver: c.resolver,
		Rewarder: c.rewarder,
		Auditor:  c.auditor,
		Health:   c.health,
		Adjuster: c.adjuster,
		Logger:   slog.Default(),
	}
	pollInterval := time.Duration(c.cfg.Workers.PollIntervalMs) * time.Millisecond
	for i := 0; i < c.cfg.Workers.AssignConcurrency; i++ {
		w := worker.New(c.db, pollInterval, slog.Default())
		worker.RegisterHandlers(w, deps)
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}

	scheduler := worker.NewScheduler(c.db,
		time.Duration(c.cfg.Workers.SweepIntervalMin)*time.Minute, slog.Default())
	g.Go(func() error {
		if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func cmdMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	c, err := buildComponents(*configPath)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer c.close()

	srv := mcpsrv.NewServer(mcpsrv.Deps{
		DB:         c.db,
		Rewarder:   c.rewarder,
		Resolver:   c.resolver,
		Classifier: c.classifier,
		Config:     c.cfg,
	}, c.auditLog)

	if err := server.ServeStdio(srv); err != nil {
		log.Fatalf("mcp server: %v", err)
	}
}
