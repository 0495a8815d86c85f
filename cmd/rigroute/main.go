// rigroute - privacy-aware memory retrieval and provider routing engine.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/peterh/liner"

	"github.com/jeranaias/rigroute/internal/admission"
	"github.com/jeranaias/rigroute/internal/config"
	"github.com/jeranaias/rigroute/internal/coordinator"
	"github.com/jeranaias/rigroute/internal/embedding"
	"github.com/jeranaias/rigroute/internal/memory"
	"github.com/jeranaias/rigroute/internal/privacy"
	"github.com/jeranaias/rigroute/internal/provider"
	"github.com/jeranaias/rigroute/internal/router"
	"github.com/jeranaias/rigroute/internal/storage"
	"github.com/jeranaias/rigroute/internal/systemstate"
	"github.com/jeranaias/rigroute/internal/telemetry"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default ~/.rigroute/config.toml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rigroute %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           parseLogLevel(cfg.LogLevel),
	})
	log.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Memory store: SQLite when a path is configured, in-memory otherwise.
	var store memory.TierStore
	if cfg.Storage.Path != "" {
		sqlStore, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
		defer sqlStore.Close()
		store = sqlStore
		logger.Info("memory store opened", "path", cfg.Storage.Path)
	} else {
		store = memory.NewStore()
		logger.Info("using in-memory store; set storage.path to persist")
	}

	// Providers, in deterministic registration order: local first.
	registry := provider.NewRegistry()
	if cfg.Providers.Ollama.Enabled {
		ollama := provider.NewOllama(provider.OllamaConfig{
			BaseURL:      cfg.Providers.Ollama.URL,
			DefaultModel: cfg.Providers.Ollama.Model,
		})
		if err := registry.Register(provider.Descriptor{
			ID:              "ollama",
			OnDevice:        true,
			MaxPrivacy:      privacy.LevelSensitive,
			MaxConcurrent:   cfg.Providers.Ollama.MaxConcurrent,
			BaselineLatency: 2 * time.Second,
		}, ollama); err != nil {
			return err
		}
	}
	if cfg.Providers.OpenRouter.Enabled && cfg.Providers.OpenRouter.APIKey != "" {
		openrouter := provider.NewOpenRouter(provider.OpenRouterConfig{
			APIKey:       cfg.Providers.OpenRouter.APIKey,
			BaseURL:      cfg.Providers.OpenRouter.BaseURL,
			DefaultModel: cfg.Providers.OpenRouter.Model,
		})
		if err := registry.Register(provider.Descriptor{
			ID:                       "openrouter",
			OnDevice:                 false,
			SupportsStructuredOutput: true,
			MaxPrivacy:               privacy.LevelContextual,
			MaxConcurrent:            cfg.Providers.OpenRouter.MaxConcurrent,
			BaselineLatency:          800 * time.Millisecond,
		}, openrouter); err != nil {
			return err
		}
	}
	if len(registry.List()) == 0 {
		return fmt.Errorf("no providers available: enable ollama or set RIGROUTE_OPENROUTER_KEY")
	}

	// Pipeline wiring.
	classifier := privacy.NewClassifierWithTuning(privacy.Tuning{
		BaseConfidence:      cfg.Privacy.BaseConfidence,
		PerIndicator:        cfg.Privacy.PerIndicator,
		PerAgreeingDetector: cfg.Privacy.PerAgreeingDetector,
	})

	// Semantic retrieval is opt-in: with an embedding model configured the
	// engine scores with on-device embeddings and pre-selects candidates
	// through the nearest-neighbor index; otherwise scoring stays lexical.
	var engineOpts []memory.EngineOption
	var index *embedding.Index
	if cfg.Retrieval.EmbeddingModel != "" {
		embedder := embedding.NewOllamaEmbedder(embedding.OllamaEmbedderConfig{
			BaseURL: cfg.Providers.Ollama.URL,
			Model:   cfg.Retrieval.EmbeddingModel,
			Dims:    cfg.Retrieval.EmbeddingDims,
		})
		index = embedding.NewIndex(embedder)
		engineOpts = append(engineOpts,
			memory.WithSimilarity(embedding.NewEmbedderSimilarity(embedder)),
			memory.WithIndex(index),
		)
		if err := seedIndex(ctx, index, store); err != nil {
			logger.Warn("embedding index seed incomplete", "err", err)
		} else {
			logger.Info("embedding index ready", "model", cfg.Retrieval.EmbeddingModel, "items", index.Len())
		}
	}

	engine := memory.NewEngine(store, engineOpts...)
	var retriever coordinator.Retriever = engine
	if cfg.Cache.Enabled {
		cachingEngine := memory.NewCachingEngine(engine,
			time.Duration(cfg.Cache.RetrievalTTLSecs)*time.Second)
		defer cachingEngine.Close()
		retriever = cachingEngine
	}

	monitor := telemetry.NewMonitor(0)
	routingEngine := router.New(registry,
		router.WithPerfReader(monitor),
		router.WithWeights(router.Weights{
			Privacy:      cfg.Routing.PrivacyWeight,
			Content:      cfg.Routing.ContentWeight,
			Performance:  cfg.Routing.PerformanceWeight,
			Availability: cfg.Routing.AvailabilityWeight,
		}))
	controller := admission.NewController(registry, admission.WithLimits(admission.Limits{
		MinCeiling: cfg.Admission.MinCeiling,
		MaxCeiling: cfg.Admission.MaxCeiling,
	}))

	coordOpts := []coordinator.Option{
		coordinator.WithInvokeTimeout(cfg.InvocationTimeout()),
		coordinator.WithRetrievalConfiguration(retrievalConfig(cfg)),
	}
	if cfg.Cache.Enabled {
		respCache := coordinator.NewResponseCache(
			time.Duration(cfg.Cache.ResponseTTLSecs)*time.Second, store)
		defer respCache.Close()
		coordOpts = append(coordOpts, coordinator.WithResponseCache(respCache))
	}
	coord := coordinator.New(
		classifier,
		retriever,
		routingEngine,
		registry,
		controller,
		monitor,
		systemstate.NewProbe(),
		coordOpts...,
	)

	// Background loops: adaptive optimizer and config hot reload.
	if cfg.Optimizer.Enabled {
		optimizer := telemetry.NewOptimizer(monitor, routingEngine, controller, telemetry.Tunables{
			Interval:      cfg.OptimizerInterval(),
			MinSamples:    cfg.Optimizer.MinSamples,
			BonusStep:     cfg.Optimizer.BonusStep,
			MaxBonus:      cfg.Optimizer.MaxBonus,
			LowSuccess:    cfg.Optimizer.LowSuccess,
			HighSuccess:   cfg.Optimizer.HighSuccess,
			HighLatency:   time.Duration(cfg.Optimizer.HighLatencyMs) * time.Millisecond,
			WaitThreshold: time.Duration(cfg.Optimizer.WaitThresholdMs) * time.Millisecond,
		})
		go optimizer.Run(ctx)
	}
	if path := watchPath(configPath); path != "" {
		watcher, err := config.NewWatcher(path, func(next *config.Config) {
			routingEngine.SetWeights(router.Weights{
				Privacy:      next.Routing.PrivacyWeight,
				Content:      next.Routing.ContentWeight,
				Performance:  next.Routing.PerformanceWeight,
				Availability: next.Routing.AvailabilityWeight,
			})
			logger.Info("routing weights reloaded")
		})
		if err != nil {
			logger.Warn("config watch disabled", "err", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	return repl(ctx, coord, store, index, logger)
}

// seedIndex loads every stored item into the nearest-neighbor index.
func seedIndex(ctx context.Context, index *embedding.Index, store memory.TierStore) error {
	for _, tier := range memory.AllTiers {
		items, err := store.Query(ctx, tier, memory.Filter{})
		if err != nil {
			return fmt.Errorf("query tier %s: %w", tier, err)
		}
		for _, item := range items {
			if err := index.Add(ctx, item.ID, item.Content); err != nil {
				return fmt.Errorf("index item %s: %w", item.ID, err)
			}
		}
	}
	return nil
}

// retrievalConfig maps the file config onto a retrieval configuration.
func retrievalConfig(cfg *config.Config) memory.RetrievalConfiguration {
	rc := memory.DefaultRetrievalConfiguration()
	rc.MaxResultsPerTier = cfg.Retrieval.MaxResultsPerTier
	rc.MaxTotalResults = cfg.Retrieval.MaxTotalResults
	rc.RecencyWeight = cfg.Retrieval.RecencyWeight
	rc.RelevanceWeight = cfg.Retrieval.RelevanceWeight
	rc.SemanticThreshold = cfg.Retrieval.SemanticThreshold
	rc.RecencyHalfLife = cfg.RecencyHalfLife()
	rc.Deadline = cfg.RetrievalDeadline()
	return rc
}

// watchPath resolves which file the hot-reload watcher should follow.
func watchPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("RIGROUTE_CONFIG"); env != "" {
		return env
	}
	path, err := config.DefaultPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func parseLogLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// =============================================================================
// REPL
// =============================================================================

const replHelp = `Commands:
  :help                      show this help
  :health                    provider health and queue depths
  :remember <tier> <text>    store a memory (tier: working|short|long|episodic)
  :quit                      exit
Anything else is processed as a query.`

// repl drives an interactive prompt loop over the coordinator.
func repl(ctx context.Context, coord *coordinator.Coordinator, store memory.TierStore, index *embedding.Index, logger *log.Logger) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Printf("rigroute %s - type :help for commands\n", Version)
	for {
		if ctx.Err() != nil {
			return nil
		}
		input, err := line.Prompt("rigroute> ")
		if err != nil {
			if err == liner.ErrPromptAborted {
				continue
			}
			// io.EOF on ctrl-d.
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch {
		case input == ":quit" || input == ":q":
			return nil
		case input == ":help":
			fmt.Println(replHelp)
		case input == ":health":
			printHealth(ctx, coord)
		case strings.HasPrefix(input, ":remember "):
			if err := remember(ctx, store, index, strings.TrimPrefix(input, ":remember ")); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		default:
			process(ctx, coord, input)
		}
	}
}

func process(ctx context.Context, coord *coordinator.Coordinator, prompt string) {
	resp, err := coord.Process(ctx, router.Request{Prompt: prompt})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println(resp.Text)
	meta := fmt.Sprintf("[%s | %s | confidence %.2f | %s",
		resp.Provider, resp.Privacy.Level, resp.Confidence, resp.Latency.Round(time.Millisecond))
	if resp.Cached {
		meta += " | cached"
	}
	if resp.FallbackUsed {
		meta += fmt.Sprintf(" | fallback from %s", resp.OriginalPrimary)
	}
	if resp.ContextItems > 0 {
		meta += fmt.Sprintf(" | %d memories", resp.ContextItems)
	}
	fmt.Println(meta + "]")
}

func printHealth(ctx context.Context, coord *coordinator.Coordinator) {
	for _, h := range coord.Health(ctx) {
		status := "down"
		if h.Available {
			status = "up"
		}
		where := "cloud"
		if h.OnDevice {
			where = "on-device"
		}
		fmt.Printf("%-12s %-9s %-4s  slots %d/%d waiting %d",
			h.ID, where, status, h.InFlight, h.Ceiling, h.Waiting)
		if h.HasMetrics {
			fmt.Printf("  success %.0f%% latency %s over %d calls",
				h.Metrics.SuccessRate*100,
				h.Metrics.MeanLatency.Round(time.Millisecond),
				h.Metrics.Samples)
		}
		fmt.Println()
	}
}

// remember parses ":remember <tier> <text>" and stores the item.
func remember(ctx context.Context, store memory.TierStore, index *embedding.Index, rest string) error {
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	if len(parts) != 2 {
		return fmt.Errorf("usage: :remember <tier> <text>")
	}

	var tier memory.Tier
	switch strings.ToLower(parts[0]) {
	case "working":
		tier = memory.TierWorking
	case "short":
		tier = memory.TierShortTerm
	case "long":
		tier = memory.TierLongTerm
	case "episodic":
		tier = memory.TierEpisodic
	default:
		return fmt.Errorf("unknown tier %q", parts[0])
	}

	// The in-memory store writes synchronously; the SQLite store takes a
	// context and can fail.
	type memPutter interface{ Put(memory.Item) }
	type sqlPutter interface {
		Put(ctx context.Context, item memory.Item) error
	}

	item := memory.Item{
		ID:         fmt.Sprintf("repl-%d", time.Now().UnixNano()),
		Tier:       tier,
		Content:    parts[1],
		Timestamp:  time.Now(),
		Importance: 0.5,
		Confidence: 1.0,
	}
	switch s := store.(type) {
	case sqlPutter:
		if err := s.Put(ctx, item); err != nil {
			return err
		}
	case memPutter:
		s.Put(item)
	default:
		return fmt.Errorf("store does not support writes")
	}

	if index != nil {
		if err := index.Add(ctx, item.ID, item.Content); err != nil {
			return fmt.Errorf("stored, but indexing failed: %w", err)
		}
	}
	return nil
}
