package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/astridlabs/astrid/internal/config"
	"github.com/astridlabs/astrid/internal/dialogue"
	"github.com/astridlabs/astrid/internal/extract"
	"github.com/astridlabs/astrid/internal/gateway"
	"github.com/astridlabs/astrid/internal/httpapi"
	"github.com/astridlabs/astrid/internal/memory"
	"github.com/astridlabs/astrid/internal/observability"
	"github.com/astridlabs/astrid/internal/persona"
	"github.com/astridlabs/astrid/internal/session"
	"github.com/astridlabs/astrid/internal/tools"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *dialogue.Orchestrator
	Store        memory.LongTermStore
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewLongTermStore(ctx, cfg.DatabaseURL, cfg.MemoryEmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("long-term store init failed: %w", err)
	}
	embedder := memory.NewLocalEmbedder(cfg.MemoryEmbeddingDim)

	adapter, err := gateway.NewAdapter(gateway.Config{
		Mode:    cfg.GatewayMode,
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("gateway init failed: %w", err)
	}
	if cfg.EnablePlanner {
		adapter = gateway.NewPlannerAdapter(adapter, cfg.PlannerModel)
	}

	personas := persona.Defaults()
	if strings.TrimSpace(cfg.PersonaFile) != "" {
		loaded, err := persona.Load(cfg.PersonaFile)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("persona file load failed: %w", err)
		}
		personas = loaded
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("builtin tools init failed: %w", err)
	}

	var extractor extract.Extractor
	if cfg.GatewayMode == "mock" || (cfg.GatewayMode == "auto" && strings.TrimSpace(cfg.OpenAIAPIKey) == "") {
		extractor = extract.NewHeuristicExtractor()
	} else {
		extractor = extract.NewModelExtractor(adapter, cfg.Model)
	}

	buffer := memory.NewShortTermBuffer(cfg.ShortTermCapacity)
	ranker := memory.NewRecallRanker(store, embedder, memory.RankerConfig{
		HalfLife: cfg.RecallHalfLife,
	})
	policy := memory.NewWritePolicy(store, embedder, memory.PolicyConfig{
		BaseThreshold: cfg.WriteBaseThreshold,
	})

	orchestrator := dialogue.NewOrchestrator(
		buffer,
		ranker,
		policy,
		adapter,
		registry,
		extractor,
		personas,
		metrics,
		dialogue.Config{
			Model:              cfg.Model,
			RecallBudget:       cfg.RecallBudget,
			RecallTimeout:      cfg.RecallTimeout,
			GenerateTimeout:    cfg.GenerateTimeout,
			MaxGenerateRetries: cfg.MaxGenerateRetries,
			MaxToolRounds:      cfg.MaxToolRounds,
		},
	)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		// Expired sessions release their rolling context.
		buffer.Drop(s.ID)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, orchestrator, metrics)

	cleanup := func() error {
		return store.Close()
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Store:        store,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

// StartEviction runs the long-term store janitor until ctx is cancelled.
// Eviction never runs inline with a turn.
func (b *BuildResult) StartEviction(ctx context.Context) {
	interval := b.Config.EvictInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	policy := memory.EvictPolicy{
		MaxAge:        b.Config.EvictMaxAge,
		MaxPerSession: b.Config.EvictMaxPerSession,
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted, err := b.Store.Evict(ctx, policy)
				if err != nil {
					log.Printf("app: eviction pass failed: %v", err)
					continue
				}
				if evicted > 0 {
					log.Printf("app: evicted %d long-term records", evicted)
				}
			}
		}
	}()
}
