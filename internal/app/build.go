package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/chatstream/internal/config"
	"github.com/antoniostano/chatstream/internal/generator"
	"github.com/antoniostano/chatstream/internal/httpapi"
	"github.com/antoniostano/chatstream/internal/observability"
	"github.com/antoniostano/chatstream/internal/pacing"
	"github.com/antoniostano/chatstream/internal/producer"
	"github.com/antoniostano/chatstream/internal/proxy"
	"github.com/antoniostano/chatstream/internal/session"
	"github.com/antoniostano/chatstream/internal/store"
)

const janitorInterval = 5 * time.Second

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Producer *producer.Producer
	Proxy    *proxy.Proxy
	Store    store.Store
	Metrics  *observability.Metrics

	sessions []*session.Manager

	// Cleanup should be called on shutdown to release the store.
	Cleanup func() error
}

// StartJanitors enforces the maximum stream duration until ctx ends.
func (b *BuildResult) StartJanitors(ctx context.Context) {
	for _, m := range b.sessions {
		m.StartJanitor(ctx, janitorInterval)
	}
}

// Build wires the components the configured role serves.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	res := &BuildResult{Config: cfg, Metrics: metrics, Cleanup: func() error { return nil }}

	newSessions := func(hop string) *session.Manager {
		m := session.NewManager(cfg.MaxStreamDuration)
		m.SetExpireHook(func(s *session.Session) {
			metrics.ObserveIndicator(hop + "_stream_expired")
			logger.Warn("stream exceeded maximum duration",
				zap.String("hop", hop),
				zap.String("session_id", s.ID),
				zap.String("chat_id", s.ChatID),
			)
		})
		res.sessions = append(res.sessions, m)
		return m
	}

	needProducer := cfg.ServesProducer() || (cfg.ServesProxy() && cfg.ProducerURL == "")
	if needProducer {
		backend, err := generator.New(generator.Config{
			Mode:          cfg.GeneratorMode,
			OpenAIAPIKey:  cfg.OpenAIAPIKey,
			OpenAIBaseURL: cfg.OpenAIBaseURL,
			OpenAIModel:   cfg.OpenAIModel,
			Seed:          cfg.GeneratorSeed,
		})
		if err != nil {
			return nil, fmt.Errorf("generator init failed: %w", err)
		}
		res.Producer = producer.New(backend, newSessions("producer"), producer.Config{
			Pacer:           pacing.NewSeeded(cfg.PacingFloor, cfg.PacingScale, uint64(cfg.PacingSeed)),
			CumulativeEvery: cfg.CumulativeEvery,
			Logger:          logger.Named("producer"),
			Metrics:         metrics,
		})
		logger.Info("producer ready", zap.String("generator", backend.Name()))
	}

	if cfg.ServesProxy() {
		st, err := store.NewStore(ctx, cfg.DatabaseURL, cfg.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("store init failed: %w", err)
		}
		res.Store = st
		res.Cleanup = st.Close

		var upstream proxy.Upstream
		if cfg.ProducerURL != "" {
			upstream = proxy.NewHTTPUpstream(cfg.ProducerURL, cfg.UpstreamHeaderTimeout)
			logger.Info("proxy upstream", zap.String("producer_url", cfg.ProducerURL))
		} else {
			upstream = proxy.NewLocalUpstream(res.Producer)
			logger.Info("proxy upstream", zap.String("producer_url", "in-process"))
		}
		res.Proxy = proxy.New(proxy.Config{
			Upstream:       upstream,
			Store:          st,
			Sessions:       newSessions("proxy"),
			PersistRetries: cfg.PersistRetries,
			Logger:         logger.Named("proxy"),
			Metrics:        metrics,
		})
	}

	deps := httpapi.Deps{
		Proxy:   res.Proxy,
		Store:   res.Store,
		Metrics: metrics,
		Logger:  logger.Named("http"),
	}
	if cfg.ServesProducer() {
		deps.Producer = res.Producer
	}
	res.API = httpapi.New(cfg, deps)
	return res, nil
}
