package main

import (
	"log/slog"

	"github.com/ashureev/reqplan/internal/analysis"
	"github.com/ashureev/reqplan/internal/apperror"
	"github.com/ashureev/reqplan/internal/config"
	"github.com/ashureev/reqplan/internal/coordinator"
	"github.com/ashureev/reqplan/internal/crew"
	"github.com/ashureev/reqplan/internal/crm"
	"github.com/ashureev/reqplan/internal/metrics"
	"github.com/ashureev/reqplan/internal/orchestrator"
	"github.com/ashureev/reqplan/internal/store"
)

// newConnector returns the CRM connector, or nil when it is not configured.
func newConnector(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *crm.Connector {
	if !cfg.CRMConfigured() {
		slog.Info("CRM connector disabled (credentials not set)")
		return nil
	}
	c, err := crm.New(cfg.CRM, crm.WithLogger(logger), crm.WithMetrics(m))
	if err != nil {
		slog.Warn("Failed to initialize CRM connector, schema enrichment disabled", "error", err)
		return nil
	}
	slog.Info("CRM connector initialized", "grant", c.Grant(), "api_version", c.APIVersion())
	return c
}

// capabilities holds the raw analysis capability and its specialists.
type capabilities struct {
	base        analysis.Capability
	specialists analysis.Specialists
	cfg         config.AnalysisConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
	grpc        *analysis.GRPCCapability
}

// newCapabilities prefers the gRPC capability service and falls back to an
// OpenAI-compatible endpoint. Without either, every call fails with a
// configuration error.
func newCapabilities(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*capabilities, error) {
	specialists, err := analysis.LoadSpecialists(cfg.Analysis.SpecialistsFile)
	if err != nil {
		return nil, err
	}
	c := &capabilities{specialists: specialists, cfg: cfg.Analysis, logger: logger, metrics: m}

	if addr := cfg.Analysis.GRPCAddr; addr != "" {
		slog.Info("Attempting to connect to capability service via gRPC", "address", addr)
		gc, err := analysis.NewGRPCCapability(analysis.GRPCConfig{Address: addr}, logger)
		if err == nil {
			c.grpc = gc
			c.base = gc
			return c, nil
		}
		slog.Warn("Failed to connect to capability service", "error", err)
	}

	if cfg.Analysis.OpenAIKey != "" {
		oc, err := analysis.NewOpenAICapability(analysis.OpenAIConfig{
			APIKey:  cfg.Analysis.OpenAIKey,
			BaseURL: cfg.Analysis.OpenAIBaseURL,
			Model:   cfg.Analysis.OpenAIModel,
			RPS:     cfg.Analysis.RPS,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using OpenAI-compatible capability", "model", cfg.Analysis.OpenAIModel)
		c.base = oc
		return c, nil
	}

	slog.Warn("No analysis capability configured, conversations will fail until one is set")
	c.base = analysis.Unavailable(apperror.New(apperror.KindConfiguration,
		"no analysis capability configured", nil).WithSeverity(apperror.SeverityHigh))
	return c, nil
}

// guarded wraps the base capability with timeout and retry for role.
func (c *capabilities) guarded(role string) analysis.Capability {
	return analysis.NewGuard(c.base, analysis.GuardConfig{
		Role:    role,
		Timeout: c.cfg.CapabilityTimeout,
		Retries: c.cfg.CapabilityRetries,
		Logger:  c.logger,
		Metrics: c.metrics,
	})
}

// specialist binds a guarded capability to the specialist key.
func (c *capabilities) specialist(key string) analysis.Capability {
	return c.specialists.Get(key).Bind(c.guarded(key))
}

// Close releases the gRPC connection, if any.
func (c *capabilities) Close() {
	if c.grpc != nil {
		c.grpc.Close()
	}
}

// newBackends builds the rich (crew) and basic (single call) engines. A
// backend that cannot be built is returned as nil with a problem entry.
func newBackends(
	cfg *config.Config,
	caps *capabilities,
	connector *crm.Connector,
	repo store.Repository,
	recorder *apperror.Recorder,
	logger *slog.Logger,
	m *metrics.Metrics,
) (rich, basic coordinator.Backend, problems []string) {
	var schema crew.SchemaSource
	if connector != nil {
		schema = connector
	}

	pipeline, err := crew.New(crew.Config{
		Capabilities: map[string]analysis.Capability{
			analysis.SpecialistSchema:    caps.specialist(analysis.SpecialistSchema),
			analysis.SpecialistArchitect: caps.specialist(analysis.SpecialistArchitect),
			analysis.SpecialistSequencer: caps.specialist(analysis.SpecialistSequencer),
		},
		Specialists: caps.specialists,
		Schema:      schema,
		Recorder:    recorder,
		Logger:      logger,
	})
	if err == nil {
		eng, engErr := orchestrator.New(orchestrator.Config{
			Name:            coordinator.SystemRich,
			Conversation:    caps.specialist(analysis.SpecialistConversation),
			Analyzer:        orchestrator.CrewAnalyzer{Crew: pipeline},
			Sessions:        repo,
			ContextMessages: cfg.ContextMessages,
			Logger:          logger,
			Metrics:         m,
		})
		err = engErr
		if engErr == nil {
			rich = eng
		}
	}
	if err != nil {
		slog.Warn("Rich backend unavailable", "error", err)
		problems = append(problems, "rich backend: "+err.Error())
	}

	eng, err := orchestrator.New(orchestrator.Config{
		Name:            coordinator.SystemBasic,
		Conversation:    caps.guarded("conversation"),
		Analyzer:        orchestrator.SingleAnalyzer{Capability: caps.guarded("planner")},
		Sessions:        repo,
		ContextMessages: cfg.ContextMessages,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		slog.Warn("Basic backend unavailable", "error", err)
		problems = append(problems, "basic backend: "+err.Error())
	} else {
		basic = eng
	}
	return rich, basic, problems
}
