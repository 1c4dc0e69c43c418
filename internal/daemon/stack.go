package daemon

import (
	"fmt"
	"net/http"
	"time"

	"github.com/harun/otaku/internal/config"
	"github.com/harun/otaku/pkg/agent"
	"github.com/harun/otaku/pkg/catalog"
	"github.com/harun/otaku/pkg/credentials"
	"github.com/harun/otaku/pkg/orchestrator"
	"github.com/harun/otaku/pkg/toolexecutor"
	"github.com/harun/otaku/pkg/transcript"
	"github.com/rs/zerolog"
)

// expertSpec binds an expert name to its router profile and tool subset
type expertSpec struct {
	profile      agent.ExpertProfile
	tools        []string
	instructions string
}

var expertSpecs = map[string]expertSpec{
	config.ExpertAnime: {
		profile: agent.AnimeExpert,
		tools:   catalog.AnimeTools,
		instructions: "For questions about the current or a named season use seasonal_anime. " +
			"Only change the user's anime list when the user explicitly asked for it.",
	},
	config.ExpertManga: {
		profile: agent.MangaExpert,
		tools:   catalog.MangaTools,
		instructions: "Only change the user's manga list when the user explicitly asked for it.",
	},
	config.ExpertForums: {
		profile:      agent.ForumsExpert,
		tools:        catalog.ForumTools,
		instructions: "List the boards before searching topics when the user did not name a board.",
	},
}

// StackOptions overrides parts of the stack, mostly for tests
type StackOptions struct {
	// Observer receives every orchestrator event
	Observer orchestrator.Observer
	// ProviderFactory replaces the real LLM providers
	ProviderFactory agent.ProviderCreator
	// HTTPClient is used for catalog and token requests
	HTTPClient *http.Client
	// DisableTranscript skips the SQLite store even when configured
	DisableTranscript bool
}

// Stack is every component needed to answer queries
type Stack struct {
	Credentials  *credentials.FileStore
	Catalog      *catalog.Client
	Refresher    *catalog.Refresher
	Executor     *toolexecutor.ToolExecutor
	Runner       *agent.Runner
	Experts      *orchestrator.Registry
	Orchestrator *orchestrator.Orchestrator
	// Transcripts is nil when transcripts are disabled
	Transcripts *transcript.SQLiteStore

	logger zerolog.Logger
}

// BuildStack assembles credentials, catalog tools, agents and the
// orchestrator from cfg
func BuildStack(cfg *config.Config, logger zerolog.Logger, opts StackOptions) (*Stack, error) {
	st := &Stack{logger: logger}
	built, err := st.build(cfg, opts)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return built, nil
}

func (st *Stack) build(cfg *config.Config, opts StackOptions) (*Stack, error) {
	logger := st.logger
	var err error

	st.Credentials, err = credentials.NewFileStore(cfg.Credentials.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials: %w", err)
	}

	catalogCfg := CatalogConfig(cfg, logger, opts.HTTPClient)
	st.Catalog, err = catalog.NewClient(catalogCfg, st.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog client: %w", err)
	}
	st.Refresher, err = catalog.NewRefresher(catalogCfg, st.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to create token refresher: %w", err)
	}

	st.Executor = toolexecutor.New()
	if err := catalog.Register(st.Executor, st.Catalog, st.Refresher); err != nil {
		return nil, fmt.Errorf("failed to register catalog tools: %w", err)
	}

	st.Runner, err = agent.NewRunner(agent.Config{
		Logger:          logger,
		AuthProfiles:    authProfiles(cfg.LLM.Profiles),
		ProviderFactory: opts.ProviderFactory,
		Model: agent.ModelConfig{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			MaxRetries:  cfg.LLM.MaxRetries,
		},
		Breaker: agent.BreakerConfig{
			MaxFailures: cfg.LLM.Breaker.MaxFailures,
			Timeout:     time.Duration(cfg.LLM.Breaker.OpenSeconds) * time.Second,
			Interval:    time.Duration(cfg.LLM.Breaker.IntervalSeconds) * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent runner: %w", err)
	}

	profiles := make([]agent.ExpertProfile, 0, len(cfg.Orchestrator.Experts))
	experts := make([]orchestrator.Expert, 0, len(cfg.Orchestrator.Experts))
	for _, name := range cfg.Orchestrator.Experts {
		spec, ok := expertSpecs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownExpert, name)
		}
		defs, err := st.Executor.Definitions(spec.tools)
		if err != nil {
			return nil, fmt.Errorf("expert %s: %w", name, err)
		}
		expert, err := agent.NewExpert(agent.ExpertConfig{
			Name:         spec.profile.Name,
			Instructions: spec.instructions,
			Tools:        defs,
			Completer:    st.Runner,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, spec.profile)
		experts = append(experts, expert)
	}

	st.Experts, err = orchestrator.NewRegistry(experts...)
	if err != nil {
		return nil, err
	}

	router, err := agent.NewRouter(agent.RouterConfig{
		Experts:     profiles,
		RefreshTool: st.Refresher.Tool(),
		Completer:   st.Runner,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	summarizer, err := agent.NewSummarizer(st.Runner, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create summarizer: %w", err)
	}

	invoker, err := toolexecutor.NewInvoker(st.Executor, logger, time.Duration(cfg.Orchestrator.ToolTimeout)*time.Second)
	if err != nil {
		return nil, err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithBudget(orchestrator.Budget{
			MaxSteps:            cfg.Orchestrator.MaxSteps,
			MaxExpertIterations: cfg.Orchestrator.MaxExpertIterations,
			MaxInconclusive:     cfg.Orchestrator.MaxInconclusive,
		}),
	}
	if opts.Observer != nil {
		orchOpts = append(orchOpts, orchestrator.WithObserver(opts.Observer))
	}
	if cfg.Transcript.Enabled && !opts.DisableTranscript {
		st.Transcripts, err = transcript.NewSQLiteStore(transcript.Config{
			DBPath: cfg.Transcript.Path,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open transcript store: %w", err)
		}
		orchOpts = append(orchOpts, orchestrator.WithTranscript(st.Transcripts))
	}

	st.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Router:      router,
		Experts:     st.Experts,
		Invoker:     invoker,
		Summarizer:  summarizer,
		RefreshTool: catalog.RefreshToolName,
		Logger:      logger,
	}, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	logger.Info().
		Strs("experts", st.Experts.Names()).
		Int("tools", len(st.Executor.ListTools())).
		Bool("transcripts", st.Transcripts != nil).
		Msg("Query stack initialized")

	return st, nil
}

// CatalogConfig converts the catalog section of cfg
func CatalogConfig(cfg *config.Config, logger zerolog.Logger, client *http.Client) catalog.Config {
	return catalog.Config{
		BaseURL:           cfg.Catalog.BaseURL,
		TokenURL:          cfg.Catalog.TokenURL,
		RequestsPerMinute: cfg.Catalog.RequestsPerMinute,
		Burst:             cfg.Catalog.Burst,
		Timeout:           time.Duration(cfg.Catalog.Timeout) * time.Second,
		HTTPClient:        client,
		Logger:            logger,
	}
}

// ExpertToolNames returns the catalog tools bound to an expert name
func ExpertToolNames(name string) ([]string, error) {
	spec, ok := expertSpecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnknownExpert, name)
	}
	out := make([]string, len(spec.tools))
	copy(out, spec.tools)
	return out, nil
}

// ExpertTools returns the tool names bound to each enabled expert
func (s *Stack) ExpertTools() map[string][]string {
	out := make(map[string][]string, s.Experts.Count())
	for _, name := range s.Experts.Names() {
		e, err := s.Experts.Get(name)
		if err != nil {
			continue
		}
		if named, ok := e.(interface{ ToolNames() []string }); ok {
			out[name] = named.ToolNames()
		}
	}
	return out
}

// Close releases the credential watcher and the transcript database
func (s *Stack) Close() error {
	var firstErr error
	if s.Transcripts != nil {
		if err := s.Transcripts.Close(); err != nil {
			firstErr = err
		}
	}
	if s.Credentials != nil {
		if err := s.Credentials.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func authProfiles(profiles []config.LLMProfile) []agent.AuthProfile {
	result := make([]agent.AuthProfile, len(profiles))
	for i, p := range profiles {
		result[i] = agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    p.Model,
			Priority: p.Priority,
		}
	}
	return result
}
