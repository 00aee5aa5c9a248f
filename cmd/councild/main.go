// Command councild is the council proxy's composition root: it loads
// configuration, wires every component package (provider pool, budget
// enforcer, idempotency store, tool engine, synthesizer, orchestrator),
// and starts serving. Wiring follows core/cmd/example/main.go's
// construct-then-Initialize shape, generalized from "one tool on one
// port" to the council's multi-component graph.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/council-proxy/council/budget"
	"github.com/council-proxy/council/config"
	"github.com/council-proxy/council/core"
	"github.com/council-proxy/council/cost"
	"github.com/council-proxy/council/idempotency"
	"github.com/council-proxy/council/orchestrator"
	"github.com/council-proxy/council/providerpool"
	"github.com/council-proxy/council/synthesis"
	"github.com/council-proxy/council/telemetry"
	"github.com/council-proxy/council/toolengine"
	"github.com/council-proxy/council/types"
)

func main() {
	logger := telemetry.NewTelemetryLogger("councild")

	otelEndpoint := os.Getenv("COUNCIL_OTEL_ENDPOINT")
	if otelEndpoint != "" {
		provider, err := telemetry.NewServiceOTelProvider("councild", otelEndpoint)
		if err != nil {
			logger.Warn("failed to initialize otel provider, continuing without tracing", map[string]interface{}{"error": err.Error()})
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := provider.Shutdown(ctx); err != nil {
					logger.Warn("otel shutdown failed", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("councild: failed to load config: %v", err)
	}

	redisURL := envOr("COUNCIL_REDIS_URL", "redis://localhost:6379")
	idemRC, err := core.NewRedisClient(core.RedisClientOptions{RedisURL: redisURL, DB: core.RedisDBIdempotency, Namespace: "council:idem", Logger: logger})
	if err != nil {
		log.Fatalf("councild: failed to connect idempotency redis: %v", err)
	}
	budgetRC, err := core.NewRedisClient(core.RedisClientOptions{RedisURL: redisURL, DB: core.RedisDBBudget, Namespace: "council:budget", Logger: logger})
	if err != nil {
		log.Fatalf("councild: failed to connect budget redis: %v", err)
	}

	pool := providerpool.NewPool(logger)
	registerConfiguredAdapters(pool, cfg, logger)

	idemStore := idempotency.NewStore(idemRC, logger)
	enforcer := budget.NewEnforcer(budgetRC, logger)
	for _, budgetCap := range loadBudgetCaps() {
		enforcer.SetCap(budgetCap)
	}

	var embed synthesis.EmbeddingService
	if url := os.Getenv("COUNCIL_EMBEDDING_URL"); url != "" {
		embed = synthesis.NewHTTPEmbeddingService(url, os.Getenv("COUNCIL_EMBEDDING_API_KEY"), cfg.Synthesis.IterativeConsensus.EmbeddingModel)
	}
	synth := synthesis.New(pool, embed, logger)

	tools := toolengine.New(logger, toolengine.NoOpUsageRecorder{})

	orch := orchestrator.New(pool, idemStore, enforcer, synth, tools, cost.NewTable(), orchestrator.NoOpAuditStore{}, logger)

	srv := &server{orch: orch, cfg: cfg, logger: logger}
	addr := envOr("COUNCIL_LISTEN_ADDR", ":8090")
	logger.Info("councild: starting", map[string]interface{}{"addr": addr})
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatalf("councild: server exited: %v", err)
	}
}

func loadConfig() (config.CouncilConfig, error) {
	path := os.Getenv("COUNCIL_CONFIG_FILE")
	if path == "" {
		return config.DefaultCouncilConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config.CouncilConfig{}, err
	}
	return config.LoadFromYAML(data)
}

// loadBudgetCaps is a placeholder for the external collaborator that would
// populate budget caps from an admin API or config file (spec §1 treats
// budget-cap administration as out of scope for specification); councild
// simply starts with none configured, which budget.CheckBudget treats as
// "always allowed" until caps are set via SetCap.
func loadBudgetCaps() []types.BudgetCap {
	return nil
}

func registerConfiguredAdapters(pool *providerpool.Pool, cfg config.CouncilConfig, logger core.Logger) {
	seen := make(map[string]bool)
	for _, m := range cfg.Members {
		if seen[m.Provider] {
			continue
		}
		seen[m.Provider] = true
		adapter := newAdapterForProvider(m.Provider, logger)
		if adapter == nil {
			logger.Warn("councild: no adapter available for configured provider", map[string]interface{}{"provider": m.Provider})
			continue
		}
		pool.Register(m.Provider, adapter)
	}
}

func newAdapterForProvider(provider string, logger core.Logger) providerpool.ProviderAdapter {
	switch provider {
	case "openai":
		return providerpool.NewOpenAIAdapter(envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"), os.Getenv("OPENAI_API_KEY"), logger)
	case "anthropic":
		return providerpool.NewAnthropicAdapter(envOr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"), os.Getenv("ANTHROPIC_API_KEY"), logger)
	case "bedrock":
		return providerpool.NewBedrockAdapter(os.Getenv("BEDROCK_BASE_URL"), os.Getenv("BEDROCK_API_KEY"), logger)
	case "gemini":
		return providerpool.NewGeminiAdapter(envOr("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1"), os.Getenv("GEMINI_API_KEY"), logger)
	default:
		return nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// server exposes the orchestrator as the minimal HTTP surface needed to
// drive it end to end; the wire contract (request/response JSON shapes,
// auth, rate limiting) is the gateway's concern and out of scope for
// specification (spec §1), so this is intentionally the thinnest possible
// adapter rather than a full API.
type server struct {
	orch   *orchestrator.Orchestrator
	cfg    config.CouncilConfig
	logger core.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/deliberate", s.handleDeliberate)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}

type deliberateRequest struct {
	Query               string                   `json:"query"`
	SessionID           string                   `json:"sessionId,omitempty"`
	ConversationContext []types.ConversationTurn `json:"conversationContext,omitempty"`
	IdempotencyKey      string                   `json:"idempotencyKey,omitempty"`
}

func (s *server) handleDeliberate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body deliberateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	req := types.UserRequest{
		ID:                  uuid.NewString(),
		Query:               body.Query,
		SessionID:           body.SessionID,
		ConversationContext: body.ConversationContext,
		IdempotencyKey:      body.IdempotencyKey,
		Timestamp:           time.Now(),
	}

	decision, err := s.orch.Execute(r.Context(), req, s.cfg)
	if err != nil {
		s.logger.ErrorWithContext(r.Context(), "councild: orchestration failed", map[string]interface{}{"requestId": req.ID, "error": err.Error()})
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}
