// Package runtime drives the memory pipeline around a host's LLM
// calls. The Orchestrator implements the provider Interceptor pair:
// HandleRequest assembles and injects the context block, HandleResponse
// records the finished turn (chat row, classification, long-term row).
// The PatternManager tracks which (provider, pattern) integrations are
// registered, active, or failed, and counts their traffic.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memorihq/memori/pkg/agents"
	"github.com/memorihq/memori/pkg/config"
	"github.com/memorihq/memori/pkg/memory"
	"github.com/memorihq/memori/pkg/observability"
	"github.com/memorihq/memori/pkg/providers"
	"github.com/memorihq/memori/pkg/retrieval"
	"github.com/memorihq/memori/pkg/tokens"
)

// Retrieval mode tags used in metrics.
const (
	modeConscious = "conscious"
	modeAuto      = "auto"
	modeSearch    = "search"
)

// Deps bundles the components the orchestrator drives. Store is
// required; a nil Classifier degrades classification to the fallback
// record, a nil Conscious or Worker disables that feature.
type Deps struct {
	Store      *memory.Store
	Engine     *retrieval.Engine
	Injector   *retrieval.Injector
	Classifier *agents.Classifier
	Conscious  *agents.ConsciousAgent
	Worker     *agents.Worker
	Providers  *providers.Registry
}

// Orchestrator owns the session identity and the per-turn pipeline.
// It is safe for concurrent use; no lock is held across database or
// LLM calls.
type Orchestrator struct {
	cfg     *config.Config
	store   *memory.Store
	engine  *retrieval.Engine
	inject  *retrieval.Injector
	class   *agents.Classifier
	consc   *agents.ConsciousAgent
	worker  *agents.Worker
	reg     *providers.Registry
	counter *tokens.Counter

	mu                sync.Mutex
	sessionID         string
	consciousInjected bool
	closed            bool
}

// NewOrchestrator builds an orchestrator over an already-wired
// pipeline. The config must have defaults applied.
func NewOrchestrator(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("memory store is required")
	}

	engine := deps.Engine
	if engine == nil {
		engine = retrieval.NewEngine(deps.Store)
	}
	inject := deps.Injector
	if inject == nil {
		inject = retrieval.NewInjector(deps.Store, engine, nil, 0)
	}

	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		engine:    engine,
		inject:    inject,
		class:     deps.Classifier,
		consc:     deps.Conscious,
		worker:    deps.Worker,
		reg:       deps.Providers,
		counter:   tokens.NewCounter(cfg.Model),
		sessionID: uuid.NewString(),
	}, nil
}

// SessionID returns the current session identifier.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Namespace returns the namespace this orchestrator writes to.
func (o *Orchestrator) Namespace() string { return o.cfg.Namespace }

// NewSession rotates the session id and re-arms the one-shot conscious
// injection for the next request.
func (o *Orchestrator) NewSession() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessionID = uuid.NewString()
	o.consciousInjected = false
	return o.sessionID
}

// Start launches the background promotion worker and, when conscious
// ingest is enabled, kicks one asynchronous ingest pass so the first
// request already finds a condensed profile.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.worker != nil {
		o.worker.Start(ctx)
	}
	if o.cfg.ConsciousIngest && o.consc != nil {
		go func() {
			if _, err := o.RunConsciousIngest(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("startup conscious ingest failed", "namespace", o.cfg.Namespace, "error", err)
			}
		}()
	}
}

// Close stops the promotion worker and closes the store. Subsequent
// pipeline calls become no-ops so a lingering middleware never touches
// a closed database.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	if o.worker != nil {
		o.worker.Stop()
	}
	return o.store.Close()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// HandleRequest assembles the context block for one outbound LLM call:
// the one-shot conscious block on the session's first request, then
// query-driven retrieval when auto ingest is on. Retrieval failures
// degrade to a smaller (possibly empty) block; the only error returned
// is context cancellation, so the host call is never blocked.
func (o *Orchestrator) HandleRequest(ctx context.Context, req *providers.ProviderRequest) (string, error) {
	if o.isClosed() {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.SearchTimeout)
	defer cancel()

	var blocks []string

	if o.claimConsciousInjection() {
		start := time.Now()
		block, err := o.inject.ConsciousBlock(ctx, o.cfg.Namespace, 0)
		observability.GetGlobalMetrics().RecordRetrieval(ctx, o.cfg.Namespace, modeConscious, time.Since(start), bulletCount(block), err)
		if err != nil {
			o.releaseConsciousInjection()
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			slog.Warn("conscious context assembly failed", "namespace", o.cfg.Namespace, "error", err)
		} else if block != "" {
			blocks = append(blocks, block)
		}
	}

	if o.cfg.AutoIngest {
		userInput := req.UserInput
		if userInput == "" {
			userInput = providers.ExtractLatestUserInput(req.Messages)
		}
		if userInput != "" {
			start := time.Now()
			block, err := o.inject.AutoBlock(ctx, o.cfg.Namespace, userInput, o.cfg.RecallLimit)
			observability.GetGlobalMetrics().RecordRetrieval(ctx, o.cfg.Namespace, modeAuto, time.Since(start), bulletCount(block), err)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				slog.Warn("auto retrieval failed", "namespace", o.cfg.Namespace, "error", err)
			} else if block != "" {
				blocks = append(blocks, block)
			}
		}
	}

	return strings.Join(blocks, "\n\n"), nil
}

// claimConsciousInjection takes the per-session latch. The caller must
// release it if assembly fails so the next request retries.
func (o *Orchestrator) claimConsciousInjection() bool {
	if !o.cfg.ConsciousIngest {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.consciousInjected {
		return false
	}
	o.consciousInjected = true
	return true
}

func (o *Orchestrator) releaseConsciousInjection() {
	o.mu.Lock()
	o.consciousInjected = false
	o.mu.Unlock()
}

// HandleResponse records one finished turn: chat row first, then
// classification, then the long-term row. Cancellation abandons the
// whole turn so no partial rows are written. Storage and classification
// errors are returned for the caller to count and log; the host's LLM
// call has already succeeded by the time this runs.
func (o *Orchestrator) HandleResponse(ctx context.Context, req *providers.ProviderRequest, resp *providers.ProviderResponse) error {
	if o.isClosed() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	userInput := req.UserInput
	if userInput == "" {
		userInput = providers.ExtractLatestUserInput(req.Messages)
	}
	aiOutput := resp.Content
	if userInput == "" && aiOutput == "" {
		return nil
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	tokensUsed := resp.TokensUsed
	if tokensUsed == 0 {
		tokensUsed = o.counter.CountExchange(userInput, aiOutput)
	}

	chat := &memory.ChatRecord{
		UserInput:  userInput,
		AIOutput:   aiOutput,
		Model:      model,
		Timestamp:  time.Now().UTC(),
		SessionID:  o.SessionID(),
		Namespace:  o.cfg.Namespace,
		TokensUsed: tokensUsed,
		Metadata:   o.turnMetadata(req, resp),
	}

	start := time.Now()
	chatID, err := o.store.StoreChat(ctx, chat)
	if err != nil {
		observability.GetGlobalMetrics().RecordIngestion(ctx, o.cfg.Namespace, time.Since(start), err)
		return fmt.Errorf("failed to store chat turn: %w", err)
	}

	processed, err := o.classify(ctx, userInput, aiOutput)
	if err != nil {
		// Context cancellation: the chat row is committed, the
		// long-term row is abandoned.
		observability.GetGlobalMetrics().RecordIngestion(ctx, o.cfg.Namespace, time.Since(start), err)
		return err
	}

	if _, err := o.store.StoreLongTerm(ctx, processed, chatID, o.cfg.Namespace); err != nil {
		observability.GetGlobalMetrics().RecordIngestion(ctx, o.cfg.Namespace, time.Since(start), err)
		return fmt.Errorf("failed to store long-term memory: %w", err)
	}

	observability.GetGlobalMetrics().RecordIngestion(ctx, o.cfg.Namespace, time.Since(start), nil)
	return nil
}

func (o *Orchestrator) classify(ctx context.Context, userInput, aiOutput string) (*memory.ProcessedMemory, error) {
	if o.class == nil {
		return agents.FallbackRecord(userInput, aiOutput), nil
	}
	return o.class.Classify(ctx, userInput, aiOutput)
}

func (o *Orchestrator) turnMetadata(req *providers.ProviderRequest, resp *providers.ProviderResponse) map[string]any {
	meta := make(map[string]any)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.Provider != "" {
		meta["provider"] = req.Provider
	}
	if req.Pattern != "" {
		meta["pattern"] = string(req.Pattern)
	}
	if o.cfg.UserID != "" {
		meta["user_id"] = o.cfg.UserID
	}
	if resp.Duration > 0 {
		meta["duration_ms"] = resp.Duration.Milliseconds()
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// Record is the manual integration path: the host hands over a raw
// backend response and the provider parses it before the normal
// recording pipeline runs. A plain string response needs no provider
// and is recorded as-is.
func (o *Orchestrator) Record(ctx context.Context, response any, userInput, providerName, model string, meta map[string]any) error {
	req := &providers.ProviderRequest{
		Provider:  providerName,
		Pattern:   providers.PatternManual,
		Model:     model,
		UserInput: userInput,
		Metadata:  meta,
	}

	resp, err := o.parseManual(response, req)
	if err != nil {
		return err
	}
	return o.HandleResponse(ctx, req, resp)
}

func (o *Orchestrator) parseManual(response any, req *providers.ProviderRequest) (*providers.ProviderResponse, error) {
	if content, ok := response.(string); ok {
		return &providers.ProviderResponse{
			Provider: req.Provider,
			Pattern:  providers.PatternManual,
			Model:    req.Model,
			Content:  content,
		}, nil
	}

	if o.reg == nil {
		return nil, fmt.Errorf("no provider registry: cannot parse %T", response)
	}
	p, err := o.reg.Provider(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manual response: %w", err)
	}
	return p.ParseResponse(response, req)
}

// SearchMemories runs ranked retrieval over the orchestrator's
// namespace.
func (o *Orchestrator) SearchMemories(ctx context.Context, query string, limit int) ([]*retrieval.RankedMemory, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SearchTimeout)
	defer cancel()

	start := time.Now()
	ranked, err := o.engine.Retrieve(ctx, retrieval.Options{
		Query:     query,
		Namespace: o.cfg.Namespace,
		Limit:     limit,
	})
	observability.GetGlobalMetrics().RecordRetrieval(ctx, o.cfg.Namespace, modeSearch, time.Since(start), len(ranked), err)
	return ranked, err
}

// Stats summarizes the orchestrator's namespace.
func (o *Orchestrator) Stats(ctx context.Context) (*memory.Stats, error) {
	return o.store.Stats(ctx, o.cfg.Namespace)
}

// RunConsciousIngest condenses flagged long-term rows into the
// namespace's user context profile. Returns whether the profile
// changed.
func (o *Orchestrator) RunConsciousIngest(ctx context.Context) (bool, error) {
	if o.consc == nil {
		return false, fmt.Errorf("conscious ingest is not configured")
	}
	return o.consc.Run(ctx, o.cfg.Namespace)
}

// RunPromotion forces one promotion cycle outside the worker's
// schedule. Returns the number of promoted memories.
func (o *Orchestrator) RunPromotion(ctx context.Context) (int, error) {
	if o.worker == nil {
		return 0, fmt.Errorf("promotion is not configured")
	}
	return o.worker.RunOnce(ctx)
}

// Store exposes the underlying memory store for hosts that need direct
// access (reap, clear, promote).
func (o *Orchestrator) Store() *memory.Store { return o.store }

// bulletCount counts rendered context lines for metrics.
func bulletCount(block string) int {
	if block == "" {
		return 0
	}
	return strings.Count(block, "\n- ")
}
