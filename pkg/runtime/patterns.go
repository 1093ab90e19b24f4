package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memorihq/memori/pkg/providers"
)

// PatternState is the lifecycle state of one (provider, pattern) pair.
type PatternState string

const (
	// StateAvailable: registered and candidate for activation.
	StateAvailable PatternState = "available"
	// StateActive: the integration is live.
	StateActive PatternState = "active"
	// StateFailed: teardown failed; requires an explicit Reset.
	StateFailed PatternState = "failed"
)

type patternKey struct {
	provider string
	pattern  providers.Pattern
}

type patternEntry struct {
	provider providers.Provider
	state    PatternState

	calls    atomic.Int64
	errors   atomic.Int64
	lastUsed atomic.Int64 // unix nanoseconds, 0 = never used
}

// PatternStatus is a point-in-time snapshot of one integration.
type PatternStatus struct {
	Provider string            `json:"provider"`
	Pattern  providers.Pattern `json:"pattern"`
	State    PatternState      `json:"state"`
	Calls    int64             `json:"calls"`
	Errors   int64             `json:"errors"`
	LastUsed time.Time         `json:"last_used,omitzero"`
}

// PatternManager owns the integration status table. State transitions
// take the manager lock; the per-call counters are atomic so the hot
// path never contends with Enable/Disable. No lock is held across an
// outbound LLM call.
type PatternManager struct {
	ic providers.Interceptor

	mu      sync.Mutex
	entries map[patternKey]*patternEntry
}

// NewPatternManager builds a manager whose activations route through
// the given interceptor (normally the Orchestrator).
func NewPatternManager(ic providers.Interceptor) *PatternManager {
	return &PatternManager{
		ic:      ic,
		entries: make(map[patternKey]*patternEntry),
	}
}

// Register adds every pattern the provider supports in the available
// state. Re-registering is a no-op that preserves counters.
func (m *PatternManager) Register(p providers.Provider) error {
	if p == nil {
		return fmt.Errorf("provider is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pattern := range p.Patterns() {
		key := patternKey{provider: p.Name(), pattern: pattern}
		if _, ok := m.entries[key]; ok {
			continue
		}
		m.entries[key] = &patternEntry{provider: p, state: StateAvailable}
	}
	return nil
}

// RegisterAll registers every provider in the registry.
func (m *PatternManager) RegisterAll(reg *providers.Registry) error {
	for _, p := range reg.List() {
		if err := m.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Enable activates one integration. Auto patterns arm the provider's
// interception shim; wrapper and manual patterns only flip state, since
// their activity starts when the host constructs a wrapped client or
// calls Record. Enabling an active pattern is a no-op.
func (m *PatternManager) Enable(provider string, pattern providers.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.entry(provider, pattern)
	if err != nil {
		return err
	}
	switch entry.state {
	case StateActive:
		return nil
	case StateFailed:
		return fmt.Errorf("pattern %q for provider %q has failed and requires a reset", pattern, provider)
	}

	if pattern == providers.PatternAuto {
		if err := entry.provider.SetupAutoIntegration(&countingInterceptor{entry: entry, next: m.ic}); err != nil {
			return fmt.Errorf("failed to enable %s auto-integration: %w", provider, err)
		}
	}
	entry.state = StateActive
	return nil
}

// Disable deactivates one integration, tearing down the interception
// shim for auto patterns. A teardown failure moves the pair to the
// failed state. Disabling an available pattern is a no-op.
func (m *PatternManager) Disable(provider string, pattern providers.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disableLocked(provider, pattern)
}

func (m *PatternManager) disableLocked(provider string, pattern providers.Pattern) error {
	entry, err := m.entry(provider, pattern)
	if err != nil {
		return err
	}
	switch entry.state {
	case StateAvailable:
		return nil
	case StateFailed:
		return fmt.Errorf("pattern %q for provider %q has failed and requires a reset", pattern, provider)
	}

	if pattern == providers.PatternAuto {
		if err := entry.provider.TeardownAutoIntegration(); err != nil {
			entry.state = StateFailed
			return fmt.Errorf("failed to tear down %s auto-integration: %w", provider, err)
		}
	}
	entry.state = StateAvailable
	return nil
}

// EnableAll activates every available integration and joins the
// failures.
func (m *PatternManager) EnableAll() error {
	var errs []error
	for _, status := range m.Status() {
		if status.State != StateAvailable {
			continue
		}
		if err := m.Enable(status.Provider, status.Pattern); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DisableAll drives every active integration back to available.
func (m *PatternManager) DisableAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for key, entry := range m.entries {
		if entry.state != StateActive {
			continue
		}
		if err := m.disableLocked(key.provider, key.pattern); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset clears a failed pair back to available. Resetting an active
// pair is rejected; disable it first.
func (m *PatternManager) Reset(provider string, pattern providers.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.entry(provider, pattern)
	if err != nil {
		return err
	}
	if entry.state == StateActive {
		return fmt.Errorf("pattern %q for provider %q is active; disable it before resetting", pattern, provider)
	}
	entry.state = StateAvailable
	return nil
}

// InterceptorFor returns the counting interceptor for an active pair,
// for hosts that construct wrapped clients.
func (m *PatternManager) InterceptorFor(provider string, pattern providers.Pattern) (providers.Interceptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.entry(provider, pattern)
	if err != nil {
		return nil, err
	}
	if entry.state != StateActive {
		return nil, fmt.Errorf("pattern %q for provider %q is not active", pattern, provider)
	}
	return &countingInterceptor{entry: entry, next: m.ic}, nil
}

// Active reports whether one pair is currently live.
func (m *PatternManager) Active(provider string, pattern providers.Pattern) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entry(provider, pattern)
	return err == nil && entry.state == StateActive
}

// Status snapshots the whole table, sorted by provider then pattern.
func (m *PatternManager) Status() []PatternStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PatternStatus, 0, len(m.entries))
	for key, entry := range m.entries {
		status := PatternStatus{
			Provider: key.provider,
			Pattern:  key.pattern,
			State:    entry.state,
			Calls:    entry.calls.Load(),
			Errors:   entry.errors.Load(),
		}
		if nanos := entry.lastUsed.Load(); nanos > 0 {
			status.LastUsed = time.Unix(0, nanos)
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

func (m *PatternManager) entry(provider string, pattern providers.Pattern) (*patternEntry, error) {
	entry, ok := m.entries[patternKey{provider: provider, pattern: pattern}]
	if !ok {
		return nil, fmt.Errorf("pattern %q is not registered for provider %q", pattern, provider)
	}
	return entry, nil
}

// countingInterceptor wraps the orchestrator with per-pair accounting.
// One conversational turn counts as one call.
type countingInterceptor struct {
	entry *patternEntry
	next  providers.Interceptor
}

func (c *countingInterceptor) HandleRequest(ctx context.Context, req *providers.ProviderRequest) (string, error) {
	c.entry.calls.Add(1)
	c.entry.lastUsed.Store(time.Now().UnixNano())

	block, err := c.next.HandleRequest(ctx, req)
	if err != nil {
		c.entry.errors.Add(1)
	}
	return block, err
}

func (c *countingInterceptor) HandleResponse(ctx context.Context, req *providers.ProviderRequest, resp *providers.ProviderResponse) error {
	err := c.next.HandleResponse(ctx, req, resp)
	if err != nil {
		c.entry.errors.Add(1)
	}
	return err
}
