package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nebucaz/spendcast-agent/provider"
)

// ManagerOptions configure the concurrency and timeout policy applied to
// every on-demand process interaction.
type ManagerOptions struct {
	// DefaultTimeout bounds calls whose caller passes no explicit timeout.
	// Zero means DefaultTimeout (30s).
	DefaultTimeout time.Duration
	// MaxConcurrent caps simultaneously live provider processes. When the
	// cap is reached additional calls queue; zero means unbounded.
	MaxConcurrent int
	GracePeriod   time.Duration
	Stderr        StderrSink
	Logger        *log.Logger
}

// Manager multiplexes on-demand process clients. Every ListTools or CallTool
// spawns a fresh single-use process; no state is shared between calls, so
// concurrent operations never interfere with one another.
type Manager struct {
	registry *provider.Registry
	opts     ManagerOptions
	sem      chan struct{}
}

// NewManager builds a manager over a read-only provider registry.
func NewManager(registry *provider.Registry, opts ManagerOptions) *Manager {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	m := &Manager{registry: registry, opts: opts}
	if opts.MaxConcurrent > 0 {
		m.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	return m
}

// Providers returns the configured provider names in declaration order.
func (m *Manager) Providers() []string { return m.registry.Names() }

// ListTools performs a fresh handshake against the named provider and
// returns its declared tools. Nothing is cached: every discovery round sees
// the provider's current capabilities.
func (m *Manager) ListTools(ctx context.Context, providerID string) ([]ToolManifestEntry, error) {
	cfg, ok := m.registry.Lookup(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	ctx, cancel := context.WithTimeout(ctx, m.opts.DefaultTimeout)
	defer cancel()
	client := NewClient(cfg, m.clientOptions(m.opts.DefaultTimeout))
	return client.Handshake(ctx)
}

// CallTool runs one tool invocation against the named provider with the
// supplied timeout (zero means the configured default). Lifecycle failures
// are folded into the returned result; the error return is reserved for
// configuration problems, which never spawn a process.
func (m *Manager) CallTool(ctx context.Context, providerID string, req ToolCallRequest, timeout time.Duration) (ToolCallResult, error) {
	cfg, ok := m.registry.Lookup(providerID)
	if !ok {
		return ToolCallResult{}, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	if err := m.acquire(ctx); err != nil {
		return ToolCallResult{}, err
	}
	defer m.release()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := NewClient(cfg, m.clientOptions(timeout))
	result, err := client.Invoke(ctx, req)
	if err != nil {
		return m.resultFromError(providerID, req, result, err), nil
	}
	return result, nil
}

func (m *Manager) clientOptions(timeout time.Duration) ClientOptions {
	return ClientOptions{
		Timeout:     timeout,
		GracePeriod: m.opts.GracePeriod,
		Stderr:      m.opts.Stderr,
		Logger:      m.opts.Logger,
	}
}

// resultFromError folds a process-lifecycle failure into a typed result so
// nothing short of a configuration error crosses the manager boundary as a
// Go error.
func (m *Manager) resultFromError(providerID string, req ToolCallRequest, partial ToolCallResult, err error) ToolCallResult {
	result := partial
	result.ErrorDetail = err.Error()
	if result.Stderr == "" {
		result.Stderr = stderrOf(err)
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		result.Status = StatusTimeout
	} else {
		result.Status = StatusError
	}
	if m.opts.Logger != nil {
		m.opts.Logger.Printf("[manager] call %s tool=%s provider=%s failed: %v", req.ID, req.Tool, providerID, err)
	}
	return result
}

// acquire claims a slot when a concurrency cap is configured. Callers queue
// rather than fail when the cap is reached.
func (m *Manager) acquire(ctx context.Context) error {
	if m.sem == nil {
		return nil
	}
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	if m.sem != nil {
		<-m.sem
	}
}
