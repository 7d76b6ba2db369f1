package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebucaz/spendcast-agent/provider"
)

func fakeRegistry(t *testing.T, modes ...string) *provider.Registry {
	t.Helper()
	cfgs := make([]provider.Config, 0, len(modes))
	for _, mode := range modes {
		cfgs = append(cfgs, fakeProvider(mode))
	}
	reg, err := provider.NewRegistry(cfgs)
	require.NoError(t, err)
	return reg
}

func TestManagerListTools(t *testing.T) {
	mgr := NewManager(fakeRegistry(t, "ok"), ManagerOptions{DefaultTimeout: 5 * time.Second})
	entries, err := mgr.ListTools(context.Background(), "fake-ok")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "lookup_balance", entries[0].Name)
}

func TestManagerUnknownProvider(t *testing.T) {
	mgr := NewManager(fakeRegistry(t, "ok"), ManagerOptions{DefaultTimeout: 5 * time.Second})

	_, err := mgr.ListTools(context.Background(), "no-such-provider")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	start := time.Now()
	_, err = mgr.CallTool(context.Background(), "no-such-provider", ToolCallRequest{Tool: "x"}, 0)
	assert.ErrorIs(t, err, ErrProviderNotFound)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "unknown provider must fail without spawning")
}

func TestManagerCallToolSuccess(t *testing.T) {
	mgr := NewManager(fakeRegistry(t, "ok"), ManagerOptions{DefaultTimeout: 5 * time.Second})
	result, err := mgr.CallTool(context.Background(), "fake-ok", ToolCallRequest{
		ID:        "call-1",
		Tool:      "lookup_balance",
		Arguments: map[string]any{"account": "acct-9"},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "balance for acct-9 is 42.50", result.Payload)
}

func TestManagerCallToolFoldsCrash(t *testing.T) {
	mgr := NewManager(fakeRegistry(t, "crash"), ManagerOptions{DefaultTimeout: 5 * time.Second})
	result, err := mgr.CallTool(context.Background(), "fake-crash", ToolCallRequest{ID: "call-2", Tool: "lookup_balance"}, 0)
	require.NoError(t, err, "lifecycle failures fold into the result")
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Stderr, "database unreachable")
}

func TestManagerCallToolTimeout(t *testing.T) {
	mgr := NewManager(fakeRegistry(t, "hang"), ManagerOptions{DefaultTimeout: 5 * time.Second})
	start := time.Now()
	result, err := mgr.CallTool(context.Background(), "fake-hang", ToolCallRequest{ID: "call-3", Tool: "lookup_balance"}, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.NotEmpty(t, result.ErrorDetail)
	assert.Less(t, time.Since(start), 4*time.Second, "timeout must bound the call, not the provider")
}

func TestManagerConcurrentCallsOverlap(t *testing.T) {
	mgr := NewManager(fakeRegistry(t, "nap"), ManagerOptions{DefaultTimeout: 10 * time.Second})

	const calls = 3
	start := time.Now()
	var wg sync.WaitGroup
	results := make([]ToolCallResult, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := mgr.CallTool(context.Background(), "fake-nap", ToolCallRequest{Tool: "lookup_balance"}, 0)
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for _, result := range results {
		assert.Equal(t, StatusSuccess, result.Status)
	}
	// Each provider naps 500ms before answering. Overlapping calls should
	// finish in roughly one nap, not three.
	assert.Less(t, elapsed, 1400*time.Millisecond)
}

func TestManagerConcurrencyCapQueues(t *testing.T) {
	mgr := NewManager(fakeRegistry(t, "nap"), ManagerOptions{
		DefaultTimeout: 10 * time.Second,
		MaxConcurrent:  1,
	})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := mgr.CallTool(context.Background(), "fake-nap", ToolCallRequest{Tool: "lookup_balance"}, 0)
			assert.NoError(t, err)
			assert.Equal(t, StatusSuccess, result.Status, "queued calls must still succeed")
		}()
	}
	wg.Wait()

	// With one slot the second call waits for the first, so the pair takes
	// at least two naps end to end.
	assert.GreaterOrEqual(t, time.Since(start), 1000*time.Millisecond)
}

func TestManagerProviders(t *testing.T) {
	mgr := NewManager(fakeRegistry(t, "ok", "crash"), ManagerOptions{})
	assert.Equal(t, []string{"fake-ok", "fake-crash"}, mgr.Providers())
}
