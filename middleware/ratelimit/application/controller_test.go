package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"admission-gateway/middleware/ratelimit/domain"
)

func policiesWith(overrides ...domain.Policy) domain.PolicyTable {
	table := domain.DefaultPolicies()
	for _, p := range overrides {
		table[p.Class] = p
	}
	return table
}

func newTestController(t *testing.T, store domain.CounterStore, clk domain.Clock, table domain.PolicyTable, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithClock(clk)}, opts...)
	c, err := NewController(store, table, opts...)
	require.NoError(t, err)
	return c
}

func apiRequest(client string) domain.Request {
	return domain.Request{Method: "GET", Path: "/api/users", ClientID: domain.Key(client)}
}

func TestController_ScenarioA_FiveAllowedThenBlocked(t *testing.T) {
	clk := newFakeClock()
	store := newMapStore()
	c := newTestController(t, store, clk, policiesWith(domain.Policy{
		Class: domain.ClassAPI, Limit: 5, Window: 60 * time.Second, BlockDuration: 30 * time.Minute, Weight: 1,
	}))

	for i, want := range []int{4, 3, 2, 1, 0} {
		dec := c.Decide(context.Background(), apiRequest("10.0.0.1"))
		require.Equal(t, domain.OutcomeAllowed, dec.Outcome, "request %d", i+1)
		assert.Equal(t, want, dec.Remaining, "request %d", i+1)
		clk.advance(100 * time.Millisecond)
	}

	dec := c.Decide(context.Background(), apiRequest("10.0.0.1"))
	assert.Equal(t, domain.OutcomeRejected, dec.Outcome)
	assert.Equal(t, 1800*time.Second, dec.RetryAfter)
	assert.Equal(t, clk.Now().Add(30*time.Minute), dec.ResetAt)
}

func TestController_ScenarioB_BlockExpiresLazily(t *testing.T) {
	clk := newFakeClock()
	store := newMapStore()
	c := newTestController(t, store, clk, policiesWith(domain.Policy{
		Class: domain.ClassAPI, Limit: 5, Window: 60 * time.Second, BlockDuration: 30 * time.Minute, Weight: 1,
	}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, c.Decide(ctx, apiRequest("c1")).Allowed())
	}
	require.Equal(t, domain.OutcomeRejected, c.Decide(ctx, apiRequest("c1")).Outcome)

	clk.advance(29 * time.Minute)
	dec := c.Decide(ctx, apiRequest("c1"))
	assert.Equal(t, domain.OutcomeRejected, dec.Outcome)
	assert.Equal(t, time.Minute, dec.RetryAfter)

	clk.advance(2 * time.Minute)
	dec = c.Decide(ctx, apiRequest("c1"))
	require.Equal(t, domain.OutcomeAllowed, dec.Outcome)
	assert.Equal(t, 4, dec.Remaining, "bucket refilled to capacity before consuming")
	assert.Equal(t, 1, store.cleared, "expired block cleared")

	st, ok := store.window("c1:api")
	require.True(t, ok)
	assert.Equal(t, 1, st.RequestCount)
}

func TestController_ScenarioC_WeightGateIsConjunctive(t *testing.T) {
	clk := newFakeClock()
	store := newMapStore()
	c := newTestController(t, store, clk, policiesWith(domain.Policy{
		Class: domain.ClassAPI, Limit: 5, Window: 60 * time.Second, BlockDuration: 30 * time.Minute, Weight: 2,
	}))
	ctx := context.Background()

	dec := c.Decide(ctx, apiRequest("c1"))
	require.True(t, dec.Allowed())
	assert.Equal(t, 3, dec.Remaining)

	dec = c.Decide(ctx, apiRequest("c1"))
	require.True(t, dec.Allowed())
	assert.Equal(t, 1, dec.Remaining)

	dec = c.Decide(ctx, apiRequest("c1"))
	assert.Equal(t, domain.OutcomeRejected, dec.Outcome)

	st, ok := store.window("c1:api")
	require.True(t, ok)
	assert.Equal(t, 2, st.RequestCount, "count stays below limit, tokens gate rejected")
}

func TestController_ScenarioD_RouteClassesDoNotShareCounters(t *testing.T) {
	clk := newFakeClock()
	store := newMapStore()
	c := newTestController(t, store, clk, domain.DefaultPolicies())
	ctx := context.Background()

	auth := c.Decide(ctx, domain.Request{Method: "POST", Path: "/auth/login", ClientID: "c1"})
	api := c.Decide(ctx, domain.Request{Method: "GET", Path: "/api/users", ClientID: "c1"})

	require.True(t, auth.Allowed())
	require.True(t, api.Allowed())
	assert.Equal(t, domain.ClassAuth, auth.Class)
	assert.Equal(t, domain.ClassAPI, api.Class)
	assert.Equal(t, 3, auth.Remaining)
	assert.Equal(t, 99, api.Remaining)

	authState, ok := store.window("c1:auth")
	require.True(t, ok)
	apiState, ok := store.window("c1:api")
	require.True(t, ok)
	assert.Equal(t, 1, authState.RequestCount)
	assert.Equal(t, 1, apiState.RequestCount)
}

func TestController_BlockTakesPrecedenceOverFullBucket(t *testing.T) {
	clk := newFakeClock()
	store := newMapStore()
	c := newTestController(t, store, clk, domain.DefaultPolicies())
	ctx := context.Background()

	require.NoError(t, store.SaveBlock(ctx, "c1", domain.BlockState{
		Blocked:      true,
		BlockedUntil: clk.Now().Add(5 * time.Minute),
	}, 5*time.Minute))

	dec := c.Decide(ctx, apiRequest("c1"))
	assert.Equal(t, domain.OutcomeRejected, dec.Outcome)
	assert.Equal(t, 5*time.Minute, dec.RetryAfter)

	_, touched := store.window("c1:api")
	assert.False(t, touched, "blocked client must not be charged")
}

func TestController_ExpiredBlockClearDoesNotEraseFreshBlock(t *testing.T) {
	clk := newFakeClock()
	store := &hookStore{mapStore: newMapStore()}
	c := newTestController(t, store, clk, domain.DefaultPolicies())
	ctx := context.Background()

	stale := clk.Now().Add(time.Minute)
	require.NoError(t, store.SaveBlock(ctx, "c1", domain.BlockState{Blocked: true, BlockedUntil: stale}, time.Minute))
	clk.advance(2 * time.Minute)

	// entre o LoadBlock e o ClearBlock outra requisição do mesmo cliente
	// estoura a política de auth e grava um bloqueio novo
	var interleaved domain.Decision
	store.beforeClear = func() {
		store.mu.Lock()
		store.windows["c1:auth"] = domain.WindowState{
			Tokens: 0, LastRefillAt: clk.Now(), RequestCount: 1, WindowStartAt: clk.Now(),
		}
		store.mu.Unlock()
		interleaved = c.Decide(ctx, domain.Request{Method: "POST", Path: "/auth/login", ClientID: "c1"})
	}

	c.Decide(ctx, apiRequest("c1"))
	require.Equal(t, domain.OutcomeRejected, interleaved.Outcome)

	b, found, err := store.LoadBlock(ctx, "c1")
	require.NoError(t, err)
	require.True(t, found, "fresh block must survive the stale clear")
	assert.True(t, b.BlockedUntil.Equal(clk.Now().Add(30*time.Minute)))

	dec := c.Decide(ctx, apiRequest("c1"))
	assert.Equal(t, domain.OutcomeRejected, dec.Outcome)
	assert.Equal(t, 30*time.Minute, dec.RetryAfter)
}

func TestController_EveryStoreFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := newTestController(t, brokenStore{}, newFakeClock(), domain.DefaultPolicies(),
		WithLogger(zap.New(core)))

	for i := 0; i < 3; i++ {
		require.True(t, c.Decide(context.Background(), apiRequest("c1")).FailOpen)
	}

	assert.Equal(t, 3, logs.FilterLevelExact(zapcore.DebugLevel).FilterMessage("counter store failure").Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len(), "error line is throttled")
}

func TestController_ConcurrentDecisionsAdmitExactlyOne(t *testing.T) {
	clk := newFakeClock()
	store := newMapStore()
	c := newTestController(t, store, clk, policiesWith(domain.Policy{
		Class: domain.ClassAPI, Limit: 1, Window: time.Minute, BlockDuration: time.Minute, Weight: 1,
	}))

	const n = 64
	var (
		allowed atomic.Int32
		wg      sync.WaitGroup
		start   = make(chan struct{})
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-start
			if c.Decide(context.Background(), apiRequest("same")).Allowed() {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
}

func TestController_EmptyClientSharesUnknownBucket(t *testing.T) {
	clk := newFakeClock()
	store := newMapStore()
	c := newTestController(t, store, clk, policiesWith(domain.Policy{
		Class: domain.ClassAPI, Limit: 2, Window: time.Minute, BlockDuration: time.Minute, Weight: 1,
	}))
	ctx := context.Background()

	require.True(t, c.Decide(ctx, apiRequest("")).Allowed())
	require.True(t, c.Decide(ctx, apiRequest("  ")).Allowed())
	assert.False(t, c.Decide(ctx, apiRequest("")).Allowed(), "unknown clients are limited together")

	st, ok := store.window("unknown:api")
	require.True(t, ok)
	assert.Equal(t, 2, st.RequestCount)
}

func TestController_CorruptStateIsTreatedAsFresh(t *testing.T) {
	clk := newFakeClock()
	store := newMapStore()
	c := newTestController(t, store, clk, policiesWith(domain.Policy{
		Class: domain.ClassAPI, Limit: 5, Window: time.Minute, BlockDuration: time.Minute, Weight: 1,
	}))

	store.windows["c1:api"] = domain.WindowState{Tokens: -3, RequestCount: 99}

	dec := c.Decide(context.Background(), apiRequest("c1"))
	require.True(t, dec.Allowed())
	assert.Equal(t, 4, dec.Remaining)
}

func TestController_StoreFailureFailsOpenByDefault(t *testing.T) {
	c := newTestController(t, brokenStore{}, newFakeClock(), domain.DefaultPolicies())

	dec := c.Decide(context.Background(), apiRequest("c1"))
	assert.True(t, dec.Allowed())
	assert.True(t, dec.FailOpen)
}

func TestController_StoreFailureCanFailClosed(t *testing.T) {
	c := newTestController(t, brokenStore{}, newFakeClock(), domain.DefaultPolicies(),
		WithStoreFailurePolicy(FailClosed))

	dec := c.Decide(context.Background(), apiRequest("c1"))
	assert.Equal(t, domain.OutcomeRejected, dec.Outcome)
	assert.False(t, dec.FailOpen)
	assert.Equal(t, time.Second, dec.RetryAfter)
}

func TestController_CancelledRequestStillCommits(t *testing.T) {
	clk := newFakeClock()
	store := &ctxAwareStore{mapStore: newMapStore()}
	c := newTestController(t, store, clk, domain.DefaultPolicies())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dec := c.Decide(ctx, apiRequest("c1"))
	require.True(t, dec.Allowed())
	assert.False(t, dec.FailOpen)

	st, ok := store.window("c1:api")
	require.True(t, ok)
	assert.Equal(t, 1, st.RequestCount)
}

func TestController_SlowDownDelaysAfterThreshold(t *testing.T) {
	clk := newFakeClock()
	c := newTestController(t, newMapStore(), clk, policiesWith(domain.Policy{
		Class: domain.ClassAPI, Limit: 10, Window: time.Minute, BlockDuration: time.Minute, Weight: 1,
		DelayAfter: 1, DelayStep: 500 * time.Millisecond,
	}))
	ctx := context.Background()

	first := c.Decide(ctx, apiRequest("c1"))
	assert.Equal(t, domain.OutcomeAllowed, first.Outcome)
	assert.Zero(t, first.Delay)

	second := c.Decide(ctx, apiRequest("c1"))
	assert.Equal(t, domain.OutcomeDelayed, second.Outcome)
	assert.Equal(t, 500*time.Millisecond, second.Delay)
	assert.True(t, second.Allowed())

	third := c.Decide(ctx, apiRequest("c1"))
	assert.Equal(t, time.Second, third.Delay)
}

func TestNewController_WeightAboveLimitIsFatal(t *testing.T) {
	table := policiesWith(domain.Policy{
		Class: domain.ClassAPI, Limit: 1, Window: time.Minute, BlockDuration: time.Minute, Weight: 2,
	})

	_, err := NewController(newMapStore(), table)
	assert.ErrorIs(t, err, domain.ErrInvalidPolicy)
}

func TestNewController_MissingPolicyIsFatal(t *testing.T) {
	table := domain.DefaultPolicies()
	delete(table, domain.ClassAuth)

	_, err := NewController(newMapStore(), table)
	assert.ErrorIs(t, err, domain.ErrMissingPolicy)
}

func TestNewController_RequiresStore(t *testing.T) {
	_, err := NewController(nil, domain.DefaultPolicies())
	assert.Error(t, err)
}

func TestParseStoreFailurePolicy(t *testing.T) {
	p, err := ParseStoreFailurePolicy("closed")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, p)

	p, err = ParseStoreFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, p)

	_, err = ParseStoreFailurePolicy("maybe")
	assert.Error(t, err)
}

// ctxAwareStore falha como um store remoto falharia com ctx cancelado.
type ctxAwareStore struct {
	*mapStore
}

func (s *ctxAwareStore) LoadBlock(ctx context.Context, client domain.Key) (domain.BlockState, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.BlockState{}, false, err
	}
	return s.mapStore.LoadBlock(ctx, client)
}

func (s *ctxAwareStore) UpdateWindow(ctx context.Context, key string, ttl time.Duration, fn domain.WindowUpdateFunc) (domain.WindowState, error) {
	if err := ctx.Err(); err != nil {
		return domain.WindowState{}, err
	}
	return s.mapStore.UpdateWindow(ctx, key, ttl, fn)
}

// hookStore roda beforeClear uma vez antes de delegar o ClearBlock.
type hookStore struct {
	*mapStore
	beforeClear func()
}

func (s *hookStore) ClearBlock(ctx context.Context, client domain.Key, until time.Time) error {
	if hook := s.beforeClear; hook != nil {
		s.beforeClear = nil
		hook()
	}
	return s.mapStore.ClearBlock(ctx, client, until)
}
