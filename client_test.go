package openiap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/nativetest"
)

const testURL = "grpc://localhost:50051"

type testEnv struct {
	lib *nativetest.Library
	b   *Binding
	reg *prometheus.Registry
}

// newTestEnv wraps a fresh fake library. Cleanup closes the binding and
// checks that every record was released exactly once.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	lib := nativetest.New()
	reg := prometheus.NewRegistry()
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRegisterer(reg),
		WithTimeout(2 * time.Second),
		WithRPCTimeout(2 * time.Second),
		WithSchemaDir(""),
	}
	b, err := New(lib, DefaultConfig(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
		assert.Equal(t, 0, lib.LiveClients())
		assert.Empty(t, lib.Heap().LiveSymbols())
		assert.Empty(t, lib.Heap().Violations())
	})
	return &testEnv{lib: lib, b: b, reg: reg}
}

func (e *testEnv) client(t *testing.T) *Client {
	t.Helper()
	c, err := e.b.NewClient(context.Background())
	require.NoError(t, err)
	return c
}

func (e *testEnv) connected(t *testing.T) *Client {
	t.Helper()
	c := e.client(t)
	require.NoError(t, c.Connect(context.Background(), testURL))
	return c
}

// metric reads one counter or gauge sample from the registry.
func (e *testEnv) metric(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := e.reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

// TEST640: Test a new client is configured, not connected, and released by Close
func TestClientLifecycle(t *testing.T) {
	env := newTestEnv(t, WithAgent("robot", "1.2.3"))
	ctx := context.Background()

	c := env.client(t)
	assert.Equal(t, 1, env.lib.LiveClients())
	assert.Equal(t, "Disconnected", c.State())

	d, err := c.DefaultTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	_, err = c.Query(ctx, QueryOptions{Collection: "entities"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect(ctx, testURL))
	assert.Equal(t, "Connected", c.State())

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, "Disconnected", c.State())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, "Closed", c.State())
	assert.Equal(t, 0, env.lib.LiveClients())

	_, err = c.Query(ctx, QueryOptions{Collection: "entities"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Connect(ctx, testURL), ErrClosed)
}

// TEST641: Test a failed connect reports the native error and releases its response
func TestConnectFailure(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t)
	defer c.Close()

	err := c.Connect(context.Background(), "grpc://unreachable:50051")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApplication)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, env.lib.Heap().Frees(), native.SymFreeConnectResponse)

	_, err = c.Query(context.Background(), QueryOptions{Collection: "entities"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

// TEST642: Test a NULL response is reported without being released
func TestNullResponse(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	env.lib.ReturnNull(native.SymQuery)

	_, err := c.Query(context.Background(), QueryOptions{Collection: "entities"})
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.True(t, IsKind(err, KindNoResponse))
	assert.NotContains(t, env.lib.Heap().Frees(), native.SymFreeQueryResponse)
}

// TEST643: Test an application error still releases the response exactly once
func TestApplicationErrorReleases(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()

	_, err := c.Signin(context.Background(), SigninOptions{Username: "guest", Password: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApplication)
	assert.Contains(t, err.Error(), "Unknown username or password")

	n := 0
	for _, sym := range env.lib.Heap().Frees() {
		if sym == native.SymFreeSigninResponse {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

// TEST644: Test signin sets the user and a jwt signs in again
func TestSigninAndUser(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	ctx := context.Background()

	u, err := c.User(ctx)
	require.NoError(t, err)
	assert.Nil(t, u)

	jwt, err := c.Signin(ctx, SigninOptions{Username: "guest", Password: "password"})
	require.NoError(t, err)
	assert.NotEmpty(t, jwt)

	u, err = c.User(ctx)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "guest", u.Username)
	assert.Equal(t, []string{"users", "guests"}, u.Roles)

	_, err = c.Signin(ctx, SigninOptions{Jwt: jwt})
	assert.NoError(t, err)
	assert.Contains(t, env.lib.Heap().Frees(), native.SymFreeUser)
}

// TEST645: Test a context cancelled before the call is a precondition error
func TestCancelledContext(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Query(ctx, QueryOptions{Collection: "entities"})
	assert.True(t, IsKind(err, KindPrecondition))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, env.lib.Requests(native.SymQuery))
}

// TEST646: Test trampolines are bounded and recycled after Close
func TestTrampolinePoolExhaustion(t *testing.T) {
	env := newTestEnv(t, WithMaxTrampolines(trampolinesPerClient))
	ctx := context.Background()

	first := env.client(t)
	_, err := env.b.NewClient(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, native.ErrPoolExhausted))
	assert.Equal(t, 1, env.lib.LiveClients())

	_, err = first.OnClientEvent(ctx, func(ClientEvent) {})
	assert.True(t, errors.Is(err, native.ErrPoolExhausted))

	require.NoError(t, first.Close())
	second := env.client(t)
	created, inUse := env.b.pool.Stats()
	assert.Equal(t, trampolinesPerClient, created)
	assert.Equal(t, trampolinesPerClient, inUse)
	require.NoError(t, second.Close())
}

// TEST647: Test Binding.Close closes every client and refuses new ones
func TestBindingClose(t *testing.T) {
	env := newTestEnv(t)
	a := env.connected(t)
	b := env.client(t)
	_, err := a.RegisterQueue(context.Background(), "work", func(QueueEvent) string { return "" })
	require.NoError(t, err)

	require.NoError(t, env.b.Close())
	assert.Equal(t, 0, env.lib.LiveClients())
	assert.Equal(t, 0, env.lib.Subscriptions())
	assert.Equal(t, "Closed", a.State())
	assert.Equal(t, "Closed", b.State())

	_, err = env.b.NewClient(context.Background())
	assert.True(t, IsKind(err, KindPrecondition))
}

// TEST651: Test Binding.Close racing NewClient never sees a half built client
func TestBindingCloseDuringNewClient(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c, err := env.b.NewClient(context.Background())
				if err != nil {
					assert.True(t, IsKind(err, KindPrecondition))
					return
				}
				c.Close()
			}
		}()
	}
	require.NoError(t, env.b.Close())
	wg.Wait()
	assert.Equal(t, 0, env.lib.LiveClients())
}

// TEST648: Test observable gauges and tracing reach the native library
func TestGaugesAndTracing(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.b.SetF64Gauge("load", 0.75, "cpu load"))
	require.NoError(t, env.b.SetU64Gauge("jobs", 12, "jobs done"))
	require.NoError(t, env.b.SetI64Gauge("delta", -3, "queue delta"))

	v, ok := env.lib.Gauge("load")
	require.True(t, ok)
	assert.Equal(t, 0.75, v)
	v, _ = env.lib.Gauge("jobs")
	assert.Equal(t, 12.0, v)
	v, _ = env.lib.Gauge("delta")
	assert.Equal(t, -3.0, v)

	require.NoError(t, env.b.DisableGauge("load"))
	_, ok = env.lib.Gauge("load")
	assert.False(t, ok)

	require.NoError(t, env.b.EnableTracing("openiap=debug", "new"))
	assert.Equal(t, "openiap=debug|new", env.lib.Tracing())
	env.b.DisableTracing()
	assert.Empty(t, env.lib.Tracing())
}

// TEST652: Test slog records reach the native log function of their level
func TestLogHandler(t *testing.T) {
	env := newTestEnv(t)
	log := slog.New(env.b.LogHandler(slog.LevelDebug - 4))

	log.Info("connected", "url", testURL)
	log.With("client", 7).WithGroup("req").Warn("slow call", "op", "query", "took", "2 s")
	log.Error("failed", slog.Group("err", "kind", "timeout"))
	log.Debug("detail")
	log.Log(context.Background(), slog.LevelDebug-4, "wire")

	assert.Equal(t, []string{
		"info: connected url=" + testURL,
		`warn: slow call client=7 req.op=query req.took="2 s"`,
		"error: failed err.kind=timeout",
		"debug: detail",
		"trace: wire",
	}, env.lib.Logs())

	quiet := slog.New(env.b.LogHandler(nil))
	quiet.Debug("dropped")
	assert.Len(t, env.lib.Logs(), 5)
}

// TEST649: Test calls are counted by op and status
func TestCallMetrics(t *testing.T) {
	env := newTestEnv(t)
	c := env.connected(t)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Query(ctx, QueryOptions{Collection: "entities"})
	require.NoError(t, err)
	_, err = c.Signin(ctx, SigninOptions{Username: "nobody"})
	require.Error(t, err)

	assert.Equal(t, 1.0, env.metric(t, "openiap_native_calls_total", map[string]string{"op": "query", "status": statusSuccess}))
	assert.Equal(t, 1.0, env.metric(t, "openiap_native_calls_total", map[string]string{"op": "signin", "status": statusError}))
	assert.Equal(t, 0.0, env.metric(t, "openiap_native_calls_in_flight", nil))
}

// TEST650: Test seconds rounds up and maps non-positive durations to the default
func TestSeconds(t *testing.T) {
	assert.Equal(t, int32(-1), seconds(0))
	assert.Equal(t, int32(-1), seconds(-time.Second))
	assert.Equal(t, int32(1), seconds(time.Millisecond))
	assert.Equal(t, int32(2), seconds(2*time.Second))
	assert.Equal(t, int32(3), seconds(2*time.Second+time.Nanosecond))

	assert.Equal(t, int32(math.MaxInt32), seconds(math.MaxInt32*time.Second))
	assert.Equal(t, int32(math.MaxInt32), seconds(time.Duration(math.MaxInt64)))
	assert.Equal(t, int32(math.MaxInt32), seconds(addGrace(time.Duration(math.MaxInt64), rpcGrace)))
	assert.Equal(t, 3*time.Second, addGrace(2*time.Second, rpcGrace))
}
