package openiap

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

// trampolinesPerClient: watch response, watch event, queue event, exchange
// event and rpc response. Client event subscriptions take one more each.
const trampolinesPerClient = 5

// Client owns one native client handle. All methods are safe for
// concurrent use. Close releases the handle; there is no finalizer.
type Client struct {
	b      *Binding
	lib    native.Library
	handle uintptr
	log    *slog.Logger

	mu        sync.RWMutex
	closed    bool
	connected bool
	timeout   time.Duration
	inflight  sync.WaitGroup
	closeOnce sync.Once

	dispatch *dispatcher
	tramps   []*native.Trampoline

	watchResp     uintptr
	watchEvent    uintptr
	queueEvent    uintptr
	exchangeEvent uintptr
	rpcResp       uintptr

	watchStart *bridge[string]
	rpcs       *bridge[string]
	watches    *registry[int32, *watchSub]
	watchIDs   *registry[string, int32]
	queues     *registry[int32, *queueSub]
	queueNames *registry[string, int32]
	events     *registry[string, *eventSub]
}

// NewClient creates a native client. It is not connected yet.
func (b *Binding) NewClient(ctx context.Context) (*Client, error) {
	const op = "create_client"
	if err := ctx.Err(); err != nil {
		return nil, wrapError(KindPrecondition, op, err)
	}
	addr := b.lib.Call(native.SymCreateClient)
	if addr == 0 {
		return nil, newError(KindNoResponse, op, "")
	}
	var rec record.Client
	if err := cstruct.Decode(cstruct.Pointer(addr), &rec); err != nil {
		b.lib.Call(native.SymFreeClient, addr)
		return nil, wrapError(KindDecode, op, err)
	}
	if !rec.Success {
		b.lib.Call(native.SymFreeClient, addr)
		return nil, newError(KindApplication, op, rec.Error)
	}

	c := &Client{
		b:          b,
		lib:        b.lib,
		handle:     addr,
		log:        b.log.With("client", fmt.Sprintf("%#x", addr)),
		timeout:    b.cfg.DefaultTimeout,
		watchStart: newBridge[string](),
		rpcs:       newBridge[string](),
		watches:    newRegistry[int32, *watchSub](),
		watchIDs:   newRegistry[string, int32](),
		queues:     newRegistry[int32, *queueSub](),
		queueNames: newRegistry[string, int32](),
		events:     newRegistry[string, *eventSub](),
	}
	if err := c.acquireTrampolines(); err != nil {
		c.releaseTrampolines()
		b.lib.Call(native.SymFreeClient, addr)
		return nil, err
	}
	c.dispatch = newDispatcher(b.cfg.Shards, c.log)
	if err := b.track(c); err != nil {
		b.lib.Call(native.SymFreeClient, addr)
		c.releaseTrampolines()
		c.dispatch.Close()
		return nil, err
	}

	if err := c.SetAgentName(b.cfg.AgentName); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.SetAgentVersion(b.cfg.AgentVersion); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.SetDefaultTimeout(b.cfg.DefaultTimeout); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) acquireTrampolines() error {
	slots := []struct {
		dst *uintptr
		fn  func(uintptr)
	}{
		{&c.watchResp, c.onWatchResponse},
		{&c.watchEvent, c.onWatchEvent},
		{&c.queueEvent, func(arg uintptr) { c.onQueueEvent("queue", arg) }},
		{&c.exchangeEvent, func(arg uintptr) { c.onQueueEvent("exchange", arg) }},
		{&c.rpcResp, c.onRPCResponse},
	}
	for _, s := range slots {
		t, err := c.b.pool.Acquire(s.fn)
		if err != nil {
			return wrapError(KindPrecondition, "create_client", err)
		}
		c.tramps = append(c.tramps, t)
		*s.dst = t.Addr()
	}
	return nil
}

func (c *Client) releaseTrampolines() {
	for _, t := range c.tramps {
		t.Release()
	}
	c.tramps = nil
}

// enter admits one operation. Close waits for every admitted operation
// before it releases the handle.
func (c *Client) enter(op string, needConnected bool) (func(), error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, closedError(op)
	}
	if needConnected && !c.connected {
		return nil, notConnectedError(op)
	}
	c.inflight.Add(1)
	c.b.metrics.callsInFlight.Inc()
	return func() {
		c.b.metrics.callsInFlight.Dec()
		c.inflight.Done()
	}, nil
}

// run executes fn as operation op with an arena that lives until the
// native call has returned.
func (c *Client) run(ctx context.Context, op string, needConnected bool, fn func(a *cstruct.Arena) error) error {
	if err := ctx.Err(); err != nil {
		return wrapError(KindPrecondition, op, err)
	}
	leave, err := c.enter(op, needConnected)
	if err != nil {
		return err
	}
	defer leave()

	start := time.Now()
	a := cstruct.NewArena()
	defer a.Free()
	err = fn(a)
	c.b.metrics.RecordCall(op, err, time.Since(start))
	if err != nil {
		c.log.Debug("operation failed", "op", op, "err", err)
	}
	return err
}

// call is run for operations that need a connected client.
func (c *Client) call(ctx context.Context, op string, fn func(a *cstruct.Arena) error) error {
	return c.run(ctx, op, true, fn)
}

func encode(a *cstruct.Arena, op string, v any) (uintptr, error) {
	p, err := cstruct.Encode(a, v)
	if err != nil {
		return 0, wrapError(KindPrecondition, op, err)
	}
	return cstruct.Addr(p), nil
}

func cstring(a *cstruct.Arena, op, s string) (uintptr, error) {
	p, err := cstruct.CString(a, s)
	if err != nil {
		return 0, wrapError(KindPrecondition, op, err)
	}
	return cstruct.Addr(p), nil
}

// seconds converts to the native timeout unit, rounding up and capping at
// math.MaxInt32. Zero or less means the client default.
func seconds(d time.Duration) int32 {
	if d <= 0 {
		return -1
	}
	s := d / time.Second
	if d%time.Second != 0 {
		s++
	}
	if s > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(s)
}

// addGrace extends d by grace without wrapping past the largest Duration.
func addGrace(d, grace time.Duration) time.Duration {
	if d > math.MaxInt64-grace {
		return math.MaxInt64
	}
	return d + grace
}

func (c *Client) waitTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout
}

func (c *Client) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect establishes the session. It returns once the outcome is known.
func (c *Client) Connect(ctx context.Context, url string) error {
	const op = "connect"
	return c.run(ctx, op, false, func(a *cstruct.Arena) error {
		u, err := cstring(a, op, url)
		if err != nil {
			return err
		}
		_, err = guard[record.StatusResponse](c.lib, op, native.SymFreeConnectResponse,
			c.lib.Call(native.SymClientConnect, c.handle, u))
		if err != nil {
			c.log.Error("connect failed", "url", url, "err", err)
			return err
		}
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.log.Info("connected", "url", url)
		return nil
	})
}

// Disconnect ends the session. It is a no-op on a disconnected or closed
// client.
func (c *Client) Disconnect() {
	leave, err := c.enter("disconnect", false)
	if err != nil {
		return
	}
	defer leave()
	c.disconnect()
}

func (c *Client) disconnect() {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.mu.Unlock()
	if was {
		c.lib.Call(native.SymClientDisconnect, c.handle)
		c.log.Info("disconnected")
	}
}

// State reports the native connection state, or "Closed".
func (c *Client) State() string {
	leave, err := c.enter("client_get_state", false)
	if err != nil {
		return "Closed"
	}
	defer leave()
	// The state string belongs to the library.
	return cstruct.GoString(cstruct.Pointer(c.lib.Call(native.SymClientGetState, c.handle)))
}

func (c *Client) setString(op, sym, v string) error {
	return c.run(context.Background(), op, false, func(a *cstruct.Arena) error {
		p, err := cstring(a, op, v)
		if err != nil {
			return err
		}
		c.lib.Call(sym, c.handle, p)
		return nil
	})
}

func (c *Client) SetAgentName(name string) error {
	return c.setString("client_set_agent_name", native.SymClientSetAgentName, name)
}

func (c *Client) SetAgentVersion(version string) error {
	return c.setString("client_set_agent_version", native.SymClientSetAgentVersion, version)
}

// SetDefaultTimeout bounds native requests and the binding's blocking
// waits. The native side counts whole seconds.
func (c *Client) SetDefaultTimeout(d time.Duration) error {
	const op = "client_set_default_timeout"
	if d <= 0 {
		return newError(KindPrecondition, op, "timeout must be positive")
	}
	return c.run(context.Background(), op, false, func(*cstruct.Arena) error {
		c.lib.Call(native.SymClientSetDefaultTimeout, c.handle, uintptr(seconds(d)))
		c.mu.Lock()
		c.timeout = d
		c.mu.Unlock()
		return nil
	})
}

// DefaultTimeout reads the timeout back from the native client.
func (c *Client) DefaultTimeout() (time.Duration, error) {
	var d time.Duration
	err := c.run(context.Background(), "client_get_default_timeout", false, func(*cstruct.Arena) error {
		secs := int32(uint32(c.lib.Call(native.SymClientGetDefaultTimeout, c.handle)))
		d = time.Duration(secs) * time.Second
		return nil
	})
	return d, err
}

// User returns the signed in user, or nil before sign-in.
func (c *Client) User(ctx context.Context) (*User, error) {
	const op = "client_user"
	var u *User
	err := c.run(ctx, op, false, func(*cstruct.Arena) error {
		addr := c.lib.Call(native.SymClientUser, c.handle)
		if addr == 0 {
			return nil
		}
		defer c.lib.Call(native.SymFreeUser, addr)
		var rec record.User
		if err := cstruct.Decode(cstruct.Pointer(addr), &rec); err != nil {
			return wrapError(KindDecode, op, err)
		}
		u = &rec
		return nil
	})
	return u, err
}

// Signin authenticates with a username and password or a JWT and returns
// the session JWT.
func (c *Client) Signin(ctx context.Context, opts SigninOptions) (string, error) {
	const op = "signin"
	var jwt string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.SigninRequest{
			Username:     opts.Username,
			Password:     opts.Password,
			Jwt:          opts.Jwt,
			Agent:        opts.Agent,
			Version:      opts.Version,
			LongToken:    opts.LongToken,
			ValidateOnly: opts.ValidateOnly,
			Ping:         opts.Ping,
			RequestID:    c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.SigninResponse](c.lib, op, native.SymFreeSigninResponse,
			c.lib.Call(native.SymSignin, c.handle, req))
		jwt = resp.Jwt
		return err
	})
	return jwt, err
}

// Close unsubscribes everything, disconnects and releases the native
// handle exactly once. It waits for running operations first. Calling it
// from a subscription handler deadlocks.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.inflight.Wait()

		c.dropSubscriptions()
		c.disconnect()
		c.lib.Call(native.SymFreeClient, c.handle)

		c.watchStart.Abandon(closedError("watch"))
		c.rpcs.Abandon(closedError("rpc"))
		c.releaseTrampolines()
		c.dispatch.Close()
		c.b.untrack(c)
		c.log.Debug("client closed")
	})
	return nil
}

// dropSubscriptions unregisters every live subscription natively, best
// effort, and empties the registries.
func (c *Client) dropSubscriptions() {
	a := cstruct.NewArena()
	defer a.Free()
	connected := c.isConnected()

	for watchID := range c.watchIDs.Drain() {
		if connected {
			if err := c.unwatch(a, watchID); err != nil {
				c.log.Warn("unwatch on close failed", "watch", watchID, "err", err)
			}
		}
	}
	c.b.metrics.subscribed("watch", -float64(len(c.watches.Drain())))

	for name := range c.queueNames.Drain() {
		if connected {
			if err := c.unregisterQueue(a, name); err != nil {
				c.log.Warn("unregister queue on close failed", "queue", name, "err", err)
			}
		}
	}
	c.b.metrics.subscribed("queue", -float64(len(c.queues.Drain())))

	for id, sub := range c.events.Drain() {
		if err := c.offClientEvent(a, sub); err != nil {
			c.log.Warn("off client event on close failed", "event", id, "err", err)
		}
	}
}

// deliver hands fn to the dispatcher under key.
func (c *Client) deliver(kind, key string, fn func()) {
	if c.dispatch.Submit(key, fn) {
		c.b.metrics.recordDelivery(kind)
		return
	}
	c.b.discarded(kind, key)
}
