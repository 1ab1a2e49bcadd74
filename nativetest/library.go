// Package nativetest is an in-process stand-in for the OpenIAP native
// library. It speaks the same symbols and record layouts, keeps its
// documents, queues and work items in memory, calls callbacks from its own
// goroutines and records every allocation so tests can assert that each
// response is released exactly once.
package nativetest

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

const defaultTimeoutSeconds = 60

type client struct {
	addr      uintptr
	connected bool
	url       string
	agent     string
	version   string
	timeout   int32
	user      *record.User
	freed     bool
}

// Library implements native.Library.
type Library struct {
	heap  *Heap
	store *store
	bus   *bus
	work  *workQueues

	mu        sync.Mutex
	callbacks map[uintptr]func(uintptr) uintptr
	clients   map[uintptr]*client
	requests  map[string][]any
	nulls     map[string]bool
	gauges    map[string]float64
	tracing   string
	strings   map[string]uintptr
	interned  []*group
	users     map[string]string
	logs      []string

	// gate orders callbacks against free_client and off_client_event:
	// deliveries hold it shared, those two hold it exclusively.
	gate   sync.RWMutex
	held   chan struct{}
	parked atomic.Int32

	watchDelay  time.Duration
	muteWatches bool
}

var required = func() map[string]bool {
	m := make(map[string]bool, len(native.Required))
	for _, sym := range native.Required {
		m[sym] = true
	}
	return m
}()

var _ native.Library = (*Library)(nil)

// New returns an empty fake library. The user "guest" with password
// "password" can sign in.
func New() *Library {
	l := &Library{
		heap:      newHeap(),
		callbacks: make(map[uintptr]func(uintptr) uintptr),
		clients:   make(map[uintptr]*client),
		requests:  make(map[string][]any),
		nulls:     make(map[string]bool),
		gauges:    make(map[string]float64),
		strings:   make(map[string]uintptr),
		users:     map[string]string{"guest": "password"},
	}
	l.store = newStore(l)
	l.bus = newBus(l)
	l.work = newWorkQueues()
	return l
}

// Heap exposes allocation tracking.
func (l *Library) Heap() *Heap { return l.heap }

// ReturnNull makes sym return NULL instead of a response.
func (l *Library) ReturnNull(sym string) {
	l.mu.Lock()
	l.nulls[sym] = true
	l.mu.Unlock()
}

// DelayWatchResponses postpones the first response of every watch.
func (l *Library) DelayWatchResponses(d time.Duration) {
	l.mu.Lock()
	l.watchDelay = d
	l.mu.Unlock()
}

// MuteWatchResponses drops the first response of every watch.
func (l *Library) MuteWatchResponses() {
	l.mu.Lock()
	l.muteWatches = true
	l.mu.Unlock()
}

// AddUser registers sign-in credentials.
func (l *Library) AddUser(username, password string) {
	l.mu.Lock()
	l.users[username] = password
	l.mu.Unlock()
}

// Requests returns the decoded request records seen for sym, in order.
func (l *Library) Requests(sym string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.requests[sym]...)
}

// Gauge returns the last value set for an observable gauge.
func (l *Library) Gauge(name string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.gauges[name]
	return v, ok
}

// Tracing returns the active tracing filter, empty when disabled.
func (l *Library) Tracing() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracing
}

// LiveClients counts handles not yet released with free_client.
func (l *Library) LiveClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.clients {
		if !c.freed {
			n++
		}
	}
	return n
}

// HoldCallbacks parks watch, queue and client event deliveries until the
// returned func is called. Parked deliveries keep free_client and
// off_client_event waiting.
func (l *Library) HoldCallbacks() (release func()) {
	ch := make(chan struct{})
	l.mu.Lock()
	l.held = ch
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.held = nil
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Parked counts deliveries waiting on HoldCallbacks.
func (l *Library) Parked() int { return int(l.parked.Load()) }

// Logs returns the messages passed to the log functions, as "level: text".
func (l *Library) Logs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.logs...)
}

// EmitClientEvent delivers a client event to every subscription of every
// live client.
func (l *Library) EmitClientEvent(event, reason string) {
	l.bus.emitClientEvent(0, event, reason)
}

// NewCallback implements native.Library.
func (l *Library) NewCallback(fn func(uintptr) uintptr) uintptr {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr := uintptr(0x1000 + 0x10*len(l.callbacks))
	l.callbacks[addr] = fn
	return addr
}

func (l *Library) invoke(cb, arg uintptr) {
	l.mu.Lock()
	fn, ok := l.callbacks[cb]
	l.mu.Unlock()
	if !ok {
		l.heap.violate("call to unknown callback %#x", cb)
		return
	}
	fn(arg)
}

// deliver publishes v as an event record owned by the callback, which
// must release it with freeSym. Nothing is delivered once the owner was
// released or stopped is set.
func (l *Library) deliver(cb, owner uintptr, stopped *atomic.Bool, v any, freeSym string) {
	l.gate.RLock()
	defer l.gate.RUnlock()
	l.mu.Lock()
	ch := l.held
	l.mu.Unlock()
	if ch != nil {
		l.parked.Add(1)
		<-ch
		l.parked.Add(-1)
	}
	if l.ownerFreed(owner) || (stopped != nil && stopped.Load()) {
		return
	}
	l.invoke(cb, l.heap.publish(v, freeSym))
}

// CallF64 implements native.Library.
func (l *Library) CallF64(sym string, name uintptr, value float64, desc uintptr) {
	l.checkRequired(sym)
	if sym != native.SymSetF64Gauge {
		panic("nativetest: CallF64 on " + sym)
	}
	l.setGauge(goString(name), value)
}

func (l *Library) setGauge(name string, v float64) {
	l.mu.Lock()
	l.gauges[name] = v
	l.mu.Unlock()
}

func (l *Library) checkRequired(sym string) {
	if !required[sym] {
		l.heap.violate("symbol %s is not listed in native.Required", sym)
	}
}

// Call implements native.Library.
func (l *Library) Call(sym string, args ...uintptr) uintptr {
	l.checkRequired(sym)
	if strings.HasPrefix(sym, "free_") {
		l.free(sym, args[0])
		return 0
	}
	l.mu.Lock()
	null := l.nulls[sym]
	l.mu.Unlock()
	if null {
		return 0
	}

	switch sym {
	case native.SymCreateClient:
		return l.createClient()
	case native.SymClientConnect:
		return l.connect(args[0], goString(args[1]))
	case native.SymClientDisconnect:
		l.disconnect(args[0])
		return 0
	case native.SymClientSetAgentName:
		l.withClient(args[0], func(c *client) { c.agent = goString(args[1]) })
		return 0
	case native.SymClientSetAgentVersion:
		l.withClient(args[0], func(c *client) { c.version = goString(args[1]) })
		return 0
	case native.SymClientSetDefaultTimeout:
		l.withClient(args[0], func(c *client) { c.timeout = int32(args[1]) })
		return 0
	case native.SymClientGetDefaultTimeout:
		var t int32
		l.withClient(args[0], func(c *client) { t = c.timeout })
		return uintptr(uint32(t))
	case native.SymClientGetState:
		return l.clientState(args[0])
	case native.SymClientUser:
		return l.clientUser(args[0])
	case native.SymSignin:
		return l.signin(args[0], args[1])

	case native.SymQuery, native.SymAggregate, native.SymCount, native.SymDistinct,
		native.SymListCollections, native.SymCreateCollection, native.SymDropCollection,
		native.SymGetIndexes, native.SymCreateIndex, native.SymDropIndex,
		native.SymInsertOne, native.SymInsertMany, native.SymUpdateOne,
		native.SymInsertOrUpdateOne, native.SymDeleteOne, native.SymDeleteMany,
		native.SymUpload, native.SymDownload:
		return l.store.call(sym, args)

	case native.SymWatchAsync, native.SymUnwatch, native.SymRegisterQueueAsync,
		native.SymRegisterExchangeAsync, native.SymUnregisterQueue, native.SymQueueMessage,
		native.SymRPC, native.SymRPCAsync, native.SymOnClientEventAsync,
		native.SymOffClientEvent, native.SymInvokeOpenRPA, native.SymCustomCommand:
		return l.bus.call(sym, args)

	case native.SymPushWorkitem, native.SymPopWorkitem, native.SymUpdateWorkitem,
		native.SymDeleteWorkitem:
		return l.workCall(sym, args)

	case native.SymSetU64Gauge:
		l.setGauge(goString(args[0]), float64(uint64(args[1])))
		return 0
	case native.SymSetI64Gauge:
		l.setGauge(goString(args[0]), float64(int64(args[1])))
		return 0
	case native.SymDisableGauge:
		l.mu.Lock()
		delete(l.gauges, goString(args[0]))
		l.mu.Unlock()
		return 0
	case native.SymEnableTracing:
		l.mu.Lock()
		l.tracing = goString(args[0]) + "|" + goString(args[1])
		l.mu.Unlock()
		return 0
	case native.SymDisableTracing:
		l.mu.Lock()
		l.tracing = ""
		l.mu.Unlock()
		return 0
	case native.SymLogError, native.SymLogWarn, native.SymLogInfo, native.SymLogDebug, native.SymLogTrace:
		msg := goString(args[0])
		l.mu.Lock()
		l.logs = append(l.logs, sym+": "+msg)
		l.mu.Unlock()
		return 0
	}
	panic("nativetest: unknown symbol " + sym)
}

func (l *Library) free(sym string, addr uintptr) {
	if sym == native.SymFreeClient {
		l.gate.Lock()
		l.mu.Lock()
		if c, ok := l.clients[addr]; ok && !c.freed {
			c.freed = true
			c.connected = false
		}
		l.mu.Unlock()
		l.gate.Unlock()
		l.bus.dropOwner(addr)
	}
	l.heap.release(sym, addr)
}

// decode reads the request record at addr and remembers it under sym.
func (l *Library) decode(sym string, addr uintptr, out any) {
	if err := cstruct.Decode(cstruct.Pointer(addr), out); err != nil {
		panic(fmt.Sprintf("nativetest: %s: decode request: %v", sym, err))
	}
	l.mu.Lock()
	l.requests[sym] = append(l.requests[sym], derefCopy(out))
	l.mu.Unlock()
}

func (l *Library) createClient() uintptr {
	addr := l.heap.publish(&record.Client{Success: true}, native.SymFreeClient)
	l.mu.Lock()
	l.clients[addr] = &client{addr: addr, timeout: defaultTimeoutSeconds}
	l.mu.Unlock()
	return addr
}

// connectedClient resolves a handle for an operation that needs a live
// session. The returned message is the native error text when it does not.
func (l *Library) connectedClient(addr uintptr) (*client, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[addr]
	switch {
	case !ok:
		l.heap.violate("call on unknown client %#x", addr)
		return nil, "Client is not initialized"
	case c.freed:
		l.heap.violate("call on released client %#x", addr)
		return nil, "Client is not initialized"
	case !c.connected:
		return nil, "Client is not connected"
	}
	return c, ""
}

// liveClient resolves a handle that need not be connected.
func (l *Library) liveClient(addr uintptr) (*client, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[addr]
	if !ok || c.freed {
		l.heap.violate("call on unknown or released client %#x", addr)
		return nil, "Client is not initialized"
	}
	return c, ""
}

func (l *Library) ownerFreed(addr uintptr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[addr]
	return !ok || c.freed
}

func (l *Library) withClient(addr uintptr, fn func(c *client)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[addr]
	if !ok || c.freed {
		l.heap.violate("call on unknown or released client %#x", addr)
		return
	}
	fn(c)
}

func (l *Library) connect(addr uintptr, url string) uintptr {
	var msg string
	l.withClient(addr, func(c *client) {
		if strings.Contains(url, "unreachable") {
			msg = fmt.Sprintf("Failed to connect to %s: connection refused", url)
			return
		}
		c.connected = true
		c.url = url
	})
	if msg != "" {
		return l.heap.publish(&record.StatusResponse{Error: msg}, native.SymFreeConnectResponse)
	}
	l.bus.emitClientEvent(addr, "Connected", "")
	return l.heap.publish(&record.StatusResponse{Success: true}, native.SymFreeConnectResponse)
}

func (l *Library) disconnect(addr uintptr) {
	was := false
	l.withClient(addr, func(c *client) {
		was = c.connected
		c.connected = false
	})
	if was {
		l.bus.emitClientEvent(addr, "Disconnected", "client_disconnect")
	}
}

// clientState returns a string owned by the library for its lifetime.
func (l *Library) clientState(addr uintptr) uintptr {
	state := "Disconnected"
	l.withClient(addr, func(c *client) {
		if c.connected {
			state = "Connected"
		}
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.strings[state]; ok {
		return p
	}
	g := &group{}
	p, _ := cstruct.CString(g, state)
	l.interned = append(l.interned, g)
	l.strings[state] = uintptr(p)
	return uintptr(p)
}

func (l *Library) clientUser(addr uintptr) uintptr {
	var u *record.User
	l.withClient(addr, func(c *client) { u = c.user })
	if u == nil {
		return 0
	}
	return l.heap.publish(u, native.SymFreeUser)
}

func (l *Library) signin(addr, reqAddr uintptr) uintptr {
	var req record.SigninRequest
	l.decode(native.SymSignin, reqAddr, &req)
	c, msg := l.connectedClient(addr)
	if c == nil {
		return l.heap.publish(&record.SigninResponse{Error: msg, RequestID: req.RequestID}, native.SymFreeSigninResponse)
	}

	username := req.Username
	if req.Jwt != "" {
		parts := strings.Split(req.Jwt, ".")
		if len(parts) != 3 || parts[0] != "jwt" {
			return l.heap.publish(&record.SigninResponse{Error: "Invalid JWT", RequestID: req.RequestID}, native.SymFreeSigninResponse)
		}
		username = parts[1]
	} else {
		l.mu.Lock()
		pw, ok := l.users[req.Username]
		l.mu.Unlock()
		if !ok || pw != req.Password {
			return l.heap.publish(&record.SigninResponse{Error: "Unknown username or password", RequestID: req.RequestID}, native.SymFreeSigninResponse)
		}
	}
	jwt := "jwt." + username + "." + newID()
	if !req.ValidateOnly {
		l.mu.Lock()
		c.user = &record.User{
			ID:       "u-" + username,
			Name:     username,
			Username: username,
			Email:    username + "@example.org",
			Roles:    []string{"users", username + "s"},
		}
		l.mu.Unlock()
	}
	return l.heap.publish(&record.SigninResponse{Success: true, Jwt: jwt, RequestID: req.RequestID}, native.SymFreeSigninResponse)
}

// derefCopy returns the value out points to.
func derefCopy(out any) any {
	return reflect.ValueOf(out).Elem().Interface()
}

func goString(addr uintptr) string {
	return cstruct.GoString(cstruct.Pointer(addr))
}
