// Package openiap binds the OpenIAP native client library. A Binding wraps
// one loaded library; each Client owns one native client handle and every
// request, subscription and reply that flows through it.
package openiap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
)

// Binding is a loaded native library shared by any number of clients.
type Binding struct {
	lib     native.Library
	closer  io.Closer
	pool    *native.Pool
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	schemas *SchemaValidator

	nextID  atomic.Int32
	discard rate.Sometimes

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// Load opens the native library named by cfg.LibraryPath.
func Load(cfg Config, opts ...Option) (*Binding, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.LibraryPath == "" {
		return nil, errors.New("openiap: no library path configured (set OPENIAP_LIBRARY or library_path)")
	}
	lib, err := native.Open(cfg.LibraryPath)
	if err != nil {
		return nil, err
	}
	b, err := New(lib, cfg)
	if err != nil {
		lib.Close()
		return nil, err
	}
	b.closer = lib
	return b, nil
}

// New wraps an already loaded library.
func New(lib native.Library, cfg Config, opts ...Option) (*Binding, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("openiap: %w", err)
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	b := &Binding{
		lib:     lib,
		pool:    native.NewPool(lib, cfg.MaxTrampolines),
		cfg:     cfg,
		log:     cfg.logger(),
		metrics: newMetrics(cfg.Registerer),
		discard: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		clients: make(map[*Client]struct{}),
	}
	if cfg.SchemaDir != "" {
		b.schemas = NewSchemaValidatorWithResolver(NewFileSchemaResolver(cfg.SchemaDir))
	} else {
		b.schemas = NewSchemaValidator()
	}
	return b, nil
}

// Metrics exposes the binding's collectors.
func (b *Binding) Metrics() *Metrics { return b.metrics }

// Schemas holds the document schemas shared by every client.
func (b *Binding) Schemas() *SchemaValidator { return b.schemas }

// requestID returns a process-unique, non-zero correlation id.
func (b *Binding) requestID() int32 {
	for {
		if id := b.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// discarded counts a callback nobody was waiting for and logs some of them.
func (b *Binding) discarded(kind string, key any) {
	b.metrics.recordDiscard(kind)
	b.discard.Do(func() {
		b.log.Warn("discarding callback with no registered handler", "kind", kind, "key", key)
	})
}

// Close closes every client, then the library if Load opened it.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	if b.closer != nil {
		return b.closer.Close()
	}
	return nil
}

func (b *Binding) track(c *Client) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &Error{Kind: KindPrecondition, Op: "create_client", Message: "binding is closed"}
	}
	b.clients[c] = struct{}{}
	return nil
}

func (b *Binding) untrack(c *Client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// withStrings encodes strs as C strings for the duration of fn.
func (b *Binding) withStrings(op string, strs []string, fn func(ptrs []uintptr)) error {
	a := cstruct.NewArena()
	defer a.Free()
	ptrs := make([]uintptr, len(strs))
	for i, s := range strs {
		p, err := cstruct.CString(a, s)
		if err != nil {
			return wrapError(KindPrecondition, op, err)
		}
		ptrs[i] = cstruct.Addr(p)
	}
	fn(ptrs)
	return nil
}

// SetF64Gauge publishes an observable gauge through the native telemetry.
func (b *Binding) SetF64Gauge(name string, value float64, description string) error {
	return b.withStrings("set_f64_observable_gauge", []string{name, description}, func(p []uintptr) {
		b.lib.CallF64(native.SymSetF64Gauge, p[0], value, p[1])
	})
}

func (b *Binding) SetU64Gauge(name string, value uint64, description string) error {
	return b.withStrings("set_u64_observable_gauge", []string{name, description}, func(p []uintptr) {
		b.lib.Call(native.SymSetU64Gauge, p[0], uintptr(value), p[1])
	})
}

func (b *Binding) SetI64Gauge(name string, value int64, description string) error {
	return b.withStrings("set_i64_observable_gauge", []string{name, description}, func(p []uintptr) {
		b.lib.Call(native.SymSetI64Gauge, p[0], uintptr(value), p[1])
	})
}

func (b *Binding) DisableGauge(name string) error {
	return b.withStrings("disable_observable_gauge", []string{name}, func(p []uintptr) {
		b.lib.Call(native.SymDisableGauge, p[0])
	})
}

// EnableTracing turns on native logging. rustLog is an env-filter such as
// "openiap=debug"; tracing selects span output ("new", "close", ...).
func (b *Binding) EnableTracing(rustLog, tracing string) error {
	return b.withStrings("enable_tracing", []string{rustLog, tracing}, func(p []uintptr) {
		b.lib.Call(native.SymEnableTracing, p[0], p[1])
	})
}

func (b *Binding) DisableTracing() {
	b.lib.Call(native.SymDisableTracing)
}
