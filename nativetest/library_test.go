package nativetest

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

func encode(t *testing.T, a *cstruct.Arena, v any) uintptr {
	t.Helper()
	p, err := cstruct.Encode(a, v)
	require.NoError(t, err)
	return cstruct.Addr(p)
}

func cstr(t *testing.T, a *cstruct.Arena, s string) uintptr {
	t.Helper()
	p, err := cstruct.CString(a, s)
	require.NoError(t, err)
	return cstruct.Addr(p)
}

func connected(t *testing.T, l *Library, a *cstruct.Arena) uintptr {
	t.Helper()
	h := l.Call(native.SymCreateClient)
	require.NotZero(t, h)
	resp := l.Call(native.SymClientConnect, h, cstr(t, a, "grpc://localhost:50051"))
	var st record.StatusResponse
	require.NoError(t, cstruct.Decode(cstruct.Pointer(resp), &st))
	require.True(t, st.Success)
	l.Call(native.SymFreeConnectResponse, resp)
	return h
}

// TEST631: Test the heap flags double frees, unknown pointers and mismatched release functions
func TestHeapViolations(t *testing.T) {
	h := newHeap()
	addr := h.publish(&record.StatusResponse{Success: true}, native.SymFreeUnwatchResponse)
	assert.Equal(t, 1, h.Live())

	h.release(native.SymFreeQueryResponse, addr)
	h.release(native.SymFreeQueryResponse, addr)
	h.release(native.SymFreeQueryResponse, 0xdead)
	h.release(native.SymFreeQueryResponse, 0)

	assert.Equal(t, 0, h.Live())
	v := h.Violations()
	require.Len(t, v, 4)
	assert.Contains(t, v[0], "wrong release")
	assert.Contains(t, v[1], "double free")
	assert.Contains(t, v[2], "unknown pointer")
	assert.Contains(t, v[3], "NULL")
}

// TEST632: Test released records read back as zeroes
func TestHeapWipesOnRelease(t *testing.T) {
	h := newHeap()
	addr := h.publish(&record.ResultResponse{Success: true, Result: "x", RequestID: 9}, native.SymFreeRPCResponse)
	h.release(native.SymFreeRPCResponse, addr)

	var got record.ResultResponse
	require.NoError(t, cstruct.Decode(cstruct.Pointer(addr), &got))
	assert.Equal(t, record.ResultResponse{}, got)
	assert.Empty(t, h.Violations())
}

// TEST633: Test operations on a client that never connected answer with an error record
func TestNotConnected(t *testing.T) {
	l := New()
	a := cstruct.NewArena()
	defer a.Free()

	h := l.Call(native.SymCreateClient)
	resp := l.Call(native.SymQuery, h, encode(t, a, &record.QueryRequest{CollectionName: "entities"}))
	var got record.ResultsResponse
	require.NoError(t, cstruct.Decode(cstruct.Pointer(resp), &got))
	assert.False(t, got.Success)
	assert.Equal(t, "Client is not connected", got.Error)
	l.Call(native.SymFreeQueryResponse, resp)
	l.Call(native.SymFreeClient, h)

	assert.Equal(t, 0, l.Heap().Live())
	assert.Empty(t, l.Heap().Violations())
	assert.Equal(t, 0, l.LiveClients())
}

// TEST634: Test documents inserted are found by query and counted
func TestStoreInsertQuery(t *testing.T) {
	l := New()
	a := cstruct.NewArena()
	defer a.Free()
	h := connected(t, l, a)

	for _, item := range []string{`{"name":"a","n":2}`, `{"name":"b","n":1}`} {
		r := l.Call(native.SymInsertOne, h, encode(t, a, &record.InsertOneRequest{CollectionName: "entities", Item: item}))
		l.Call(native.SymFreeInsertOneResponse, r)
	}

	r := l.Call(native.SymQuery, h, encode(t, a, &record.QueryRequest{
		CollectionName: "entities",
		Query:          `{"name":"b"}`,
		Projection:     `{"name":1}`,
	}))
	var got record.ResultsResponse
	require.NoError(t, cstruct.Decode(cstruct.Pointer(r), &got))
	l.Call(native.SymFreeQueryResponse, r)
	require.True(t, got.Success, got.Error)
	assert.Contains(t, got.Results, `"name":"b"`)
	assert.NotContains(t, got.Results, `"n":`)

	n, err := l.store.count("entities", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, l.Heap().Live())
}

// TEST635: Test queue messages reach the consumer callback on a library goroutine
func TestQueueDelivery(t *testing.T) {
	l := New()
	a := cstruct.NewArena()
	defer a.Free()
	h := connected(t, l, a)

	var mu sync.Mutex
	var got []record.QueueEvent
	cb := l.NewCallback(func(arg uintptr) uintptr {
		var ev record.QueueEvent
		assert.NoError(t, cstruct.Decode(cstruct.Pointer(arg), &ev))
		l.Call(native.SymFreeQueueEvent, arg)
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return 0
	})

	r := l.Call(native.SymRegisterQueueAsync, h, encode(t, a, &record.RegisterQueueRequest{QueueName: "q", RequestID: 7}), cb)
	l.Call(native.SymFreeRegisterQueueResponse, r)
	r = l.Call(native.SymQueueMessage, h, encode(t, a, &record.QueueMessageRequest{QueueName: "q", Data: `{"x":1}`}))
	l.Call(native.SymFreeQueueMessageResponse, r)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(7), got[0].RequestID)
	assert.Equal(t, `{"x":1}`, got[0].Data)

	l.Call(native.SymFreeClient, h)
	assert.Equal(t, 0, l.Subscriptions())
	assert.Equal(t, 0, l.Heap().Live())
	assert.Empty(t, l.Heap().Violations())
}

// TEST636: Test work items pop in priority order and retry until failed
func TestWorkitemLifecycle(t *testing.T) {
	w := newWorkQueues()
	low, err := w.push(record.PushWorkitemRequest{Wiq: "wq", Name: "low", Priority: 5})
	require.NoError(t, err)
	_, err = w.push(record.PushWorkitemRequest{Wiq: "wq", Name: "high", Priority: 1})
	require.NoError(t, err)

	first, err := w.pop(record.PopWorkitemRequest{Wiq: "wq"}, "")
	require.NoError(t, err)
	assert.Equal(t, "high", first.Name)
	assert.Equal(t, "processing", first.State)

	second, err := w.pop(record.PopWorkitemRequest{Wiq: "wq"}, "")
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)

	empty, err := w.pop(record.PopWorkitemRequest{Wiq: "wq"}, "")
	require.NoError(t, err)
	assert.Nil(t, empty)

	second.State = "retry"
	for i := 0; i < maxRetries-1; i++ {
		out, err := w.update(record.UpdateWorkitemRequest{Workitem: second})
		require.NoError(t, err)
		assert.Equal(t, "new", out.State)
	}
	out, err := w.update(record.UpdateWorkitemRequest{Workitem: second})
	require.NoError(t, err)
	assert.Equal(t, "failed", out.State)
	assert.Equal(t, int32(maxRetries), out.Retries)
}

// TEST637: Test an event the callback does not release stays live under its free function
func TestEventOwnership(t *testing.T) {
	l := New()
	a := cstruct.NewArena()
	defer a.Free()
	h := connected(t, l, a)

	var got atomic.Int32
	cb := l.NewCallback(func(uintptr) uintptr {
		got.Add(1)
		return 0
	})
	r := l.Call(native.SymRegisterQueueAsync, h, encode(t, a, &record.RegisterQueueRequest{QueueName: "q", RequestID: 3}), cb)
	l.Call(native.SymFreeRegisterQueueResponse, r)
	r = l.Call(native.SymQueueMessage, h, encode(t, a, &record.QueueMessageRequest{QueueName: "q", Data: "{}"}))
	l.Call(native.SymFreeQueueMessageResponse, r)

	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{native.SymFreeClient, native.SymFreeQueueEvent}, l.Heap().LiveSymbols())
	l.Call(native.SymFreeClient, h)
	assert.Equal(t, []string{native.SymFreeQueueEvent}, l.Heap().LiveSymbols())
}

// TEST638: Test held deliveries keep free_client waiting and are dropped once it returns
func TestHoldCallbacks(t *testing.T) {
	l := New()
	a := cstruct.NewArena()
	defer a.Free()
	h := connected(t, l, a)

	var got atomic.Int32
	cb := l.NewCallback(func(arg uintptr) uintptr {
		got.Add(1)
		l.Call(native.SymFreeQueueEvent, arg)
		return 0
	})
	r := l.Call(native.SymRegisterQueueAsync, h, encode(t, a, &record.RegisterQueueRequest{QueueName: "q", RequestID: 4}), cb)
	l.Call(native.SymFreeRegisterQueueResponse, r)

	release := l.HoldCallbacks()
	r = l.Call(native.SymQueueMessage, h, encode(t, a, &record.QueueMessageRequest{QueueName: "q", Data: "{}"}))
	l.Call(native.SymFreeQueueMessageResponse, r)
	require.Eventually(t, func() bool { return l.Parked() == 1 }, time.Second, time.Millisecond)

	freed := make(chan struct{})
	go func() {
		l.Call(native.SymFreeClient, h)
		close(freed)
	}()
	select {
	case <-freed:
		t.Fatal("free_client returned while a delivery was parked")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-freed

	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, 0, l.Heap().Live())
	assert.Empty(t, l.Heap().Violations())
}

// TEST639: Test symbols missing from native.Required and the log functions are recorded
func TestRequiredAndLogs(t *testing.T) {
	l := New()
	a := cstruct.NewArena()
	defer a.Free()

	l.Call(native.SymLogInfo, cstr(t, a, "hello"))
	l.Call(native.SymLogError, cstr(t, a, "boom"))
	assert.Equal(t, []string{"info: hello", "error: boom"}, l.Logs())
	assert.Empty(t, l.Heap().Violations())

	assert.Panics(t, func() { l.Call("client_reconnect") })
	require.Len(t, l.Heap().Violations(), 1)
	assert.Contains(t, l.Heap().Violations()[0], "client_reconnect")
}
