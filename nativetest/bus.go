package nativetest

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

// mailbox runs the callbacks of one subscription on its own goroutine, in
// the order they were posted. Posts after close are dropped; posts already
// queued still run.
type mailbox struct {
	mu     sync.Mutex
	ch     chan func()
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{ch: make(chan func(), 1024)}
	go func() {
		for fn := range m.ch {
			fn()
		}
	}()
	return m
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.ch <- fn
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

type watchSub struct {
	id         string
	owner      uintptr
	collection string
	cb         uintptr
	requestID  int32
	box        *mailbox
}

// consumer receives queue messages, either for a plain queue or for an
// exchange binding.
type consumer struct {
	queue      string
	owner      uintptr
	cb         uintptr
	requestID  int32
	box        *mailbox
	exchange   string
	algorithm  string
	routingKey string
}

type eventSub struct {
	id      string
	owner   uintptr
	cb      uintptr
	box     *mailbox
	stopped atomic.Bool
}

// bus routes watch notifications, queue and exchange messages, RPC replies
// and client events to callbacks.
type bus struct {
	l *Library

	mu        sync.Mutex
	watches   map[string]*watchSub
	queues    map[string]*consumer
	exchanges map[string][]*consumer
	waiters   map[string]chan record.QueueEvent
	events    map[string]*eventSub
}

func newBus(l *Library) *bus {
	return &bus{
		l:         l,
		watches:   make(map[string]*watchSub),
		queues:    make(map[string]*consumer),
		exchanges: make(map[string][]*consumer),
		waiters:   make(map[string]chan record.QueueEvent),
		events:    make(map[string]*eventSub),
	}
}

func (b *bus) call(sym string, args []uintptr) uintptr {
	l := b.l
	switch sym {
	case native.SymWatchAsync:
		var req record.WatchRequest
		l.decode(sym, args[1], &req)
		b.watch(args[0], req, args[2], args[3])
		return 0
	case native.SymUnwatch:
		id := goString(args[1])
		return b.status(native.SymFreeUnwatchResponse, args[0], func() error { return b.unwatch(id) })

	case native.SymRegisterQueueAsync:
		var req record.RegisterQueueRequest
		l.decode(sym, args[1], &req)
		resp := &record.QueueResponse{RequestID: req.RequestID}
		fillQueue(resp, b.precondition(args[0]), func() (string, error) {
			return b.registerQueue(args[0], req, args[2])
		})
		return l.heap.publish(resp, native.SymFreeRegisterQueueResponse)
	case native.SymRegisterExchangeAsync:
		var req record.RegisterExchangeRequest
		l.decode(sym, args[1], &req)
		resp := &record.QueueResponse{RequestID: req.RequestID}
		fillQueue(resp, b.precondition(args[0]), func() (string, error) {
			return b.registerExchange(args[0], req, args[2])
		})
		return l.heap.publish(resp, native.SymFreeRegisterExchangeResponse)
	case native.SymUnregisterQueue:
		name := goString(args[1])
		return b.bare(native.SymFreeUnregisterQueueResponse, b.precondition(args[0]), func() error {
			return b.unregisterQueue(args[0], name)
		})
	case native.SymQueueMessage:
		var req record.QueueMessageRequest
		l.decode(sym, args[1], &req)
		return b.bare(native.SymFreeQueueMessageResponse, b.precondition(args[0]), func() error {
			return b.send(req)
		})

	case native.SymRPC:
		var req record.QueueMessageRequest
		l.decode(sym, args[1], &req)
		return b.rpc(args[0], req, int32(args[2]))
	case native.SymRPCAsync:
		var req record.QueueMessageRequest
		l.decode(sym, args[1], &req)
		owner, cb, timeout := args[0], args[2], int32(args[3])
		go func() {
			addr := b.rpc(owner, req, timeout)
			b.l.gate.RLock()
			defer b.l.gate.RUnlock()
			if b.l.ownerFreed(owner) {
				b.l.heap.release(native.SymFreeRPCResponse, addr)
				return
			}
			b.l.invoke(cb, addr)
		}()
		return 0

	case native.SymOnClientEventAsync:
		resp := &record.ClientEventResponse{}
		if _, msg := b.l.liveClient(args[0]); msg != "" {
			resp.Error = msg
		} else {
			resp.EventID = b.onClientEvent(args[0], args[1])
			resp.Success = true
		}
		return l.heap.publish(resp, native.SymFreeEventResponse)
	case native.SymOffClientEvent:
		id := goString(args[0])
		return b.bare(native.SymFreeOffEventResponse, "", func() error { return b.offClientEvent(id) })

	case native.SymCustomCommand:
		var req record.CustomCommandRequest
		l.decode(sym, args[1], &req)
		resp := &record.ResultResponse{RequestID: req.RequestID}
		if msg := b.precondition(args[0]); msg != "" {
			resp.Error = msg
		} else if req.Command == "echo" {
			resp.Success, resp.Result = true, req.Data
		} else {
			resp.Error = fmt.Sprintf("Unknown command %s", req.Command)
		}
		return l.heap.publish(resp, native.SymFreeCustomCommandResponse)
	case native.SymInvokeOpenRPA:
		var req record.InvokeOpenRPARequest
		l.decode(sym, args[1], &req)
		return b.invokeOpenRPA(args[0], req, int32(args[2]))
	}
	panic("nativetest: bus cannot serve " + sym)
}

func (b *bus) precondition(owner uintptr) string {
	_, msg := b.l.connectedClient(owner)
	return msg
}

func (b *bus) status(freeSym string, owner uintptr, op func() error) uintptr {
	resp := &record.StatusResponse{}
	if msg := b.precondition(owner); msg != "" {
		resp.Error = msg
	} else if err := op(); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
	}
	return b.l.heap.publish(resp, freeSym)
}

func (b *bus) bare(freeSym, precondition string, op func() error) uintptr {
	resp := &record.BareResponse{}
	if precondition != "" {
		resp.Error = precondition
	} else if err := op(); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
	}
	return b.l.heap.publish(resp, freeSym)
}

func fillQueue(resp *record.QueueResponse, precondition string, op func() (string, error)) {
	if precondition != "" {
		resp.Error = precondition
		return
	}
	name, err := op()
	if err != nil {
		resp.Error = err.Error()
		return
	}
	resp.Success, resp.QueueName = true, name
}

// watch answers on another goroutine, like the native runtime does.
func (b *bus) watch(owner uintptr, req record.WatchRequest, cb, eventCb uintptr) {
	l := b.l
	_, msg := l.connectedClient(owner)
	l.mu.Lock()
	delay, mute := l.watchDelay, l.muteWatches
	l.mu.Unlock()

	resp := &record.WatchResponse{RequestID: req.RequestID}
	if msg != "" {
		resp.Error = msg
	} else {
		sub := &watchSub{
			id:         newID(),
			owner:      owner,
			collection: req.CollectionName,
			cb:         eventCb,
			requestID:  req.RequestID,
			box:        newMailbox(),
		}
		b.mu.Lock()
		b.watches[sub.id] = sub
		b.mu.Unlock()
		resp.Success, resp.WatchID = true, sub.id
	}
	if mute {
		return
	}
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		l.gate.RLock()
		defer l.gate.RUnlock()
		if l.ownerFreed(owner) {
			return
		}
		l.invoke(cb, l.heap.publish(resp, native.SymFreeWatchResponse))
	}()
}

func (b *bus) unwatch(id string) error {
	b.mu.Lock()
	sub, ok := b.watches[id]
	delete(b.watches, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("Watch %s not found", id)
	}
	sub.box.close()
	return nil
}

// notifyWatches tells every watch on collection about a change. doc is the
// changed document as JSON.
func (b *bus) notifyWatches(collection, op, doc string) {
	b.mu.Lock()
	var subs []*watchSub
	for _, w := range b.watches {
		if w.collection == collection {
			subs = append(subs, w)
		}
	}
	b.mu.Unlock()
	for _, w := range subs {
		ev := &record.WatchEvent{ID: w.id, Operation: op, Document: doc, RequestID: w.requestID}
		w.box.post(func() {
			b.l.deliver(w.cb, w.owner, nil, ev, native.SymFreeWatchEvent)
		})
	}
}

func (b *bus) registerQueue(owner uintptr, req record.RegisterQueueRequest, cb uintptr) (string, error) {
	name := req.QueueName
	if name == "" {
		name = "q." + newID()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, taken := b.queues[name]; taken {
		return "", fmt.Errorf("Queue %s is already registered", name)
	}
	b.queues[name] = &consumer{queue: name, owner: owner, cb: cb, requestID: req.RequestID, box: newMailbox()}
	return name, nil
}

// registerExchange binds a new queue to the exchange. With addqueue the
// queue also accepts messages sent to it by name.
func (b *bus) registerExchange(owner uintptr, req record.RegisterExchangeRequest, cb uintptr) (string, error) {
	if req.ExchangeName == "" {
		return "", fmt.Errorf("exchangename is required")
	}
	algorithm := req.Algorithm
	switch algorithm {
	case "":
		algorithm = "fanout"
	case "fanout", "direct":
	default:
		return "", fmt.Errorf("Unsupported exchange algorithm %s", algorithm)
	}
	c := &consumer{
		queue:      "x." + newID(),
		owner:      owner,
		cb:         cb,
		requestID:  req.RequestID,
		box:        newMailbox(),
		exchange:   req.ExchangeName,
		algorithm:  algorithm,
		routingKey: req.RoutingKey,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[c.exchange] = append(b.exchanges[c.exchange], c)
	if req.AddQueue {
		b.queues[c.queue] = c
	}
	return c.queue, nil
}

func (b *bus) unregisterQueue(owner uintptr, name string) error {
	b.mu.Lock()
	c, ok := b.queues[name]
	if !ok {
		c = b.exchangeConsumer(name)
	}
	if c == nil || c.owner != owner {
		b.mu.Unlock()
		return fmt.Errorf("Queue %s is not registered", name)
	}
	b.removeConsumer(c)
	b.mu.Unlock()
	c.box.close()
	return nil
}

func (b *bus) exchangeConsumer(queue string) *consumer {
	for _, cs := range b.exchanges {
		for _, c := range cs {
			if c.queue == queue {
				return c
			}
		}
	}
	return nil
}

func (b *bus) removeConsumer(c *consumer) {
	if b.queues[c.queue] == c {
		delete(b.queues, c.queue)
	}
	if c.exchange == "" {
		return
	}
	cs := b.exchanges[c.exchange]
	for i, e := range cs {
		if e == c {
			b.exchanges[c.exchange] = append(cs[:i:i], cs[i+1:]...)
			break
		}
	}
	if len(b.exchanges[c.exchange]) == 0 {
		delete(b.exchanges, c.exchange)
	}
}

// send routes one message. Reply queues of pending RPCs win over
// consumers; a queue nobody listens on drops the message.
func (b *bus) send(req record.QueueMessageRequest) error {
	if req.QueueName == "" && req.ExchangeName == "" {
		return fmt.Errorf("queuename or exchangename is required")
	}
	ev := record.QueueEvent{
		QueueName:     req.QueueName,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
		RoutingKey:    req.RoutingKey,
		ExchangeName:  req.ExchangeName,
		Data:          req.Data,
	}

	b.mu.Lock()
	var targets []*consumer
	if req.ExchangeName != "" {
		for _, c := range b.exchanges[req.ExchangeName] {
			if c.algorithm == "fanout" || c.routingKey == req.RoutingKey {
				targets = append(targets, c)
			}
		}
	} else if w, ok := b.waiters[req.QueueName]; ok {
		b.mu.Unlock()
		select {
		case w <- ev:
		default:
		}
		return nil
	} else if c, ok := b.queues[req.QueueName]; ok {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		e := ev
		e.RequestID = c.requestID
		if e.QueueName == "" {
			e.QueueName = c.queue
		}
		c.box.post(func() {
			b.l.deliver(c.cb, c.owner, nil, &e, native.SymFreeQueueEvent)
		})
	}
	return nil
}

// request sends req with a private reply queue and waits for the answer.
// A timeout of zero or less uses the client default.
func (b *bus) request(owner uintptr, req record.QueueMessageRequest, timeout int32) (string, error) {
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
		b.l.withClient(owner, func(c *client) { timeout = c.timeout })
	}
	reply := "rpc." + newID()
	ch := make(chan record.QueueEvent, 1)
	b.mu.Lock()
	b.waiters[reply] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, reply)
		b.mu.Unlock()
	}()

	req.ReplyTo = reply
	if req.CorrelationID == "" {
		req.CorrelationID = newID()
	}
	if err := b.send(req); err != nil {
		return "", err
	}
	select {
	case ev := <-ch:
		return ev.Data, nil
	case <-time.After(time.Duration(timeout) * time.Second):
		return "", fmt.Errorf("RPC to %s timed out after %d seconds", req.QueueName+req.ExchangeName, timeout)
	}
}

func (b *bus) rpc(owner uintptr, req record.QueueMessageRequest, timeout int32) uintptr {
	resp := &record.ResultResponse{RequestID: req.RequestID}
	if msg := b.precondition(owner); msg != "" {
		resp.Error = msg
	} else if data, err := b.request(owner, req, timeout); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success, resp.Result = true, data
	}
	return b.l.heap.publish(resp, native.SymFreeRPCResponse)
}

// invokeOpenRPA sends an invoke command to the robot's queue. Without rpc
// it returns as soon as the command is queued.
func (b *bus) invokeOpenRPA(owner uintptr, req record.InvokeOpenRPARequest, timeout int32) uintptr {
	resp := &record.ResultResponse{RequestID: req.RequestID}
	fail := func(msg string) uintptr {
		resp.Error = msg
		return b.l.heap.publish(resp, native.SymFreeInvokeOpenRPAResponse)
	}
	if msg := b.precondition(owner); msg != "" {
		return fail(msg)
	}
	if req.RobotID == "" || req.WorkflowID == "" {
		return fail("robotid and workflowid are required")
	}
	var payload any = map[string]any{}
	if req.Payload != "" {
		if err := json.Unmarshal([]byte(req.Payload), &payload); err != nil {
			return fail(fmt.Sprintf("invalid payload: %v", err))
		}
	}
	data, _ := json.Marshal(map[string]any{
		"command":    "invoke",
		"workflowid": req.WorkflowID,
		"data":       payload,
	})
	msg := record.QueueMessageRequest{QueueName: req.RobotID, Data: string(data)}
	if !req.RPC {
		if err := b.send(msg); err != nil {
			return fail(err.Error())
		}
		resp.Success = true
		return b.l.heap.publish(resp, native.SymFreeInvokeOpenRPAResponse)
	}
	result, err := b.request(owner, msg, timeout)
	if err != nil {
		return fail(err.Error())
	}
	resp.Success, resp.Result = true, result
	return b.l.heap.publish(resp, native.SymFreeInvokeOpenRPAResponse)
}

func (b *bus) onClientEvent(owner, cb uintptr) string {
	sub := &eventSub{id: newID(), owner: owner, cb: cb, box: newMailbox()}
	b.mu.Lock()
	b.events[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// offClientEvent waits for a delivery in progress, so the callback is
// never called once it returns.
func (b *bus) offClientEvent(id string) error {
	b.l.gate.Lock()
	b.mu.Lock()
	sub, ok := b.events[id]
	delete(b.events, id)
	b.mu.Unlock()
	if ok {
		sub.stopped.Store(true)
	}
	b.l.gate.Unlock()
	if !ok {
		return fmt.Errorf("Client event %s not found", id)
	}
	sub.box.close()
	return nil
}

// emitClientEvent notifies the subscriptions of owner, or of every client
// when owner is zero.
func (b *bus) emitClientEvent(owner uintptr, event, reason string) {
	b.mu.Lock()
	var subs []*eventSub
	for _, s := range b.events {
		if owner == 0 || s.owner == owner {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()
	for _, s := range subs {
		ev := &record.ClientEvent{Event: event, Reason: reason}
		s.box.post(func() {
			b.l.deliver(s.cb, s.owner, &s.stopped, ev, native.SymFreeClientEvent)
		})
	}
}

// dropOwner tears down everything a released client left registered.
func (b *bus) dropOwner(owner uintptr) {
	var boxes []*mailbox
	b.mu.Lock()
	for id, w := range b.watches {
		if w.owner == owner {
			delete(b.watches, id)
			boxes = append(boxes, w.box)
		}
	}
	seen := map[*consumer]bool{}
	var owned []*consumer
	for _, c := range b.queues {
		if c.owner == owner && !seen[c] {
			seen[c] = true
			owned = append(owned, c)
		}
	}
	for _, cs := range b.exchanges {
		for _, c := range cs {
			if c.owner == owner && !seen[c] {
				seen[c] = true
				owned = append(owned, c)
			}
		}
	}
	for _, c := range owned {
		b.removeConsumer(c)
		boxes = append(boxes, c.box)
	}
	for id, s := range b.events {
		if s.owner == owner {
			delete(b.events, id)
			boxes = append(boxes, s.box)
		}
	}
	b.mu.Unlock()
	for _, m := range boxes {
		m.close()
	}
}

// Subscriptions counts live watches, queues, exchange bindings and client
// event subscriptions.
func (l *Library) Subscriptions() int {
	b := l.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.watches) + len(b.events)
	seen := map[*consumer]bool{}
	for _, c := range b.queues {
		seen[c] = true
	}
	for _, cs := range b.exchanges {
		for _, c := range cs {
			seen[c] = true
		}
	}
	return n + len(seen)
}
