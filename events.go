package openiap

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

// eventSub owns its trampoline: client events carry no correlation key.
type eventSub struct {
	id      string
	tramp   *native.Trampoline
	handler ClientEventHandler
	active  atomic.Bool
}

// OnClientEvent subscribes to connection state events and returns the
// subscription id.
func (c *Client) OnClientEvent(ctx context.Context, handler ClientEventHandler) (string, error) {
	const op = "on_client_event"
	if handler == nil {
		return "", newError(KindPrecondition, op, "handler is required")
	}
	var id string
	err := c.run(ctx, op, false, func(*cstruct.Arena) error {
		sub := &eventSub{handler: handler}
		sub.active.Store(true)
		t, err := c.b.pool.Acquire(func(arg uintptr) { c.onClientEvent(sub, arg) })
		if err != nil {
			return wrapError(KindPrecondition, op, err)
		}
		sub.tramp = t

		resp, err := guard[record.ClientEventResponse](c.lib, op, native.SymFreeEventResponse,
			c.lib.Call(native.SymOnClientEventAsync, c.handle, t.Addr()))
		if err != nil {
			sub.active.Store(false)
			t.Release()
			return err
		}
		sub.id = resp.EventID
		c.events.Add(sub.id, sub)
		c.b.metrics.subscribed("client_event", 1)
		id = sub.id
		return nil
	})
	return id, err
}

// OffClientEvent ends a client event subscription.
func (c *Client) OffClientEvent(ctx context.Context, eventID string) error {
	const op = "off_client_event"
	return c.run(ctx, op, false, func(a *cstruct.Arena) error {
		sub, ok := c.events.Take(eventID)
		if !ok {
			return newError(KindPrecondition, op, fmt.Sprintf("unknown client event subscription %q", eventID))
		}
		return c.offClientEvent(a, sub)
	})
}

// offClientEvent stops delivery, unregisters natively, then recycles the
// trampoline.
func (c *Client) offClientEvent(a *cstruct.Arena, sub *eventSub) error {
	const op = "off_client_event"
	sub.active.Store(false)
	c.b.metrics.subscribed("client_event", -1)
	id, err := cstring(a, op, sub.id)
	if err != nil {
		return err
	}
	_, err = guard[record.BareResponse](c.lib, op, native.SymFreeOffEventResponse,
		c.lib.Call(native.SymOffClientEvent, id))
	sub.tramp.Release()
	return err
}

func (c *Client) onClientEvent(sub *eventSub, arg uintptr) {
	ev, err := takeEvent[record.ClientEvent](c.lib, native.SymFreeClientEvent, arg)
	if err != nil {
		c.log.Error("decode client event", "err", err)
		return
	}
	key := fmt.Sprintf("client_event:%p", sub)
	if !sub.active.Load() {
		c.b.discarded("client_event", key)
		return
	}
	c.deliver("client_event", key, func() {
		if !sub.active.Load() {
			c.b.discarded("client_event", key)
			return
		}
		sub.handler(ClientEvent{Event: ev.Event, Reason: ev.Reason})
	})
}
