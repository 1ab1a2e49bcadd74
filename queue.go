package openiap

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

// rpcGrace is added to the native RPC timeout so the binding's own bound
// always expires first and reports ErrTimeout.
const rpcGrace = time.Second

type queueSub struct {
	queue    QueueHandler
	exchange ExchangeHandler
}

// RegisterQueue consumes messages from queue. An empty name asks the
// server for a temporary queue. It returns the queue name.
func (c *Client) RegisterQueue(ctx context.Context, queue string, handler QueueHandler) (string, error) {
	const op = "register_queue"
	if handler == nil {
		return "", newError(KindPrecondition, op, "handler is required")
	}
	var name string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		id := c.b.requestID()
		req, err := encode(a, op, &record.RegisterQueueRequest{QueueName: queue, RequestID: id})
		if err != nil {
			return err
		}
		name, err = c.subscribeQueue(op, id, &queueSub{queue: handler}, native.SymFreeRegisterQueueResponse,
			func() uintptr { return c.lib.Call(native.SymRegisterQueueAsync, c.handle, req, c.queueEvent) })
		return err
	})
	return name, err
}

// RegisterExchange binds a new queue to an exchange and returns the
// queue's name.
func (c *Client) RegisterExchange(ctx context.Context, opts ExchangeOptions, handler ExchangeHandler) (string, error) {
	const op = "register_exchange"
	if handler == nil {
		return "", newError(KindPrecondition, op, "handler is required")
	}
	var name string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		id := c.b.requestID()
		req, err := encode(a, op, &record.RegisterExchangeRequest{
			ExchangeName: opts.Exchange,
			Algorithm:    opts.Algorithm,
			RoutingKey:   opts.RoutingKey,
			AddQueue:     opts.AddQueue,
			RequestID:    id,
		})
		if err != nil {
			return err
		}
		name, err = c.subscribeQueue(op, id, &queueSub{exchange: handler}, native.SymFreeRegisterExchangeResponse,
			func() uintptr { return c.lib.Call(native.SymRegisterExchangeAsync, c.handle, req, c.exchangeEvent) })
		return err
	})
	return name, err
}

// subscribeQueue registers sub under id before issuing the native call.
func (c *Client) subscribeQueue(op string, id int32, sub *queueSub, freeSym string, issue func() uintptr) (string, error) {
	c.queues.Add(id, sub)
	resp, err := guard[record.QueueResponse](c.lib, op, freeSym, issue())
	if err != nil {
		c.queues.Remove(id)
		return "", err
	}
	c.queueNames.Add(resp.QueueName, id)
	c.b.metrics.subscribed("queue", 1)
	c.log.Debug("consuming", "op", op, "queue", resp.QueueName)
	return resp.QueueName, nil
}

// UnregisterQueue stops consuming a queue registered by RegisterQueue or
// RegisterExchange.
func (c *Client) UnregisterQueue(ctx context.Context, queue string) error {
	const op = "unregister_queue"
	return c.call(ctx, op, func(a *cstruct.Arena) error {
		if id, ok := c.queueNames.Take(queue); ok {
			if c.queues.Remove(id) {
				c.b.metrics.subscribed("queue", -1)
			}
		}
		return c.unregisterQueue(a, queue)
	})
}

func (c *Client) unregisterQueue(a *cstruct.Arena, queue string) error {
	const op = "unregister_queue"
	name, err := cstring(a, op, queue)
	if err != nil {
		return err
	}
	_, err = guard[record.BareResponse](c.lib, op, native.SymFreeUnregisterQueueResponse,
		c.lib.Call(native.SymUnregisterQueue, c.handle, name))
	return err
}

func messageRequest(op string, opts QueueMessageOptions, id int32) (*record.QueueMessageRequest, error) {
	if opts.Queue == "" && opts.Exchange == "" {
		return nil, newError(KindPrecondition, op, "queue or exchange is required")
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.NewString()
	}
	return &record.QueueMessageRequest{
		QueueName:     opts.Queue,
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		RoutingKey:    opts.RoutingKey,
		ExchangeName:  opts.Exchange,
		Data:          opts.Data,
		StripToken:    opts.StripToken,
		Expiration:    opts.Expiration,
		RequestID:     id,
	}, nil
}

// QueueMessage sends a message to a queue or an exchange without waiting
// for a reply.
func (c *Client) QueueMessage(ctx context.Context, opts QueueMessageOptions) error {
	const op = "queue_message"
	return c.call(ctx, op, func(a *cstruct.Arena) error {
		rec, err := messageRequest(op, opts, c.b.requestID())
		if err != nil {
			return err
		}
		req, err := encode(a, op, rec)
		if err != nil {
			return err
		}
		_, err = guard[record.BareResponse](c.lib, op, native.SymFreeQueueMessageResponse,
			c.lib.Call(native.SymQueueMessage, c.handle, req))
		return err
	})
}

// RPC sends a message and waits for the reply. A timeout of zero uses the
// configured RPC timeout.
func (c *Client) RPC(ctx context.Context, opts QueueMessageOptions, timeout time.Duration) (string, error) {
	const op = "rpc"
	if timeout <= 0 {
		timeout = c.b.cfg.RPCTimeout
	}
	var reply string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		id := c.b.requestID()
		rec, err := messageRequest(op, opts, id)
		if err != nil {
			return err
		}
		req, err := encode(a, op, rec)
		if err != nil {
			return err
		}
		reply, err = c.rpcs.Call(ctx, op, id, timeout, func() error {
			c.lib.Call(native.SymRPCAsync, c.handle, req, c.rpcResp, uintptr(seconds(addGrace(timeout, rpcGrace))))
			return nil
		})
		if IsKind(err, KindTimeout) {
			c.b.metrics.recordTimeout(op)
			c.log.Warn("rpc timed out", "queue", opts.Queue, "exchange", opts.Exchange, "timeout", timeout)
		}
		return err
	})
	return reply, err
}

// RPCSync is RPC on the native blocking call. The native side enforces
// the timeout, so ctx is only checked before the call.
func (c *Client) RPCSync(ctx context.Context, opts QueueMessageOptions, timeout time.Duration) (string, error) {
	const op = "rpc"
	if timeout <= 0 {
		timeout = c.b.cfg.RPCTimeout
	}
	var reply string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		rec, err := messageRequest(op, opts, c.b.requestID())
		if err != nil {
			return err
		}
		req, err := encode(a, op, rec)
		if err != nil {
			return err
		}
		resp, err := guard[record.ResultResponse](c.lib, op, native.SymFreeRPCResponse,
			c.lib.Call(native.SymRPC, c.handle, req, uintptr(seconds(timeout))))
		reply = resp.Result
		return err
	})
	return reply, err
}

// onRPCResponse receives rpc_async replies. The record is ours to release.
func (c *Client) onRPCResponse(arg uintptr) {
	resp, err := guard[record.ResultResponse](c.lib, "rpc", native.SymFreeRPCResponse, arg)
	if !c.rpcs.Complete(resp.RequestID, resp.Result, err) {
		c.b.discarded("rpc", resp.RequestID)
	}
}

// onQueueEvent receives queue and exchange messages. The record is ours to
// release; returning 0 means the library sends no reply itself.
func (c *Client) onQueueEvent(kind string, arg uintptr) {
	ev, err := takeEvent[record.QueueEvent](c.lib, native.SymFreeQueueEvent, arg)
	if err != nil {
		c.log.Error("decode queue event", "kind", kind, "err", err)
		return
	}
	sub, ok := c.queues.Get(ev.RequestID)
	if !ok {
		c.b.discarded(kind, ev.QueueName)
		return
	}
	qe := QueueEvent{
		QueueName:     ev.QueueName,
		CorrelationID: ev.CorrelationID,
		ReplyTo:       ev.ReplyTo,
		RoutingKey:    ev.RoutingKey,
		ExchangeName:  ev.ExchangeName,
		Data:          ev.Data,
	}
	c.deliver(kind, kind+":"+ev.QueueName, func() {
		if _, live := c.queues.Get(ev.RequestID); !live {
			c.b.discarded(kind, ev.QueueName)
			return
		}
		if sub.exchange != nil {
			sub.exchange(qe)
			return
		}
		if reply := sub.queue(qe); reply != "" && qe.ReplyTo != "" {
			c.reply(qe, reply)
		}
	})
}

func (c *Client) reply(ev QueueEvent, data string) {
	err := c.QueueMessage(context.Background(), QueueMessageOptions{
		Queue:         ev.ReplyTo,
		CorrelationID: ev.CorrelationID,
		Data:          data,
	})
	if err != nil {
		c.log.Warn("queue reply failed", "replyto", ev.ReplyTo, "err", err)
	}
}
