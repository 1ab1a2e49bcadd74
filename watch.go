package openiap

import (
	"context"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

type watchSub struct {
	handler WatchHandler
}

// Watch subscribes to changes of a collection and returns the watch id
// once the server confirmed it. Events may reach handler before Watch
// returns.
func (c *Client) Watch(ctx context.Context, opts WatchOptions, handler WatchHandler) (string, error) {
	const op = "watch"
	if handler == nil {
		return "", newError(KindPrecondition, op, "handler is required")
	}
	var watchID string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		id := c.b.requestID()
		req, err := encode(a, op, &record.WatchRequest{
			CollectionName: opts.Collection,
			Paths:          opts.Paths,
			RequestID:      id,
		})
		if err != nil {
			return err
		}

		c.watches.Add(id, &watchSub{handler: handler})
		watchID, err = c.watchStart.Call(ctx, op, id, c.waitTimeout(), func() error {
			c.lib.Call(native.SymWatchAsync, c.handle, req, c.watchResp, c.watchEvent)
			return nil
		})
		if err != nil {
			c.watches.Remove(id)
			if IsKind(err, KindTimeout) {
				c.b.metrics.recordTimeout(op)
				c.log.Warn("watch timed out", "collection", opts.Collection, "request", id)
			}
			return err
		}
		c.watchIDs.Add(watchID, id)
		c.b.metrics.subscribed("watch", 1)
		c.log.Debug("watching", "collection", opts.Collection, "watch", watchID)
		return nil
	})
	return watchID, err
}

// Unwatch removes the watch. Once it returns no further events are
// dispatched to the handler; one already running may still finish.
func (c *Client) Unwatch(ctx context.Context, watchID string) error {
	const op = "unwatch"
	return c.call(ctx, op, func(a *cstruct.Arena) error {
		if id, ok := c.watchIDs.Take(watchID); ok {
			if c.watches.Remove(id) {
				c.b.metrics.subscribed("watch", -1)
			}
		}
		return c.unwatch(a, watchID)
	})
}

func (c *Client) unwatch(a *cstruct.Arena, watchID string) error {
	const op = "unwatch"
	id, err := cstring(a, op, watchID)
	if err != nil {
		return err
	}
	_, err = guard[record.StatusResponse](c.lib, op, native.SymFreeUnwatchResponse,
		c.lib.Call(native.SymUnwatch, c.handle, id))
	return err
}

// onWatchResponse receives the first response of a watch. The record is
// ours to release.
func (c *Client) onWatchResponse(arg uintptr) {
	resp, err := guard[record.WatchResponse](c.lib, "watch", native.SymFreeWatchResponse, arg)
	if c.watchStart.Complete(resp.RequestID, resp.WatchID, err) {
		return
	}
	c.b.discarded("watch_response", resp.RequestID)
	if err == nil && resp.WatchID != "" {
		// The caller gave up; drop the watch the server set up anyway.
		orphan := resp.WatchID
		c.dispatch.Submit("watch:"+orphan, func() {
			if err := c.Unwatch(context.Background(), orphan); err != nil {
				c.log.Debug("unwatch orphaned watch failed", "watch", orphan, "err", err)
			}
		})
	}
}

// onWatchEvent receives change notifications. The record is ours to
// release.
func (c *Client) onWatchEvent(arg uintptr) {
	ev, err := takeEvent[record.WatchEvent](c.lib, native.SymFreeWatchEvent, arg)
	if err != nil {
		c.log.Error("decode watch event", "err", err)
		return
	}
	sub, ok := c.watches.Get(ev.RequestID)
	if !ok {
		c.b.discarded("watch", ev.ID)
		return
	}
	we := WatchEvent{WatchID: ev.ID, Operation: ev.Operation, Document: ev.Document}
	c.deliver("watch", "watch:"+ev.ID, func() {
		if _, live := c.watches.Get(ev.RequestID); !live {
			c.b.discarded("watch", ev.ID)
			return
		}
		sub.handler(we)
	})
}
