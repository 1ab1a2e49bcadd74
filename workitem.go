package openiap

import (
	"context"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

// PushWorkitem adds a work item to a work item queue and returns it as
// stored.
func (c *Client) PushWorkitem(ctx context.Context, opts PushWorkitemOptions) (*Workitem, error) {
	const op = "push_workitem"
	if opts.Wiq == "" && opts.WiqID == "" {
		return nil, newError(KindPrecondition, op, "wiq or wiqid is required")
	}
	var wi *Workitem
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.PushWorkitemRequest{
			Wiq:          opts.Wiq,
			WiqID:        opts.WiqID,
			Name:         opts.Name,
			Payload:      opts.Payload,
			NextRun:      unixSeconds(opts.NextRun),
			SuccessWiqID: opts.SuccessWiqID,
			FailedWiqID:  opts.FailedWiqID,
			SuccessWiq:   opts.SuccessWiq,
			FailedWiq:    opts.FailedWiq,
			Priority:     opts.Priority,
			Files:        fileRecords(opts.Files),
			RequestID:    c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.WorkitemResponse](c.lib, op, native.SymFreePushWorkitemResponse,
			c.lib.Call(native.SymPushWorkitem, c.handle, req))
		wi = resp.Workitem
		return err
	})
	return wi, err
}

// PopWorkitem claims the next due work item, or returns nil when the queue
// has none. Attached files are written to opts.DownloadFolder when set.
func (c *Client) PopWorkitem(ctx context.Context, opts PopWorkitemOptions) (*Workitem, error) {
	const op = "pop_workitem"
	if opts.Wiq == "" && opts.WiqID == "" {
		return nil, newError(KindPrecondition, op, "wiq or wiqid is required")
	}
	var wi *Workitem
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.PopWorkitemRequest{
			Wiq:       opts.Wiq,
			WiqID:     opts.WiqID,
			RequestID: c.b.requestID(),
		})
		if err != nil {
			return err
		}
		var folder uintptr
		if opts.DownloadFolder != "" {
			if folder, err = cstring(a, op, opts.DownloadFolder); err != nil {
				return err
			}
		}
		resp, err := guard[record.WorkitemResponse](c.lib, op, native.SymFreePopWorkitemResponse,
			c.lib.Call(native.SymPopWorkitem, c.handle, req, folder))
		wi = resp.Workitem
		return err
	})
	return wi, err
}

// UpdateWorkitem saves a work item. Setting State to "retry" requeues it
// until its retries run out; "successful" and "failed" close it.
func (c *Client) UpdateWorkitem(ctx context.Context, opts UpdateWorkitemOptions) (*Workitem, error) {
	const op = "update_workitem"
	if opts.Workitem == nil || opts.Workitem.ID == "" {
		return nil, newError(KindPrecondition, op, "workitem with an id is required")
	}
	var wi *Workitem
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.UpdateWorkitemRequest{
			Workitem:         opts.Workitem,
			IgnoreMaxRetries: opts.IgnoreMaxRetries,
			Files:            fileRecords(opts.Files),
			RequestID:        c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.WorkitemResponse](c.lib, op, native.SymFreeUpdateWorkitemResponse,
			c.lib.Call(native.SymUpdateWorkitem, c.handle, req))
		wi = resp.Workitem
		return err
	})
	return wi, err
}

func (c *Client) DeleteWorkitem(ctx context.Context, id string) error {
	const op = "delete_workitem"
	return c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.DeleteWorkitemRequest{ID: id, RequestID: c.b.requestID()})
		if err != nil {
			return err
		}
		_, err = guard[record.StatusResponse](c.lib, op, native.SymFreeDeleteWorkitemResponse,
			c.lib.Call(native.SymDeleteWorkitem, c.handle, req))
		return err
	})
}
