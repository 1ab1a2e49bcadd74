package openiap

import (
	"context"
	"time"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

// CustomCommand runs a server command outside the typed API and returns
// its raw result. A zero timeout uses the client default.
func (c *Client) CustomCommand(ctx context.Context, opts CustomCommandOptions, timeout time.Duration) (string, error) {
	const op = "custom_command"
	if opts.Command == "" {
		return "", newError(KindPrecondition, op, "command is required")
	}
	var out string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.CustomCommandRequest{
			Command:   opts.Command,
			ID:        opts.ID,
			Name:      opts.Name,
			Data:      opts.Data,
			RequestID: c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.ResultResponse](c.lib, op, native.SymFreeCustomCommandResponse,
			c.lib.Call(native.SymCustomCommand, c.handle, req, uintptr(seconds(timeout))))
		out = resp.Result
		return err
	})
	return out, err
}

// InvokeOpenRPA starts a workflow on an OpenRPA robot. With opts.RPC set
// it waits for and returns the workflow's output.
func (c *Client) InvokeOpenRPA(ctx context.Context, opts InvokeOpenRPAOptions, timeout time.Duration) (string, error) {
	const op = "invoke_openrpa"
	if opts.RobotID == "" || opts.WorkflowID == "" {
		return "", newError(KindPrecondition, op, "robot id and workflow id are required")
	}
	var out string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.InvokeOpenRPARequest{
			RobotID:    opts.RobotID,
			WorkflowID: opts.WorkflowID,
			Payload:    opts.Payload,
			RPC:        opts.RPC,
			RequestID:  c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.ResultResponse](c.lib, op, native.SymFreeInvokeOpenRPAResponse,
			c.lib.Call(native.SymInvokeOpenRPA, c.handle, req, uintptr(seconds(timeout))))
		out = resp.Result
		return err
	})
	return out, err
}
