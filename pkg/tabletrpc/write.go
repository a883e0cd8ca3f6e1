package tabletrpc

import (
	"context"

	"routeclient/pkg/invoker"
	"routeclient/pkg/types"
)

const MethodWrite = "Write"

type WriteOp struct {
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

type WriteRequest struct {
	TabletID types.TabletID `json:"tablet_id"`
	Ops      []WriteOp      `json:"ops"`
}

type WriteResponse struct {
	Error   *invoker.ServerError `json:"error,omitempty"`
	Applied int                  `json:"applied"`
}

// WriteRPC applies a batch of operations on the tablet leader.
type WriteRPC struct {
	*call[WriteRequest, WriteResponse]
}

func NewWriteRPC(req WriteRequest, callback func(*WriteResponse, error), opts Options) *WriteRPC {
	return &WriteRPC{newCall(MethodWrite, req.TabletID, invoker.LeaderOnly, &req,
		func(r *WriteResponse) *invoker.ServerError { return r.Error }, callback, opts)}
}

func (r *WriteRPC) SendRPC() { r.inv.Execute(true) }

// Write sends req and waits for the outcome, bounded by ctx.
func Write(ctx context.Context, req WriteRequest, opts Options) (*WriteResponse, error) {
	results, cb := collect[WriteResponse]()
	rpc := NewWriteRPC(req, cb, withContextDeadline(ctx, opts))
	return wait(ctx, results, rpc.SendRPC, rpc.Abort)
}
