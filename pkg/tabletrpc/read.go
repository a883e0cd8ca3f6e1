package tabletrpc

import (
	"context"

	"routeclient/pkg/invoker"
	"routeclient/pkg/types"
)

const MethodRead = "Read"

type ReadRequest struct {
	TabletID types.TabletID `json:"tablet_id"`
	Keys     []string       `json:"keys"`
	// ConsistentPrefix allows reading from any healthy replica.
	ConsistentPrefix bool `json:"consistent_prefix,omitempty"`
}

type Row struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type ReadResponse struct {
	Error *invoker.ServerError `json:"error,omitempty"`
	Rows  []Row                `json:"rows"`
}

type ReadRPC struct {
	*call[ReadRequest, ReadResponse]
	leaderOnly bool
}

// NewReadRPC builds a read. Without ConsistentPrefix it goes to the leader; local reads use
// LocalPreferred through opts.
func NewReadRPC(req ReadRequest, callback func(*ReadResponse, error), opts Options) *ReadRPC {
	policy := invoker.LeaderOnly
	if req.ConsistentPrefix {
		policy = invoker.ConsistentPrefix
	}
	return &ReadRPC{
		call: newCall(MethodRead, req.TabletID, policy, &req,
			func(r *ReadResponse) *invoker.ServerError { return r.Error }, callback, opts),
		leaderOnly: !req.ConsistentPrefix,
	}
}

// NewLocalReadRPC builds a read served by the co-located tablet server.
func NewLocalReadRPC(req ReadRequest, callback func(*ReadResponse, error), opts Options) *ReadRPC {
	return &ReadRPC{
		call: newCall(MethodRead, req.TabletID, invoker.LocalPreferred, &req,
			func(r *ReadResponse) *invoker.ServerError { return r.Error }, callback, opts),
	}
}

func (r *ReadRPC) SendRPC() { r.inv.Execute(r.leaderOnly) }

// Read sends req and waits for the outcome, bounded by ctx.
func Read(ctx context.Context, req ReadRequest, opts Options) (*ReadResponse, error) {
	results, cb := collect[ReadResponse]()
	rpc := NewReadRPC(req, cb, withContextDeadline(ctx, opts))
	return wait(ctx, results, rpc.SendRPC, rpc.Abort)
}
