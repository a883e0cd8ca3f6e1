package tabletrpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"routeclient/pkg/invoker"
	"routeclient/pkg/types"
)

const MethodGetChanges = "GetChanges"

// CDCErrorCode is an error of the change-feed service.
type CDCErrorCode int

const (
	CDCUnknownError CDCErrorCode = iota
	CDCTabletNotFound
	CDCLeaderNotReady
	CDCCheckpointTooOld
	CDCInvalidRequest
)

var cdcErrorCodeNames = map[CDCErrorCode]string{
	CDCUnknownError:     "UNKNOWN_ERROR",
	CDCTabletNotFound:   "TABLET_NOT_FOUND",
	CDCLeaderNotReady:   "LEADER_NOT_READY",
	CDCCheckpointTooOld: "CHECKPOINT_TOO_OLD",
	CDCInvalidRequest:   "INVALID_REQUEST",
}

func (c CDCErrorCode) String() string {
	if s, ok := cdcErrorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CDCErrorCode(%d)", int(c))
}

func (c CDCErrorCode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *CDCErrorCode) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for code, name := range cdcErrorCodeNames {
		if name == s {
			*c = code
			return nil
		}
	}
	return errors.Errorf("unknown cdc error code %q", string(b))
}

type CDCError struct {
	Code    CDCErrorCode `json:"code"`
	Message string       `json:"message,omitempty"`
}

func (e *CDCError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// OpID is a position in a tablet's log.
type OpID struct {
	Term  uint64 `json:"term"`
	Index uint64 `json:"index"`
}

type ChangeRecord struct {
	OpID  OpID   `json:"op_id"`
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type GetChangesRequest struct {
	StreamID       string         `json:"stream_id"`
	TabletID       types.TabletID `json:"tablet_id"`
	FromCheckpoint OpID           `json:"from_checkpoint"`
	MaxRecords     int            `json:"max_records,omitempty"`
}

type GetChangesResponse struct {
	Error      *CDCError      `json:"error,omitempty"`
	Records    []ChangeRecord `json:"records"`
	Checkpoint OpID           `json:"checkpoint"`
}

// serverError maps the change-feed errors the invoker can act on. Others are left in the
// response for the caller.
func (r *GetChangesResponse) serverError() *invoker.ServerError {
	if r.Error == nil {
		return nil
	}
	switch r.Error.Code {
	case CDCTabletNotFound:
		return &invoker.ServerError{Code: invoker.CodeTabletNotFound, Message: r.Error.Message}
	case CDCLeaderNotReady:
		return &invoker.ServerError{Code: invoker.CodeLeaderNotReadyToServe, Message: r.Error.Message}
	default:
		return nil
	}
}

// GetChangesRPC reads a batch of changes of one tablet from its leader.
type GetChangesRPC struct {
	*call[GetChangesRequest, GetChangesResponse]
}

func NewGetChangesRPC(req GetChangesRequest, callback func(*GetChangesResponse, error), opts Options) *GetChangesRPC {
	return &GetChangesRPC{newCall(MethodGetChanges, req.TabletID, invoker.LeaderOnly, &req,
		(*GetChangesResponse).serverError, callback, opts)}
}

func (r *GetChangesRPC) SendRPC() { r.inv.Execute(false) }

// GetChanges sends req and waits for the outcome, bounded by ctx.
func GetChanges(ctx context.Context, req GetChangesRequest, opts Options) (*GetChangesResponse, error) {
	results, cb := collect[GetChangesResponse]()
	rpc := NewGetChangesRPC(req, cb, withContextDeadline(ctx, opts))
	return wait(ctx, results, rpc.SendRPC, rpc.Abort)
}
