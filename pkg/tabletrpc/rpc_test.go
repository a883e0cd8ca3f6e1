package tabletrpc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"routeclient/pkg/coderr"
	"routeclient/pkg/invoker"
	"routeclient/pkg/types"
)

func TestWriteThenReadFromLeader(t *testing.T) {
	c := newTestCluster(t, types.RoleLeader, types.RoleFollower)
	ctx := testContext(t)

	w, err := Write(ctx, WriteRequest{TabletID: testTablet, Ops: []WriteOp{
		{Key: "apple", Value: "red"},
		{Key: "banana", Value: "yellow"},
	}}, c.options())
	require.NoError(t, err)
	require.Nil(t, w.Error)
	require.Equal(t, 2, w.Applied)
	require.EqualValues(t, 1, c.ts[0].calls.Load())
	require.Zero(t, c.ts[1].calls.Load())

	r, err := Read(ctx, ReadRequest{TabletID: testTablet, Keys: []string{"apple", "cherry"}}, c.options())
	require.NoError(t, err)
	require.Equal(t, []Row{
		{Key: "apple", Value: "red", Found: true},
		{Key: "cherry", Found: false},
	}, r.Rows)
	require.EqualValues(t, 1, c.dir.calls.Load())
}

func TestWriteFollowsLeaderChange(t *testing.T) {
	c := newTestCluster(t, types.RoleLeader, types.RoleFollower)
	c.ts[0].leader.Store(false)
	c.ts[1].leader.Store(true)

	w, err := Write(testContext(t), WriteRequest{TabletID: testTablet, Ops: []WriteOp{{Key: "k", Value: "v"}}}, c.options())
	require.NoError(t, err)
	require.Equal(t, 1, w.Applied)
	require.EqualValues(t, 1, c.ts[0].calls.Load())
	require.EqualValues(t, 1, c.ts[1].calls.Load())

	rec, ok := c.cache.Tablet(testTablet)
	require.True(t, ok)
	require.Equal(t, types.ServerID("ts2"), rec.LeaderTServer().ID())

	// The new leader is used directly afterwards.
	_, err = Write(testContext(t), WriteRequest{TabletID: testTablet, Ops: []WriteOp{{Key: "k", Delete: true}}}, c.options())
	require.NoError(t, err)
	require.EqualValues(t, 1, c.ts[0].calls.Load())
	require.EqualValues(t, 2, c.ts[1].calls.Load())
}

func TestConsistentPrefixReadUsesAnyReplica(t *testing.T) {
	c := newTestCluster(t, types.RoleLeader, types.RoleFollower)
	c.ts[0].leader.Store(false)

	r, err := Read(testContext(t), ReadRequest{TabletID: testTablet, Keys: []string{"x"}, ConsistentPrefix: true}, c.options())
	require.NoError(t, err)
	require.Nil(t, r.Error)
	require.Len(t, r.Rows, 1)
	require.EqualValues(t, 1, c.ts[0].calls.Load()+c.ts[1].calls.Load())
}

func TestLocalReadPrefersLocalServer(t *testing.T) {
	c := newTestCluster(t, types.RoleLeader, types.RoleFollower)
	local := c.ts[1]
	_, err := c.cache.LookupTabletById(testContext(t), testTablet, true)
	require.NoError(t, err)
	desc, ok := c.cache.Servers().Get(local.id)
	require.True(t, ok)
	h, err := c.cache.Servers().Handle(desc)
	require.NoError(t, err)
	c.cache.Servers().SetLocalServer(desc.Info(), h, func() error { return nil })

	results, cb := collect[ReadResponse]()
	rpc := NewLocalReadRPC(ReadRequest{TabletID: testTablet, Keys: []string{"x"}, ConsistentPrefix: true}, cb, c.options())
	resp, err := wait(testContext(t), results, rpc.SendRPC, rpc.Abort)
	require.NoError(t, err)
	require.Len(t, resp.Rows, 1)
	require.EqualValues(t, 1, local.calls.Load())
	require.Zero(t, c.ts[0].calls.Load())
	require.Equal(t, local.id, rpc.Invoker().CurrentServer().ID())
}

func TestGetChangesRetriesMappedErrors(t *testing.T) {
	for _, code := range []CDCErrorCode{CDCLeaderNotReady, CDCTabletNotFound} {
		t.Run(code.String(), func(t *testing.T) {
			c := newTestCluster(t, types.RoleLeader)
			ctx := testContext(t)
			_, err := Write(ctx, WriteRequest{TabletID: testTablet, Ops: []WriteOp{
				{Key: "a", Value: "1"}, {Key: "b", Value: "2"}, {Key: "c", Value: "3"},
			}}, c.options())
			require.NoError(t, err)

			c.ts[0].mu.Lock()
			c.ts[0].cdcErrors = []CDCErrorCode{code}
			c.ts[0].mu.Unlock()

			resp, err := GetChanges(ctx, GetChangesRequest{
				StreamID:       "stream-1",
				TabletID:       testTablet,
				FromCheckpoint: OpID{Term: 1, Index: 1},
				MaxRecords:     10,
			}, c.options())
			require.NoError(t, err)
			// The error of the failed attempt is not carried into the final response.
			require.Nil(t, resp.Error)
			require.Len(t, resp.Records, 2)
			require.Equal(t, OpID{Term: 1, Index: 3}, resp.Checkpoint)
			require.EqualValues(t, 3, c.ts[0].calls.Load())
			require.EqualValues(t, 2, c.dir.calls.Load())
		})
	}
}

func TestGetChangesReturnsUnmappedErrorsInResponse(t *testing.T) {
	c := newTestCluster(t, types.RoleLeader)
	c.ts[0].cdcErrors = []CDCErrorCode{CDCCheckpointTooOld}

	resp, err := GetChanges(testContext(t), GetChangesRequest{StreamID: "s", TabletID: testTablet}, c.options())
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, CDCCheckpointTooOld, resp.Error.Code)
	require.EqualValues(t, 1, c.ts[0].calls.Load())
}

func TestGetChangesResponseErrorMapping(t *testing.T) {
	cases := []struct {
		code CDCErrorCode
		want *invoker.ServerErrorCode
	}{
		{CDCTabletNotFound, codePtr(invoker.CodeTabletNotFound)},
		{CDCLeaderNotReady, codePtr(invoker.CodeLeaderNotReadyToServe)},
		{CDCCheckpointTooOld, nil},
		{CDCInvalidRequest, nil},
		{CDCUnknownError, nil},
	}
	for _, tc := range cases {
		resp := &GetChangesResponse{Error: &CDCError{Code: tc.code, Message: "m"}}
		got := resp.serverError()
		if tc.want == nil {
			require.Nil(t, got, tc.code.String())
			continue
		}
		require.NotNil(t, got, tc.code.String())
		require.Equal(t, *tc.want, got.Code)
		require.Equal(t, "m", got.Message)
	}
	require.Nil(t, (&GetChangesResponse{}).serverError())
}

func codePtr(c invoker.ServerErrorCode) *invoker.ServerErrorCode { return &c }

func TestCDCErrorCodeText(t *testing.T) {
	var c CDCErrorCode
	require.NoError(t, c.UnmarshalText([]byte("leader_not_ready")))
	require.Equal(t, CDCLeaderNotReady, c)
	require.Error(t, c.UnmarshalText([]byte("NOPE")))
	b, err := CDCTabletNotFound.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "TABLET_NOT_FOUND", string(b))
}

func TestCallbackInvokedOnceUnderRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		core, logs := observer.New(zap.WarnLevel)
		var n atomic.Int32
		rpc := NewWriteRPC(WriteRequest{TabletID: testTablet}, func(*WriteResponse, error) { n.Add(1) },
			Options{Logger: zap.New(core), Deadline: time.Now().Add(time.Second)})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); rpc.Finished(nil) }()
		go func() { defer wg.Done(); rpc.Failed(coderr.NewCodeError(coderr.Aborted, "aborted")) }()
		wg.Wait()

		require.EqualValues(t, 1, n.Load())
		require.Equal(t, 1, logs.FilterMessage("multiple invocation of rpc callback").Len())
	}
}

func TestFirstOutcomeWins(t *testing.T) {
	failure := coderr.NewCodeError(coderr.Aborted, "aborted")
	var got []error
	rpc := NewWriteRPC(WriteRequest{TabletID: testTablet}, func(_ *WriteResponse, err error) { got = append(got, err) },
		Options{Deadline: time.Now().Add(time.Second)})

	rpc.Failed(failure)
	rpc.Finished(nil)
	rpc.Failed(failure)
	require.Len(t, got, 1)
	require.Equal(t, failure, got[0])
}

func TestContextDeadlineBoundsRPC(t *testing.T) {
	c := newTestCluster(t, types.RoleLeader)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	results, cb := collect[WriteResponse]()
	opts := withContextDeadline(ctx, c.options())
	opts.RPCTimeout = 5 * time.Second
	rpc := &WriteRPC{newCall("Hang", testTablet, invoker.LeaderOnly, &WriteRequest{TabletID: testTablet},
		func(r *WriteResponse) *invoker.ServerError { return r.Error }, cb, opts)}

	start := time.Now()
	_, err := wait(ctx, results, rpc.SendRPC, rpc.Abort)
	require.Error(t, err)
	require.True(t, coderr.Is(err, coderr.TimedOut) || coderr.Is(err, coderr.Aborted), "got %v", err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestAbortBeforeSend(t *testing.T) {
	c := newTestCluster(t, types.RoleLeader)
	results, cb := collect[WriteResponse]()
	rpc := NewWriteRPC(WriteRequest{TabletID: testTablet}, cb, c.options())
	rpc.Abort()
	rpc.SendRPC()

	r := <-results
	require.True(t, coderr.Is(r.err, coderr.Aborted), "got %v", r.err)
	require.Zero(t, c.ts[0].calls.Load())
}

func TestWithContextDeadlineKeepsEarlier(t *testing.T) {
	early := time.Now().Add(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.Equal(t, early, withContextDeadline(ctx, Options{Deadline: early}).Deadline)

	opts := withContextDeadline(ctx, Options{})
	d, _ := ctx.Deadline()
	require.Equal(t, d, opts.Deadline)

	require.True(t, withContextDeadline(context.Background(), Options{}).Deadline.IsZero())
}
