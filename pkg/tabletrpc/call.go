package tabletrpc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"routeclient/pkg/invoker"
	"routeclient/pkg/metacache"
	"routeclient/pkg/metrics"
	"routeclient/pkg/transport"
	"routeclient/pkg/types"
)

// DefaultTimeout bounds an RPC created without a deadline.
const DefaultTimeout = 15 * time.Second

// Options are shared by all typed RPCs.
type Options struct {
	Locator invoker.Locator
	// Tablet is the resolved tablet, if the caller already has it.
	Tablet *metacache.TabletRecord
	// Deadline of the whole operation. Ignored when Retrier is set.
	Deadline   time.Time
	Backoff    invoker.BackoffOptions
	Retrier    invoker.Retrier
	RPCTimeout time.Duration
	Logger     *zap.Logger
	Metrics    metrics.Collector
}

func (o Options) retrier() invoker.Retrier {
	if o.Retrier != nil {
		return o.Retrier
	}
	deadline := o.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(DefaultTimeout)
	}
	return invoker.NewBackoffRetrier(deadline, o.Backoff)
}

// call binds one request/response pair to a ReplicaInvoker. The callback runs exactly once.
type call[Req, Resp any] struct {
	method   string
	req      *Req
	resp     Resp
	respErr  func(*Resp) *invoker.ServerError
	callback func(*Resp, error)
	inv      *invoker.ReplicaInvoker
	called   atomic.Bool
	logger   *zap.Logger
}

func newCall[Req, Resp any](
	method string,
	tabletID types.TabletID,
	policy invoker.Policy,
	req *Req,
	respErr func(*Resp) *invoker.ServerError,
	callback func(*Resp, error),
	opts Options,
) *call[Req, Resp] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &call[Req, Resp]{
		method:   method,
		req:      req,
		respErr:  respErr,
		callback: callback,
		logger:   logger.With(zap.String("rpc", method), zap.String("tablet", string(tabletID))),
	}
	c.inv = invoker.New(c, opts.Locator, opts.retrier(), invoker.Options{
		TabletID:   tabletID,
		Tablet:     opts.Tablet,
		Policy:     policy,
		RPCTimeout: opts.RPCTimeout,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	return c
}

// SendToServer starts one attempt. The response left by the previous attempt is cleared first.
func (c *call[Req, Resp]) SendToServer(_ int, handle transport.Handle, ctrl *transport.Controller) {
	var zero Resp
	c.resp = zero
	handle.SendAsync(ctrl, c.method, c.req, &c.resp, c.Finished)
}

func (c *call[Req, Resp]) ResponseError() *invoker.ServerError {
	return c.respErr(&c.resp)
}

// Finished is the completion of one attempt.
func (c *call[Req, Resp]) Finished(err error) {
	if terminal, final := c.inv.Done(err); terminal {
		c.invokeCallback(final)
	}
}

func (c *call[Req, Resp]) Failed(err error) {
	c.invokeCallback(err)
}

func (c *call[Req, Resp]) invokeCallback(err error) {
	if !c.called.CompareAndSwap(false, true) {
		c.logger.Warn("multiple invocation of rpc callback", zap.Error(err))
		return
	}
	if err != nil {
		c.callback(nil, err)
		return
	}
	resp := c.resp
	c.callback(&resp, nil)
}

func (c *call[Req, Resp]) Invoker() *invoker.ReplicaInvoker { return c.inv }

func (c *call[Req, Resp]) Abort() { c.inv.Abort() }

// wait runs send and blocks until the callback fires. When ctx ends first the RPC is aborted
// and its outcome is still awaited.
func wait[Resp any](ctx context.Context, results <-chan result[Resp], send func(), abort func()) (*Resp, error) {
	send()
	select {
	case r := <-results:
		return r.resp, r.err
	case <-ctx.Done():
		abort()
		r := <-results
		if r.err != nil {
			return nil, errors.Wrap(r.err, ctx.Err().Error())
		}
		return r.resp, nil
	}
}

type result[Resp any] struct {
	resp *Resp
	err  error
}

func collect[Resp any]() (chan result[Resp], func(*Resp, error)) {
	ch := make(chan result[Resp], 1)
	return ch, func(resp *Resp, err error) { ch <- result[Resp]{resp: resp, err: err} }
}

func withContextDeadline(ctx context.Context, opts Options) Options {
	if d, ok := ctx.Deadline(); ok && opts.Retrier == nil && (opts.Deadline.IsZero() || d.Before(opts.Deadline)) {
		opts.Deadline = d
	}
	return opts
}
