package invoker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"routeclient/pkg/coderr"
	"routeclient/pkg/metacache"
	"routeclient/pkg/metrics"
	"routeclient/pkg/transport"
	"routeclient/pkg/types"
)

const (
	StateInit   = "init"
	StateLookup = "lookup"
	StateSelect = "select"
	StateSent   = "sent"
	StateDone   = "done"
	StateFailed = "failed"

	eventLookup = "lookup"
	eventSelect = "select"
	eventSend   = "send"
	eventFinish = "finish"
	eventFail   = "fail"
)

var invokerEvents = fsm.Events{
	{Name: eventLookup, Src: []string{StateInit, StateSelect, StateSent}, Dst: StateLookup},
	{Name: eventSelect, Src: []string{StateInit, StateLookup, StateSent}, Dst: StateSelect},
	{Name: eventSend, Src: []string{StateSelect}, Dst: StateSent},
	{Name: eventFinish, Src: []string{StateSent}, Dst: StateDone},
	{Name: eventFail, Src: []string{StateInit, StateLookup, StateSelect, StateSent}, Dst: StateFailed},
}

// Command is the operation an invoker drives. SendToServer starts one attempt and reports its
// completion through the invoker's Done; Failed delivers a failure detected by the invoker itself.
type Command interface {
	SendToServer(attempt int, handle transport.Handle, ctrl *transport.Controller)
	ResponseError() *ServerError
	Failed(err error)
}

// Locator resolves tablets and servers.
type Locator interface {
	LookupById(id types.TabletID, deadline time.Time, useCache bool, cb metacache.LookupCallback)
	Servers() *metacache.ServerDirectory
}

type Options struct {
	TabletID types.TabletID
	// Tablet is the already resolved tablet, if any.
	Tablet     *metacache.TabletRecord
	Policy     Policy
	RPCTimeout time.Duration
	Logger     *zap.Logger
	Metrics    metrics.Collector
}

// ReplicaInvoker drives one logical RPC to a tablet through as many attempts as needed.
type ReplicaInvoker struct {
	traceID  string
	tabletID types.TabletID
	policy   Policy
	cmd      Command
	locator  Locator
	retrier  Retrier
	ctrl     *transport.Controller
	fsm      *fsm.FSM
	logger   *zap.Logger
	metrics  metrics.Collector

	mu         sync.Mutex
	tablet     *metacache.TabletRecord
	current    *metacache.ServerDescriptor
	followers  map[types.ServerID]struct{}
	leaderOnly bool
	// guessLeader allows trying a non-leader as the leader: set after a lookup or a redirect.
	guessLeader bool
	// justLookedUp is set by a completed lookup and consumed by the next selection.
	justLookedUp    bool
	assignNewLeader bool
	forceLookup     bool
	aborted         bool
	finished        bool
	attempt         int
}

func New(cmd Command, locator Locator, retrier Retrier, opts Options) *ReplicaInvoker {
	tabletID := opts.TabletID
	if tabletID == "" && opts.Tablet != nil {
		tabletID = opts.Tablet.ID()
	}
	traceID := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctrl := transport.NewController(opts.RPCTimeout)
	ctrl.SetDeadline(retrier.Deadline())
	return &ReplicaInvoker{
		traceID:   traceID,
		tabletID:  tabletID,
		policy:    opts.Policy,
		cmd:       cmd,
		locator:   locator,
		retrier:   retrier,
		ctrl:      ctrl,
		fsm:       fsm.NewFSM(StateInit, invokerEvents, fsm.Callbacks{}),
		logger:    logger.With(zap.String("invoker", traceID), zap.String("tablet", string(tabletID))),
		metrics:   metrics.OrNop(opts.Metrics),
		tablet:    opts.Tablet,
		followers: make(map[types.ServerID]struct{}),
	}
}

func (inv *ReplicaInvoker) TraceID() string { return inv.traceID }

func (inv *ReplicaInvoker) State() string { return inv.fsm.Current() }

func (inv *ReplicaInvoker) Tablet() *metacache.TabletRecord {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.tablet
}

// CurrentServer is the server of the latest attempt.
func (inv *ReplicaInvoker) CurrentServer() *metacache.ServerDescriptor {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.current
}

func (inv *ReplicaInvoker) event(name string) {
	if err := inv.fsm.Event(context.Background(), name); err != nil {
		inv.logger.Debug("invoker transition skipped", zap.String("event", name),
			zap.String("state", inv.fsm.Current()), zap.Error(err))
	}
}

// Execute starts the RPC. With leaderOnly the LeaderOnly policy is used whatever the
// configured one.
func (inv *ReplicaInvoker) Execute(leaderOnly bool) {
	inv.mu.Lock()
	inv.leaderOnly = inv.leaderOnly || leaderOnly
	inv.mu.Unlock()
	inv.execute()
}

func (inv *ReplicaInvoker) execute() {
	inv.mu.Lock()
	aborted := inv.aborted
	tablet, force := inv.tablet, inv.forceLookup
	inv.mu.Unlock()

	if aborted {
		inv.fail(errors.WithStack(ErrAborted))
		return
	}
	if !time.Now().Before(inv.retrier.Deadline()) {
		inv.fail(errors.Wrapf(ErrTimedOut, "tablet %s after %d attempts", inv.tabletID, inv.retrier.Attempt()))
		return
	}
	if tablet == nil || force {
		inv.lookup(!force)
		return
	}
	inv.selectAndSend()
}

func (inv *ReplicaInvoker) lookup(useCache bool) {
	inv.event(eventLookup)
	inv.locator.LookupById(inv.tabletID, inv.retrier.Deadline(), useCache, inv.lookupDone)
}

func (inv *ReplicaInvoker) lookupDone(rec *metacache.TabletRecord, err error) {
	inv.mu.Lock()
	aborted := inv.aborted
	inv.mu.Unlock()
	if aborted {
		inv.fail(errors.WithStack(ErrAborted))
		return
	}

	if err != nil {
		switch coderr.CodeOf(err) {
		case coderr.NotFound, coderr.TimedOut, coderr.Aborted:
			inv.fail(err)
		default:
			inv.retry(err, "lookup_failed")
		}
		return
	}
	if rec.IsSplit() {
		inv.fail(errors.Wrapf(metacache.ErrTabletSplit, "tablet %s", rec.ID()))
		return
	}

	inv.mu.Lock()
	inv.tablet = rec
	inv.forceLookup = false
	inv.guessLeader = true
	inv.justLookedUp = true
	clear(inv.followers)
	inv.mu.Unlock()

	inv.selectAndSend()
}

func (inv *ReplicaInvoker) policyLocked() Policy {
	if inv.leaderOnly {
		return LeaderOnly
	}
	return inv.policy
}

func (inv *ReplicaInvoker) isFollowerLocked(s *metacache.ServerDescriptor) bool {
	_, ok := inv.followers[s.ID()]
	return ok
}

// selectServerLocked picks the target of the next attempt. A nil server with a nil error asks
// for a forced lookup.
func (inv *ReplicaInvoker) selectServerLocked() (*metacache.ServerDescriptor, error) {
	tablet := inv.tablet
	afterLookup := inv.justLookedUp
	inv.justLookedUp = false
	inv.assignNewLeader = false

	switch inv.policyLocked() {
	case ConsistentPrefix:
		candidates := tablet.GetRemoteTabletServers(false)
		if len(candidates) == 0 && afterLookup {
			candidates = tablet.GetRemoteTabletServers(true)
		}
		if len(candidates) == 0 {
			if afterLookup {
				return nil, errors.Wrapf(ErrServiceUnavailable, "tablet %s has no replicas", tablet.ID())
			}
			return nil, nil
		}
		for _, s := range candidates {
			if s.IsLocal() {
				return s, nil
			}
		}
		return candidates[rand.IntN(len(candidates))], nil

	case LocalPreferred:
		local := inv.locator.Servers().LocalServer()
		hasLocal := false
		if local != nil {
			for _, s := range tablet.GetRemoteTabletServers(true) {
				if s.ID() == local.ID() {
					hasLocal = true
					break
				}
			}
		}
		if !hasLocal {
			if afterLookup {
				return nil, errors.Wrapf(ErrServiceUnavailable, "tablet %s has no local replica", tablet.ID())
			}
			return nil, nil
		}
		if !inv.isFollowerLocked(local) {
			return local, nil
		}
		// The local replica redirected us: go to the leader.
		return inv.selectLeaderLocked(tablet, afterLookup)

	default:
		return inv.selectLeaderLocked(tablet, afterLookup)
	}
}

func (inv *ReplicaInvoker) selectLeaderLocked(tablet *metacache.TabletRecord, afterLookup bool) (*metacache.ServerDescriptor, error) {
	if leader := tablet.LeaderTServer(); leader != nil && !inv.isFollowerLocked(leader) {
		return leader, nil
	}
	if inv.guessLeader {
		for _, s := range tablet.GetRemoteTabletServers(false) {
			if !inv.isFollowerLocked(s) {
				inv.assignNewLeader = true
				return s, nil
			}
		}
	}
	if afterLookup && len(tablet.GetRemoteTabletServers(true)) == 0 {
		return nil, errors.Wrapf(ErrServiceUnavailable, "tablet %s has no replicas", tablet.ID())
	}
	return nil, nil
}

func (inv *ReplicaInvoker) selectAndSend() {
	inv.event(eventSelect)

	inv.mu.Lock()
	server, err := inv.selectServerLocked()
	if err == nil && server == nil {
		inv.forceLookup = true
		inv.guessLeader = false
	}
	inv.mu.Unlock()

	if err != nil {
		inv.fail(err)
		return
	}
	if server == nil {
		inv.logger.Debug("no usable replica, forcing lookup", zap.String("policy", inv.policy.String()))
		inv.retry(errors.Errorf("no usable replica of tablet %s", inv.tabletID), "no_leader")
		return
	}

	handle, err := inv.locator.Servers().Handle(server)
	if err != nil {
		inv.logger.Warn("cannot reach tablet server", zap.String("server", string(server.ID())), zap.Error(err))
		inv.Tablet().MarkReplicaFailed(server.ID(), err)
		inv.retry(err, "replica_failed")
		return
	}

	inv.mu.Lock()
	if inv.aborted {
		inv.mu.Unlock()
		inv.fail(errors.WithStack(ErrAborted))
		return
	}
	inv.current = server
	inv.attempt++
	attempt := inv.attempt
	policy := inv.policyLocked()
	inv.mu.Unlock()

	inv.event(eventSend)
	inv.metrics.IncCounter("rpc_attempts_total", map[string]string{"policy": policy.String()}, 1)
	inv.cmd.SendToServer(attempt, handle, inv.ctrl)
}

// retry schedules the next Execute through the retrier, failing the RPC when no retry is possible.
func (inv *ReplicaInvoker) retry(reason error, label string) {
	inv.metrics.IncCounter("rpc_retries_total", map[string]string{"reason": label}, 1)
	err := inv.retrier.DelayedRetry(func(err error) {
		if err != nil {
			inv.fail(err)
			return
		}
		inv.execute()
	}, reason)
	if err != nil {
		inv.fail(err)
	}
}

// fail finishes the RPC with err, at most once, through the command.
func (inv *ReplicaInvoker) fail(err error) {
	inv.mu.Lock()
	if inv.finished {
		inv.mu.Unlock()
		return
	}
	inv.finished = true
	inv.mu.Unlock()

	inv.event(eventFail)
	inv.metrics.IncCounter("rpc_outcomes_total", map[string]string{"result": coderr.CodeOf(err).String()}, 1)
	inv.logger.Debug("rpc failed", zap.Error(err))
	inv.cmd.Failed(err)
}

// Done classifies the outcome of the latest attempt. It returns true with the final error when
// the RPC is over, false when another attempt has been scheduled.
func (inv *ReplicaInvoker) Done(err error) (bool, error) {
	inv.mu.Lock()
	if inv.finished {
		inv.mu.Unlock()
		return true, err
	}
	if inv.aborted {
		inv.finished = true
		inv.mu.Unlock()
		inv.event(eventFail)
		return true, errors.WithStack(ErrAborted)
	}
	server, tablet := inv.current, inv.tablet
	assignNewLeader := inv.assignNewLeader
	if server == nil || tablet == nil {
		// Completion without an attempt.
		inv.finished = true
		inv.mu.Unlock()
		inv.event(eventFail)
		if err == nil {
			err = errors.Wrapf(coderr.NewCodeError(coderr.IllegalState, "rpc finished before any attempt"), "tablet %s", inv.tabletID)
		}
		return true, err
	}
	inv.mu.Unlock()

	if err == nil {
		if rerr := inv.cmd.ResponseError(); rerr != nil {
			err = rerr
		}
	}

	if err == nil {
		if assignNewLeader && !tablet.MarkTServerAsLeader(server.ID()) {
			tablet.MarkStale()
		}
		inv.mu.Lock()
		inv.finished = true
		inv.mu.Unlock()
		inv.event(eventFinish)
		inv.metrics.IncCounter("rpc_outcomes_total", map[string]string{"result": "OK"}, 1)
		return true, nil
	}

	var serr *ServerError
	isServerErr := errors.As(err, &serr)
	label := ""
	switch {
	case isServerErr && serr.Code == CodeTabletNotFound:
		tablet.MarkStale()
		tablet.MarkReplicaFailed(server.ID(), err)
		inv.mu.Lock()
		inv.forceLookup = true
		inv.mu.Unlock()
		label = "tablet_not_found"
	case isServerErr && serr.Code == CodeTabletSplit:
		tablet.MarkAsSplit()
		inv.mu.Lock()
		inv.forceLookup = true
		inv.mu.Unlock()
		label = "tablet_split"
	case isServerErr && (serr.Code == CodeNotTheLeader || serr.Code == CodeStaleFollower):
		tablet.MarkTServerAsFollower(server.ID())
		inv.mu.Lock()
		inv.followers[server.ID()] = struct{}{}
		inv.guessLeader = true
		inv.mu.Unlock()
		label = "not_the_leader"
	case isServerErr && serr.Code == CodeLeaderNotReadyToServe,
		coderr.Is(err, coderr.NetworkError),
		coderr.Is(err, coderr.TimedOut),
		coderr.Is(err, coderr.ServiceUnavailable):
		tablet.MarkReplicaFailed(server.ID(), err)
		label = "replica_failed"
	default:
		inv.mu.Lock()
		inv.finished = true
		inv.mu.Unlock()
		inv.event(eventFail)
		inv.metrics.IncCounter("rpc_outcomes_total", map[string]string{"result": coderr.CodeOf(err).String()}, 1)
		return true, err
	}

	inv.logger.Debug("attempt failed, retrying",
		zap.String("server", string(server.ID())), zap.String("reason", label), zap.Error(err))
	inv.metrics.IncCounter("rpc_retries_total", map[string]string{"reason": label}, 1)
	rerr := inv.retrier.DelayedRetry(func(err error) {
		if err != nil {
			inv.fail(err)
			return
		}
		inv.execute()
	}, err)
	if rerr != nil {
		inv.mu.Lock()
		inv.finished = true
		inv.mu.Unlock()
		inv.event(eventFail)
		inv.metrics.IncCounter("rpc_outcomes_total", map[string]string{"result": coderr.CodeOf(rerr).String()}, 1)
		return true, rerr
	}
	return false, nil
}

// Abort cancels the in-flight attempt and suppresses further retries. Safe to call at any time
// and more than once.
func (inv *ReplicaInvoker) Abort() {
	inv.mu.Lock()
	if inv.aborted {
		inv.mu.Unlock()
		return
	}
	inv.aborted = true
	inv.mu.Unlock()

	inv.ctrl.Cancel()
	inv.retrier.Abort()
	if inv.fsm.Current() == StateLookup {
		inv.fail(errors.WithStack(ErrAborted))
	}
}
