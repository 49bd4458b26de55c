package engine

import (
	"context"
	"sort"
	"strconv"

	"github.com/sindef/sentineld/pkg/instance"
	"k8s.io/klog/v2"
)

// driveFailover advances the failover state machine for primary by exactly
// one step, spec.md section 4.8. Timeouts before promotion abort the
// attempt entirely; once replicas are being reconfigured the machine is
// past the point of no return and a timeout instead forces the end, with a
// best-effort SLAVEOF to every straggler.
func (e *Engine) driveFailover(ctx context.Context, primary *instance.Instance) {
	pd := primary.Primary
	if pd.FailoverState == instance.FailoverNone {
		return
	}

	timedOut := e.now().Sub(pd.FailoverStartTime) > pd.FailoverTimeout

	switch pd.FailoverState {
	case instance.FailoverWaitStart:
		e.failoverWaitStart(primary)
	case instance.FailoverSelectSlave:
		if timedOut {
			e.abortFailover(primary, "timeout")
			return
		}
		e.failoverSelectSlave(primary)
	case instance.FailoverSendSlaveofNoOne:
		if timedOut {
			e.abortFailover(primary, "timeout")
			return
		}
		e.failoverSendSlaveofNoOne(ctx, primary)
	case instance.FailoverWaitPromotion:
		if timedOut {
			e.abortFailover(primary, "timeout")
			return
		}
		e.failoverWaitPromotion(primary)
	case instance.FailoverReconfSlaves:
		e.failoverReconfSlaves(ctx, primary, timedOut)
	case instance.FailoverUpdateConfig:
		e.failoverUpdateConfig(primary)
	}
}

// abortFailover rolls the machine back to FailoverNone. Per spec.md
// section 4.8 it is only reachable from states before the promoted replica
// has actually taken over (WAIT_START through WAIT_PROMOTION); the
// RECONF_* bookkeeping on every replica is cleared so a later attempt
// starts clean.
func (e *Engine) abortFailover(primary *instance.Instance, reason string) {
	klog.Warningf("aborting failover for %s: %s", primary.Name, reason)
	pd := primary.Primary

	for _, r := range pd.Replicas {
		r.Flags = r.Flags.Clear(instance.FlagReconfSent | instance.FlagReconfInProgress | instance.FlagReconfDone)
	}
	if promoted := pd.PromotedReplica; promoted != nil {
		promoted.Flags = promoted.Flags.Clear(instance.FlagPromoted)
		e.scheduleClientReconfig(primary, "leader", "abort", promoted.Addr, primary.Addr)
	}
	pd.FailoverState = instance.FailoverNone
	pd.PromotedReplica = nil
	primary.Flags = primary.Flags.Clear(instance.FlagFailoverInProgress | instance.FlagForceFailover)
	e.emit(Event{Kind: "-failover-abort", Severity: SeverityWarning, Primary: primary.Name, Subject: primary, Detail: reason})
}

// failoverSelectSlave picks the best replica to promote, spec.md section
// 4.8.1. A candidate must be reachable and fresh: not S_DOWN, O_DOWN, or
// disconnected, recently heard from on both the ping and INFO paths, a
// positive priority, and a master-link outage no longer than the primary
// itself has been down (within slack). Among candidates, lowest priority
// wins, then lexically smallest run ID; an empty run ID sorts last.
func (e *Engine) failoverSelectSlave(primary *instance.Instance) {
	now := e.now()
	maxLinkDown := 10 * primary.DownAfterPeriod
	if !primary.SDownSince.IsZero() {
		maxLinkDown += now.Sub(primary.SDownSince)
	}
	infoWindow := InfoValidityTime
	if !primary.IsSDown() {
		infoWindow += InfoPeriodNormal
	}

	var candidates []*instance.Instance
	for _, r := range primary.Primary.Replicas {
		if r.Flags.Any(instance.FlagSDown | instance.FlagODown | instance.FlagDisconnected) {
			continue
		}
		if r.LastValidPingReply.IsZero() || now.Sub(r.LastValidPingReply) > InfoValidityTime {
			continue
		}
		if r.LastInfoSnapshot.IsZero() || now.Sub(r.LastInfoSnapshot) > infoWindow {
			continue
		}
		if r.Replica.Priority <= 0 {
			continue
		}
		if r.Replica.MasterLinkDown > maxLinkDown {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		e.abortFailover(primary, ErrNoSuitableReplica.Error())
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Replica.Priority != b.Replica.Priority {
			return a.Replica.Priority < b.Replica.Priority
		}
		if (a.RunID == "") != (b.RunID == "") {
			return a.RunID != ""
		}
		return a.RunID < b.RunID
	})
	chosen := candidates[0]
	chosen.Flags = chosen.Flags.Set(instance.FlagPromoted)
	primary.Primary.PromotedReplica = chosen
	primary.Primary.FailoverState = instance.FailoverSendSlaveofNoOne
	klog.InfoS("selected replica for promotion", "primary", primary.Name, "replica", chosen.Name)
	e.emit(Event{Kind: "+selected-slave", Severity: SeverityInfo, Primary: primary.Name, Subject: chosen})
}

// sendSlaveOfAsync issues SLAVEOF to r on a worker goroutine, at most one
// in flight per replica. done (optional) runs on the tick goroutine with
// the command's error; on success SlaveOfSentAt is stamped before done
// runs. Returns false if the command could not be dispatched.
func (e *Engine) sendSlaveOfAsync(r *instance.Instance, target instance.Address, done func(err error)) bool {
	ps := e.probeStateFor(r)
	if ps.slaveofInFlight {
		return false
	}
	conn := e.links.conn(r)
	if conn == nil {
		return false
	}
	if r.CommandLink.Pending >= MaxPendingCommands {
		return false
	}
	ps.slaveofInFlight = true
	r.CommandLink.Pending++

	results := e.applyCh()
	go func() {
		cmdCtx, cancel := context.WithTimeout(context.Background(), PingPeriod)
		err := conn.SlaveOf(cmdCtx, target.Host, target.Port)
		cancel()
		results <- func() {
			ps.slaveofInFlight = false
			r.CommandLink.Pending--
			if err == nil {
				r.Replica.SlaveOfSentAt = e.now()
			}
			if done != nil {
				done(err)
			}
		}
	}()
	return true
}

// failoverSendSlaveofNoOne dispatches SLAVEOF NO ONE (plus a best-effort
// config persist) to the promoted replica on a worker goroutine. The
// state advance happens in the completion callback, and only if the
// failover is still parked at this step for the same replica — a success
// landing after an abort is ignored.
func (e *Engine) failoverSendSlaveofNoOne(ctx context.Context, primary *instance.Instance) {
	chosen := primary.Primary.PromotedReplica
	if chosen.IsDisconnected() {
		return // retried every tick until the link manager redials it
	}
	ps := e.probeStateFor(chosen)
	if ps.slaveofInFlight {
		return
	}
	conn := e.links.conn(chosen)
	if conn == nil {
		return
	}
	ps.slaveofInFlight = true
	chosen.CommandLink.Pending++

	results := e.applyCh()
	go func() {
		cmdCtx, cancel := context.WithTimeout(context.Background(), PingPeriod)
		err := conn.SlaveOfNoOne(cmdCtx)
		cancel()
		if err == nil {
			// Best-effort persist so the promotion survives a restart.
			persistCtx, persistCancel := context.WithTimeout(context.Background(), PingPeriod)
			_ = conn.ConfigRewrite(persistCtx)
			persistCancel()
		}
		results <- func() {
			ps.slaveofInFlight = false
			chosen.CommandLink.Pending--
			if err != nil {
				klog.V(2).InfoS("slaveof no one failed, will retry", "replica", chosen.Name, "err", err)
				return
			}
			chosen.Replica.SlaveOfSentAt = e.now()
			if primary.Primary.FailoverState != instance.FailoverSendSlaveofNoOne ||
				primary.Primary.PromotedReplica != chosen {
				return // aborted or restarted while the command was in flight
			}
			primary.Primary.FailoverState = instance.FailoverWaitPromotion
			e.emit(Event{Kind: "+promoted-slave", Severity: SeverityWarning, Primary: primary.Name, Subject: chosen})
		}
	}()
}

// failoverWaitPromotion waits for the promoted replica's INFO to confirm it
// now reports the primary role. Confirmation stamps the primary's config
// epoch with the election epoch and notifies clients that the switch has
// begun (spec.md section 4.4's WAIT_PROMOTION transition).
func (e *Engine) failoverWaitPromotion(primary *instance.Instance) {
	chosen := primary.Primary.PromotedReplica
	if chosen.RoleReported != "master" {
		if e.now().Sub(chosen.Replica.SlaveOfSentAt) > PromotionRetryPeriod {
			primary.Primary.FailoverState = instance.FailoverSendSlaveofNoOne // retry the command
		}
		return
	}
	primary.Primary.ConfigEpoch = primary.Primary.FailoverEpoch
	primary.Primary.FailoverState = instance.FailoverReconfSlaves
	klog.InfoS("promotion confirmed", "primary", primary.Name, "replica", chosen.Name)
	e.emit(Event{Kind: "+failover-state-reconf-slaves", Severity: SeverityWarning, Primary: primary.Name, Subject: chosen})
	e.scheduleClientReconfig(primary, "leader", "start", primary.Addr, chosen.Addr)
}

// failoverReconfSlaves points every other replica at the newly promoted
// instance, at most ParallelSyncs in flight at once, and waits for each to
// report its master link up against the new address before declaring it
// done (spec.md section 4.8 step "RECONF_SLAVES"). A replica stuck in
// RECONF_SENT beyond SlaveReconfRetryPeriod has the flag cleared so the
// command is reissued. On timeout the remaining stragglers get one
// best-effort SLAVEOF each and the machine moves on regardless.
func (e *Engine) failoverReconfSlaves(ctx context.Context, primary *instance.Instance, timedOut bool) {
	chosen := primary.Primary.PromotedReplica
	now := e.now()
	inFlight := 0
	allDone := true

	markSent := func(r *instance.Instance) func(error) {
		return func(err error) {
			if err != nil {
				klog.V(2).InfoS("slaveof failed, will retry", "replica", r.Name, "err", err)
				return
			}
			if primary.Primary.FailoverState != instance.FailoverReconfSlaves || r.Flags.Has(instance.FlagReconfDone) {
				return // landed after the failover moved on
			}
			r.Flags = r.Flags.Set(instance.FlagReconfSent)
			e.emit(Event{Kind: "+slave-reconf-sent", Severity: SeverityInfo, Primary: primary.Name, Subject: r})
		}
	}

	for _, r := range primary.Primary.Replicas {
		if r == chosen || r.Flags.Has(instance.FlagReconfDone) {
			continue
		}

		if r.Replica.MasterHost == chosen.Addr.Host && r.Replica.MasterPort == chosen.Addr.Port {
			if r.Flags.Has(instance.FlagReconfSent) && !r.Flags.Has(instance.FlagReconfInProgress) {
				r.Flags = r.Flags.Set(instance.FlagReconfInProgress)
				e.emit(Event{Kind: "+slave-reconf-inprog", Severity: SeverityInfo, Primary: primary.Name, Subject: r})
			}
			if r.Replica.MasterLinkStatus == "up" {
				r.Flags = r.Flags.Set(instance.FlagReconfDone)
				r.Flags = r.Flags.Clear(instance.FlagReconfInProgress | instance.FlagReconfSent)
				e.emit(Event{Kind: "+slave-reconf-done", Severity: SeverityInfo, Primary: primary.Name, Subject: r})
				continue
			}
		}

		// Unreachable replicas cannot hold up the failover; they are
		// re-pointed when they come back, by the stray-replica check.
		if r.IsSDown() || r.IsDisconnected() {
			continue
		}
		allDone = false

		if timedOut {
			e.sendSlaveOfAsync(r, chosen.Addr, nil)
			continue
		}

		ps := e.probeStateFor(r)
		if r.Flags.Has(instance.FlagReconfSent) || ps.slaveofInFlight {
			stalled := r.Flags.Has(instance.FlagReconfSent) && !ps.slaveofInFlight &&
				!r.Flags.Has(instance.FlagReconfInProgress) &&
				now.Sub(r.Replica.SlaveOfSentAt) > SlaveReconfRetryPeriod
			if stalled {
				r.Flags = r.Flags.Clear(instance.FlagReconfSent)
			} else {
				inFlight++
				continue
			}
		}
		if inFlight >= primary.Primary.ParallelSyncs {
			continue
		}
		if e.sendSlaveOfAsync(r, chosen.Addr, markSent(r)) {
			inFlight++
		}
	}

	if timedOut && !allDone {
		e.emit(Event{Kind: "+failover-end-for-timeout", Severity: SeverityWarning, Primary: primary.Name, Subject: primary})
	}
	if allDone || timedOut {
		primary.Primary.FailoverState = instance.FailoverUpdateConfig
		e.emit(Event{Kind: "+failover-end", Severity: SeverityWarning, Primary: primary.Name, Subject: primary})
		e.scheduleClientReconfig(primary, "leader", "end", primary.Addr, chosen.Addr)
	}
}

// scheduleClientReconfig queues one client-reconfig-script invocation with
// the argument vector spec.md section 4.11 fixes: primary name, our role
// in the failover, the phase, and the from/to addresses of the switch.
func (e *Engine) scheduleClientReconfig(primary *instance.Instance, role, state string, from, to instance.Address) {
	if primary.Primary.ClientReconfigScript == "" {
		return
	}
	e.scripts.enqueue(scriptJob{
		path: primary.Primary.ClientReconfigScript,
		args: []string{
			primary.Name, role, state,
			from.Host, strconv.Itoa(from.Port),
			to.Host, strconv.Itoa(to.Port),
		},
		primary: primary.Name,
	})
}

// failoverUpdateConfig completes the failover: the primary's identity
// reattaches to the promoted replica's address via the same procedure a
// gossiped address switch uses, carrying the config epoch stamped at
// promotion time.
func (e *Engine) failoverUpdateConfig(primary *instance.Instance) {
	chosen := primary.Primary.PromotedReplica
	chosen.Flags = chosen.Flags.Clear(instance.FlagPromoted)
	promotedAddr := chosen.Addr
	epoch := primary.Primary.ConfigEpoch

	e.switchPrimaryAddress(primary, promotedAddr, epoch)

	primary.Flags = primary.Flags.Clear(instance.FlagFailoverInProgress | instance.FlagForceFailover)
	primary.Primary.FailoverState = instance.FailoverNone
	primary.Primary.LastFailoverAttempt = e.now()
}
