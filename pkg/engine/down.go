package engine

import (
	"context"
	"time"

	"github.com/sindef/sentineld/pkg/instance"
	"k8s.io/klog/v2"
)

// downReply is what an AskPrimaryDown worker goroutine sends back to the
// engine goroutine; applying it is the only place peer.Flags/PeerData are
// mutated for a peer's vote, keeping the engine single-writer even though
// the RPC itself runs concurrently (spec.md section 4.6).
type downReply struct {
	primary     *instance.Instance
	peer        *instance.Instance
	down        bool
	leaderRunID string
	leaderEpoch uint64
	err         error
}

// updateDownState refreshes S_DOWN for the primary and every replica and
// peer it knows about, then recomputes O_DOWN for the primary from the
// quorum of votes collected so far (spec.md section 4.6).
func (e *Engine) updateDownState(ctx context.Context, primary *instance.Instance) {
	e.drainDownReplies()

	e.computeInstanceSDown(primary)
	for _, r := range primary.Primary.Replicas {
		e.computeInstanceSDown(r)
	}
	for _, p := range primary.Primary.Peers {
		e.computePeerSDown(p)
	}

	e.computeODown(ctx, primary)
}

func (e *Engine) drainDownReplies() {
	for {
		select {
		case r := <-e.downRepliesCh():
			e.applyDownReply(r)
		default:
			return
		}
	}
}

// downRepliesCh lazily allocates the reply channel; Engine values created
// via New always have it set, but zero-value Engines used in narrow unit
// tests should not need a constructor call just to avoid a nil channel.
func (e *Engine) downRepliesCh() chan downReply {
	if e.downReplies == nil {
		e.downReplies = make(chan downReply, 64)
	}
	return e.downReplies
}

func (e *Engine) applyDownReply(r downReply) {
	if r.err != nil {
		klog.V(4).InfoS("ask-primary-down failed", "peer", r.peer.Name, "err", r.err)
		return
	}
	r.peer.LastDownProbeReply = e.now()
	if r.down {
		r.peer.Flags = r.peer.Flags.Set(instance.FlagPrimaryDown)
	} else {
		r.peer.Flags = r.peer.Flags.Clear(instance.FlagPrimaryDown)
	}
	if r.leaderRunID != "" {
		r.peer.Peer.VotedLeaderRunID = r.leaderRunID
		r.peer.Peer.VotedLeaderEpoch = r.leaderEpoch
	}
}

// computeInstanceSDown implements the subjective-down check shared by
// primaries and replicas: an instance is S_DOWN once DownAfterPeriod has
// elapsed since its last valid ping reply, or immediately whenever its
// required links are not up. A primary that keeps reporting the replica
// role long past what a transient flip could explain is treated as down
// too, so a demoted-but-reachable old primary still triggers failover.
func (e *Engine) computeInstanceSDown(inst *instance.Instance) {
	now := e.now()
	var down bool
	if !inst.RequiredLinksUp() {
		down = true
	} else if inst.LastValidPingReply.IsZero() {
		down = now.Sub(inst.CommandLink.ConnectedAt) > inst.DownAfterPeriod
	} else {
		down = now.Sub(inst.LastValidPingReply) > inst.DownAfterPeriod
	}
	if !down && inst.Role == instance.RolePrimary && inst.RoleReported == "slave" &&
		now.Sub(inst.RoleReportedSince) > inst.DownAfterPeriod+2*InfoPeriodNormal {
		down = true
	}

	switch {
	case down && !inst.IsSDown():
		inst.Flags = inst.Flags.Set(instance.FlagSDown)
		inst.SDownSince = now
		e.emit(Event{Kind: "+sdown", Severity: SeverityWarning, Subject: inst, Primary: ownerName(inst)})
	case !down && inst.IsSDown():
		inst.Flags = inst.Flags.Clear(instance.FlagSDown)
		inst.SDownSince = time.Time{}
		e.emit(Event{Kind: "-sdown", Severity: SeverityWarning, Subject: inst, Primary: ownerName(inst)})
	}
}

// computePeerSDown applies the same timeout logic to a peer supervisor,
// but measured from hello-message recency rather than a ping reply, since
// peers are never dialed directly.
func (e *Engine) computePeerSDown(peer *instance.Instance) {
	now := e.now()
	down := peer.LastHelloReceived.IsZero() || now.Sub(peer.LastHelloReceived) > peer.DownAfterPeriod
	switch {
	case down && !peer.IsSDown():
		peer.Flags = peer.Flags.Set(instance.FlagSDown)
		peer.SDownSince = now
	case !down && peer.IsSDown():
		peer.Flags = peer.Flags.Clear(instance.FlagSDown)
		peer.SDownSince = time.Time{}
	}
}

// computeODown recomputes the primary's O_DOWN flag. While the primary is
// S_DOWN, it dispatches one AskPrimaryDown RPC per known peer at most
// every AskPeriod, then tallies this supervisor's own vote plus every
// peer's most recently received answer against quorum.
func (e *Engine) computeODown(ctx context.Context, primary *instance.Instance) {
	if !primary.IsSDown() {
		if primary.IsODown() {
			primary.Flags = primary.Flags.Clear(instance.FlagODown)
			primary.ODownSince = time.Time{}
			e.emit(Event{Kind: "-odown", Severity: SeverityWarning, Primary: primary.Name, Subject: primary})
		}
		return
	}

	now := e.now()
	if e.peerRPC != nil && now.Sub(primary.LastDownProbeAsk) >= AskPeriod {
		primary.LastDownProbeAsk = now
		for _, peer := range primary.Primary.Peers {
			e.askPeerDown(ctx, primary, peer)
		}
	}

	votes := 1 // this supervisor's own subjective vote
	for _, peer := range primary.Primary.Peers {
		if peer.Flags.Has(instance.FlagPrimaryDown) {
			votes++
		}
	}

	if votes >= primary.Primary.Quorum && !primary.IsODown() {
		primary.Flags = primary.Flags.Set(instance.FlagODown)
		primary.ODownSince = now
		e.emit(Event{Kind: "+odown", Severity: SeverityWarning, Primary: primary.Name, Subject: primary})
	} else if votes < primary.Primary.Quorum && primary.IsODown() {
		primary.Flags = primary.Flags.Clear(instance.FlagODown)
		primary.ODownSince = time.Time{}
		e.emit(Event{Kind: "-odown", Severity: SeverityWarning, Primary: primary.Name, Subject: primary})
	}
}

func (e *Engine) askPeerDown(ctx context.Context, primary, peer *instance.Instance) {
	rpc := e.peerRPC
	runID := e.runID
	epoch := primary.Primary.FailoverEpoch
	addr := primary.Addr
	name := primary.Name
	replies := e.downRepliesCh()
	go func() {
		reqCtx, cancel := context.WithTimeout(context.Background(), AskPeriod*3)
		defer cancel()
		down, leaderRunID, leaderEpoch, err := rpc.AskPrimaryDown(reqCtx, peer, name, addr, epoch, runID)
		select {
		case replies <- downReply{primary: primary, peer: peer, down: down, leaderRunID: leaderRunID, leaderEpoch: leaderEpoch, err: err}:
		default:
			klog.V(4).InfoS("dropping ask-primary-down reply, channel full", "peer", peer.Name)
		}
	}()
}

func ownerName(inst *instance.Instance) string {
	if inst.Role == instance.RolePrimary {
		return inst.Name
	}
	if inst.Replica != nil && inst.Replica.Parent != nil {
		return inst.Replica.Parent.Name
	}
	return ""
}
