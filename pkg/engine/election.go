package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/sindef/sentineld/pkg/instance"
	"k8s.io/klog/v2"
)

// runElectionAndFailover is the per-primary entry point for spec.md
// sections 4.7 and 4.8: decide whether this supervisor should start (or
// continue) a failover, then drive the state machine one step.
func (e *Engine) runElectionAndFailover(ctx context.Context, primary *instance.Instance) {
	e.maybeStartFailover(primary)
	e.driveFailover(ctx, primary)
}

// maybeStartFailover implements the epoch-based election, spec.md
// section 4.7. While the primary is O_DOWN (or a forced failover is
// requested), a new voting round is opened at most once per twice the
// failover timeout, desynchronized by a random 0..VoteDesyncMax delay so
// that every peer does not open a round in the same tick. This supervisor
// becomes the leader for the round once it holds both a majority of the
// voters and at least the primary's quorum of votes for the epoch it
// opened (isElectedLeader).
func (e *Engine) maybeStartFailover(primary *instance.Instance) {
	if e.tilt {
		return
	}
	if primary.Primary.FailoverState != instance.FailoverNone {
		return
	}
	forced := primary.Flags.Has(instance.FlagForceFailover)
	if !primary.IsODown() && !forced {
		delete(e.electionDeadlines(), primary)
		return
	}
	if !primary.Flags.Has(instance.FlagCanFailover) {
		return
	}

	now := e.now()
	deadlines := e.electionDeadlines()
	if deadline, scheduled := deadlines[primary]; scheduled {
		if now.Before(deadline) {
			return
		}
		delete(deadlines, primary)
	} else {
		deadlines[primary] = now.Add(e.voteDesyncDelay())
		return
	}

	// A fresh attempt waits out twice the failover timeout so a competing
	// supervisor's in-flight failover has room to finish first.
	if !primary.Primary.LastFailoverAttempt.IsZero() &&
		now.Sub(primary.Primary.LastFailoverAttempt) < 2*primary.Primary.FailoverTimeout {
		return
	}

	newEpoch := primary.Primary.FailoverEpoch + 1
	primary.Primary.FailoverEpoch = newEpoch
	primary.Primary.LastVotedLeaderRunID = e.runID
	primary.Primary.LastVotedLeaderEpoch = newEpoch
	klog.InfoS("opening election round", "primary", primary.Name, "epoch", newEpoch, "forced", forced)

	primary.Flags = primary.Flags.Set(instance.FlagFailoverInProgress)
	primary.Primary.FailoverState = instance.FailoverWaitStart
	primary.Primary.FailoverStartTime = now
	primary.Primary.LastFailoverAttempt = now
	e.emit(Event{Kind: "+new-epoch", Severity: SeverityInfo, Primary: primary.Name, Subject: primary})
	e.emit(Event{Kind: "+try-failover", Severity: SeverityWarning, Primary: primary.Name, Subject: primary})
}

// failoverWaitStart polls the vote tally until this supervisor either wins
// the round or the election times out (spec.md section 4.8 step 2). Votes
// arrive asynchronously on the down-detector's ask replies, so the check
// repeats every tick rather than blocking.
func (e *Engine) failoverWaitStart(primary *instance.Instance) {
	if primary.Flags.Has(instance.FlagForceFailover) {
		// An operator-forced failover does not wait for peer agreement.
		primary.Primary.FailoverState = instance.FailoverSelectSlave
		e.emit(Event{Kind: "+elected-leader", Severity: SeverityWarning, Primary: primary.Name, Subject: primary, Detail: "forced"})
		return
	}
	if e.isElectedLeader(primary) {
		klog.InfoS("elected leader, starting failover",
			"primary", primary.Name, "epoch", primary.Primary.FailoverEpoch)
		primary.Primary.FailoverState = instance.FailoverSelectSlave
		e.emit(Event{Kind: "+elected-leader", Severity: SeverityWarning, Primary: primary.Name, Subject: primary})
		return
	}
	limit := ElectionTimeout
	if primary.Primary.FailoverTimeout < limit {
		limit = primary.Primary.FailoverTimeout
	}
	if e.now().Sub(primary.Primary.FailoverStartTime) > limit {
		e.abortFailover(primary, "election timed out without a winner")
	}
}

// HandleAskPrimaryDown answers an incoming IS-PRIMARY-DOWN-BY-ADDR
// request from a peer (spec.md section 4.6/4.7): it reports whether this
// supervisor independently believes the named primary at addr is down,
// and grants its vote for epoch to runID if it has not already voted in
// that epoch. The returned leader fields are this supervisor's current
// vote for the epoch, which may be its own prior vote rather than runID
// when it already voted first.
func (e *Engine) HandleAskPrimaryDown(primaryName string, addr instance.Address, epoch uint64, runID string) (down bool, leaderRunID string, leaderEpoch uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	primary, ok := e.primaries[primaryName]
	if !ok {
		return false, "", 0, ErrNoSuchPrimary
	}
	if !primary.Addr.Equal(addr) {
		return false, primary.Primary.LastVotedLeaderRunID, primary.Primary.LastVotedLeaderEpoch, nil
	}

	// While tilted, our own timing judgments are unreliable, so we never
	// confirm a primary as down (we may still grant a vote).
	down = primary.IsSDown() && !e.tilt
	if epoch > primary.Primary.FailoverEpoch {
		primary.Primary.FailoverEpoch = epoch
		e.emit(Event{Kind: "+new-epoch", Severity: SeverityInfo, Primary: primary.Name, Subject: primary})
	}
	if epoch == primary.Primary.FailoverEpoch && primary.Primary.LastVotedLeaderEpoch != epoch {
		primary.Primary.LastVotedLeaderRunID = runID
		primary.Primary.LastVotedLeaderEpoch = epoch
		if runID != e.runID {
			// We just endorsed another supervisor for this round; delay any
			// round of our own so split votes stay rare.
			e.electionDeadlines()[primary] = e.now().Add(e.voteDesyncDelay())
			e.emit(Event{Kind: "+vote-for-leader", Severity: SeverityInfo, Primary: primary.Name, Subject: primary, Detail: runID})
		}
	}
	return down, primary.Primary.LastVotedLeaderRunID, primary.Primary.LastVotedLeaderEpoch, nil
}

func (e *Engine) electionDeadlines() map[*instance.Instance]time.Time {
	if e.electionAt == nil {
		e.electionAt = make(map[*instance.Instance]time.Time)
	}
	return e.electionAt
}

// voteDesyncDelay returns a uniform random delay in [0, VoteDesyncMax],
// the rand(0..2000ms) desynchronisation spec.md section 4.7 uses to keep
// supervisors from opening competing rounds in the same instant.
func (e *Engine) voteDesyncDelay() time.Duration {
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewSource(1))
	}
	return time.Duration(e.rnd.Int63n(int64(VoteDesyncMax) + 1))
}

// tallyVotes counts, for the primary's current epoch, how many votes each
// candidate run ID has received: this supervisor's own vote plus every
// peer's most recently reported vote for that same epoch.
func (e *Engine) tallyVotes(primary *instance.Instance) (winner string, count int) {
	votes := make(map[string]int)
	epoch := primary.Primary.FailoverEpoch
	if primary.Primary.LastVotedLeaderEpoch == epoch && primary.Primary.LastVotedLeaderRunID != "" {
		votes[primary.Primary.LastVotedLeaderRunID]++
	}
	for _, peer := range primary.Primary.Peers {
		if peer.Peer.VotedLeaderEpoch == epoch && peer.Peer.VotedLeaderRunID != "" {
			votes[peer.Peer.VotedLeaderRunID]++
		}
	}
	for id, c := range votes {
		if c > count {
			winner, count = id, c
		}
	}
	return winner, count
}

// isElectedLeader reports whether this supervisor won the round for the
// primary's current epoch: it must hold both an absolute majority of the
// voter group (itself plus every known peer) and at least the primary's
// configured quorum of votes.
func (e *Engine) isElectedLeader(primary *instance.Instance) bool {
	winner, count := e.tallyVotes(primary)
	voters := len(primary.Primary.Peers) + 1
	majority := voters/2 + 1
	return winner == e.runID && count >= majority && count >= primary.Primary.Quorum
}
