package engine

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/sindef/sentineld/pkg/config"
	"github.com/sindef/sentineld/pkg/instance"
	"github.com/sindef/sentineld/pkg/redis"
)

// fakeConn is a no-op InstanceConn used so the link manager can "dial" an
// instance without a live Redis process, per spec.md section 8's
// instruction to substitute a deterministic fake for the real client.
type fakeConn struct{}

func (fakeConn) Ping(context.Context) (string, error)               { return "PONG", nil }
func (fakeConn) Info(context.Context) (string, error)                { return "", nil }
func (fakeConn) Auth(context.Context, string) error                  { return nil }
func (fakeConn) SlaveOf(context.Context, string, int) error          { return nil }
func (fakeConn) SlaveOfNoOne(context.Context) error                  { return nil }
func (fakeConn) ConfigRewrite(context.Context) error                 { return nil }
func (fakeConn) KillScript(context.Context) error                    { return nil }
func (fakeConn) Publish(context.Context, string, string) error       { return nil }
func (fakeConn) Close() error                                        { return nil }
func (fakeConn) Subscribe(context.Context, string) redis.PubSubConn  { return fakePubSub{} }

type fakePubSub struct{}

func (fakePubSub) Channel() <-chan redis.Message { return nil }
func (fakePubSub) Close() error                  { return nil }

func newTestPrimary(t *testing.T, quorum int, downAfter time.Duration) *instance.Instance {
	t.Helper()
	addr, err := instance.ResolveAddress("10.0.0.1", 6379)
	if err != nil {
		t.Fatalf("resolve address: %v", err)
	}
	return instance.NewPrimary("mymaster", addr, quorum, downAfter, DefaultFailoverTimeout)
}

func newTestEngine() *Engine {
	e := &Engine{
		runID:       "runid-this",
		clock:       time.Now,
		rnd:         rand.New(rand.NewSource(1)),
		primaries:   make(map[string]*instance.Instance),
		downReplies: make(chan downReply, 64),
	}
	e.links = newLinkManager(func(addr instance.Address, authPass string) InstanceConn { return fakeConn{} }, e.now)
	e.scripts = newScriptQueue(e.now)
	return e
}

// freshReplica marks r as connected and recently heard from on both the
// ping and INFO paths, so it passes the candidate freshness checks of the
// replica selection procedure.
func freshReplica(e *Engine, r *instance.Instance) {
	now := e.now()
	r.Flags = r.Flags.Clear(instance.FlagDisconnected)
	r.CommandLink.Connected = true
	r.PubSubLink.Connected = true
	r.LastValidPingReply = now
	r.LastInfoSnapshot = now
}

// TestComputeODownRequiresQuorum exercises spec.md section 4.6: O_DOWN is
// only set once the subjective-down vote count (self plus peers flagged
// PRIMARY_DOWN) reaches the primary's configured quorum.
func TestComputeODownRequiresQuorum(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)
	p.Flags = p.Flags.Set(instance.FlagSDown)
	p.SDownSince = e.now().Add(-time.Hour)

	peerA := instance.NewPeer(instance.Address{Host: "10.0.0.9", Port: 26379}, "peer-a", time.Second)
	_ = p.Primary.AddPeer(peerA)

	e.computeODown(context.Background(), p)
	if p.IsODown() {
		t.Fatal("expected O_DOWN not set: only self's vote counts, below quorum 2")
	}

	peerA.Flags = peerA.Flags.Set(instance.FlagPrimaryDown)
	e.computeODown(context.Background(), p)
	if !p.IsODown() {
		t.Fatal("expected O_DOWN set once quorum of votes (self + peerA) is reached")
	}
}

// TestComputeODownClearsWhenNoLongerSDown covers the -odown transition.
func TestComputeODownClearsWhenNoLongerSDown(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 1, time.Second)
	p.Flags = p.Flags.Set(instance.FlagODown)
	p.ODownSince = e.now()

	e.computeODown(context.Background(), p)
	if p.IsODown() {
		t.Fatal("expected O_DOWN cleared once the primary is no longer S_DOWN")
	}
}

// TestHandleAskPrimaryDownGrantsOneVotePerEpoch is the core election
// invariant from spec.md section 8: for a given epoch, at most one run-id
// is ever granted this supervisor's vote.
func TestHandleAskPrimaryDownGrantsOneVotePerEpoch(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)
	e.primaries["mymaster"] = p

	down, leader, epoch, err := e.HandleAskPrimaryDown("mymaster", p.Addr, 1, "runid-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leader != "runid-a" || epoch != 1 {
		t.Fatalf("expected first requester to win the vote, got leader=%s epoch=%d", leader, epoch)
	}

	// A second, different requester for the same epoch must not overwrite
	// the already-granted vote.
	_, leader, epoch, err = e.HandleAskPrimaryDown("mymaster", p.Addr, 1, "runid-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leader != "runid-a" || epoch != 1 {
		t.Fatalf("expected vote to remain with the first requester, got leader=%s epoch=%d", leader, epoch)
	}
	_ = down
}

// TestHandleAskPrimaryDownAdoptsHigherEpoch checks the "+new-epoch" adoption
// rule: a request carrying a higher epoch than locally known raises the
// primary's epoch even before a vote is cast.
func TestHandleAskPrimaryDownAdoptsHigherEpoch(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)
	p.Primary.FailoverEpoch = 3
	e.primaries["mymaster"] = p

	_, _, _, err := e.HandleAskPrimaryDown("mymaster", p.Addr, 7, "runid-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Primary.FailoverEpoch != 7 {
		t.Fatalf("expected epoch adopted to 7, got %d", p.Primary.FailoverEpoch)
	}
}

// TestFailoverSelectSlavePrefersLowerPriorityThenRunID exercises spec.md
// section 4.8.1's ranking: lowest priority first, then lexically smallest
// run-id.
func TestFailoverSelectSlavePrefersLowerPriorityThenRunID(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)

	r1 := instance.NewReplica(instance.Address{Host: "10.0.0.2", Port: 6379}, p, time.Second)
	r1.RunID = "bbbb"
	r1.Replica.Priority = 100
	freshReplica(e, r1)
	r2 := instance.NewReplica(instance.Address{Host: "10.0.0.3", Port: 6379}, p, time.Second)
	r2.RunID = "aaaa"
	r2.Replica.Priority = 100
	freshReplica(e, r2)

	_ = p.Primary.AddReplica(r1)
	_ = p.Primary.AddReplica(r2)

	e.failoverSelectSlave(p)
	if p.Primary.PromotedReplica == nil {
		t.Fatal("expected a replica to be selected")
	}
	if p.Primary.PromotedReplica.RunID != "aaaa" {
		t.Fatalf("expected lexically smallest run-id (aaaa) to win an exact priority tie, got %s",
			p.Primary.PromotedReplica.RunID)
	}
	if p.Primary.FailoverState != instance.FailoverSendSlaveofNoOne {
		t.Fatalf("expected state to advance to send_slaveof_noone, got %v", p.Primary.FailoverState)
	}

	r2.Flags = r2.Flags.Clear(instance.FlagPromoted)
	r1.Replica.Priority = 50
	e.failoverSelectSlave(p)
	if p.Primary.PromotedReplica != r1 {
		t.Fatalf("expected the lower-priority replica (bbbb) to win over a smaller run-id, got %s",
			p.Primary.PromotedReplica.RunID)
	}
}

// TestFailoverSelectSlaveAbortsWithNoCandidate covers the "no suitable
// replica" abort path.
func TestFailoverSelectSlaveAbortsWithNoCandidate(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)
	r := instance.NewReplica(instance.Address{Host: "10.0.0.2", Port: 6379}, p, time.Second)
	r.Flags = r.Flags.Set(instance.FlagSDown)
	_ = p.Primary.AddReplica(r)
	p.Primary.FailoverState = instance.FailoverSelectSlave

	e.failoverSelectSlave(p)
	if p.Primary.FailoverState != instance.FailoverNone {
		t.Fatalf("expected abort back to none, got %v", p.Primary.FailoverState)
	}
}

// TestSwitchPrimaryAddressReaddsOldAddressAsReplica exercises spec.md
// section 4.9 and the "gossip adopts newer config" scenario in section 8:
// on an address switch, the previous primary address is re-discoverable as
// a replica rather than silently forgotten.
func TestSwitchPrimaryAddressReaddsOldAddressAsReplica(t *testing.T) {
	e := newTestEngine()
	e.links = newLinkManager(func(addr instance.Address, authPass string) InstanceConn { return fakeConn{} }, e.now)
	p := newTestPrimary(t, 2, time.Second)
	oldAddr := p.Addr

	newAddr, err := instance.ResolveAddress("10.0.0.2", 6379)
	if err != nil {
		t.Fatalf("resolve address: %v", err)
	}

	e.switchPrimaryAddress(p, newAddr, 1)

	if !p.Addr.Equal(newAddr) {
		t.Fatalf("expected primary address to switch to %s, got %s", newAddr, p.Addr)
	}
	found := false
	for _, r := range p.Primary.Replicas {
		if r.Addr.Equal(oldAddr) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the old primary address to be re-added as a replica")
	}
	if p.Primary.ConfigEpoch != 1 {
		t.Fatalf("expected config epoch 1, got %d", p.Primary.ConfigEpoch)
	}
}

// TestMaybeAdoptGossipedAddressIgnoresStaleConfigEpoch is the "idempotence"
// law from spec.md section 8: a hello carrying a config epoch no higher
// than locally known must not change the primary's address.
func TestMaybeAdoptGossipedAddressIgnoresStaleConfigEpoch(t *testing.T) {
	e := newTestEngine()
	e.links = newLinkManager(func(addr instance.Address, authPass string) InstanceConn { return fakeConn{} }, e.now)
	p := newTestPrimary(t, 2, time.Second)
	p.Primary.ConfigEpoch = 5
	want := p.Addr

	e.maybeAdoptGossipedAddress(p, helloPayload{
		PrimaryIP: "10.0.0.99", PrimaryPort: 6379, PrimaryConfigEp: 5,
	})

	if !p.Addr.Equal(want) {
		t.Fatalf("expected address unchanged on stale config epoch, got %s", p.Addr)
	}
}

// TestMaybeAdoptGossipedAddressAcceptsHostOnlyChange covers the corrected
// open question from spec.md section 9: an address differing only in host
// (same port) must still be adopted once the config epoch is newer.
func TestMaybeAdoptGossipedAddressAcceptsHostOnlyChange(t *testing.T) {
	e := newTestEngine()
	e.links = newLinkManager(func(addr instance.Address, authPass string) InstanceConn { return fakeConn{} }, e.now)
	p := newTestPrimary(t, 2, time.Second)
	p.Primary.ConfigEpoch = 1

	e.maybeAdoptGossipedAddress(p, helloPayload{
		PrimaryIP: "10.0.0.200", PrimaryPort: p.Addr.Port, PrimaryConfigEp: 2,
	})

	if p.Addr.Host != "10.0.0.200" {
		t.Fatalf("expected host-only address change to be adopted, got %s", p.Addr)
	}
}

// TestTiltSuppressesElectionAndFailover is scenario 3 from spec.md section
// 8: a clock jump enters tilt, and while tilt holds, no failover state may
// advance past its pre-tilt value even if O_DOWN is set.
func TestTiltSuppressesElectionAndFailover(t *testing.T) {
	e := newTestEngine()
	base := time.Now()
	e.clock = func() time.Time { return base }
	e.lastTickAt = base
	e.tickTilt()
	if e.tilt {
		t.Fatal("tilt should not trigger on a normal ~0 gap")
	}

	base = base.Add(5 * time.Second)
	e.clock = func() time.Time { return base }
	e.tickTilt()
	if !e.tilt {
		t.Fatal("expected tilt to trigger on a 5s gap (> TiltTrigger)")
	}

	p := newTestPrimary(t, 1, time.Second)
	p.Flags = p.Flags.Set(instance.FlagODown)
	e.primaries["mymaster"] = p
	e.order = []string{"mymaster"}

	e.tick(context.Background())

	if p.Primary.FailoverState != instance.FailoverNone {
		t.Fatalf("expected failover state machine to stay at none during tilt, got %v", p.Primary.FailoverState)
	}
}

// TestTiltTriggersOnBackwardClockJump covers the delta < 0 half of the
// tilt trigger: a wall clock stepping backwards (NTP step, VM resume) is
// just as disqualifying as a forward jump.
func TestTiltTriggersOnBackwardClockJump(t *testing.T) {
	e := newTestEngine()
	base := time.Now()
	e.clock = func() time.Time { return base }
	e.lastTickAt = base

	base = base.Add(-3 * time.Second)
	e.clock = func() time.Time { return base }
	e.tickTilt()

	if !e.tilt {
		t.Fatal("expected tilt to trigger on a backward clock jump")
	}
}

// TestTiltExitsAfterTiltPeriod checks the -tilt transition.
func TestTiltExitsAfterTiltPeriod(t *testing.T) {
	e := newTestEngine()
	base := time.Now()
	e.clock = func() time.Time { return base }
	e.tilt = true
	e.tiltEnteredAt = base
	e.lastTickAt = base

	base = base.Add(TiltPeriod + time.Second)
	e.clock = func() time.Time { return base }
	e.tickTilt()

	if e.tilt {
		t.Fatal("expected tilt to clear once TiltPeriod has elapsed")
	}
}

// TestResetPrimariesMatchesGlob exercises the RESET <pattern> admin command
// (spec.md section 4.10): matching primaries lose their replicas/peers and
// runtime state but keep their configured address and quorum.
func TestResetPrimariesMatchesGlob(t *testing.T) {
	e := newTestEngine()
	e.links = newLinkManager(func(addr instance.Address, authPass string) InstanceConn { return fakeConn{} }, e.now)
	p := newTestPrimary(t, 2, time.Second)
	p.RunID = "stale-runid"
	r := instance.NewReplica(instance.Address{Host: "10.0.0.2", Port: 6379}, p, time.Second)
	_ = p.Primary.AddReplica(r)
	e.primaries["mymaster"] = p
	e.order = []string{"mymaster"}

	n, err := e.ResetPrimaries("my*")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 primary reset, got %d", n)
	}
	if len(p.Primary.Replicas) != 0 {
		t.Fatal("expected replicas to be forgotten on reset")
	}
	if p.RunID != "" {
		t.Fatal("expected run-id cleared on reset")
	}
	if p.Primary.Quorum != 2 {
		t.Fatal("expected quorum configuration to survive reset")
	}
}

// TestAddPrimaryRejectsNonPositiveQuorum covers the ErrQuorumMustBePositive
// boundary named in spec.md section 7.
func TestAddPrimaryRejectsNonPositiveQuorum(t *testing.T) {
	e := New("runid", 1, func(addr instance.Address, authPass string) InstanceConn { return fakeConn{} }, nil)
	err := e.AddPrimary(&config.PrimaryConfig{Name: "m", Host: "10.0.0.1", Port: 6379, Quorum: 0, CanFailover: true})
	if err != ErrQuorumMustBePositive {
		t.Fatalf("expected ErrQuorumMustBePositive, got %v", err)
	}
}

// TestAddPrimaryRejectsDuplicate covers ErrDuplicatePrimary.
func TestAddPrimaryRejectsDuplicate(t *testing.T) {
	e := New("runid", 1, func(addr instance.Address, authPass string) InstanceConn { return fakeConn{} }, nil)
	pc := &config.PrimaryConfig{Name: "m", Host: "10.0.0.1", Port: 6379, Quorum: 1, CanFailover: true}
	if err := e.AddPrimary(pc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.AddPrimary(pc); err != ErrDuplicatePrimary {
		t.Fatalf("expected ErrDuplicatePrimary, got %v", err)
	}
}

// TestApplyPingReplyRefreshesTimestamps exercises the completion half of
// the async probe path: a PONG landing on the tick goroutine refreshes
// the liveness timestamps and releases the in-flight slot, while a reply
// from a link that has since been dropped is discarded.
func TestApplyPingReplyRefreshesTimestamps(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)
	e.links.ensure(p, "")
	conn := e.links.conn(p)

	ps := e.probeStateFor(p)
	ps.pingInFlight = true
	p.CommandLink.Pending = 1
	e.applyPingReply(p, conn, "PONG", nil)

	if p.LastValidPingReply.IsZero() {
		t.Fatal("expected PONG to refresh the valid-reply timestamp")
	}
	if ps.pingInFlight || p.CommandLink.Pending != 0 {
		t.Fatal("expected the in-flight slot to be released")
	}

	// A reply landing after the link was killed must be ignored.
	e.links.drop(p)
	before := p.LastValidPingReply
	ps.pingInFlight = true
	p.CommandLink.Pending = 1
	e.applyPingReply(p, conn, "PONG", nil)
	if !p.LastValidPingReply.Equal(before) {
		t.Fatal("expected a stale reply from a dropped link to be discarded")
	}
	if ps.pingInFlight || p.CommandLink.Pending != 0 {
		t.Fatal("expected the in-flight slot to be released even for stale replies")
	}
}

// TestDrainAppliedRunsPostedClosures checks that completions posted by
// worker goroutines run on the next tick drain, in order.
func TestDrainAppliedRunsPostedClosures(t *testing.T) {
	e := newTestEngine()
	var got []int
	e.applyCh() <- func() { got = append(got, 1) }
	e.applyCh() <- func() { got = append(got, 2) }
	e.drainApplied()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected closures applied in order, got %v", got)
	}
}

// TestHelloPayloadRoundTrip checks the nine comma-separated tokens of the
// gossip wire format, including the can-failover bit.
func TestHelloPayloadRoundTrip(t *testing.T) {
	in := helloPayload{
		SelfIP: "10.0.0.9", SelfPort: 26379, SelfRunID: "runid-peer",
		CanFailover: true, CurrentEpoch: 4,
		PrimaryName: "mymaster", PrimaryIP: "10.0.0.1", PrimaryPort: 6379, PrimaryConfigEp: 2,
	}
	encoded := in.encode()
	out, err := decodeHello(encoded)
	if err != nil {
		t.Fatalf("decode %q: %v", encoded, err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
	if _, err := decodeHello("a,b,c"); err == nil {
		t.Fatal("expected short payloads to be rejected")
	}
}

// TestHandleHelloDeduplicatesRestartedPeer is scenario 5 from spec.md
// section 8: a peer restarting with the same address but a new run-id
// replaces the old entry, leaving the peer count unchanged.
func TestHandleHelloDeduplicatesRestartedPeer(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)
	e.primaries["mymaster"] = p

	old := instance.NewPeer(instance.Address{Host: "10.0.0.9", Port: 26379}, "runid-old", time.Second)
	_ = p.Primary.AddPeer(old)

	msg := helloPayload{
		SelfIP: "10.0.0.9", SelfPort: 26379, SelfRunID: "runid-new",
		CanFailover: true, CurrentEpoch: 0,
		PrimaryName: "mymaster", PrimaryIP: p.Addr.Host, PrimaryPort: p.Addr.Port, PrimaryConfigEp: 0,
	}
	e.handleHello(p, msg.encode())

	if len(p.Primary.Peers) != 1 {
		t.Fatalf("expected peer count to stay 1 after dedup, got %d", len(p.Primary.Peers))
	}
	for _, peer := range p.Primary.Peers {
		if peer.RunID != "runid-new" {
			t.Fatalf("expected surviving peer to carry the new run-id, got %s", peer.RunID)
		}
		if !peer.Flags.Has(instance.FlagCanFailover) {
			t.Fatal("expected can-failover bit from the hello to be applied to the peer")
		}
	}
}

// TestIsElectedLeaderRequiresMajorityAndQuorum exercises the dual winning
// condition from spec.md section 4.7: an absolute majority of voters AND at
// least the primary's quorum.
func TestIsElectedLeaderRequiresMajorityAndQuorum(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 3, time.Second)
	p.Primary.FailoverEpoch = 1
	p.Primary.LastVotedLeaderRunID = e.runID // our own vote, cast when the round opened
	p.Primary.LastVotedLeaderEpoch = 1

	peerA := instance.NewPeer(instance.Address{Host: "10.0.0.8", Port: 26379}, "peer-a", time.Second)
	peerB := instance.NewPeer(instance.Address{Host: "10.0.0.9", Port: 26379}, "peer-b", time.Second)
	_ = p.Primary.AddPeer(peerA)
	_ = p.Primary.AddPeer(peerB)

	// Self + peerA: majority of 3 voters, but below quorum 3.
	peerA.Peer.VotedLeaderRunID = e.runID
	peerA.Peer.VotedLeaderEpoch = 1
	if e.isElectedLeader(p) {
		t.Fatal("majority alone must not win when below the configured quorum")
	}

	peerB.Peer.VotedLeaderRunID = e.runID
	peerB.Peer.VotedLeaderEpoch = 1
	if !e.isElectedLeader(p) {
		t.Fatal("expected unanimous vote to satisfy both majority and quorum")
	}

	// Votes for an older epoch do not count.
	peerB.Peer.VotedLeaderEpoch = 0
	if e.isElectedLeader(p) {
		t.Fatal("stale-epoch votes must not count toward the tally")
	}
}

// TestAbortFailoverClearsReconfAndPromoted checks the abort procedure of
// spec.md section 4.8: RECONF_* flags are cleared on every replica and the
// promoted replica loses its PROMOTED flag.
func TestAbortFailoverClearsReconfAndPromoted(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)
	r := instance.NewReplica(instance.Address{Host: "10.0.0.2", Port: 6379}, p, time.Second)
	r.Flags = r.Flags.Set(instance.FlagReconfSent | instance.FlagPromoted)
	_ = p.Primary.AddReplica(r)
	p.Primary.PromotedReplica = r
	p.Primary.FailoverState = instance.FailoverWaitPromotion
	p.Flags = p.Flags.Set(instance.FlagFailoverInProgress)

	e.abortFailover(p, "test")

	if r.Flags.Any(instance.FlagReconfSent | instance.FlagReconfInProgress | instance.FlagReconfDone | instance.FlagPromoted) {
		t.Fatalf("expected reconf/promoted flags cleared on abort, got %b", r.Flags)
	}
	if p.Primary.FailoverState != instance.FailoverNone || p.Primary.PromotedReplica != nil {
		t.Fatal("expected failover bookkeeping reset on abort")
	}
	if p.Flags.Has(instance.FlagFailoverInProgress) {
		t.Fatal("expected FAILOVER_IN_PROGRESS cleared on abort")
	}
}

// TestFailoverSelectSlaveSkipsStaleCandidates checks the freshness half of
// spec.md section 4.8.1: a replica whose ping or INFO is outside the
// validity window is not promotable even if otherwise healthy.
func TestFailoverSelectSlaveSkipsStaleCandidates(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)

	stale := instance.NewReplica(instance.Address{Host: "10.0.0.2", Port: 6379}, p, time.Second)
	freshReplica(e, stale)
	stale.LastValidPingReply = e.now().Add(-time.Minute)
	_ = p.Primary.AddReplica(stale)
	p.Primary.FailoverState = instance.FailoverSelectSlave

	e.failoverSelectSlave(p)
	if p.Primary.FailoverState != instance.FailoverNone {
		t.Fatalf("expected abort when the only candidate is stale, got %v", p.Primary.FailoverState)
	}
}

// TestPromotionConfirmationStampsConfigEpoch covers the WAIT_PROMOTION →
// RECONF_SLAVES transition of spec.md section 4.4: when the promoted
// replica's INFO reports the primary role, the parent's config epoch is set
// to the failover epoch.
func TestPromotionConfirmationStampsConfigEpoch(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)
	r := instance.NewReplica(instance.Address{Host: "10.0.0.2", Port: 6379}, p, time.Second)
	_ = p.Primary.AddReplica(r)
	p.Primary.PromotedReplica = r
	p.Primary.FailoverEpoch = 3
	p.Primary.FailoverState = instance.FailoverWaitPromotion

	r.RoleReported = "master"
	e.failoverWaitPromotion(p)

	if p.Primary.ConfigEpoch != 3 {
		t.Fatalf("expected config epoch stamped to failover epoch 3, got %d", p.Primary.ConfigEpoch)
	}
	if p.Primary.FailoverState != instance.FailoverReconfSlaves {
		t.Fatalf("expected state reconf_slaves, got %v", p.Primary.FailoverState)
	}
}

// TestPrimaryReportingSlaveRoleGoesSDown exercises the second S_DOWN
// trigger from spec.md section 4.6: a reachable primary that keeps
// reporting the replica role past down_after + 2×info_period is
// subjectively down.
func TestPrimaryReportingSlaveRoleGoesSDown(t *testing.T) {
	e := newTestEngine()
	p := newTestPrimary(t, 2, time.Second)
	now := e.now()
	p.CommandLink.Connected = true
	p.PubSubLink.Connected = true
	p.LastValidPingReply = now
	p.RoleReported = "slave"
	p.RoleReportedSince = now.Add(-(p.DownAfterPeriod + 2*InfoPeriodNormal + time.Second))

	e.computeInstanceSDown(p)
	if !p.IsSDown() {
		t.Fatal("expected a persistently slave-reporting primary to be S_DOWN")
	}
}

// TestParseSlaveEntryHandlesBothFormats covers the legacy positional and
// keyed forms of a slaveN INFO line (spec.md section 4.4).
func TestParseSlaveEntryHandlesBothFormats(t *testing.T) {
	if ip, port := parseSlaveEntry("10.0.0.2,6379,online"); ip != "10.0.0.2" || port != "6379" {
		t.Fatalf("legacy form: got %s:%s", ip, port)
	}
	if ip, port := parseSlaveEntry("ip=10.0.0.3,port=6380,state=online"); ip != "10.0.0.3" || port != "6380" {
		t.Fatalf("keyed form: got %s:%s", ip, port)
	}
	if !isSlaveKey("slave0") || isSlaveKey("slave_priority") || isSlaveKey("slave") {
		t.Fatal("isSlaveKey must match only slaveN keys")
	}
}

// TestScriptQueueDropsOldestWhenFull covers the bounded-FIFO rule of
// spec.md section 4.11: at the cap, the oldest queued job is discarded,
// never the newest.
func TestScriptQueueDropsOldestWhenFull(t *testing.T) {
	q := newScriptQueue(time.Now)
	for i := 0; i < ScriptQueueCap; i++ {
		q.enqueue(scriptJob{path: "/bin/true", primary: "first"})
	}
	q.enqueue(scriptJob{path: "/bin/true", primary: "last"})

	if len(q.pending) != ScriptQueueCap {
		t.Fatalf("expected queue length to stay at cap %d, got %d", ScriptQueueCap, len(q.pending))
	}
	if q.pending[len(q.pending)-1].primary != "last" {
		t.Fatal("expected the newest job to survive the overflow")
	}
}

// TestForceFailoverRequiresCanFailover exercises the FAILOVER admin command
// precondition from spec.md section 4.8/7.
func TestForceFailoverRequiresCanFailover(t *testing.T) {
	e := New("runid", 1, func(addr instance.Address, authPass string) InstanceConn { return fakeConn{} }, nil)
	pc := &config.PrimaryConfig{Name: "m", Host: "10.0.0.1", Port: 6379, Quorum: 1, CanFailover: false}
	if err := e.AddPrimary(pc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.ForceFailover("m"); err != ErrInsufficientInfo {
		t.Fatalf("expected ErrInsufficientInfo, got %v", err)
	}
}
