// Package engine implements the supervision core: the periodic instance
// handler, subjective/objective down detection, epoch-based leader
// election among peer supervisors, and the failover state machine
// (spec.md section 4). Everything external — the monitored store's wire
// protocol, peer transport, and pod discovery — is reached only through
// the interfaces declared in this package, mirroring the way the
// orchestrator this was adapted from depended on kubernetes.Interface
// rather than a concrete client.
package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sindef/sentineld/pkg/config"
	"github.com/sindef/sentineld/pkg/instance"
	"github.com/sindef/sentineld/pkg/redis"
	"k8s.io/klog/v2"
)

// PeerRPC is the transport the down detector and election subsystem use to
// ask other supervisors about a primary's reachability and to exchange
// votes (spec.md section 4.6/4.7). The production implementation is an
// HTTP+JSON client authenticated with the shared secret; tests substitute
// a fake that returns canned answers.
type PeerRPC interface {
	AskPrimaryDown(ctx context.Context, peer *instance.Instance, primaryName string, primaryAddr instance.Address, epoch uint64, runID string) (down bool, leaderRunID string, leaderEpoch uint64, err error)
}

// InstanceConn is the per-instance command+pub/sub surface the link
// manager dials. *redis.Client satisfies it.
type InstanceConn interface {
	redis.Conn
	Subscribe(ctx context.Context, channel string) redis.PubSubConn
}

// DialFunc builds a connection to addr, authenticated with authPass if
// non-empty. Production code wires redis.Dial; tests wire a fake.
type DialFunc func(addr instance.Address, authPass string) InstanceConn

// Engine is the single-writer supervision core. Monitored state is mutated
// inside tick, called from the one goroutine Run owns, and by the exported
// methods external callers (the peer-RPC server, the CLI) reach in
// through; tick holds the engine lock for its whole pass and the exported
// methods take the same lock, so the two never interleave.
type Engine struct {
	mu sync.Mutex

	runID    string
	selfIP   string
	selfPort int
	rnd      *rand.Rand
	clock    func() time.Time

	primaries map[string]*instance.Instance // name -> Role == RolePrimary instance
	order     []string

	tilt          bool
	tiltEnteredAt time.Time
	lastTickAt    time.Time

	links       *linkManager
	scripts     *scriptQueue
	peerRPC     PeerRPC
	probes      map[*instance.Instance]*probeState
	downReplies chan downReply
	applyQueue  chan func()
	electionAt  map[*instance.Instance]time.Time

	eventLog []Event
}

// New builds an Engine. seed fixes the PRNG used for failover-start
// desync (spec.md section 4.7); replica tie-breaks are a deterministic
// sort and do not use it. cmd/sentineld derives the seed from its random
// run ID; tests that need determinism pass a fixed value.
func New(runID string, seed int64, dial DialFunc, peerRPC PeerRPC) *Engine {
	e := &Engine{
		runID:       runID,
		rnd:         rand.New(rand.NewSource(seed)),
		clock:       time.Now,
		primaries:   make(map[string]*instance.Instance),
		peerRPC:     peerRPC,
		downReplies: make(chan downReply, 64),
		applyQueue:  make(chan func(), 256),
	}
	e.links = newLinkManager(dial, e.clock)
	e.scripts = newScriptQueue(e.clock)
	return e
}

func (e *Engine) now() time.Time { return e.clock() }

// applyCh lazily allocates the completion queue for zero-value Engines in
// narrow unit tests; callers dispatching work MUST read it on the tick
// goroutine before spawning, so the allocation never races.
func (e *Engine) applyCh() chan func() {
	if e.applyQueue == nil {
		e.applyQueue = make(chan func(), 256)
	}
	return e.applyQueue
}

// drainApplied runs every completion callback posted by the command
// worker goroutines since the last tick. This is the single place async
// results re-enter the engine, keeping all state mutation on the tick
// goroutine the way the down detector's reply channel already does.
func (e *Engine) drainApplied() {
	for {
		select {
		case apply := <-e.applyCh():
			apply()
		default:
			return
		}
	}
}

// RunID returns this supervisor's own identity, used both in hello
// payloads and as the vote requester/grantee identity.
func (e *Engine) RunID() string { return e.runID }

// SetSelfAddr records the host/port this supervisor advertises in its own
// hello payloads and to peers querying it over PeerRPC.
func (e *Engine) SetSelfAddr(ip string, port int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selfIP, e.selfPort = ip, port
}

// AddPrimary starts monitoring a primary described by pc, resolving its
// address and registering it under pc.Name. It is the programmatic
// equivalent of a `monitor` configuration directive.
func (e *Engine) AddPrimary(pc *config.PrimaryConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.primaries[pc.Name]; exists {
		return ErrDuplicatePrimary
	}
	if pc.Quorum <= 0 {
		return ErrQuorumMustBePositive
	}
	addr, err := instance.ResolveAddress(pc.Host, pc.Port)
	if err != nil {
		return err
	}
	downAfter := pc.DownAfter
	if downAfter <= 0 {
		downAfter = DefaultDownAfterPeriod
	}
	failoverTimeout := pc.FailoverTimeout
	if failoverTimeout <= 0 {
		failoverTimeout = DefaultFailoverTimeout
	}
	inst := instance.NewPrimary(pc.Name, addr, pc.Quorum, downAfter, failoverTimeout)
	inst.Primary.ParallelSyncs = pc.ParallelSyncs
	inst.Primary.AuthSecret = pc.AuthPass
	inst.Primary.NotificationScript = pc.NotificationScript
	inst.Primary.ClientReconfigScript = pc.ClientReconfigScript
	if !pc.CanFailover {
		inst.Flags = inst.Flags.Clear(instance.FlagCanFailover)
	}

	e.primaries[pc.Name] = inst
	e.order = append(e.order, pc.Name)
	klog.InfoS("monitoring new primary", "name", pc.Name, "addr", addr.String(), "quorum", pc.Quorum)
	return nil
}

// Primary returns a snapshot pointer to the named primary's state. The
// returned *instance.Instance is the live object; callers outside the
// engine goroutine must not mutate it, only read it while holding no
// assumption of atomicity across fields (take the values you need in one
// read, under WithPrimary instead, when consistency matters).
func (e *Engine) Primary(name string) (*instance.Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.primaries[name]
	return inst, ok
}

// WithPrimary runs fn with the engine lock held, for callers (the peer
// RPC server) that need a consistent read of more than one field.
func (e *Engine) WithPrimary(name string, fn func(*instance.Instance)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.primaries[name]
	if !ok {
		return false
	}
	fn(inst)
	return true
}

// Names returns the monitored primary names in declaration order.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// ForceFailover marks the named primary for an out-of-band failover,
// spec.md section 4.8's FAILOVER administrative command: the next
// election round treats it exactly like an O_DOWN trigger, bypassing the
// down-detection wait.
func (e *Engine) ForceFailover(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	primary, ok := e.primaries[name]
	if !ok {
		return ErrNoSuchPrimary
	}
	if !primary.Flags.Has(instance.FlagCanFailover) {
		return ErrInsufficientInfo
	}
	if primary.Primary.FailoverState != instance.FailoverNone {
		return ErrFailoverInProgress
	}
	primary.Flags = primary.Flags.Set(instance.FlagForceFailover)
	return nil
}

// PendingScripts returns the number of notification/reconfig script
// invocations queued or currently running, for the PENDING-SCRIPTS
// administrative command.
func (e *Engine) PendingScripts() int {
	return e.scripts.pendingCount()
}

// RecentEvents returns up to n of the most recently emitted events, newest
// last, for the PENDING-SCRIPTS-adjacent introspection surface.
func (e *Engine) RecentEvents(n int) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.eventLog) {
		n = len(e.eventLog)
	}
	out := make([]Event, n)
	copy(out, e.eventLog[len(e.eventLog)-n:])
	return out
}

// Run drives the engine's tick loop until ctx is cancelled, the Go
// equivalent of the single-threaded cooperative event loop described in
// spec.md section 4.13: one goroutine owns all state mutation, dispatching
// bounded per-link work and collecting results back onto itself.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.scripts.stop()
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick performs one full pass over every monitored primary. Each phase
// below corresponds to one spec.md section 4.x subsystem; the order
// matters, since later phases (down detection, failover) read state the
// earlier phases (link maintenance, probing, info/hello ingestion) just
// refreshed.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tickTilt()
	e.lastTickAt = e.now()
	e.drainApplied()

	for _, name := range e.order {
		primary, ok := e.primaries[name]
		if !ok {
			continue
		}

		e.maintainLinks(ctx, primary)
		e.probeAll(ctx, primary)
		e.publishHello(ctx, primary)
		e.ingestHelloAll(ctx, primary)
		e.ingestInfoAll(ctx, primary)
		if e.tilt {
			// spec.md section 4.12: probes, INFO, and gossip keep collecting
			// state during tilt, but down detection, election, the failover
			// state machine, and the reactions hanging off them are
			// suppressed until the tilt window passes.
			continue
		}
		e.updateDownState(ctx, primary)
		e.runElectionAndFailover(ctx, primary)
	}

	e.scripts.pump()
}
