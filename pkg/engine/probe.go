package engine

import (
	"context"
	"time"

	"github.com/sindef/sentineld/pkg/instance"
	"github.com/sindef/sentineld/pkg/redis"
	"k8s.io/klog/v2"
)

// probeState tracks the last time each periodic command was issued to an
// instance and which operations are currently in flight, since
// instance.Instance itself only records reply timestamps (spec.md
// section 3), not send-side bookkeeping. The per-operation booleans
// enforce "at most one in-flight command per (instance, operation)".
type probeState struct {
	lastPing time.Time
	lastInfo time.Time

	pingInFlight    bool
	infoInFlight    bool
	slaveofInFlight bool
}

func (e *Engine) probeStateFor(inst *instance.Instance) *probeState {
	if e.probes == nil {
		e.probes = make(map[*instance.Instance]*probeState)
	}
	ps, ok := e.probes[inst]
	if !ok {
		ps = &probeState{}
		e.probes[inst] = ps
	}
	return ps
}

// probeAll issues PING to primary and every replica once per PingPeriod
// (spec.md section 4.3). The call itself runs on a worker goroutine so an
// unreachable instance costs the tick nothing; the reply is applied on
// the next tick via the completion queue.
func (e *Engine) probeAll(ctx context.Context, primary *instance.Instance) {
	e.probeOne(ctx, primary)
	for _, r := range primary.Primary.Replicas {
		e.probeOne(ctx, r)
	}
}

func (e *Engine) probeOne(ctx context.Context, inst *instance.Instance) {
	conn := e.links.conn(inst)
	if conn == nil {
		return
	}
	ps := e.probeStateFor(inst)
	now := e.now()
	if ps.pingInFlight || now.Sub(ps.lastPing) < PingPeriod {
		return
	}
	if inst.CommandLink.Pending >= MaxPendingCommands {
		return
	}
	ps.lastPing = now
	ps.pingInFlight = true
	inst.CommandLink.Pending++

	results := e.applyCh()
	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), PingPeriod)
		reply, err := conn.Ping(pingCtx)
		cancel()
		results <- func() { e.applyPingReply(inst, conn, reply, err) }
	}()
}

// applyPingReply runs on the tick goroutine. A reply arriving after the
// instance's link was dropped or replaced is discarded, the equivalent of
// the detached-back-pointer cancellation in spec.md section 5.
func (e *Engine) applyPingReply(inst *instance.Instance, conn InstanceConn, reply string, err error) {
	ps := e.probeStateFor(inst)
	ps.pingInFlight = false
	inst.CommandLink.Pending--
	if e.links.conn(inst) != conn {
		return // stale reply from a killed link
	}
	if err != nil {
		klog.V(4).InfoS("ping failed", "instance", inst.Name, "err", err)
		return
	}
	inst.LastAnyReply = e.now()
	inst.CommandLink.LastActivity = inst.LastAnyReply

	switch redis.ClassifyPingReply(reply) {
	case redis.PingReplyValid:
		inst.LastValidPingReply = inst.LastAnyReply
		inst.Flags = inst.Flags.Clear(instance.FlagScriptKillSent)
	case redis.PingReplyBusy:
		if inst.IsSDown() && !inst.Flags.Has(instance.FlagScriptKillSent) {
			inst.Flags = inst.Flags.Set(instance.FlagScriptKillSent)
			go func() {
				killCtx, cancel := context.WithTimeout(context.Background(), PingPeriod)
				defer cancel()
				if err := conn.KillScript(killCtx); err != nil {
					klog.V(4).InfoS("script kill failed", "instance", inst.Name, "err", err)
				}
			}()
		}
	case redis.PingReplyOther:
		// Neither valid nor busy: does not refresh LastValidPingReply,
		// which is what lets S_DOWN trip once DownAfterPeriod elapses.
	}
}
