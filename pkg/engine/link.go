package engine

import (
	"context"
	"time"

	"github.com/sindef/sentineld/pkg/instance"
	"github.com/sindef/sentineld/pkg/redis"
	"k8s.io/klog/v2"
)

// link pairs the command and pub/sub connections for one monitored
// instance (a primary or a replica; peers are reached only through
// PeerRPC, never dialed directly — spec.md section 4.2).
type link struct {
	conn        InstanceConn
	pubsub      redis.PubSubConn
	lastAttempt time.Time
}

// linkManager owns the dialed connections for every monitored primary and
// replica, keyed by the *instance.Instance they belong to. It is the Go
// equivalent of the reconnect logic in the link layer: at most one dial
// attempt in flight per instance, backed off by MinLinkReconnectPeriod.
type linkManager struct {
	dial  DialFunc
	clock func() time.Time
	links map[*instance.Instance]*link
}

func newLinkManager(dial DialFunc, clock func() time.Time) *linkManager {
	return &linkManager{dial: dial, clock: clock, links: make(map[*instance.Instance]*link)}
}

// ensure makes sure inst has a live command link and, for primaries and
// replicas, a pub/sub link subscribed to the hello channel. It is a no-op
// if a link already exists. drop removes the instance's entry, so a
// dropped link is redialed on the next call; reconnects of a silent
// instance are paced by killIfIdle, which retires a link only after
// MinLinkReconnectPeriod without activity since it was (re)established.
func (m *linkManager) ensure(inst *instance.Instance, authPass string) {
	l, ok := m.links[inst]
	if ok && l.conn != nil {
		return
	}
	now := m.clock()
	if ok && now.Sub(l.lastAttempt) < MinLinkReconnectPeriod {
		return
	}
	if l == nil {
		l = &link{}
		m.links[inst] = l
	}
	l.lastAttempt = now

	conn := m.dial(inst.Addr, authPass)
	l.conn = conn
	inst.CommandLink.Connected = true
	inst.CommandLink.ConnectedAt = now

	if inst.Role == instance.RolePrimary || inst.Role == instance.RoleReplica {
		l.pubsub = conn.Subscribe(context.Background(), redis.HelloChannel)
		inst.PubSubLink.Connected = true
		inst.PubSubLink.ConnectedAt = now
	}
	if inst.RequiredLinksUp() {
		inst.Flags = inst.Flags.Clear(instance.FlagDisconnected)
	}
	klog.V(3).InfoS("link established", "instance", inst.Name, "addr", inst.Addr.String())
}

// conn returns the live command connection for inst, or nil if none.
func (m *linkManager) conn(inst *instance.Instance) InstanceConn {
	if l, ok := m.links[inst]; ok {
		return l.conn
	}
	return nil
}

// pubsub returns the live pub/sub connection for inst, or nil if none.
func (m *linkManager) pubsub(inst *instance.Instance) redis.PubSubConn {
	if l, ok := m.links[inst]; ok {
		return l.pubsub
	}
	return nil
}

// drop tears down inst's links, e.g. when killIfIdle retires a silent
// link or the primary is reset or switched, so the next tick reconnects.
func (m *linkManager) drop(inst *instance.Instance) {
	l, ok := m.links[inst]
	if !ok {
		return
	}
	if l.conn != nil {
		l.conn.Close()
	}
	if l.pubsub != nil {
		l.pubsub.Close()
	}
	delete(m.links, inst)
	inst.CommandLink.Connected = false
	inst.PubSubLink.Connected = false
	inst.Flags = inst.Flags.Set(instance.FlagDisconnected)
}

// killIfIdle tears down a link that has gone silent for longer than the
// reconnect backoff even though probes should be flowing, so the next tick
// rebuilds it from scratch instead of trusting a half-dead socket.
func (m *linkManager) killIfIdle(inst *instance.Instance) {
	l, ok := m.links[inst]
	if !ok || l.conn == nil {
		return
	}
	last := inst.CommandLink.LastActivity
	if last.Before(inst.CommandLink.ConnectedAt) {
		last = inst.CommandLink.ConnectedAt
	}
	if m.clock().Sub(last) > MinLinkReconnectPeriod {
		klog.V(2).InfoS("killing idle link", "instance", inst.Name, "addr", inst.Addr.String())
		m.drop(inst)
	}
}

// maintainLinks ensures links exist for primary and every known replica,
// first retiring any link that has gone chronically idle.
func (e *Engine) maintainLinks(ctx context.Context, primary *instance.Instance) {
	authPass := primary.Primary.AuthSecret
	e.links.killIfIdle(primary)
	e.links.ensure(primary, authPass)
	for _, r := range primary.Primary.Replicas {
		e.links.killIfIdle(r)
		e.links.ensure(r, authPass)
	}
}
