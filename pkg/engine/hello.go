package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sindef/sentineld/pkg/instance"
	"github.com/sindef/sentineld/pkg/redis"
	"k8s.io/klog/v2"
)

// helloPayload is the gossip message published on HelloChannel, spec.md
// section 4.5: this supervisor's own address and identity, plus what it
// currently believes the primary's address and config epoch are.
type helloPayload struct {
	SelfIP          string
	SelfPort        int
	SelfRunID       string
	CanFailover     bool
	CurrentEpoch    uint64
	PrimaryName     string
	PrimaryIP       string
	PrimaryPort     int
	PrimaryConfigEp uint64
}

func (h helloPayload) encode() string {
	canFailover := 0
	if h.CanFailover {
		canFailover = 1
	}
	return fmt.Sprintf("%s,%d,%s,%d,%d,%s,%s,%d,%d",
		h.SelfIP, h.SelfPort, h.SelfRunID, canFailover, h.CurrentEpoch,
		h.PrimaryName, h.PrimaryIP, h.PrimaryPort, h.PrimaryConfigEp)
}

func decodeHello(payload string) (helloPayload, error) {
	parts := strings.Split(payload, ",")
	if len(parts) != 9 {
		return helloPayload{}, fmt.Errorf("hello: expected 9 fields, got %d", len(parts))
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return helloPayload{}, fmt.Errorf("hello: bad self port: %w", err)
	}
	canFailover, err := strconv.Atoi(parts[3])
	if err != nil {
		return helloPayload{}, fmt.Errorf("hello: bad can-failover bit: %w", err)
	}
	epoch, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		return helloPayload{}, fmt.Errorf("hello: bad current epoch: %w", err)
	}
	pport, err := strconv.Atoi(parts[7])
	if err != nil {
		return helloPayload{}, fmt.Errorf("hello: bad primary port: %w", err)
	}
	cfgEp, err := strconv.ParseUint(parts[8], 10, 64)
	if err != nil {
		return helloPayload{}, fmt.Errorf("hello: bad primary config epoch: %w", err)
	}
	return helloPayload{
		SelfIP: parts[0], SelfPort: port, SelfRunID: parts[2], CanFailover: canFailover != 0,
		CurrentEpoch: epoch,
		PrimaryName:  parts[5], PrimaryIP: parts[6], PrimaryPort: pport, PrimaryConfigEp: cfgEp,
	}, nil
}

// publishHello publishes this supervisor's hello payload on the hello
// channel of the primary and every replica, at most once per
// PublishPeriod (spec.md section 4.5).
func (e *Engine) publishHello(ctx context.Context, primary *instance.Instance) {
	now := e.now()
	if now.Sub(primary.LastHelloPublish) < PublishPeriod {
		return
	}
	payload := helloPayload{
		SelfIP:          e.selfIP,
		SelfPort:        e.selfPort,
		SelfRunID:       e.runID,
		CanFailover:     primary.Flags.Has(instance.FlagCanFailover),
		CurrentEpoch:    primary.Primary.FailoverEpoch,
		PrimaryName:     primary.Name,
		PrimaryIP:       primary.Addr.Host,
		PrimaryPort:     primary.Addr.Port,
		PrimaryConfigEp: primary.Primary.ConfigEpoch,
	}
	msg := payload.encode()

	// Publishes are fire-and-forget on worker goroutines: a hello that
	// fails is simply retried on the next publish interval, so nothing
	// needs to come back to the tick.
	publishVia := func(inst *instance.Instance) {
		conn := e.links.conn(inst)
		if conn == nil {
			return
		}
		name := inst.Name
		go func() {
			pubCtx, cancel := context.WithTimeout(context.Background(), PublishPeriod)
			defer cancel()
			if err := conn.Publish(pubCtx, redis.HelloChannel, msg); err != nil {
				klog.V(4).InfoS("hello publish failed", "instance", name, "err", err)
			}
		}()
	}
	publishVia(primary)
	for _, r := range primary.Primary.Replicas {
		publishVia(r)
	}
	primary.LastHelloPublish = now
}

// ingestHelloAll drains every pending hello message on the primary's and
// each replica's pub/sub link, updating or creating peer records.
func (e *Engine) ingestHelloAll(ctx context.Context, primary *instance.Instance) {
	e.drainHello(primary, primary)
	for _, r := range primary.Primary.Replicas {
		e.drainHello(r, primary)
	}
}

func (e *Engine) drainHello(via, primary *instance.Instance) {
	ps := e.links.pubsub(via)
	if ps == nil {
		return
	}
	for {
		select {
		case msg, ok := <-ps.Channel():
			if !ok {
				return
			}
			e.handleHello(primary, msg.Payload)
		default:
			return
		}
	}
}

// handleHello implements the hello ingestor, spec.md section 4.5: dedup
// by address-or-runid, then either register a new peer or reuse the
// existing one, refresh its last-seen time and can-failover bit, and
// adopt a higher advertised epoch for the primary.
func (e *Engine) handleHello(primary *instance.Instance, payload string) {
	h, err := decodeHello(payload)
	if err != nil {
		klog.V(5).InfoS("ignoring malformed hello", "err", err)
		return
	}
	if h.SelfRunID == e.runID {
		return // our own publish, echoed back
	}
	if h.PrimaryName != primary.Name {
		return // gossip about a primary we don't share
	}

	addr, err := instance.ResolveAddress(h.SelfIP, h.SelfPort)
	if err != nil {
		return
	}

	now := e.now()
	matches := primary.Primary.FindPeerByAddrOrRunID(addr, h.SelfRunID)
	var peer *instance.Instance
	if len(matches) > 0 {
		peer = matches[0]
		// Drop any stale duplicate left behind by a restart or address change.
		for _, dup := range matches[1:] {
			primary.Primary.RemovePeer(dup.Name)
			e.emit(Event{Kind: "-dup-sentinel", Severity: SeverityInfo, Primary: primary.Name, Subject: dup})
		}
		if peer.RunID != h.SelfRunID || !peer.Addr.Equal(addr) {
			// Same slot, new identity: the peer restarted with a fresh run
			// id, or moved address. Replace it rather than mutate in place.
			primary.Primary.RemovePeer(peer.Name)
			e.emit(Event{Kind: "-dup-sentinel", Severity: SeverityInfo, Primary: primary.Name, Subject: peer})
			peer = instance.NewPeer(addr, h.SelfRunID, primary.DownAfterPeriod)
			if err := primary.Primary.AddPeer(peer); err != nil {
				return
			}
			e.emit(Event{Kind: "+sentinel", Severity: SeverityInfo, Primary: primary.Name, Subject: peer})
		}
	} else {
		peer = instance.NewPeer(addr, h.SelfRunID, primary.DownAfterPeriod)
		if err := primary.Primary.AddPeer(peer); err != nil {
			return
		}
		e.emit(Event{Kind: "+sentinel", Severity: SeverityInfo, Primary: primary.Name, Subject: peer})
	}

	peer.LastHelloReceived = now
	peer.CommandLink.Connected = true // reachability is inferred from gossip recency, not a dial
	peer.CommandLink.LastActivity = now
	if h.CanFailover {
		peer.Flags = peer.Flags.Set(instance.FlagCanFailover)
	} else {
		peer.Flags = peer.Flags.Clear(instance.FlagCanFailover)
	}

	if h.CurrentEpoch > primary.Primary.FailoverEpoch {
		primary.Primary.FailoverEpoch = h.CurrentEpoch
		e.emit(Event{Kind: "+new-epoch", Severity: SeverityInfo, Primary: primary.Name, Subject: primary,
			Detail: strconv.FormatUint(h.CurrentEpoch, 10)})
	}

	e.maybeAdoptGossipedAddress(primary, h)
}

// maybeAdoptGossipedAddress implements the corrected version of the
// address-switch trigger: if a peer reports a higher config epoch for
// this primary AND its gossiped address differs from ours in either the
// host or the port, we adopt it. The original condition compared the port
// but had its host comparison inverted, which missed pure-host moves;
// spec.md section 9 calls this out as
// an open question resolved in favor of checking both fields.
func (e *Engine) maybeAdoptGossipedAddress(primary *instance.Instance, h helloPayload) {
	if e.tilt {
		// Gossip keeps flowing during tilt, but acting on it does not.
		return
	}
	if h.PrimaryConfigEp <= primary.Primary.ConfigEpoch {
		return
	}
	gossiped, err := instance.ResolveAddress(h.PrimaryIP, h.PrimaryPort)
	if err != nil {
		return
	}
	if gossiped.Equal(primary.Addr) {
		primary.Primary.ConfigEpoch = h.PrimaryConfigEp
		return
	}
	klog.InfoS("adopting gossiped primary address", "primary", primary.Name,
		"old", primary.Addr.String(), "new", gossiped.String(), "configEpoch", h.PrimaryConfigEp)
	e.switchPrimaryAddress(primary, gossiped, h.PrimaryConfigEp)
}
