package engine

import (
	"path"
	"time"

	"github.com/sindef/sentineld/pkg/instance"
)

// ResetPrimaries implements the RESET <pattern> administrative command,
// spec.md section 4.10: every monitored primary whose name matches the
// glob pattern has its replica and peer sets forgotten and its runtime
// state reinitialized, as if it had just been added via a monitor
// directive. The address and quorum configuration (including the
// can-failover setting) survive, as do the failover epoch and the epoch of
// the last vote cast, so no epoch is voted in twice; everything else
// learned since is discarded. Returns the number of primaries reset.
func (e *Engine) ResetPrimaries(pattern string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, name := range e.order {
		matched, err := path.Match(pattern, name)
		if err != nil {
			return n, err
		}
		if !matched {
			continue
		}
		e.resetOne(e.primaries[name])
		n++
	}
	return n, nil
}

func (e *Engine) resetOne(primary *instance.Instance) {
	e.links.drop(primary)
	for name, r := range primary.Primary.Replicas {
		e.links.drop(r)
		delete(primary.Primary.Replicas, name)
	}
	primary.Primary.Peers = make(map[string]*instance.Instance)
	primary.Primary.PeerAddrIndex = make(map[string]string)

	primary.RunID = ""
	primary.Flags = primary.Flags&instance.FlagCanFailover | instance.FlagPrimary | instance.FlagDisconnected
	primary.SDownSince = time.Time{}
	primary.ODownSince = time.Time{}
	primary.LastValidPingReply = time.Time{}
	primary.LastAnyReply = time.Time{}
	primary.LastInfoSnapshot = time.Time{}
	primary.RoleReported = ""

	primary.Primary.FailoverState = instance.FailoverNone
	primary.Primary.PromotedReplica = nil
	primary.Primary.LastVotedLeaderRunID = ""

	delete(e.probes, primary)

	e.emit(Event{Kind: "+reset-master", Severity: SeverityWarning, Primary: primary.Name, Subject: primary})
}
