package engine

import (
	"fmt"
	"time"

	"github.com/sindef/sentineld/pkg/instance"
)

// switchPrimaryAddress implements the address-switch procedure, spec.md
// section 4.9: the primary's identity (its configured name) survives, but
// its address, run ID, and the bookkeeping that only makes sense for the
// address we were just talking to are all reset. The surviving replica
// addresses (excluding whichever one already equals newAddr) are snapshotted
// first; if newAddr differs from the old primary address, the old address is
// added to that snapshot too, so it gets re-discovered as a replica on the
// next INFO round instead of silently disappearing from the topology.
func (e *Engine) switchPrimaryAddress(primary *instance.Instance, newAddr instance.Address, newConfigEpoch uint64) {
	oldAddr := primary.Addr

	var snapshot []instance.Address
	for _, r := range primary.Primary.Replicas {
		if r.Addr.Equal(newAddr) {
			continue
		}
		snapshot = append(snapshot, r.Addr)
	}
	if !oldAddr.Equal(newAddr) {
		snapshot = append(snapshot, oldAddr)
	}

	e.links.drop(primary)
	for name, r := range primary.Primary.Replicas {
		e.links.drop(r)
		delete(primary.Primary.Replicas, name)
	}

	primary.Addr = newAddr
	primary.RunID = ""
	primary.Primary.ConfigEpoch = newConfigEpoch
	primary.Flags = primary.Flags.Clear(instance.FlagSDown | instance.FlagODown |
		instance.FlagPrimaryDown | instance.FlagFailoverInProgress)
	primary.SDownSince = time.Time{}
	primary.ODownSince = time.Time{}
	primary.Primary.FailoverState = instance.FailoverNone
	primary.Primary.PromotedReplica = nil

	for _, addr := range snapshot {
		r := instance.NewReplica(addr, primary, primary.DownAfterPeriod)
		_ = primary.Primary.AddReplica(r) // name derives from addr, snapshot already deduped by address
	}

	e.emit(Event{
		Kind:     "+switch-master",
		Severity: SeverityWarning,
		Primary:  primary.Name,
		Subject:  primary,
		Detail:   fmt.Sprintf("%s:%d -> %s:%d", oldAddr.Host, oldAddr.Port, newAddr.Host, newAddr.Port),
	})
}
