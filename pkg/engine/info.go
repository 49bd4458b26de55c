package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sindef/sentineld/pkg/instance"
	"k8s.io/klog/v2"
)

// parseInfo turns the text returned by the INFO command into a flat
// key/value map. Lines without a colon (section headers, blank lines) are
// skipped; this is deliberately tolerant of sections the engine never
// reads, since INFO's output grows new fields over store versions.
func parseInfo(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\r\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// ingestInfoAll issues INFO against primary and every known replica, at
// InfoPeriodFast while the primary is O_DOWN or mid-failover and
// InfoPeriodNormal otherwise (spec.md section 4.4).
func (e *Engine) ingestInfoAll(ctx context.Context, primary *instance.Instance) {
	period := InfoPeriodNormal
	if primary.IsODown() || primary.Flags.Has(instance.FlagFailoverInProgress) {
		period = InfoPeriodFast
	}
	e.infoOne(ctx, primary, primary, period)
	for _, r := range primary.Primary.Replicas {
		e.infoOne(ctx, r, primary, period)
	}
}

// infoOne dispatches INFO on a worker goroutine, like probeOne; the reply
// text is parsed and applied on the tick goroutine by applyInfoReply.
func (e *Engine) infoOne(ctx context.Context, inst, primary *instance.Instance, period time.Duration) {
	conn := e.links.conn(inst)
	if conn == nil {
		return
	}
	ps := e.probeStateFor(inst)
	now := e.now()
	if ps.infoInFlight || now.Sub(ps.lastInfo) < period {
		return
	}
	if inst.CommandLink.Pending >= MaxPendingCommands {
		return
	}
	ps.lastInfo = now
	ps.infoInFlight = true
	inst.CommandLink.Pending++

	results := e.applyCh()
	go func() {
		infoCtx, cancel := context.WithTimeout(context.Background(), InfoValidityTime)
		text, err := conn.Info(infoCtx)
		cancel()
		results <- func() { e.applyInfoReply(inst, primary, conn, text, err) }
	}()
}

// applyInfoReply runs on the tick goroutine: it records the snapshot,
// extracts the spec.md section 4.4 tokens, and fires the reactive
// transitions. A reply from a link that has since been killed or replaced
// is discarded.
func (e *Engine) applyInfoReply(inst, primary *instance.Instance, conn InstanceConn, text string, err error) {
	ps := e.probeStateFor(inst)
	ps.infoInFlight = false
	inst.CommandLink.Pending--
	if e.links.conn(inst) != conn {
		return // stale reply from a killed link
	}
	if err != nil {
		klog.V(4).InfoS("info failed", "instance", inst.Name, "err", err)
		return
	}

	inst.LastInfoSnapshot = e.now()
	inst.CommandLink.LastActivity = inst.LastInfoSnapshot
	fields := parseInfo(text)

	if runID := fields["run_id"]; runID != "" {
		if inst.RunID == "" {
			inst.RunID = runID
		} else if inst.RunID != runID {
			// The process restarted under the same address.
			e.emit(Event{Kind: "+reboot", Severity: SeverityWarning, Primary: ownerName(inst), Subject: inst})
			inst.RunID = runID
		}
	}

	role := fields["role"]
	if role != "" && role != inst.RoleReported {
		inst.RoleReported = role
		inst.RoleReportedSince = e.now()
	}

	switch inst.Role {
	case instance.RolePrimary:
		if role == "slave" {
			klog.Warningf("primary %s unexpectedly reports role:slave", inst.Name)
		}
		e.discoverReplicas(fields, primary)
	case instance.RoleReplica:
		e.ingestReplicaInfo(fields, inst)
		e.maybeRedirectStrayReplica(inst, primary)
	}
}

// maybeRedirectStrayReplica re-points a replica that has wandered off its
// primary — either by reporting the primary role itself, or by following
// some other address — back at the parent, per spec.md section 4.4. The
// redirect only fires outside any failover, and only while the parent
// itself looks healthy: it still self-reports the primary role, is
// neither S_DOWN nor O_DOWN, and its INFO is fresh. Both conditions also
// wait out a settling window after the observed change, so a failover
// performed by another supervisor has time to be gossiped to us before we
// fight it.
func (e *Engine) maybeRedirectStrayReplica(r, primary *instance.Instance) {
	if e.tilt || primary.Primary.FailoverState != instance.FailoverNone {
		return
	}
	now := e.now()
	parentSane := primary.RoleReported == "master" &&
		!primary.IsSDown() && !primary.IsODown() &&
		!primary.LastInfoSnapshot.IsZero() &&
		now.Sub(primary.LastInfoSnapshot) < 2*InfoPeriodNormal &&
		(primary.SDownSince.IsZero() || now.Sub(primary.SDownSince) > 4*PublishPeriod)
	if !parentSane {
		return
	}

	var stray bool
	var wait time.Duration
	switch {
	case r.RoleReported == "master":
		stray = true
		wait = 4 * PublishPeriod
	case r.Replica.MasterHost != "" &&
		(r.Replica.MasterHost != primary.Addr.Host || r.Replica.MasterPort != primary.Addr.Port):
		stray = true
		wait = primary.Primary.FailoverTimeout
	}
	if !stray || now.Sub(r.RoleReportedSince) < wait {
		return
	}

	target := primary.Addr
	e.sendSlaveOfAsync(r, target, func(err error) {
		if err != nil {
			klog.V(2).InfoS("stray replica redirect failed", "replica", r.Name, "err", err)
			return
		}
		e.emit(Event{Kind: "+convert-to-slave", Severity: SeverityWarning, Primary: primary.Name, Subject: r})
	})
}

// discoverReplicas parses the "slaveN:" lines in a primary's INFO output
// and registers any replica not already known, per spec.md section 4.4.
func (e *Engine) discoverReplicas(fields map[string]string, primary *instance.Instance) {
	for k, v := range fields {
		if !isSlaveKey(k) {
			continue
		}
		ip, port := parseSlaveEntry(v)
		if ip == "" || port == "" {
			continue
		}
		portNum, err := strconv.Atoi(port)
		if err != nil {
			continue
		}
		addr, err := instance.ResolveAddress(ip, portNum)
		if err != nil {
			continue
		}
		already := false
		for _, r := range primary.Primary.Replicas {
			if r.Addr.Equal(addr) {
				already = true
				break
			}
		}
		if already {
			continue
		}
		r := instance.NewReplica(addr, primary, primary.DownAfterPeriod)
		if err := primary.Primary.AddReplica(r); err != nil {
			continue
		}
		klog.InfoS("discovered replica", "primary", primary.Name, "addr", addr.String())
		e.emit(Event{Kind: "+slave", Severity: SeverityInfo, Primary: primary.Name, Subject: r})
	}
}

// isSlaveKey matches "slave0", "slave1", ... but not other slave_-prefixed
// INFO fields like slave_priority.
func isSlaveKey(k string) bool {
	if !strings.HasPrefix(k, "slave") || len(k) == len("slave") {
		return false
	}
	for _, c := range k[len("slave"):] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// parseSlaveEntry handles both the keyed "ip=…,port=…,state=…" form and
// the legacy positional "ip,port,state" form of a slaveN INFO line.
func parseSlaveEntry(v string) (ip, port string) {
	parts := strings.Split(v, ",")
	if !strings.Contains(parts[0], "=") {
		if len(parts) >= 2 {
			return parts[0], parts[1]
		}
		return "", ""
	}
	for _, kv := range parts {
		k, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "ip":
			ip = val
		case "port":
			port = val
		}
	}
	return ip, port
}

func (e *Engine) ingestReplicaInfo(fields map[string]string, r *instance.Instance) {
	rd := r.Replica
	rd.MasterHost = fields["master_host"]
	if port, err := strconv.Atoi(fields["master_port"]); err == nil {
		rd.MasterPort = port
	}
	newStatus := fields["master_link_status"]
	if newStatus != "" && newStatus != rd.MasterLinkStatus {
		rd.MasterLinkStatus = newStatus
	}
	if secs, err := strconv.Atoi(fields["master_link_down_since_seconds"]); err == nil {
		rd.MasterLinkDown = time.Duration(secs) * time.Second
	}
	if prio, err := strconv.Atoi(fields["slave_priority"]); err == nil {
		rd.Priority = prio
	}
}
