package engine

import "k8s.io/klog/v2"

// tickTilt implements the tilt guard, spec.md section 4.12: if the gap
// since the previous tick is implausibly large — the process was
// suspended, descheduled, or the host clock jumped — every time-based
// judgment this tick made (S_DOWN, O_DOWN, election timing) would be
// unreliable, so the engine enters tilt mode and, for TiltPeriod, skips
// down detection, the election, the failover state machine, and the
// reactions hanging off them rather than act on stale assumptions.
func (e *Engine) tickTilt() {
	now := e.now()
	if e.lastTickAt.IsZero() {
		return
	}
	gap := now.Sub(e.lastTickAt)

	if e.tilt {
		if now.Sub(e.tiltEnteredAt) >= TiltPeriod {
			e.tilt = false
			klog.InfoS("leaving tilt mode")
		}
		return
	}
	if gap < 0 || gap > TiltTrigger {
		// Forward jumps mean the process was suspended or descheduled;
		// negative gaps mean the wall clock stepped backwards. Both make
		// every stored timestamp untrustworthy.
		e.tilt = true
		e.tiltEnteredAt = now
		klog.Warningf("entering tilt mode: tick gap %s outside [0, %s]", gap, TiltTrigger)
	}
}
