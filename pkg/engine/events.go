package engine

import (
	"fmt"
	"time"

	"github.com/sindef/sentineld/pkg/instance"
	"k8s.io/klog/v2"
)

// Severity classifies an Event for notification-script dispatch purposes,
// spec.md section 4.11: only Warning-level events are handed to the
// notification script.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
)

// Event is one occurrence in the "<+|-><type>" stream described in
// spec.md section 4.1. Kind already carries the leading sign, e.g.
// "+sdown", "-sdown", "+odown", "+switch-master".
type Event struct {
	Kind     string
	Severity Severity
	Time     time.Time
	Primary  string      // name of the owning primary, for routing to its scripts
	Subject  *instance.Instance
	Detail   string
}

// String renders the event the way it is logged and passed as argv to the
// notification script: "<kind> <role> <name> <ip> <port> ...detail".
func (e Event) String() string {
	if e.Subject == nil {
		return fmt.Sprintf("%s %s", e.Kind, e.Detail)
	}
	s := fmt.Sprintf("%s %s %s %s %d", e.Kind, e.Subject.Role, e.Subject.Name,
		e.Subject.Addr.Host, e.Subject.Addr.Port)
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

// emit records an event: it is always logged, and when Severity is
// SeverityWarning it is additionally hand off to the script scheduler so
// the configured notification-script runs (spec.md section 4.11).
func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	if ev.Severity == SeverityWarning {
		klog.Warningf("event: %s", ev)
	} else {
		klog.V(2).Infof("event: %s", ev)
	}

	e.eventLog = append(e.eventLog, ev)
	if len(e.eventLog) > maxEventLog {
		e.eventLog = e.eventLog[len(e.eventLog)-maxEventLog:]
	}

	if ev.Severity != SeverityWarning {
		return
	}
	pc, ok := e.primaries[ev.Primary]
	if !ok || pc.Primary == nil || pc.Primary.NotificationScript == "" {
		return
	}
	e.scripts.enqueue(scriptJob{
		path:    pc.Primary.NotificationScript,
		args:    []string{ev.Kind, ev.String()},
		primary: ev.Primary,
	})
}

const maxEventLog = 512
