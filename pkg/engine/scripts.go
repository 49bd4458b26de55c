package engine

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

// scriptJob is one notification-script or client-reconfig-script
// invocation queued by emit or the failover state machine, spec.md
// section 4.11.
type scriptJob struct {
	path        string
	args        []string
	primary     string
	attempts    int
	nextAttempt time.Time
}

type scriptResult struct {
	job scriptJob
	err error
}

// scriptQueue is a bounded FIFO of pending script invocations with a cap
// on concurrently running processes and exponential-backoff retry, the Go
// equivalent of the script scheduler's process table.
type scriptQueue struct {
	mu      sync.Mutex
	clock   func() time.Time
	pending []scriptJob
	running int
	results chan scriptResult
}

func newScriptQueue(clock func() time.Time) *scriptQueue {
	return &scriptQueue{clock: clock, results: make(chan scriptResult, ScriptMaxRunning*2)}
}

// enqueue appends job to the pending FIFO. When the queue is already at
// ScriptQueueCap the oldest queued job is dropped to make room; running
// jobs live outside the pending slice and are never discarded.
func (q *scriptQueue) enqueue(job scriptJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= ScriptQueueCap {
		klog.Warningf("script queue full, dropping oldest invocation of %s", q.pending[0].path)
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, job)
}

// pendingCount reports how many jobs are queued or running, for the
// PENDING-SCRIPTS introspection command.
func (q *scriptQueue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.running
}

// pump launches as many ready jobs as ScriptMaxRunning allows, then
// drains completed results, requeueing failures with backoff up to
// ScriptMaxRetries.
func (q *scriptQueue) pump() {
	q.launchReady()
	q.drainCompleted()
}

func (q *scriptQueue) launchReady() {
	q.mu.Lock()
	now := q.clock()
	var runnable []scriptJob
	var deferred []scriptJob
	for _, j := range q.pending {
		if q.running >= ScriptMaxRunning {
			deferred = append(deferred, j)
			continue
		}
		if now.Before(j.nextAttempt) {
			deferred = append(deferred, j)
			continue
		}
		runnable = append(runnable, j)
		q.running++
	}
	q.pending = deferred
	q.mu.Unlock()

	for _, j := range runnable {
		go q.run(j)
	}
}

func (q *scriptQueue) run(job scriptJob) {
	ctx, cancel := context.WithTimeout(context.Background(), ScriptMaxRuntime)
	defer cancel()
	cmd := exec.CommandContext(ctx, job.path, job.args...)
	err := cmd.Run()
	q.results <- scriptResult{job: job, err: err}
}

func (q *scriptQueue) drainCompleted() {
	for {
		select {
		case r := <-q.results:
			q.mu.Lock()
			q.running--
			q.mu.Unlock()
			if r.err == nil {
				continue
			}
			if !retryableScriptError(r.err) {
				klog.Warningf("script %s for %s failed terminally: %v", r.job.path, r.job.primary, r.err)
				continue
			}
			klog.V(2).InfoS("script invocation failed", "path", r.job.path, "primary", r.job.primary, "err", r.err)
			r.job.attempts++
			if r.job.attempts >= ScriptMaxRetries {
				klog.Warningf("giving up on script %s for %s after %d attempts", r.job.path, r.job.primary, r.job.attempts)
				continue
			}
			r.job.nextAttempt = q.clock().Add(ScriptRetryBase * time.Duration(uint64(1)<<uint(r.job.attempts-1)))
			q.mu.Lock()
			q.pending = append(q.pending, r.job)
			q.mu.Unlock()
		default:
			return
		}
	}
}

// retryableScriptError reports whether a script failure should be retried
// with backoff: termination by signal (including the ScriptMaxRuntime
// kill) or an exit status of exactly 1. Any other exit status is taken as
// a deliberate "do not retry" answer from the script.
func retryableScriptError(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return true // fork/exec failure, equivalent to the synthetic signal 99 case
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return true
	}
	return exitErr.ExitCode() == 1
}

// stop is a placeholder hook for graceful shutdown; running scripts are
// each bounded by ScriptMaxRuntime so nothing further to cancel here.
func (q *scriptQueue) stop() {}
