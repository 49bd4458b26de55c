package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseMonitorDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader("monitor mymaster 127.0.0.1 6379 2\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pc := cfg.Primaries["mymaster"]
	if pc == nil {
		t.Fatal("expected mymaster to be present")
	}
	if pc.Quorum != 2 {
		t.Errorf("expected quorum 2, got %d", pc.Quorum)
	}
	if pc.DownAfter != DefaultDownAfter {
		t.Errorf("expected default down-after, got %v", pc.DownAfter)
	}
	if pc.ParallelSyncs != DefaultParallelSyncs {
		t.Errorf("expected default parallel-syncs, got %d", pc.ParallelSyncs)
	}
	if !pc.CanFailover {
		t.Error("expected can-failover to default true")
	}
}

func TestParseQuorumMustBePositive(t *testing.T) {
	_, err := Parse(strings.NewReader("monitor mymaster 127.0.0.1 6379 0\n"))
	if err == nil || !strings.Contains(err.Error(), ErrQuorumMustBePositive.Error()) {
		t.Errorf("expected ErrQuorumMustBePositive, got %v", err)
	}
}

func TestParseOverridesAfterMonitor(t *testing.T) {
	input := strings.Join([]string{
		"monitor mymaster 127.0.0.1 6379 2",
		"down-after-milliseconds mymaster 5000",
		"failover-timeout mymaster 60000",
		"parallel-syncs mymaster 3",
		"can-failover mymaster no",
		"auth-pass mymaster s3cr3t",
	}, "\n")

	cfg, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pc := cfg.Primaries["mymaster"]
	if pc.DownAfter.Milliseconds() != 5000 {
		t.Errorf("expected down-after 5000ms, got %v", pc.DownAfter)
	}
	if pc.FailoverTimeout.Milliseconds() != 60000 {
		t.Errorf("expected failover-timeout 60000ms, got %v", pc.FailoverTimeout)
	}
	if pc.ParallelSyncs != 3 {
		t.Errorf("expected parallel-syncs 3, got %d", pc.ParallelSyncs)
	}
	if pc.CanFailover {
		t.Error("expected can-failover false")
	}
	if pc.AuthPass != "s3cr3t" {
		t.Errorf("expected auth-pass to be set, got %q", pc.AuthPass)
	}
}

func TestParseUnknownPrimaryFails(t *testing.T) {
	_, err := Parse(strings.NewReader("down-after-milliseconds nosuchmaster 5000\n"))
	if err == nil {
		t.Error("expected error for directive before monitor")
	}
}

func TestParseDuplicateMonitorFails(t *testing.T) {
	input := "monitor mymaster 127.0.0.1 6379 2\nmonitor mymaster 127.0.0.1 6380 2\n"
	_, err := Parse(strings.NewReader(input))
	if err == nil {
		t.Error("expected error for duplicate monitor directive")
	}
}

func TestParseCommentsAndBlankLines(t *testing.T) {
	input := "# comment\n\nmonitor mymaster 127.0.0.1 6379 2\n\n# another\n"
	cfg, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Primaries) != 1 {
		t.Errorf("expected 1 primary, got %d", len(cfg.Primaries))
	}
}

func TestParseNotificationScriptMustBeExecutable(t *testing.T) {
	dir := t.TempDir()
	nonExec := filepath.Join(dir, "notify.sh")
	if err := os.WriteFile(nonExec, []byte("#!/bin/sh\n"), 0644); err != nil {
		t.Fatal(err)
	}

	input := "monitor mymaster 127.0.0.1 6379 2\nnotification-script mymaster " + nonExec + "\n"
	_, err := Parse(strings.NewReader(input))
	if err == nil || !strings.Contains(err.Error(), ErrNonExecutableScript.Error()) {
		t.Errorf("expected ErrNonExecutableScript, got %v", err)
	}

	if err := os.Chmod(nonExec, 0755); err != nil {
		t.Fatal(err)
	}
	cfg, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error after chmod +x: %v", err)
	}
	if cfg.Primaries["mymaster"].NotificationScript != nonExec {
		t.Error("expected notification script to be recorded")
	}
}

func TestParseK8sDiscover(t *testing.T) {
	input := "k8s-discover mymaster redis app=redis\n"
	cfg, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.K8sDiscoveries) != 1 {
		t.Fatalf("expected 1 discovery directive, got %d", len(cfg.K8sDiscoveries))
	}
	d := cfg.K8sDiscoveries[0]
	if d.Name != "mymaster" || d.Namespace != "redis" || d.LabelSelector != "app=redis" {
		t.Errorf("unexpected directive: %+v", d)
	}
}

func TestParseBindAndSharedSecret(t *testing.T) {
	input := "bind 0.0.0.0:26379\nshared-secret topsecret\n"
	cfg, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:26379" {
		t.Errorf("unexpected bind addr: %q", cfg.BindAddr)
	}
	if cfg.SharedSecret != "topsecret" {
		t.Errorf("unexpected shared secret: %q", cfg.SharedSecret)
	}
}

func TestParseUnknownDirective(t *testing.T) {
	_, err := Parse(strings.NewReader("frobnicate mymaster\n"))
	if err == nil {
		t.Error("expected error for unknown directive")
	}
}
