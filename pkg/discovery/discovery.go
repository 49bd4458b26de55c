// Package discovery seeds monitor directives from Kubernetes pod labels
// instead of a hand-written configuration file, for deployments where the
// primary's pod churns across nodes. It only ever reads pods — unlike the
// orchestrator this was adapted from, it never attaches a "master" label
// to one, since that decision now belongs entirely to the supervision
// engine's failover state machine.
package discovery

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/sindef/sentineld/pkg/config"
)

// DefaultRedisPort is used when a discovered pod does not name a port
// explicitly matching "redis".
const DefaultRedisPort = 6379

// Directive is config.K8sDiscoverDirective, aliased locally so callers
// outside pkg/config don't need to import it just to build one.
type Directive = config.K8sDiscoverDirective

// Discoverer resolves Directives against a Kubernetes API server.
type Discoverer struct {
	client kubernetes.Interface
}

// New builds a Discoverer backed by client.
func New(client kubernetes.Interface) *Discoverer {
	return &Discoverer{client: client}
}

// Resolve lists pods matching d's label selector in d's namespace and
// returns a PrimaryConfig seeded from the first Ready pod found. Quorum
// and timing fields are left at zero; callers fill them from the rest of
// the configuration before calling Engine.AddPrimary.
func (d *Discoverer) Resolve(ctx context.Context, directive Directive) (*config.PrimaryConfig, error) {
	pods, err := d.client.CoreV1().Pods(directive.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: directive.LabelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: listing pods for %q: %w", directive.Name, err)
	}

	for _, pod := range pods.Items {
		if !podReady(&pod) || pod.Status.PodIP == "" {
			continue
		}
		return &config.PrimaryConfig{
			Name: directive.Name,
			Host: pod.Status.PodIP,
			Port: redisPort(&pod),
		}, nil
	}
	return nil, fmt.Errorf("discovery: no ready pod found for %q in %q matching %q",
		directive.Name, directive.Namespace, directive.LabelSelector)
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func redisPort(pod *corev1.Pod) int {
	for _, c := range pod.Spec.Containers {
		for _, p := range c.Ports {
			if p.Name == "redis" {
				return int(p.ContainerPort)
			}
		}
	}
	return DefaultRedisPort
}

// WatchInterval is how often a caller running Resolve in a loop should
// re-scan for a primary that has not yet appeared.
const WatchInterval = 5 * time.Second

// AwaitResolve retries Resolve every WatchInterval until it succeeds or
// ctx is cancelled, for directives seeded before the target pod exists.
func (d *Discoverer) AwaitResolve(ctx context.Context, directive Directive) (*config.PrimaryConfig, error) {
	for {
		pc, err := d.Resolve(ctx, directive)
		if err == nil {
			return pc, nil
		}
		klog.V(3).InfoS("discovery: retrying", "name", directive.Name, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(WatchInterval):
		}
	}
}
