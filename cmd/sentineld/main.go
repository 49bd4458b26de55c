// Command sentineld runs the high-availability supervisor: it monitors a
// primary/replica key-value store group, detects failures by quorum with
// its peer supervisors, and drives failover when the primary is
// objectively down.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/sindef/sentineld/pkg/config"
	"github.com/sindef/sentineld/pkg/discovery"
	"github.com/sindef/sentineld/pkg/engine"
	"github.com/sindef/sentineld/pkg/instance"
	"github.com/sindef/sentineld/pkg/peerapi"
	"github.com/sindef/sentineld/pkg/redis"
)

var version = "dev"

func main() {
	var configPath string
	var bindAddr string
	var inCluster bool
	flag.StringVar(&configPath, "config", "/etc/sentineld/sentineld.conf", "path to the directive configuration file")
	flag.StringVar(&bindAddr, "bind", "", "override the bind directive for the peer RPC server")
	flag.BoolVar(&inCluster, "k8s", false, "enable in-cluster Kubernetes pod discovery for k8s-discover directives")
	flag.Parse()

	klog.InfoS("starting sentineld", "version", version, "config", configPath)

	cfg, err := config.ParseFile(configPath)
	if err != nil {
		klog.Fatalf("loading configuration: %v", err)
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":26379"
	}

	runID := newRunID()
	dial := func(addr instance.Address, authPass string) engine.InstanceConn {
		return redis.Dial(addr.String(), authPass, false)
	}
	peerClient := peerapi.NewClient(cfg.SharedSecret, 2*time.Second)
	eng := engine.New(runID, seedFromRunID(runID), dial, peerClient)

	host, port := splitBindAddr(cfg.BindAddr)
	eng.SetSelfAddr(host, port)

	discovered := make(map[string]bool)
	for _, d := range cfg.K8sDiscoveries {
		discovered[d.Name] = true
	}
	for _, name := range cfg.Order {
		if discovered[name] {
			continue // registered by startDiscovery once its address is known
		}
		if err := eng.AddPrimary(cfg.Primaries[name]); err != nil {
			klog.Fatalf("registering primary %q: %v", name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.K8sDiscoveries) > 0 {
		if !inCluster {
			klog.Fatalf("configuration declares k8s-discover directives but -k8s was not passed")
		}
		startDiscovery(ctx, eng, cfg)
	}

	server := peerapi.NewServer(eng, cfg.SharedSecret)
	httpSrv := &http.Server{Addr: cfg.BindAddr, Handler: server}
	go func() {
		klog.InfoS("peer RPC server listening", "addr", cfg.BindAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("peer RPC server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		klog.InfoS("received signal, shutting down", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
		cancel()
	}()

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		klog.Fatalf("engine stopped: %v", err)
	}
	klog.Info("shutdown complete")
}

func startDiscovery(ctx context.Context, eng *engine.Engine, cfg *config.Config) {
	kubeConfig, err := rest.InClusterConfig()
	if err != nil {
		klog.Fatalf("building in-cluster config: %v", err)
	}
	clientset, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		klog.Fatalf("building kubernetes client: %v", err)
	}
	disc := discovery.New(clientset)
	for _, directive := range cfg.K8sDiscoveries {
		directive := directive
		go func() {
			pc, err := disc.AwaitResolve(ctx, directive)
			if err != nil {
				klog.Warningf("discovery for %q gave up: %v", directive.Name, err)
				return
			}
			if base, ok := cfg.Primaries[directive.Name]; ok {
				pc.Quorum, pc.DownAfter, pc.FailoverTimeout = base.Quorum, base.DownAfter, base.FailoverTimeout
				pc.CanFailover, pc.ParallelSyncs, pc.AuthPass = base.CanFailover, base.ParallelSyncs, base.AuthPass
				pc.NotificationScript, pc.ClientReconfigScript = base.NotificationScript, base.ClientReconfigScript
			} else if pc.Quorum == 0 {
				pc.Quorum = 1
			}
			if err := eng.AddPrimary(pc); err != nil {
				klog.Warningf("discovery for %q could not register primary: %v", directive.Name, err)
			}
		}()
	}
}

func newRunID() string {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		klog.Fatalf("generating run id: %v", err)
	}
	return hex.EncodeToString(b[:])
}

func seedFromRunID(runID string) int64 {
	var b [8]byte
	copy(b[:], runID)
	return int64(binary.BigEndian.Uint64(b[:]))
}

func splitBindAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 26379
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 26379
	}
	return host, port
}
