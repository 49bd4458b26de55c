// Package peerapi is the HTTP+JSON surface peer supervisors use to ask
// each other whether a primary is down and to exchange epoch votes
// (spec.md section 4.6/4.7), and the administrative command surface for
// introspection (MASTERS, SLAVES, SENTINELS, GET-MASTER-ADDR-BY-NAME,
// RESET, FAILOVER, PENDING-SCRIPTS). Requests are authenticated by
// pkg/auth's shared-secret HMAC, which also binds the request body so a
// captured vote request cannot be replayed with different contents.
package peerapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sindef/sentineld/pkg/auth"
	"github.com/sindef/sentineld/pkg/instance"
	"k8s.io/klog/v2"
)

// Supervisor is the subset of *engine.Engine the server depends on,
// narrowed to an interface so handler tests can substitute a fake engine.
type Supervisor interface {
	Names() []string
	Primary(name string) (*instance.Instance, bool)
	WithPrimary(name string, fn func(*instance.Instance)) bool
	HandleAskPrimaryDown(primaryName string, addr instance.Address, epoch uint64, runID string) (down bool, leaderRunID string, leaderEpoch uint64, err error)
	ForceFailover(name string) error
	ResetPrimaries(pattern string) (int, error)
	PendingScripts() int
}

// Server exposes Supervisor over HTTP.
type Server struct {
	sup  Supervisor
	auth *auth.Authenticator
	mux  *http.ServeMux
}

// NewServer builds a Server. An empty sharedSecret disables authentication,
// matching auth.Authenticator's own no-op behavior.
func NewServer(sup Supervisor, sharedSecret string) *Server {
	s := &Server{sup: sup, auth: auth.New(sharedSecret), mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("/rpc/is-primary-down", s.auth.Middleware(s.handleIsPrimaryDown))
	s.mux.HandleFunc("/rpc/masters", s.auth.Middleware(s.handleMasters))
	s.mux.HandleFunc("/rpc/slaves", s.auth.Middleware(s.handleSlaves))
	s.mux.HandleFunc("/rpc/sentinels", s.auth.Middleware(s.handleSentinels))
	s.mux.HandleFunc("/rpc/get-master-addr", s.auth.Middleware(s.handleGetMasterAddr))
	s.mux.HandleFunc("/rpc/reset", s.auth.Middleware(s.handleReset))
	s.mux.HandleFunc("/rpc/failover", s.auth.Middleware(s.handleFailover))
	s.mux.HandleFunc("/rpc/pending-scripts", s.auth.Middleware(s.handlePendingScripts))
	s.mux.HandleFunc("/healthz", s.handleHealthz)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// askPrimaryDownRequest/Response implement IS-PRIMARY-DOWN-BY-ADDR,
// spec.md section 4.6.
type askPrimaryDownRequest struct {
	PrimaryName string `json:"primary_name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Epoch       uint64 `json:"epoch"`
	RunID       string `json:"run_id"`
}

type askPrimaryDownResponse struct {
	Down        bool   `json:"down"`
	LeaderRunID string `json:"leader_run_id"`
	LeaderEpoch uint64 `json:"leader_epoch"`
}

func (s *Server) handleIsPrimaryDown(w http.ResponseWriter, r *http.Request) {
	var req askPrimaryDownRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, err := instance.ResolveAddress(req.Host, req.Port)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	down, leaderRunID, leaderEpoch, err := s.sup.HandleAskPrimaryDown(req.PrimaryName, addr, req.Epoch, req.RunID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, askPrimaryDownResponse{Down: down, LeaderRunID: leaderRunID, LeaderEpoch: leaderEpoch})
}

type masterSummary struct {
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	RunID       string `json:"run_id"`
	Flags       string `json:"flags"`
	NumReplicas int    `json:"num-slaves"`
	NumSentinels int   `json:"num-other-sentinels"`
	Quorum      int    `json:"quorum"`
}

func summarize(inst *instance.Instance) masterSummary {
	s := masterSummary{Name: inst.Name, IP: inst.Addr.Host, Port: inst.Addr.Port, RunID: inst.RunID}
	if inst.IsSDown() {
		s.Flags = "s_down"
	}
	if inst.IsODown() {
		s.Flags = "o_down"
	}
	if inst.Primary != nil {
		s.NumReplicas = len(inst.Primary.Replicas)
		s.NumSentinels = len(inst.Primary.Peers)
		s.Quorum = inst.Primary.Quorum
	}
	return s
}

func (s *Server) handleMasters(w http.ResponseWriter, r *http.Request) {
	var out []masterSummary
	for _, name := range s.sup.Names() {
		s.sup.WithPrimary(name, func(inst *instance.Instance) {
			out = append(out, summarize(inst))
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleSlaves(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	var out []masterSummary
	found := s.sup.WithPrimary(name, func(inst *instance.Instance) {
		for _, rep := range inst.Primary.Replicas {
			out = append(out, summarize(rep))
		}
	})
	if !found {
		http.Error(w, fmt.Sprintf("no such primary %q", name), http.StatusNotFound)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleSentinels(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	var out []masterSummary
	found := s.sup.WithPrimary(name, func(inst *instance.Instance) {
		for _, peer := range inst.Primary.Peers {
			out = append(out, summarize(peer))
		}
	})
	if !found {
		http.Error(w, fmt.Sprintf("no such primary %q", name), http.StatusNotFound)
		return
	}
	writeJSON(w, out)
}

func (s *Server) handleGetMasterAddr(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	inst, ok := s.sup.Primary(name)
	if !ok {
		http.Error(w, fmt.Sprintf("no such primary %q", name), http.StatusNotFound)
		return
	}
	writeJSON(w, struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}{inst.Addr.Host, inst.Addr.Port})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := s.sup.ResetPrimaries(req.Pattern)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		Count int `json:"count"`
	}{n})
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.sup.ForceFailover(req.Name); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePendingScripts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Pending int `json:"pending"`
	}{s.sup.PendingScripts()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		http.Error(w, "missing request body", http.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(2).InfoS("failed to encode response", "err", err)
	}
}
