package peerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/sindef/sentineld/pkg/instance"
)

// fakeSupervisor is a canned-answer Supervisor so the handlers can be
// exercised without a running engine.
type fakeSupervisor struct {
	primary      *instance.Instance
	askedName    string
	askedEpoch   uint64
	resetPattern string
}

func (f *fakeSupervisor) Names() []string { return []string{f.primary.Name} }

func (f *fakeSupervisor) Primary(name string) (*instance.Instance, bool) {
	if name == f.primary.Name {
		return f.primary, true
	}
	return nil, false
}

func (f *fakeSupervisor) WithPrimary(name string, fn func(*instance.Instance)) bool {
	inst, ok := f.Primary(name)
	if !ok {
		return false
	}
	fn(inst)
	return true
}

func (f *fakeSupervisor) HandleAskPrimaryDown(primaryName string, addr instance.Address, epoch uint64, runID string) (bool, string, uint64, error) {
	f.askedName = primaryName
	f.askedEpoch = epoch
	return true, "runid-leader", epoch, nil
}

func (f *fakeSupervisor) ForceFailover(name string) error { return nil }

func (f *fakeSupervisor) ResetPrimaries(pattern string) (int, error) {
	f.resetPattern = pattern
	return 1, nil
}

func (f *fakeSupervisor) PendingScripts() int { return 3 }

func newFakeSupervisor() *fakeSupervisor {
	p := instance.NewPrimary("mymaster", instance.Address{Host: "10.0.0.1", Port: 6379}, 2, 0, 0)
	return &fakeSupervisor{primary: p}
}

func TestHandleIsPrimaryDown(t *testing.T) {
	sup := newFakeSupervisor()
	srv := httptest.NewServer(NewServer(sup, ""))
	defer srv.Close()

	body, _ := json.Marshal(askPrimaryDownRequest{
		PrimaryName: "mymaster", Host: "10.0.0.1", Port: 6379, Epoch: 5, RunID: "runid-asker",
	})
	resp, err := http.Post(srv.URL+"/rpc/is-primary-down", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %s", resp.Status)
	}

	var out askPrimaryDownResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !out.Down || out.LeaderRunID != "runid-leader" || out.LeaderEpoch != 5 {
		t.Fatalf("unexpected response: %+v", out)
	}
	if sup.askedName != "mymaster" || sup.askedEpoch != 5 {
		t.Fatalf("supervisor saw name=%s epoch=%d", sup.askedName, sup.askedEpoch)
	}
}

func TestHandleGetMasterAddr(t *testing.T) {
	srv := httptest.NewServer(NewServer(newFakeSupervisor(), ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/rpc/get-master-addr?name=mymaster")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.Host != "10.0.0.1" || out.Port != 6379 {
		t.Fatalf("unexpected address %s:%d", out.Host, out.Port)
	}
}

func TestHandleGetMasterAddrUnknownName(t *testing.T) {
	srv := httptest.NewServer(NewServer(newFakeSupervisor(), ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/rpc/get-master-addr?name=nope")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown primary, got %s", resp.Status)
	}
}

func TestAuthenticatedRouteRejectsUnsignedRequest(t *testing.T) {
	srv := httptest.NewServer(NewServer(newFakeSupervisor(), "topsecret"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/rpc/masters")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a signature, got %s", resp.Status)
	}
}

func TestClientAgainstServer(t *testing.T) {
	sup := newFakeSupervisor()
	srv := httptest.NewServer(NewServer(sup, "topsecret"))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("splitting test server address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing test server port: %v", err)
	}
	peer := instance.NewPeer(instance.Address{Host: host, Port: port}, "runid-peer", 0)

	c := NewClient("topsecret", 0)
	down, leader, epoch, err := c.AskPrimaryDown(context.Background(), peer, "mymaster",
		instance.Address{Host: "10.0.0.1", Port: 6379}, 7, "runid-asker")
	if err != nil {
		t.Fatalf("client call failed: %v", err)
	}
	if !down || leader != "runid-leader" || epoch != 7 {
		t.Fatalf("unexpected reply down=%v leader=%s epoch=%d", down, leader, epoch)
	}
}
