package instance

import "time"

// Role distinguishes the three instance variants of spec.md section 3.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "master"
	case RoleReplica:
		return "slave"
	case RolePeer:
		return "sentinel"
	default:
		return "unknown"
	}
}

// FailoverState is the primary-scoped failover state machine position,
// spec.md section 4.8.
type FailoverState int

const (
	FailoverNone FailoverState = iota
	FailoverWaitStart
	FailoverSelectSlave
	FailoverSendSlaveofNoOne
	FailoverWaitPromotion
	FailoverReconfSlaves
	FailoverUpdateConfig
)

func (s FailoverState) String() string {
	switch s {
	case FailoverNone:
		return "none"
	case FailoverWaitStart:
		return "wait_start"
	case FailoverSelectSlave:
		return "select_slave"
	case FailoverSendSlaveofNoOne:
		return "send_slaveof_noone"
	case FailoverWaitPromotion:
		return "wait_promotion"
	case FailoverReconfSlaves:
		return "reconf_slaves"
	case FailoverUpdateConfig:
		return "update_config"
	default:
		return "unknown"
	}
}

// Link tracks the liveness of one asynchronous connection (command or
// pub/sub) to a monitored instance. The actual socket lives in the engine's
// link manager; this is the data-model-visible half described in
// spec.md section 3 ("connection state").
type Link struct {
	Connected    bool
	ConnectedAt  time.Time
	LastActivity time.Time
	Pending      int // in-flight commands on this link
}

// ReplicaData holds the fields spec.md section 3 lists as replica-only.
type ReplicaData struct {
	MasterHost       string
	MasterPort       int
	MasterLinkStatus string // "up" or "down"
	MasterLinkDown   time.Duration
	Priority         int
	AddrChangeTime   time.Time
	Parent           *Instance // weak: lookup only, never extends lifetime
	SlaveOfSentAt    time.Time
}

// PrimaryData holds the fields spec.md section 3 lists as primary-only.
type PrimaryData struct {
	Replicas      map[string]*Instance
	Peers         map[string]*Instance
	PeerAddrIndex map[string]string // "ip:port" -> peer name, for dedup

	Quorum               int
	ParallelSyncs        int
	AuthSecret           string
	NotificationScript   string
	ClientReconfigScript string

	ConfigEpoch uint64

	FailoverState       FailoverState
	FailoverEpoch       uint64
	FailoverStartTime   time.Time
	FailoverTimeout     time.Duration
	LastFailoverAttempt time.Time
	PromotedReplica     *Instance

	LastVotedLeaderRunID string
	LastVotedLeaderEpoch uint64
}

// PeerData holds the fields spec.md section 4.6/4.7 require for a peer's
// most recently cast vote.
type PeerData struct {
	VotedLeaderRunID string
	VotedLeaderEpoch uint64
}

// Instance is the tagged-variant record described in spec.md section 3.
// Exactly one of Primary, Replica, Peer is non-nil, selected by Role.
type Instance struct {
	Role  Role
	Name  string
	Addr  Address
	RunID string
	Flags Flags

	CommandLink Link
	PubSubLink  Link // zero value unused for peers

	LastValidPingReply time.Time
	LastAnyReply       time.Time
	LastHelloPublish   time.Time
	LastHelloReceived  time.Time
	LastDownProbeAsk   time.Time
	LastDownProbeReply time.Time
	LastInfoSnapshot   time.Time

	SDownSince      time.Time
	ODownSince      time.Time
	DownAfterPeriod time.Duration

	RoleReported      string
	RoleReportedSince time.Time

	Primary *PrimaryData
	Replica *ReplicaData
	Peer    *PeerData
}

// NewPrimary creates a caller-named PRIMARY instance.
func NewPrimary(name string, addr Address, quorum int, downAfter, failoverTimeout time.Duration) *Instance {
	return &Instance{
		Role:            RolePrimary,
		Name:            name,
		Addr:            addr,
		Flags:           FlagPrimary | FlagCanFailover | FlagDisconnected,
		DownAfterPeriod: downAfter,
		Primary: &PrimaryData{
			Replicas:        make(map[string]*Instance),
			Peers:           make(map[string]*Instance),
			PeerAddrIndex:   make(map[string]string),
			Quorum:          quorum,
			ParallelSyncs:   1,
			FailoverTimeout: failoverTimeout,
		},
	}
}

// NewReplica creates a REPLICA instance whose name is synthesized from its
// address, per spec.md section 4.1.
func NewReplica(addr Address, parent *Instance, downAfter time.Duration) *Instance {
	return &Instance{
		Role:            RoleReplica,
		Name:            SynthesizeName(addr),
		Addr:            addr,
		Flags:           FlagReplica | FlagCanFailover | FlagDisconnected,
		DownAfterPeriod: downAfter,
		Replica: &ReplicaData{
			Priority: 100,
			Parent:   parent,
		},
	}
}

// NewPeer creates a PEER instance whose name is synthesized from its
// address, per spec.md section 4.1.
func NewPeer(addr Address, runID string, downAfter time.Duration) *Instance {
	return &Instance{
		Role:            RolePeer,
		Name:            SynthesizeName(addr),
		Addr:            addr,
		RunID:           runID,
		Flags:           FlagPeer | FlagDisconnected,
		DownAfterPeriod: downAfter,
		Peer:            &PeerData{},
	}
}

// AddReplica inserts r into p's replicas map, failing with ErrDuplicate if
// the name is already present. PrimaryData exclusively owns this map.
func (p *PrimaryData) AddReplica(r *Instance) error {
	if _, exists := p.Replicas[r.Name]; exists {
		return ErrDuplicate
	}
	p.Replicas[r.Name] = r
	return nil
}

// AddPeer inserts pr into p's peers map and address index, failing with
// ErrDuplicate if the name is already present. Callers are responsible for
// the defensive dedup-by-address-or-runid pass described in spec.md
// section 4.5 before calling this.
func (p *PrimaryData) AddPeer(pr *Instance) error {
	if _, exists := p.Peers[pr.Name]; exists {
		return ErrDuplicate
	}
	p.Peers[pr.Name] = pr
	p.PeerAddrIndex[pr.Addr.String()] = pr.Name
	return nil
}

// RemovePeer drops pr from both the peers map and the address index.
func (p *PrimaryData) RemovePeer(name string) {
	if pr, ok := p.Peers[name]; ok {
		delete(p.PeerAddrIndex, pr.Addr.String())
		delete(p.Peers, name)
	}
}

// FindPeerByAddrOrRunID returns any peer matching addr or runID, used by the
// hello ingestor's defensive dedup pass (spec.md section 4.5).
func (p *PrimaryData) FindPeerByAddrOrRunID(addr Address, runID string) []*Instance {
	var matches []*Instance
	seen := make(map[string]bool)
	if name, ok := p.PeerAddrIndex[addr.String()]; ok {
		if pr, ok := p.Peers[name]; ok {
			matches = append(matches, pr)
			seen[name] = true
		}
	}
	if runID != "" {
		for _, pr := range p.Peers {
			if pr.RunID == runID && !seen[pr.Name] {
				matches = append(matches, pr)
				seen[pr.Name] = true
			}
		}
	}
	return matches
}

// IsSDown reports whether FlagSDown is set.
func (i *Instance) IsSDown() bool { return i.Flags.Has(FlagSDown) }

// IsODown reports whether FlagODown is set.
func (i *Instance) IsODown() bool { return i.Flags.Has(FlagODown) }

// IsDisconnected reports whether FlagDisconnected is set.
func (i *Instance) IsDisconnected() bool { return i.Flags.Has(FlagDisconnected) }

// RequiredLinksUp reports whether every link this instance's role requires
// is currently connected. PEER instances only require a command link.
func (i *Instance) RequiredLinksUp() bool {
	if !i.CommandLink.Connected {
		return false
	}
	if i.Role == RolePeer {
		return true
	}
	return i.PubSubLink.Connected
}
