// Package election implements leader election over a coordination service
// offering ephemeral sequential nodes and one-shot watches.
//
// Every peer registers a candidacy node under a shared namespace. The peer
// owning the node with the smallest sequence number is the leader. Each
// follower watches only the candidate immediately before its own, so a
// departure wakes a single peer instead of the whole group. A fired watch is
// never renewed by the service, so the control loop re-arms after each one.
package election

import (
	"time"

	"leaderd/pkg/coordination"
	"leaderd/pkg/resilience"
)

// Role is the position of this peer in the election.
type Role int

const (
	// RoleCandidate means no resolution has completed for the current candidacy.
	RoleCandidate Role = iota
	RoleFollower
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleCandidate:
		return "candidate"
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Candidate is this peer's registered candidacy.
type Candidate struct {
	// Name is the node name assigned by the service, ending in the sequence.
	Name string
	// Path is the full path of the node.
	Path     string
	PeerID   string
	Sequence uint64
}

// Resolution is the role derived from one listing of the namespace.
type Resolution struct {
	Role Role
	Self string
	// Leader is the name of the candidate with the smallest sequence.
	Leader string
	// WatchTarget is the candidate immediately preceding Self; empty for the leader.
	WatchTarget string
	Candidates  int
}

// Status is a snapshot of a participant's view of the election.
type Status struct {
	PeerID       string                    `json:"peer_id"`
	Candidate    string                    `json:"candidate,omitempty"`
	Role         Role                      `json:"role"`
	Leader       string                    `json:"leader,omitempty"`
	WatchTarget  string                    `json:"watch_target,omitempty"`
	Candidates   int                       `json:"candidates"`
	SessionState coordination.SessionState `json:"session_state"`
	Elections    uint64                    `json:"elections"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

func (s Status) IsLeader() bool {
	return s.Role == RoleLeader
}

// Config configures a participant.
type Config struct {
	// Namespace is the path under which candidacies are created.
	Namespace string
	// CandidatePrefix starts every candidacy name.
	CandidatePrefix string
	// PeerID identifies this peer; stored as the candidacy node's data.
	PeerID string
	// ConnectTimeout bounds session establishment.
	ConnectTimeout time.Duration
	// CreateNamespace creates Namespace when it does not exist.
	CreateNamespace bool
	// Retry bounds the retries of registration and resolution.
	Retry resilience.RetryConfig
	// OnChange is called from the control loop after every status change.
	// It must not block.
	OnChange func(Status)
}

// DefaultConfig returns the conventional layout:
// candidacies prefixed c_ under /election.
func DefaultConfig(peerID string) Config {
	return Config{
		Namespace:       "/election",
		CandidatePrefix: "c_",
		PeerID:          peerID,
		ConnectTimeout:  5 * time.Second,
		CreateNamespace: true,
		Retry:           resilience.DefaultRetryConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.PeerID)
	if c.Namespace == "" {
		c.Namespace = d.Namespace
	}
	if c.CandidatePrefix == "" {
		c.CandidatePrefix = d.CandidatePrefix
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.Retry == (resilience.RetryConfig{}) {
		c.Retry = d.Retry
	}
	return c
}
