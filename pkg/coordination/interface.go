package coordination

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNoNode         = errors.New("node does not exist")
	ErrNodeExists     = errors.New("node already exists")
	ErrConnectionLoss = errors.New("connection to coordination service lost")
	ErrSessionExpired = errors.New("session expired")
	ErrClosed         = errors.New("client closed")
)

// SessionState is the state of the session between this peer and the coordination service.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDisconnected
	StateExpired
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can leave this state.
func (s SessionState) Terminal() bool {
	return s == StateExpired || s == StateClosed
}

// EventType classifies a notification delivered by the service.
type EventType int

const (
	EventSession EventType = iota
	EventNodeCreated
	EventNodeDeleted
)

func (t EventType) String() string {
	switch t {
	case EventSession:
		return "session"
	case EventNodeCreated:
		return "node_created"
	case EventNodeDeleted:
		return "node_deleted"
	default:
		return "unknown"
	}
}

// Event is a node or connection-state notification.
// Path is set for node events, State for session events.
type Event struct {
	Type  EventType
	Path  string
	State SessionState
}

// Dialer opens a session with the coordination service.
type Dialer interface {
	// Dial blocks until a session is established or ctx is done.
	Dial(ctx context.Context) (Client, error)
}

// Client is the surface of the coordination service used by the election core.
type Client interface {
	// EnsurePath creates a persistent node at path if it does not exist.
	EnsurePath(ctx context.Context, path string) error

	// Create creates an ephemeral sequential node. The service appends a
	// zero-padded, strictly increasing sequence to prefix and returns the full path.
	Create(ctx context.Context, prefix string, data []byte) (string, error)

	// Children lists the names (not full paths) of the direct children of path.
	Children(ctx context.Context, path string) ([]string, error)

	// Exists reports whether path exists. With watch set, a one-shot watch is
	// armed that fires on the next creation or deletion of path. A fired watch
	// is not renewed.
	Exists(ctx context.Context, path string, watch bool) (bool, error)

	// Events delivers node and session notifications. The channel is closed
	// once the session reaches a terminal state.
	Events() <-chan Event

	// Close ends the session. Ephemeral nodes owned by it are removed by the service.
	Close() error
}

// Unwatcher is implemented by clients that can release a pending one-shot
// watch before it fires. Clients without it keep the watch until the node
// changes or the session ends.
type Unwatcher interface {
	Unwatch(path string)
}
