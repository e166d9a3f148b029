// Package memory is an in-process coordination service with the same
// semantics as the networked backends: ephemeral sequential nodes bound to a
// session, one-shot watches and session state notifications. It also lets
// tests inject the failures a real service produces.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"leaderd/pkg/coordination"
)

type node struct {
	data  []byte
	owner int64 // 0 for persistent nodes
	cseq  uint64
}

type createFault struct {
	err       error
	committed bool
}

// Service is a single coordination service instance shared by all sessions dialed from it.
type Service struct {
	mu       sync.Mutex
	nodes    map[string]*node
	watches  map[string]map[*Session]struct{}
	sessions map[int64]*Session
	nextID   int64

	unavailable bool
	faults      []createFault
}

func NewService() *Service {
	return &Service{
		nodes:    map[string]*node{"/": {}},
		watches:  make(map[string]map[*Session]struct{}),
		sessions: make(map[int64]*Session),
	}
}

var _ coordination.Dialer = (*Service)(nil)

// Dial opens a new session.
func (s *Service) Dial(ctx context.Context) (coordination.Client, error) {
	return s.Connect(ctx)
}

// Connect is Dial returning the concrete session so tests can drive its state.
func (s *Service) Connect(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(coordination.ErrConnectionLoss, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, errors.Wrap(coordination.ErrConnectionLoss, "service unavailable")
	}

	s.nextID++
	sess := &Session{
		id:    s.nextID,
		svc:   s,
		state: coordination.StateConnected,
		queue: coordination.NewEventQueue(),
		owned: make(map[string]struct{}),
	}
	s.sessions[sess.id] = sess
	sess.queue.Push(coordination.Event{Type: coordination.EventSession, State: coordination.StateConnected})
	return sess, nil
}

// SetAvailable controls whether new sessions can be established.
func (s *Service) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = !available
}

// FailNextCreate makes the next Create on any session fail with err. When
// committed is true the node is created anyway, as when the response to a
// successful create is lost on the wire.
func (s *Service) FailNextCreate(err error, committed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, createFault{err: err, committed: committed})
}

// Delete removes a node regardless of its owner, firing watches on it.
func (s *Service) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return coordination.ErrNoNode
	}
	if len(s.childrenLocked(path)) > 0 {
		return errors.Errorf("node %s has children", path)
	}
	if n.owner != 0 {
		if owner, ok := s.sessions[n.owner]; ok {
			delete(owner.owned, path)
		}
	}
	delete(s.nodes, path)
	s.fireLocked(path, coordination.EventNodeDeleted)
	return nil
}

// Nodes returns the sorted names of the children of parent.
func (s *Service) Nodes(parent string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := s.childrenLocked(parent)
	sort.Strings(names)
	return names
}

// Owner returns the id of the session owning the ephemeral node at path.
func (s *Service) Owner(path string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok || n.owner == 0 {
		return 0, false
	}
	return n.owner, true
}

// Session returns the live session with the given id.
func (s *Service) Session(id int64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Service) childrenLocked(parent string) []string {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	var names []string
	for p := range s.nodes {
		if p == "/" || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if rest != "" && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	return names
}

// fireLocked consumes every watch armed on path.
func (s *Service) fireLocked(path string, typ coordination.EventType) {
	watchers := s.watches[path]
	delete(s.watches, path)
	for sess := range watchers {
		if sess.state.Terminal() {
			continue
		}
		sess.queue.Push(coordination.Event{Type: typ, Path: path})
	}
}

// endLocked removes the session and its ephemeral nodes.
func (s *Service) endLocked(sess *Session) {
	for path := range sess.owned {
		delete(s.nodes, path)
		s.fireLocked(path, coordination.EventNodeDeleted)
	}
	sess.owned = nil
	for path, watchers := range s.watches {
		delete(watchers, sess)
		if len(watchers) == 0 {
			delete(s.watches, path)
		}
	}
	delete(s.sessions, sess.id)
}

// Session is one client session. It implements coordination.Client.
type Session struct {
	id    int64
	svc   *Service
	state coordination.SessionState
	queue *coordination.EventQueue
	owned map[string]struct{}
}

var (
	_ coordination.Client    = (*Session)(nil)
	_ coordination.Unwatcher = (*Session)(nil)
)

func (c *Session) ID() int64 { return c.id }

// State returns the current session state.
func (c *Session) State() coordination.SessionState {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	return c.state
}

func (c *Session) checkLocked() error {
	switch c.state {
	case coordination.StateDisconnected:
		return coordination.ErrConnectionLoss
	case coordination.StateExpired:
		return coordination.ErrSessionExpired
	case coordination.StateClosed:
		return coordination.ErrClosed
	}
	return nil
}

func (c *Session) EnsurePath(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return err
	}

	current := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		if _, ok := c.svc.nodes[current]; ok {
			continue
		}
		c.svc.nodes[current] = &node{}
		c.svc.fireLocked(current, coordination.EventNodeCreated)
	}
	return nil
}

func (c *Session) Create(ctx context.Context, prefix string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return "", err
	}

	var fault *createFault
	if len(c.svc.faults) > 0 {
		fault = &c.svc.faults[0]
		c.svc.faults = c.svc.faults[1:]
		if !fault.committed {
			return "", fault.err
		}
	}

	parentPath, _ := coordination.SplitPath(prefix)
	parent, ok := c.svc.nodes[parentPath]
	if !ok {
		return "", coordination.ErrNoNode
	}
	parent.cseq++
	path := fmt.Sprintf("%s%010d", prefix, parent.cseq)
	c.svc.nodes[path] = &node{data: append([]byte(nil), data...), owner: c.id}
	c.owned[path] = struct{}{}
	c.svc.fireLocked(path, coordination.EventNodeCreated)

	if fault != nil {
		return "", fault.err
	}
	return path, nil
}

func (c *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return nil, err
	}
	if _, ok := c.svc.nodes[path]; !ok {
		return nil, coordination.ErrNoNode
	}
	return c.svc.childrenLocked(path), nil
}

func (c *Session) Exists(ctx context.Context, path string, watch bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return false, err
	}
	_, exists := c.svc.nodes[path]
	if watch {
		watchers, ok := c.svc.watches[path]
		if !ok {
			watchers = make(map[*Session]struct{})
			c.svc.watches[path] = watchers
		}
		watchers[c] = struct{}{}
	}
	return exists, nil
}

// Unwatch drops the pending watch of this session on path.
func (c *Session) Unwatch(path string) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	watchers, ok := c.svc.watches[path]
	if !ok {
		return
	}
	delete(watchers, c)
	if len(watchers) == 0 {
		delete(c.svc.watches, path)
	}
}

// Watched reports whether this session has a pending watch on path.
func (c *Session) Watched(path string) bool {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	_, ok := c.svc.watches[path][c]
	return ok
}

func (c *Session) Events() <-chan coordination.Event {
	return c.queue.Events()
}

// Close ends the session and removes its ephemeral nodes.
func (c *Session) Close() error {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if c.state.Terminal() {
		return nil
	}
	c.state = coordination.StateClosed
	c.svc.endLocked(c)
	c.queue.Discard()
	return nil
}

// Disconnect simulates a transient loss of the connection. The session and
// its nodes survive.
func (c *Session) Disconnect() {
	c.transition(coordination.StateDisconnected)
}

// Reconnect resumes a disconnected session.
func (c *Session) Reconnect() {
	c.transition(coordination.StateConnected)
}

func (c *Session) transition(state coordination.SessionState) {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if c.state.Terminal() || c.state == state {
		return
	}
	c.state = state
	c.queue.Push(coordination.Event{Type: coordination.EventSession, State: state})
}

// Expire ends the session as the service does after a prolonged disconnect.
func (c *Session) Expire() {
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.state = coordination.StateExpired
	c.svc.endLocked(c)
	c.queue.Push(coordination.Event{Type: coordination.EventSession, State: coordination.StateExpired})
	c.queue.Close()
}
