// Package zk runs the coordination client on a ZooKeeper ensemble, which
// offers ephemeral sequential nodes and one-shot watches natively.
package zk

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"leaderd/pkg/coordination"
)

// Dialer opens ZooKeeper sessions.
type Dialer struct {
	Servers        []string
	SessionTimeout time.Duration
	Logger         *zap.Logger
}

var _ coordination.Dialer = (*Dialer)(nil)

type zkLogger struct {
	log *zap.SugaredLogger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

// Dial connects and blocks until the ensemble has assigned a session.
func (d *Dialer) Dial(ctx context.Context) (coordination.Client, error) {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	conn, events, err := zk.Connect(d.Servers, d.SessionTimeout,
		zk.WithLogger(zkLogger{log: log.Named("zk").Sugar()}))
	if err != nil {
		return nil, errors.Wrap(coordination.ErrConnectionLoss, err.Error())
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close()
				return nil, errors.Wrap(coordination.ErrConnectionLoss, "event channel closed")
			}
			if ev.Type != zk.EventSession || ev.State != zk.StateHasSession {
				continue
			}
			c := &Client{
				conn:  conn,
				queue: coordination.NewEventQueue(),
				state: coordination.StateConnected,
				log:   log.With(zap.Int64("session", conn.SessionID())),
			}
			c.queue.Push(coordination.Event{Type: coordination.EventSession, State: coordination.StateConnected})
			c.wg.Add(1)
			go c.forwardSession(events)
			c.log.Info("ZooKeeper session established", zap.Strings("servers", d.Servers))
			return c, nil
		case <-ctx.Done():
			conn.Close()
			return nil, errors.Wrap(coordination.ErrConnectionLoss, ctx.Err().Error())
		}
	}
}

// Client is one ZooKeeper session. It implements coordination.Client.
type Client struct {
	conn  *zk.Conn
	queue *coordination.EventQueue
	log   *zap.Logger
	wg    sync.WaitGroup
	once  sync.Once

	mu    sync.Mutex
	state coordination.SessionState
}

var _ coordination.Client = (*Client)(nil)

func (c *Client) EnsurePath(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	current := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		_, err := c.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(mapError(err), "create %s", current)
		}
	}
	return nil
}

func (c *Client) Create(ctx context.Context, prefix string, data []byte) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	path, err := c.conn.Create(prefix, data, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", errors.Wrapf(mapError(err), "create %s", prefix)
	}
	return path, nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	names, _, err := c.conn.Children(path)
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "list %s", path)
	}
	return names, nil
}

func (c *Client) Exists(ctx context.Context, path string, watch bool) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	if !watch {
		exists, _, err := c.conn.Exists(path)
		if err != nil {
			return false, errors.Wrapf(mapError(err), "stat %s", path)
		}
		return exists, nil
	}

	exists, _, ch, err := c.conn.ExistsW(path)
	if err != nil {
		return false, errors.Wrapf(mapError(err), "watch %s", path)
	}
	c.wg.Add(1)
	go c.forwardWatch(ch)
	return exists, nil
}

func (c *Client) Events() <-chan coordination.Event {
	return c.queue.Events()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == coordination.StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = coordination.StateClosed
	c.mu.Unlock()

	c.closeConn()
	c.wg.Wait()
	if n := c.queue.Len(); n > 0 {
		c.log.Debug("Discarding undelivered events", zap.Int("events", n))
	}
	c.queue.Discard()
	return nil
}

func (c *Client) closeConn() {
	c.once.Do(c.conn.Close)
}

func (c *Client) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(coordination.ErrConnectionLoss, err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case coordination.StateExpired:
		return coordination.ErrSessionExpired
	case coordination.StateClosed:
		return coordination.ErrClosed
	}
	return nil
}

func (c *Client) transition(state coordination.SessionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() || c.state == state {
		return false
	}
	c.state = state
	return true
}

func (c *Client) forwardSession(events <-chan zk.Event) {
	defer c.wg.Done()
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		var next coordination.SessionState
		switch ev.State {
		case zk.StateHasSession:
			next = coordination.StateConnected
		case zk.StateDisconnected:
			next = coordination.StateDisconnected
		case zk.StateExpired:
			next = coordination.StateExpired
		default:
			continue
		}
		if !c.transition(next) {
			continue
		}
		c.log.Info("ZooKeeper session state changed", zap.Stringer("zk", ev.State), zap.Stringer("session", next))
		c.queue.Push(coordination.Event{Type: coordination.EventSession, State: next})
		if next == coordination.StateExpired {
			// The library would otherwise open a new session on its own.
			c.queue.Close()
			go c.closeConn()
		}
	}
}

func (c *Client) forwardWatch(ch <-chan zk.Event) {
	defer c.wg.Done()
	ev, ok := <-ch
	if !ok {
		return
	}
	switch ev.Type {
	case zk.EventNodeDeleted:
		c.queue.Push(coordination.Event{Type: coordination.EventNodeDeleted, Path: ev.Path})
	case zk.EventNodeCreated, zk.EventNodeDataChanged:
		// Any change consumes the watch; the node exists afterwards.
		c.queue.Push(coordination.Event{Type: coordination.EventNodeCreated, Path: ev.Path})
	}
}

func mapError(err error) error {
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return errors.Wrap(coordination.ErrNoNode, err.Error())
	case errors.Is(err, zk.ErrNodeExists):
		return errors.Wrap(coordination.ErrNodeExists, err.Error())
	case errors.Is(err, zk.ErrSessionExpired):
		return errors.Wrap(coordination.ErrSessionExpired, err.Error())
	case errors.Is(err, zk.ErrClosing):
		return errors.Wrap(coordination.ErrClosed, err.Error())
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer):
		return errors.Wrap(coordination.ErrConnectionLoss, err.Error())
	}
	return err
}
