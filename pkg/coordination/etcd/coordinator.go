// Package etcd runs the coordination client on an etcd cluster.
//
// A session is a lease kept alive by a concurrency.Session; candidacy nodes
// are keys attached to it, so revoking or expiring the lease removes them.
// Sequence numbers come from a counter stored as the parent key's value and
// bumped in the same transaction that creates the child. A one-shot watch is
// an etcd watch started just after the revision of the existence check and
// cancelled after its first relevant event.
package etcd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"leaderd/pkg/coordination"
)

// Dialer opens lease-backed sessions on an etcd cluster.
type Dialer struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL; the session expires this long after the
	// cluster last heard from the client.
	SessionTTL time.Duration
	Logger     *zap.Logger
}

var _ coordination.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context) (coordination.Client, error) {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ttl := int64(d.SessionTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   d.Endpoints,
		DialTimeout: d.DialTimeout,
		Logger:      log.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrap(coordination.ErrConnectionLoss, err.Error())
	}

	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		cli.Close()
		return nil, errors.Wrapf(mapError(err), "grant lease")
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess, err := concurrency.NewSession(cli, concurrency.WithLease(lease.ID), concurrency.WithTTL(int(ttl)), concurrency.WithContext(sctx))
	if err != nil {
		cancel()
		cli.Close()
		return nil, errors.Wrapf(mapError(err), "create session")
	}

	c := &Coordinator{
		client:  cli,
		session: sess,
		ctx:     sctx,
		cancel:  cancel,
		queue:   coordination.NewEventQueue(),
		state:   coordination.StateConnected,
		watches: make(map[string]*pathWatch),
		log:     log.With(zap.Int64("lease", int64(lease.ID))),
	}
	c.queue.Push(coordination.Event{Type: coordination.EventSession, State: coordination.StateConnected})

	c.wg.Add(2)
	go c.monitorConnection()
	go c.monitorSession()

	c.log.Info("etcd session established", zap.Strings("endpoints", d.Endpoints), zap.Int64("ttl", ttl))
	return c, nil
}

// Coordinator is one lease-backed session. It implements coordination.Client.
type Coordinator struct {
	client  *clientv3.Client
	session *concurrency.Session
	ctx     context.Context
	cancel  context.CancelFunc
	queue   *coordination.EventQueue
	log     *zap.Logger
	wg      sync.WaitGroup

	mu      sync.Mutex
	state   coordination.SessionState
	watches map[string]*pathWatch
}

// pathWatch is the pending one-shot watch on a path.
type pathWatch struct {
	cancel context.CancelFunc
}

var (
	_ coordination.Client    = (*Coordinator)(nil)
	_ coordination.Unwatcher = (*Coordinator)(nil)
)

func (c *Coordinator) EnsurePath(ctx context.Context, path string) error {
	if err := c.check(); err != nil {
		return err
	}
	current := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		_, err := c.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(current), "=", 0)).
			Then(clientv3.OpPut(current, "0")).
			Commit()
		if err != nil {
			return errors.Wrapf(mapError(err), "create %s", current)
		}
	}
	return nil
}

func (c *Coordinator) Create(ctx context.Context, prefix string, data []byte) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	parent, _ := coordination.SplitPath(prefix)

	for {
		resp, err := c.client.Get(ctx, parent)
		if err != nil {
			return "", errors.Wrapf(mapError(err), "read %s", parent)
		}
		if len(resp.Kvs) == 0 {
			return "", errors.Wrapf(coordination.ErrNoNode, "parent %s", parent)
		}
		kv := resp.Kvs[0]
		counter, _ := strconv.ParseUint(string(kv.Value), 10, 64)
		counter++
		path := fmt.Sprintf("%s%010d", prefix, counter)

		txn, err := c.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(parent), "=", kv.ModRevision)).
			Then(
				clientv3.OpPut(parent, strconv.FormatUint(counter, 10)),
				clientv3.OpPut(path, string(data), clientv3.WithLease(c.session.Lease())),
			).
			Commit()
		if err != nil {
			return "", errors.Wrapf(mapError(err), "create %s", path)
		}
		if txn.Succeeded {
			return path, nil
		}
		// Another session took this sequence number.
	}
}

func (c *Coordinator) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	dir := strings.TrimSuffix(path, "/") + "/"
	resp, err := c.client.Txn(ctx).Then(
		clientv3.OpGet(path, clientv3.WithKeysOnly()),
		clientv3.OpGet(dir, clientv3.WithPrefix(), clientv3.WithKeysOnly()),
	).Commit()
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "list %s", path)
	}
	if len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
		return nil, errors.Wrapf(coordination.ErrNoNode, "list %s", path)
	}

	var names []string
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		rest := strings.TrimPrefix(string(kv.Key), dir)
		if rest != "" && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	return names, nil
}

func (c *Coordinator) Exists(ctx context.Context, path string, watch bool) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	resp, err := c.client.Get(ctx, path, clientv3.WithKeysOnly())
	if err != nil {
		return false, errors.Wrapf(mapError(err), "stat %s", path)
	}
	exists := len(resp.Kvs) > 0
	if watch {
		c.startWatch(path, exists, resp.Header.Revision)
	}
	return exists, nil
}

// Unwatch cancels the pending watch on path, if any.
func (c *Coordinator) Unwatch(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.watches[path]; ok {
		w.cancel()
		delete(c.watches, path)
	}
}

// startWatch replaces any pending watch on path with one starting after rev.
func (c *Coordinator) startWatch(path string, exists bool, rev int64) {
	ctx, cancel := context.WithCancel(c.ctx)
	w := &pathWatch{cancel: cancel}

	c.mu.Lock()
	if old, ok := c.watches[path]; ok {
		old.cancel()
	}
	c.watches[path] = w
	c.mu.Unlock()

	c.wg.Add(1)
	go c.watchOnce(ctx, w, path, exists, rev)
}

// watchOnce delivers the first change of existence of path after rev.
func (c *Coordinator) watchOnce(ctx context.Context, w *pathWatch, path string, exists bool, rev int64) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.watches[path] == w {
			delete(c.watches, path)
		}
		c.mu.Unlock()
		w.cancel()
	}()
	for {
		wctx, cancel := context.WithCancel(ctx)
		fired, next, err := c.await(wctx, path, exists, rev)
		cancel()
		if fired || ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Debug("Watch interrupted, re-checking", zap.String("path", path), zap.Error(err))
		}

		// The watch broke, typically on compaction. Compare with the current
		// state so a change in between is not lost.
		resp, gerr := c.client.Get(ctx, path, clientv3.WithKeysOnly())
		if gerr != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if now := len(resp.Kvs) > 0; now != exists {
			c.deliver(path, now)
			return
		}
		rev = resp.Header.Revision
		if next > rev {
			rev = next
		}
	}
}

func (c *Coordinator) await(ctx context.Context, path string, exists bool, rev int64) (bool, int64, error) {
	for resp := range c.client.Watch(ctx, path, clientv3.WithRev(rev+1)) {
		if err := resp.Err(); err != nil {
			return false, resp.Header.Revision, err
		}
		for _, ev := range resp.Events {
			switch {
			case exists && ev.Type == clientv3.EventTypeDelete:
				c.deliver(path, false)
				return true, 0, nil
			case !exists && ev.Type == clientv3.EventTypePut:
				c.deliver(path, true)
				return true, 0, nil
			}
		}
	}
	return false, 0, ctx.Err()
}

func (c *Coordinator) deliver(path string, exists bool) {
	typ := coordination.EventNodeDeleted
	if exists {
		typ = coordination.EventNodeCreated
	}
	c.queue.Push(coordination.Event{Type: typ, Path: path})
}

func (c *Coordinator) Events() <-chan coordination.Event {
	return c.queue.Events()
}

// Close revokes the lease, removing every node of the session.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.state == coordination.StateClosed {
		c.mu.Unlock()
		return nil
	}
	expired := c.state == coordination.StateExpired
	c.state = coordination.StateClosed
	c.mu.Unlock()

	var err error
	if !expired {
		err = multierr.Append(err, c.session.Close())
	}
	c.cancel()
	err = multierr.Append(err, c.client.Close())
	c.wg.Wait()
	if n := c.queue.Len(); n > 0 {
		c.log.Debug("Discarding undelivered events", zap.Int("events", n))
	}
	c.queue.Discard()
	return err
}

func (c *Coordinator) check() error {
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

// transition records a state reported by a monitor and reports whether it
// is new.
func (c *Coordinator) transition(state coordination.SessionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() || c.state == state {
		return false
	}
	c.state = state
	return true
}

// monitorConnection maps the gRPC connection state to Connected and
// Disconnected events.
func (c *Coordinator) monitorConnection() {
	defer c.wg.Done()
	conn := c.client.ActiveConnection()
	state := conn.GetState()
	for conn.WaitForStateChange(c.ctx, state) {
		state = conn.GetState()
		var next coordination.SessionState
		switch state {
		case connectivity.Ready:
			next = coordination.StateConnected
		case connectivity.TransientFailure:
			next = coordination.StateDisconnected
		default:
			continue
		}
		if c.transition(next) {
			c.log.Info("etcd connection state changed", zap.Stringer("grpc", state), zap.Stringer("session", next))
			c.queue.Push(coordination.Event{Type: coordination.EventSession, State: next})
		}
	}
}

// monitorSession reports expiry once the lease keep-alive stops.
func (c *Coordinator) monitorSession() {
	defer c.wg.Done()
	select {
	case <-c.session.Done():
	case <-c.ctx.Done():
		return
	}
	if !c.transition(coordination.StateExpired) {
		return
	}
	c.log.Warn("etcd lease lost, session expired")
	c.queue.Push(coordination.Event{Type: coordination.EventSession, State: coordination.StateExpired})
	c.queue.Close()
	c.cancel()
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return errors.Wrap(coordination.ErrSessionExpired, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(coordination.ErrConnectionLoss, err.Error())
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return errors.Wrap(coordination.ErrConnectionLoss, err.Error())
	}
	return err
}
