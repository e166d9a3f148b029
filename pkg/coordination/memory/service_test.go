package memory

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaderd/pkg/coordination"
)

func nextEvent(t *testing.T, sess *Session) coordination.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return coordination.Event{}
}

func connect(t *testing.T, svc *Service) *Session {
	t.Helper()
	sess, err := svc.Connect(context.Background())
	require.NoError(t, err)
	ev := nextEvent(t, sess)
	require.Equal(t, coordination.StateConnected, ev.State)
	return sess
}

func TestService_SequentialNamesAreZeroPadded(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	sess := connect(t, svc)
	require.NoError(t, sess.EnsurePath(ctx, "/election"))

	first, err := sess.Create(ctx, "/election/c_", nil)
	require.NoError(t, err)
	second, err := sess.Create(ctx, "/election/c_", nil)
	require.NoError(t, err)

	assert.Equal(t, "/election/c_0000000001", first)
	assert.Equal(t, "/election/c_0000000002", second)
}

func TestService_CreateRequiresParent(t *testing.T) {
	sess := connect(t, NewService())
	_, err := sess.Create(context.Background(), "/missing/c_", nil)
	assert.True(t, errors.Is(err, coordination.ErrNoNode))
}

func TestService_EphemeralNodesRemovedOnClose(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	a := connect(t, svc)
	b := connect(t, svc)
	require.NoError(t, a.EnsurePath(ctx, "/election"))

	_, err := a.Create(ctx, "/election/c_", nil)
	require.NoError(t, err)
	_, err = b.Create(ctx, "/election/c_", nil)
	require.NoError(t, err)
	require.Len(t, svc.Nodes("/election"), 2)

	require.NoError(t, a.Close())
	assert.Equal(t, []string{"c_0000000002"}, svc.Nodes("/election"))

	_, err = a.Children(ctx, "/election")
	assert.True(t, errors.Is(err, coordination.ErrClosed))
}

func TestService_WatchFiresOnce(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	owner := connect(t, svc)
	watcher := connect(t, svc)
	require.NoError(t, owner.EnsurePath(ctx, "/election"))

	path, err := owner.Create(ctx, "/election/c_", nil)
	require.NoError(t, err)

	exists, err := watcher.Exists(ctx, path, true)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, svc.Delete(path))
	ev := nextEvent(t, watcher)
	assert.Equal(t, coordination.EventNodeDeleted, ev.Type)
	assert.Equal(t, path, ev.Path)

	// The watch was consumed; re-creating the path must not notify.
	require.NoError(t, owner.EnsurePath(ctx, path))
	select {
	case ev := <-watcher.Events():
		t.Fatalf("unexpected event after watch fired: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_DisconnectedSessionRejectsCalls(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	sess := connect(t, svc)

	sess.Disconnect()
	assert.Equal(t, coordination.StateDisconnected, nextEvent(t, sess).State)
	_, err := sess.Children(ctx, "/")
	assert.True(t, errors.Is(err, coordination.ErrConnectionLoss))

	sess.Reconnect()
	assert.Equal(t, coordination.StateConnected, nextEvent(t, sess).State)
	_, err = sess.Children(ctx, "/")
	assert.NoError(t, err)
}

func TestService_ExpireDeliversTerminalEvent(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	sess := connect(t, svc)
	require.NoError(t, sess.EnsurePath(ctx, "/election"))
	path, err := sess.Create(ctx, "/election/c_", nil)
	require.NoError(t, err)

	sess.Expire()
	assert.Equal(t, coordination.StateExpired, nextEvent(t, sess).State)
	_, ok := <-sess.Events()
	assert.False(t, ok)

	_, owned := svc.Owner(path)
	assert.False(t, owned)
}

func TestService_CommittedFaultCreatesNode(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	sess := connect(t, svc)
	require.NoError(t, sess.EnsurePath(ctx, "/election"))

	svc.FailNextCreate(coordination.ErrConnectionLoss, true)
	_, err := sess.Create(ctx, "/election/c_", nil)
	require.True(t, errors.Is(err, coordination.ErrConnectionLoss))
	assert.Equal(t, []string{"c_0000000001"}, svc.Nodes("/election"))

	svc.FailNextCreate(coordination.ErrConnectionLoss, false)
	_, err = sess.Create(ctx, "/election/c_", nil)
	require.Error(t, err)
	assert.Len(t, svc.Nodes("/election"), 1)
}

func TestService_UnavailableRejectsDial(t *testing.T) {
	svc := NewService()
	svc.SetAvailable(false)
	_, err := svc.Dial(context.Background())
	assert.True(t, errors.Is(err, coordination.ErrConnectionLoss))
}
