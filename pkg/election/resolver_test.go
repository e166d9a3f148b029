package election

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"leaderd/pkg/coordination"
	"leaderd/pkg/coordination/memory"
	"leaderd/pkg/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxElapsedTime:  300 * time.Millisecond,
	}
}

func TestSequence(t *testing.T) {
	seq, err := Sequence("c_0000000042")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)

	seq, err = Sequence("c_1f3a_7")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)

	_, err = Sequence("c_")
	assert.Error(t, err)
}

func TestElect_NumericOrder(t *testing.T) {
	// Lexical order would put c_10 first.
	children := []string{"c_10", "c_9", "c_11"}

	res, err := Elect("c_", "c_9", children)
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, res.Role)
	assert.Equal(t, "c_9", res.Leader)
	assert.Empty(t, res.WatchTarget)

	res, err = Elect("c_", "c_10", children)
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, res.Role)
	assert.Equal(t, "c_9", res.Leader)
	assert.Equal(t, "c_9", res.WatchTarget)

	res, err = Elect("c_", "c_11", children)
	require.NoError(t, err)
	assert.Equal(t, "c_10", res.WatchTarget)
	assert.Equal(t, 3, res.Candidates)
}

func TestElect_ListingOrderIrrelevant(t *testing.T) {
	// Listing arrives as 1, 3, 2.
	children := []string{"c_0000000001", "c_0000000003", "c_0000000002"}

	res, err := Elect("c_", "c_0000000003", children)
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, res.Role)
	assert.Equal(t, "c_0000000001", res.Leader)
	assert.Equal(t, "c_0000000002", res.WatchTarget)

	res, err = Elect("c_", "c_0000000002", children)
	require.NoError(t, err)
	assert.Equal(t, "c_0000000001", res.WatchTarget)
}

func TestElect_IgnoresForeignNodes(t *testing.T) {
	children := []string{"lock", "x_0000000001", "c_0000000005", "c_"}

	res, err := Elect("c_", "c_0000000005", children)
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, res.Role)
	assert.Equal(t, 1, res.Candidates)
}

func TestElect_Errors(t *testing.T) {
	_, err := Elect("c_", "c_0000000001", nil)
	assert.ErrorIs(t, err, ErrResolution)

	_, err = Elect("c_", "c_0000000001", []string{"c_0000000002"})
	assert.ErrorIs(t, err, ErrStaleCandidate)
	assert.False(t, Retryable(err))
}

func TestElect_Idempotent(t *testing.T) {
	children := []string{"c_0000000004", "c_0000000002", "c_0000000007"}

	first, err := Elect("c_", "c_0000000007", children)
	require.NoError(t, err)
	second, err := Elect("c_", "c_0000000007", children)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()
	svc := memory.NewService()
	sess, err := svc.Connect(ctx)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.EnsurePath(ctx, "/election"))
	first, err := sess.Create(ctx, "/election/c_", nil)
	require.NoError(t, err)
	second, err := sess.Create(ctx, "/election/c_", nil)
	require.NoError(t, err)

	r := NewResolver(sess, "/election", "c_", fastRetry(), zaptest.NewLogger(t))
	_, secondName := coordination.SplitPath(second)
	res, err := r.Resolve(ctx, secondName)
	require.NoError(t, err)

	_, firstName := coordination.SplitPath(first)
	assert.Equal(t, RoleFollower, res.Role)
	assert.Equal(t, firstName, res.WatchTarget)

	_, err = r.Resolve(ctx, "c_0000000099")
	assert.ErrorIs(t, err, ErrStaleCandidate)
}

func TestResolver_EmptyNamespaceExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	svc := memory.NewService()
	sess, err := svc.Connect(ctx)
	require.NoError(t, err)
	defer sess.Close()
	require.NoError(t, sess.EnsurePath(ctx, "/election"))

	r := NewResolver(sess, "/election", "c_", fastRetry(), zaptest.NewLogger(t))
	_, err = r.Resolve(ctx, "c_0000000001")
	assert.ErrorIs(t, err, ErrResolution)
}

func TestResolver_ExpiredSession(t *testing.T) {
	ctx := context.Background()
	svc := memory.NewService()
	sess, err := svc.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.EnsurePath(ctx, "/election"))
	sess.Expire()

	r := NewResolver(sess, "/election", "c_", fastRetry(), zaptest.NewLogger(t))
	_, err = r.Resolve(ctx, "c_0000000001")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestResolver_ConnectionLossReturnsAtOnce(t *testing.T) {
	ctx := context.Background()
	svc := memory.NewService()
	sess, err := svc.Connect(ctx)
	require.NoError(t, err)
	defer sess.Close()
	require.NoError(t, sess.EnsurePath(ctx, "/election"))
	sess.Disconnect()

	retry := fastRetry()
	retry.MaxElapsedTime = time.Minute
	r := NewResolver(sess, "/election", "c_", retry, zaptest.NewLogger(t))

	start := time.Now()
	_, err = r.Resolve(ctx, "c_0000000001")
	require.ErrorIs(t, err, coordination.ErrConnectionLoss)
	assert.ErrorIs(t, err, ErrResolution)
	assert.Less(t, time.Since(start), time.Second)
}
