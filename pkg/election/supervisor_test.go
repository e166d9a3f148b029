package election

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"leaderd/pkg/coordination/memory"
	"leaderd/pkg/resilience"
)

func runSupervisor(t *testing.T, s *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(waitFor):
			t.Error("supervisor did not stop")
		}
	})
	return cancel, errCh
}

func TestSupervisor_RestartsAfterExpiry(t *testing.T) {
	svc := memory.NewService()
	cfg := DefaultSupervisorConfig("a")
	cfg.Election = testConfig("a")
	s := NewSupervisor(cfg, svc, zaptest.NewLogger(t))
	runSupervisor(t, s)

	require.Eventually(t, func() bool { return s.Status().IsLeader() }, waitFor, tick)
	first := s.Status().Candidate

	id, ok := svc.Owner("/election/" + first)
	require.True(t, ok)
	sess, ok := svc.Session(id)
	require.True(t, ok)
	sess.Expire()

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.IsLeader() && st.Candidate != "" && st.Candidate != first
	}, waitFor, tick)
	assert.Equal(t, uint64(1), s.Restarts())
	assert.Len(t, svc.Nodes("/election"), 1)
}

func TestSupervisor_BreakerOpensOnRepeatedConnectFailures(t *testing.T) {
	svc := memory.NewService()
	svc.SetAvailable(false)

	cfg := DefaultSupervisorConfig("a")
	cfg.Election = testConfig("a")
	cfg.Breaker = resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}
	s := NewSupervisor(cfg, svc, zaptest.NewLogger(t))
	runSupervisor(t, s)

	require.Eventually(t, func() bool {
		return s.BreakerState() == resilience.BreakerOpen
	}, waitFor, tick)
	assert.GreaterOrEqual(t, s.Restarts(), uint64(2))
	assert.False(t, s.Status().IsLeader())
}

func TestSupervisor_CancelReturnsNil(t *testing.T) {
	svc := memory.NewService()
	cfg := DefaultSupervisorConfig("a")
	cfg.Election = testConfig("a")
	s := NewSupervisor(cfg, svc, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status().IsLeader() }, waitFor, tick)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	// Closing the participant removes its candidacy.
	assert.Empty(t, svc.Nodes("/election"))
}
