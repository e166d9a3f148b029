package election

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"leaderd/pkg/coordination"
	"leaderd/pkg/metrics"
	"leaderd/pkg/resilience"
)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Election Config
	// Breaker trips after repeated short-lived sessions and pauses restarts.
	Breaker resilience.BreakerConfig
	// StableAfter is how long a session must last before its end no longer
	// counts as a failure.
	StableAfter time.Duration
}

func DefaultSupervisorConfig(peerID string) SupervisorConfig {
	return SupervisorConfig{
		Election:    DefaultConfig(peerID),
		Breaker:     resilience.DefaultBreakerConfig(),
		StableAfter: time.Minute,
	}
}

// Supervisor keeps one participant alive until its context is cancelled.
// A participant whose session expired, or that could not connect, is replaced
// by a fresh one with a new session and a new candidacy.
type Supervisor struct {
	cfg     SupervisorConfig
	dialer  coordination.Dialer
	log     *zap.Logger
	breaker *resilience.Breaker

	mu       sync.RWMutex
	current  *Participant
	last     Status
	restarts uint64
}

func NewSupervisor(cfg SupervisorConfig, dialer coordination.Dialer, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = time.Minute
	}
	cfg.Election = cfg.Election.withDefaults()

	breaker := resilience.NewBreaker("session", cfg.Breaker)
	breaker.OnStateChange = func(name string, state resilience.BreakerState) {
		metrics.BreakerState.Set(float64(state))
		log.Warn("Restart breaker changed state", zap.String("breaker", name), zap.Stringer("state", state))
	}

	return &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		log:     log,
		breaker: breaker,
		last:    Status{PeerID: cfg.Election.PeerID, SessionState: coordination.StateConnecting},
	}
}

// Run blocks until ctx is cancelled, restarting the participant whenever its
// session ends. It returns nil on cancellation and the participant error when
// the failure cannot be cleared by a restart.
func (s *Supervisor) Run(ctx context.Context) error {
	b := s.cfg.Election.Retry.NewBackOff()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := s.breaker.Allow(); err != nil {
			wait := s.breaker.Remaining()
			s.log.Warn("Restarts paused", zap.Duration("cooldown", wait), zap.Int("failures", s.breaker.Failures()))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		started := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		reason := "closed"
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionExpired):
			reason = "expired"
		case errors.Is(err, ErrConnection):
			reason = "connect"
		case Retryable(err), errors.Is(err, ErrResolution):
			reason = "error"
		default:
			s.log.Error("Participant failed permanently", zap.Error(err))
			return err
		}
		metrics.Restarts.WithLabelValues(reason).Inc()

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()

		if time.Since(started) >= s.cfg.StableAfter {
			s.breaker.Success()
			b.Reset()
		} else {
			s.breaker.Failure()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = b.MaxInterval
		}
		s.log.Info("Restarting participant", zap.String("reason", reason), zap.Duration("wait", wait), zap.Error(err))
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	p := NewParticipant(s.cfg.Election, s.dialer, s.log)

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	defer func() {
		st := p.Status()
		s.mu.Lock()
		s.current = nil
		s.last = st
		s.mu.Unlock()
	}()

	if err := p.Start(ctx); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer stop()

	<-p.Done()
	return p.Err()
}

// Status returns the status of the running participant, or the last one
// observed between sessions.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	p, last := s.current, s.last
	s.mu.RUnlock()
	if p != nil {
		return p.Status()
	}
	return last
}

// Restarts returns how many times a participant has been replaced.
func (s *Supervisor) Restarts() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// BreakerState returns the state of the restart breaker.
func (s *Supervisor) BreakerState() resilience.BreakerState {
	return s.breaker.State()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
