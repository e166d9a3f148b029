package election

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"leaderd/pkg/coordination"
	"leaderd/pkg/metrics"
)

// maxSettleAttempts bounds back-to-back re-resolutions within one cycle when
// the namespace keeps changing under the participant.
const maxSettleAttempts = 16

// Participant is one peer's membership in the election for the lifetime of a
// single session.
//
// After Start, all election state is owned by one control loop goroutine. The
// coordination client only enqueues events; the loop drains them one at a
// time, re-resolves and re-arms. Status snapshots are the only state shared
// with other goroutines.
type Participant struct {
	cfg    Config
	dialer coordination.Dialer
	log    *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by Start, then by the control loop.
	client    coordination.Client
	registrar *Registrar
	resolver  *Resolver
	candidate Candidate
	current   Resolution
	armed     map[string]struct{}
	session   coordination.SessionState
	suspended bool
	pending   bool
	elections uint64

	mu     sync.RWMutex
	status Status

	lifecycle sync.Mutex
	started   bool
	closed    bool
	stop      chan struct{}
	stopOnce  sync.Once

	// kick wakes the loop to retry a deferred re-election.
	kick chan struct{}

	done       chan struct{}
	finishOnce sync.Once
	err        error
	closeErr   error
}

func NewParticipant(cfg Config, dialer coordination.Dialer, log *zap.Logger) *Participant {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Participant{
		cfg:     cfg,
		dialer:  dialer,
		log:     log.With(zap.String("peer", cfg.PeerID)),
		tracer:  otel.Tracer(tracerName),
		ctx:     ctx,
		cancel:  cancel,
		armed:   make(map[string]struct{}),
		session: coordination.StateConnecting,
		stop:    make(chan struct{}),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	p.status = Status{PeerID: cfg.PeerID, SessionState: coordination.StateConnecting, UpdatedAt: time.Now()}
	return p
}

// Start connects to the service, registers a candidacy, resolves the initial
// role and arms the first watches, then hands over to the control loop.
// Connecting is bounded by Config.ConnectTimeout and fails with ErrConnection.
func (p *Participant) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	if p.started || p.closed {
		p.lifecycle.Unlock()
		return errors.New("participant already started or closed")
	}
	p.started = true
	p.lifecycle.Unlock()

	// Start is bounded by both the caller's ctx and Close.
	bctx, bcancel := context.WithCancel(p.ctx)
	defer bcancel()
	defer context.AfterFunc(ctx, bcancel)()

	bctx, span := p.tracer.Start(bctx, "election.bootstrap",
		trace.WithAttributes(attribute.String("election.peer", p.cfg.PeerID)))
	defer span.End()

	if err := p.bootstrap(bctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if p.client != nil {
			_ = p.client.Close()
		}
		p.setSession(coordination.StateClosed)
		p.finish(err)
		return err
	}

	go p.loop()
	return nil
}

func (p *Participant) bootstrap(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	client, err := p.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		metrics.Errors.WithLabelValues(KindConnection.String()).Inc()
		return newError(KindConnection, errors.Wrap(err, "connect to coordination service"))
	}
	p.client = client
	p.setSession(coordination.StateConnected)
	p.log.Info("Connected to coordination service")

	p.registrar = NewRegistrar(client, p.cfg.Namespace, p.cfg.CandidatePrefix, p.cfg.PeerID, p.cfg.Retry, p.log)
	p.resolver = NewResolver(client, p.cfg.Namespace, p.cfg.CandidatePrefix, p.cfg.Retry, p.log)

	if p.cfg.CreateNamespace {
		if err := client.EnsurePath(ctx, p.cfg.Namespace); err != nil {
			return classify(err, KindRegistration, "ensure namespace %s", p.cfg.Namespace)
		}
	}
	return p.resolveAndArm(ctx)
}

// Wait blocks until the session ends. It returns nil after Close and an
// ErrSessionExpired error after expiry; the caller decides whether to
// bootstrap a new participant.
func (p *Participant) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the session has ended.
func (p *Participant) Done() <-chan struct{} {
	return p.done
}

// Err returns the reason the session ended, valid after Done is closed.
func (p *Participant) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Close ends the session and waits for the control loop to exit. The service
// removes the candidacy node together with the session. Close is idempotent.
func (p *Participant) Close() error {
	p.lifecycle.Lock()
	p.closed = true
	started := p.started
	p.lifecycle.Unlock()

	p.stopOnce.Do(func() {
		p.cancel()
		close(p.stop)
	})
	if !started {
		p.finish(nil)
	}
	<-p.done
	return p.closeErr
}

// Status returns the latest published snapshot.
func (p *Participant) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Participant) finish(err error) {
	p.finishOnce.Do(func() {
		p.err = err
		p.cancel()
		close(p.done)
	})
}

func (p *Participant) loop() {
	events := p.client.Events()
	for {
		select {
		case <-p.stop:
			p.end(nil)
			return
		case <-p.kick:
			if !p.pending || p.suspended {
				continue
			}
			p.pending = false
			if done, err := p.reelect("retry"); done {
				p.end(err)
				return
			}
		case ev, ok := <-events:
			if !ok {
				p.expire()
				p.end(newError(KindSessionExpired, errors.Wrap(coordination.ErrSessionExpired, "event stream ended")))
				return
			}
			if done, err := p.handle(ev); done {
				p.end(err)
				return
			}
		}
	}
}

// end releases the session. A nil err means the participant was closed.
func (p *Participant) end(err error) {
	cerr := p.client.Close()
	if err == nil {
		p.closeErr = cerr
		p.setSession(coordination.StateClosed)
		p.log.Info("Session closed")
	}
	p.finish(err)
}

// handle processes one event. It reports whether the session is over.
func (p *Participant) handle(ev coordination.Event) (bool, error) {
	metrics.WatchEvents.WithLabelValues(ev.Type.String()).Inc()

	if ev.Type == coordination.EventSession {
		return p.handleSession(ev.State)
	}

	if _, ok := p.armed[ev.Path]; !ok {
		p.log.Debug("Ignoring event for unwatched path", zap.String("path", ev.Path), zap.Stringer("type", ev.Type))
		return false, nil
	}
	delete(p.armed, ev.Path)

	if ev.Path == p.candidate.Path && ev.Type == coordination.EventNodeDeleted {
		p.log.Warn("Own candidacy removed while session is alive", zap.String("candidate", p.candidate.Name))
		p.candidate = Candidate{}
	}

	if p.suspended {
		p.pending = true
		return false, nil
	}
	return p.reelect(ev.Path)
}

func (p *Participant) handleSession(state coordination.SessionState) (bool, error) {
	switch state {
	case coordination.StateConnected:
		if !p.suspended {
			return false, nil
		}
		p.suspended = false
		p.setSession(coordination.StateConnected)
		p.log.Info("Session resumed")
		if p.pending {
			p.pending = false
			return p.reelect("resume")
		}
	case coordination.StateDisconnected:
		if p.suspended {
			return false, nil
		}
		p.suspended = true
		p.setSession(coordination.StateDisconnected)
		p.log.Warn("Disconnected from coordination service, re-election suspended")
	case coordination.StateExpired:
		p.expire()
		return true, newError(KindSessionExpired, coordination.ErrSessionExpired)
	case coordination.StateClosed:
		p.setSession(coordination.StateClosed)
		return true, nil
	}
	return false, nil
}

// expire discards the candidacy: the service has already removed its node.
func (p *Participant) expire() {
	p.log.Warn("Session expired, candidacy void", zap.String("candidate", p.candidate.Name))
	metrics.Errors.WithLabelValues(KindSessionExpired.String()).Inc()
	p.candidate = Candidate{}
	p.armed = make(map[string]struct{})
	p.setSession(coordination.StateExpired)
	p.apply(Resolution{Role: RoleCandidate})
}

func (p *Participant) reelect(cause string) (bool, error) {
	p.log.Debug("Re-resolving leadership", zap.String("cause", cause))
	err := p.resolveAndArm(p.ctx)
	if err == nil {
		return false, nil
	}
	if p.ctx.Err() != nil {
		return true, nil
	}
	if errors.Is(err, ErrSessionExpired) {
		p.expire()
		return true, err
	}
	if errors.Is(err, coordination.ErrConnectionLoss) {
		// A reconnect resumes the cycle; the timer covers a loss the
		// service never reported as a state change.
		p.log.Warn("Re-election deferred", zap.Error(err))
		p.pending = true
		time.AfterFunc(p.cfg.Retry.NewBackOff().NextBackOff(), func() {
			select {
			case p.kick <- struct{}{}:
			default:
			}
		})
		return false, nil
	}
	p.log.Error("Re-election failed", zap.Error(err))
	return true, err
}

// resolveAndArm registers when there is no live candidacy, derives the role
// and arms the watches for the next cycle. Watches that find their node
// already gone trigger an immediate re-resolution.
func (p *Participant) resolveAndArm(ctx context.Context) error {
	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		if p.candidate.Name == "" {
			if err := p.register(ctx); err != nil {
				return err
			}
			continue
		}

		res, err := p.resolver.Resolve(ctx, p.candidate.Name)
		if errors.Is(err, ErrStaleCandidate) {
			p.log.Warn("Candidacy missing from namespace, re-registering",
				zap.String("candidate", p.candidate.Name), zap.Error(err))
			p.candidate = Candidate{}
			continue
		}
		if err != nil {
			return err
		}

		targets := p.targets(res)
		settled := true
		for _, path := range targets {
			exists, err := p.arm(ctx, path)
			if err != nil {
				return err
			}
			if !exists {
				settled = false
				break
			}
		}
		if !settled {
			continue
		}
		p.release(targets)
		p.apply(res)
		return nil
	}
	return newError(KindResolution, errors.Errorf("namespace %s did not settle after %d attempts", p.cfg.Namespace, maxSettleAttempts))
}

func (p *Participant) register(ctx context.Context) error {
	c, err := p.registrar.Register(ctx)
	if err != nil {
		return err
	}
	exists, err := p.arm(ctx, c.Path)
	if err != nil {
		return err
	}
	if exists {
		p.candidate = c
	}
	return nil
}

// targets lists the nodes a follower watches besides its own: the
// predecessor for position changes and, when it is not the predecessor, the
// leader, so that every follower sees the leader leave.
func (p *Participant) targets(res Resolution) []string {
	if res.Role != RoleFollower {
		return nil
	}
	paths := []string{coordination.JoinPath(p.cfg.Namespace, res.WatchTarget)}
	if res.Leader != res.WatchTarget {
		paths = append(paths, coordination.JoinPath(p.cfg.Namespace, res.Leader))
	}
	return paths
}

// arm sets a one-shot watch on path unless one is already pending, and
// reports whether the node exists. A watch on a missing node is released
// at once.
func (p *Participant) arm(ctx context.Context, path string) (bool, error) {
	if _, ok := p.armed[path]; ok {
		return true, nil
	}
	exists, err := p.client.Exists(ctx, path, true)
	if err != nil {
		return false, classify(err, KindConnection, "watch %s", path)
	}
	if !exists {
		p.unwatch(path)
		return false, nil
	}
	p.armed[path] = struct{}{}
	metrics.WatchesArmed.Inc()
	p.log.Debug("Watch armed", zap.String("path", path))
	return true, nil
}

// release drops the watches of earlier cycles that are neither the own
// candidacy nor one of keep.
func (p *Participant) release(keep []string) {
	for path := range p.armed {
		if path == p.candidate.Path || slices.Contains(keep, path) {
			continue
		}
		delete(p.armed, path)
		p.unwatch(path)
	}
}

func (p *Participant) unwatch(path string) {
	if u, ok := p.client.(coordination.Unwatcher); ok {
		u.Unwatch(path)
	}
}

func (p *Participant) apply(res Resolution) {
	prev := p.current
	p.current = res
	if prev.Role != res.Role || prev.Leader != res.Leader {
		p.elections++
		metrics.RecordRole(res.Role.String(), res.Role == RoleLeader)
		switch res.Role {
		case RoleLeader:
			p.log.Info("Elected leader", zap.String("candidate", res.Self), zap.Int("candidates", res.Candidates))
		case RoleFollower:
			p.log.Info("Following leader", zap.String("leader", res.Leader),
				zap.String("candidate", res.Self), zap.String("watching", res.WatchTarget))
		}
	}
	p.publish()
}

func (p *Participant) setSession(state coordination.SessionState) {
	if p.session == state {
		return
	}
	p.session = state
	metrics.SessionState.Set(float64(state))
	p.publish()
}

func (p *Participant) publish() {
	st := Status{
		PeerID:       p.cfg.PeerID,
		Candidate:    p.candidate.Name,
		Role:         p.current.Role,
		Leader:       p.current.Leader,
		WatchTarget:  p.current.WatchTarget,
		Candidates:   p.current.Candidates,
		SessionState: p.session,
		Elections:    p.elections,
		UpdatedAt:    time.Now(),
	}
	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
	if p.cfg.OnChange != nil {
		p.cfg.OnChange(st)
	}
}
