package election

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"leaderd/pkg/coordination"
	"leaderd/pkg/metrics"
	"leaderd/pkg/resilience"
)

// Registrar creates this peer's candidacy node.
//
// Candidacy names embed a token unique to the registrar, c_<token>_<seq>. When
// a create fails with a lost connection the node may still have been created;
// the registrar then looks for a node carrying its token and adopts it rather
// than leaving an orphan candidacy in the namespace.
type Registrar struct {
	client    coordination.Client
	namespace string
	prefix    string
	peerID    string
	token     string
	retry     resilience.RetryConfig
	log       *zap.Logger
	tracer    trace.Tracer
}

func NewRegistrar(client coordination.Client, namespace, prefix, peerID string, retry resilience.RetryConfig, log *zap.Logger) *Registrar {
	return &Registrar{
		client:    client,
		namespace: namespace,
		prefix:    prefix,
		peerID:    peerID,
		token:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		retry:     retry,
		log:       log,
		tracer:    otel.Tracer(tracerName),
	}
}

// Register creates one ephemeral sequential candidacy node. Each call creates
// a new candidacy; callers must keep at most one per session.
func (r *Registrar) Register(ctx context.Context) (Candidate, error) {
	ctx, span := r.tracer.Start(ctx, "election.register",
		trace.WithAttributes(attribute.String("election.namespace", r.namespace)))
	defer span.End()

	c, err := resilience.Retry(ctx, r.retry, Retryable, func() (Candidate, error) {
		return r.create(ctx)
	}, func(err error, wait time.Duration) {
		metrics.Errors.WithLabelValues(KindRegistration.String()).Inc()
		r.log.Warn("Registration failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		if kind, ok := KindOf(err); ok {
			metrics.Errors.WithLabelValues(kind.String()).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Candidate{}, err
	}

	metrics.Registrations.Inc()
	span.SetAttributes(attribute.String("election.candidate", c.Name))
	r.log.Info("Registered candidacy", zap.String("candidate", c.Name), zap.Uint64("sequence", c.Sequence))
	return c, nil
}

func (r *Registrar) create(ctx context.Context) (Candidate, error) {
	marker := r.marker()
	path, err := r.client.Create(ctx, coordination.JoinPath(r.namespace, marker), []byte(r.peerID))
	if err == nil {
		return r.candidate(path)
	}

	if errors.Is(err, coordination.ErrConnectionLoss) {
		if c, ok := r.adopt(ctx); ok {
			r.log.Info("Adopted candidacy created before connection loss", zap.String("candidate", c.Name))
			return c, nil
		}
	}
	if errors.Is(err, coordination.ErrNoNode) {
		return Candidate{}, classify(err, KindRegistration, "namespace %s is not accessible", r.namespace)
	}
	return Candidate{}, classify(err, KindRegistration, "create candidacy under %s", r.namespace)
}

// adopt finds the newest live node carrying this registrar's token.
func (r *Registrar) adopt(ctx context.Context) (Candidate, bool) {
	children, err := r.client.Children(ctx, r.namespace)
	if err != nil {
		return Candidate{}, false
	}
	var newest *ordered
	for _, c := range orderCandidates(r.marker(), children) {
		c := c
		newest = &c
	}
	if newest == nil {
		return Candidate{}, false
	}
	c, err := r.candidate(coordination.JoinPath(r.namespace, newest.name))
	return c, err == nil
}

func (r *Registrar) marker() string {
	return r.prefix + r.token + "_"
}

func (r *Registrar) candidate(path string) (Candidate, error) {
	_, name := coordination.SplitPath(path)
	seq, err := Sequence(name)
	if err != nil {
		return Candidate{}, newError(KindRegistration, err)
	}
	return Candidate{Name: name, Path: path, PeerID: r.peerID, Sequence: seq}, nil
}
