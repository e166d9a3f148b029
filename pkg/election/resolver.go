package election

import (
	"context"
	"time"

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

const tracerName = "leaderd/election"

// Elect derives the role of self from a listing of the namespace.
// It fails with ErrResolution when no candidate is listed and with
// ErrStaleCandidate when self is not among them; it never guesses.
func Elect(prefix, self string, children []string) (Resolution, error) {
	candidates := orderCandidates(prefix, children)
	if len(candidates) == 0 {
		return Resolution{}, newError(KindResolution, errors.New("no candidates registered"))
	}

	idx := -1
	for i, c := range candidates {
		if c.name == self {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Resolution{}, newError(KindStaleCandidate, errors.Errorf("candidate %q not in namespace", self))
	}

	res := Resolution{
		Role:       RoleLeader,
		Self:       self,
		Leader:     candidates[0].name,
		Candidates: len(candidates),
	}
	if idx > 0 {
		res.Role = RoleFollower
		res.WatchTarget = candidates[idx-1].name
	}
	return res, nil
}

// Resolver lists the namespace and derives this peer's role.
type Resolver struct {
	client    coordination.Client
	namespace string
	prefix    string
	retry     resilience.RetryConfig
	log       *zap.Logger
	tracer    trace.Tracer
}

func NewResolver(client coordination.Client, namespace, prefix string, retry resilience.RetryConfig, log *zap.Logger) *Resolver {
	return &Resolver{
		client:    client,
		namespace: namespace,
		prefix:    prefix,
		retry:     retry,
		log:       log,
		tracer:    otel.Tracer(tracerName),
	}
}

// Resolve lists the namespace and returns the role of the candidate named
// self. Transient failures and empty listings are retried with backoff; a
// missing self is returned at once as ErrStaleCandidate. A lost connection is
// returned at once too: the session reports it, and the participant resumes
// when the connection is back instead of blocking its loop here.
func (r *Resolver) Resolve(ctx context.Context, self string) (Resolution, error) {
	ctx, span := r.tracer.Start(ctx, "election.resolve",
		trace.WithAttributes(attribute.String("election.self", self)))
	defer span.End()

	res, err := resilience.Retry(ctx, r.retry, resolveRetryable, func() (Resolution, error) {
		children, err := r.client.Children(ctx, r.namespace)
		if err != nil {
			return Resolution{}, classify(err, KindResolution, "list %s", r.namespace)
		}
		return Elect(r.prefix, self, children)
	}, func(err error, wait time.Duration) {
		r.countError(err)
		r.log.Debug("Resolution inconclusive, retrying",
			zap.String("self", self), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		r.countError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Resolution{}, err
	}

	metrics.Resolutions.Inc()
	metrics.Candidates.Set(float64(res.Candidates))
	span.SetAttributes(
		attribute.String("election.role", res.Role.String()),
		attribute.String("election.leader", res.Leader),
		attribute.Int("election.candidates", res.Candidates),
	)
	return res, nil
}

func resolveRetryable(err error) bool {
	return Retryable(err) && !errors.Is(err, coordination.ErrConnectionLoss)
}

func (r *Resolver) countError(err error) {
	if kind, ok := KindOf(err); ok {
		metrics.Errors.WithLabelValues(kind.String()).Inc()
	}
}
