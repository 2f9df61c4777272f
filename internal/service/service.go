package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"makerhub/backend/internal/domain"
	"makerhub/backend/internal/metrics"
	"makerhub/backend/internal/propagation"
	"makerhub/backend/internal/store"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid request")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Option func(*Service)

// WithClock replaces time.Now; tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service is the order lifecycle and dispute resolution engine. Mutations of one
// order, complaint or account are serialized; everything else runs in parallel.
type Service struct {
	repo      store.Repository
	publisher propagation.Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	locks     *keyedLocker
	now       func() time.Time
}

func New(repo store.Repository, publisher propagation.Publisher, logger *zap.Logger, opts ...Option) *Service {
	if publisher == nil {
		publisher = propagation.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger.Named("service"),
		tracer:    otel.Tracer("makerhub/service"),
		locks:     newKeyedLocker(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	if actor.Role != domain.RoleAdmin && actor.ID != id {
		return domain.Account{}, fmt.Errorf("%w: account %s belongs to someone else", ErrUnauthorized, id)
	}
	account, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	return *account, nil
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID == "" {
		return domain.Actor{}, fmt.Errorf("%w: no authenticated actor", ErrUnauthorized)
	}
	return actor, nil
}

// requireActiveActor loads the caller's account: a restricted account may read but
// not drive orders or disputes.
func (s *Service) requireActiveActor(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	account, err := s.repo.GetAccount(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Actor{}, fmt.Errorf("%w: account %s does not exist", ErrUnauthorized, actor.ID)
		}
		return domain.Actor{}, err
	}
	if account.Role != actor.Role {
		return domain.Actor{}, fmt.Errorf("%w: account %s is not a %s", ErrUnauthorized, actor.ID, actor.Role)
	}
	if !account.Active() {
		return domain.Actor{}, fmt.Errorf("%w: account %s is %s", ErrUnauthorized, actor.ID, account.Status)
	}
	return actor, nil
}

func (s *Service) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := s.requireActiveActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Actor{}, fmt.Errorf("%w: admin role required", ErrUnauthorized)
	}
	return actor, nil
}

func (s *Service) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// endSpan records the outcome of an engine operation on its span and in the failure counter.
func (s *Service) endSpan(span trace.Span, operation string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordOperationFailure(operation, FailureReason(err))
	}
	span.End()
}

// publishTimeout bounds fan-out once the caller's own deadline no longer applies.
const publishTimeout = 5 * time.Second

// publish runs after the write committed, so it is detached from the caller's
// cancellation: a client that hangs up after the commit still gets its change
// announced. A failure here is logged, never returned: subscribers converge on
// their next fetch.
func (s *Service) publish(ctx context.Context, events []domain.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, events); err != nil {
		s.logger.Warn("change events not published",
			zap.Int("events", len(events)),
			zap.String("resource", events[0].Key()),
			zap.Error(err),
		)
	}
}

func (s *Service) recordNotifications(notifications []domain.Notification) {
	for _, n := range notifications {
		metrics.RecordNotificationCreated(string(n.Type))
	}
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// FailureReason classifies an engine error into the taxonomy used by metrics and the HTTP layer.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, store.ErrConflict):
		return "concurrent_modification"
	case errors.Is(err, store.ErrUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, store.ErrInvalidRecord):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}

func recipients(notifications []domain.Notification) []string {
	ids := make([]string, 0, len(notifications))
	for _, n := range notifications {
		ids = append(ids, n.UserID)
	}
	return ids
}
