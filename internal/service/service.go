package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketplace/backend/internal/cache"
	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/inventory"
	"marketplace/backend/internal/jobs"
	"marketplace/backend/internal/store"
	"marketplace/backend/internal/xid"
)

const maxOrderNumberAttempts = 3

type Option func(*Service)

func WithPricing(policy PricingPolicy) Option {
	return func(s *Service) {
		if policy != nil {
			s.pricing = policy
		}
	}
}

func WithOrderCache(c cache.OrderCache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service orchestrates orders and stock. It is the only place where an order
// mutation and its ledger postings share a transaction; side effects are
// dispatched only after that transaction commits.
type Service struct {
	repo       store.Repository
	ledger     *inventory.Ledger
	checker    *inventory.Checker
	dispatcher jobs.Dispatcher
	pricing    PricingPolicy
	cache      cache.OrderCache
	cacheTTL   time.Duration
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
	numberFn   func(time.Time) string
}

func New(repo store.Repository, dispatcher jobs.Dispatcher, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		dispatcher: dispatcher,
		pricing:    DefaultPricing(),
		cache:      cache.NoopOrderCache{},
		cacheTTL:   time.Minute,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("marketplace/service"),
		now:        func() time.Time { return time.Now().UTC() },
		numberFn:   xid.OrderNumber,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = inventory.NewLedger(repo, dispatcher, s.logger.Named("ledger"))
	s.checker = inventory.NewChecker(repo)
	return s
}

// Ledger exposes the stock ledger for wiring that needs direct postings, such
// as demo seeding.
func (s *Service) Ledger() *inventory.Ledger {
	return s.ledger
}

func (s *Service) enqueue(ctx context.Context, task jobs.Task) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		s.logger.Error("dispatch job",
			zap.String("kind", string(task.Kind)),
			zap.String("order_id", task.OrderID),
			zap.Error(err),
		)
	}
}

// cacheCommitted writes a committed order through to the cache. If that
// fails the entry is dropped so readers fall back to the store.
func (s *Service) cacheCommitted(ctx context.Context, order domain.Order) {
	err := s.cache.Set(ctx, &order, s.cacheTTL)
	if err == nil {
		return
	}
	s.logger.Warn("cache committed order", zap.String("order_id", order.ID), zap.Error(err))
	if err := s.cache.Delete(ctx, order.ID); err != nil {
		s.logger.Warn("invalidate cached order", zap.String("order_id", order.ID), zap.Error(err))
	}
}

// fail records err on the span and classifies it: business errors pass
// through, anything else becomes a PersistenceError.
func (s *Service) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if domain.IsBusiness(err) {
		return err
	}
	var persistErr *domain.PersistenceError
	if errors.As(err, &persistErr) {
		return err
	}
	s.logger.Error(op+" failed", zap.Error(err))
	return &domain.PersistenceError{Op: op, Err: err}
}

func orderNotFound(orderID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &domain.NotFoundError{Entity: "order", ID: orderID}
	}
	return err
}

func entityNotFound(entity string, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &domain.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

func forbidden(reason string) error {
	return errors.Join(domain.ErrForbidden, errors.New(reason))
}

// canView is the read-side visibility rule: customers see their own orders,
// vendors see orders carrying at least one of their products.
func canView(actor domain.Actor, order domain.Order) bool {
	switch actor.Role {
	case domain.RoleAdmin, domain.RoleSystem:
		return true
	case domain.RoleCustomer:
		return order.CustomerID == actor.ID
	case domain.RoleVendor:
		return order.HasVendor(actor.ID)
	}
	return false
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "card", "bank_transfer", "ewallet", "cod":
		return true
	default:
		return false
	}
}
