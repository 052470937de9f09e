package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/taskforge/taskforge-api/internal/types"
	"github.com/taskforge/taskforge-api/pkg/metrics"
)

// expiryWorkers bounds concurrent per-row expiry writes during a sweep.
const expiryWorkers = 4

var _ Service = (*ServiceImpl)(nil)

// Service owns the subscription state machine:
// TRIAL -> ACTIVE -> {CANCELLED, EXPIRED}, with TRIAL -> EXPIRED
// reachable only through the sweep and SUSPENDED reserved for
// administrative tooling outside this surface.
type Service interface {
	// CreateSubscription persists a TRIAL subscription, requests a
	// gateway order and records a PENDING payment. The TRIAL row is
	// created before the gateway call and survives gateway failure, so
	// a resubmitted flow retries against a stable subscription id.
	CreateSubscription(ctx context.Context, planID, userID uuid.UUID, autoRenew bool) (*types.Subscription, error)

	// VerifyAndActivateSubscription checks the gateway signature for a
	// pending payment. Mismatch records a FAILED attempt and leaves the
	// subscription in TRIAL for retry; success applies payment SUCCESS
	// and TRIAL->ACTIVE atomically.
	VerifyAndActivateSubscription(ctx context.Context, subscriptionID uuid.UUID, gatewayOrderID, gatewayPaymentID, gatewaySignature string) (*types.Subscription, error)

	// CancelSubscription stamps CANCELLED and clears auto-renew,
	// whatever the prior status. Only the subscription's own user may
	// cancel.
	CancelSubscription(ctx context.Context, subscriptionID, requestingUserID uuid.UUID) (*types.Subscription, error)

	GetActiveSubscription(ctx context.Context, userID uuid.UUID) (*types.Subscription, error)

	// ListUserSubscriptions returns the user's subscription history,
	// newest first. A non-empty statuses slice narrows the listing to
	// those statuses.
	ListUserSubscriptions(ctx context.Context, userID uuid.UUID, statuses []types.SubscriptionStatus) ([]*types.Subscription, error)

	GetSubscriptionByID(ctx context.Context, subscriptionID uuid.UUID) (*types.Subscription, error)

	// UpdateExpiredSubscriptions transitions every ACTIVE or TRIAL
	// subscription past its end date to EXPIRED and returns how many
	// rows changed. A trial that never paid lapses here; this is the
	// only path producing TRIAL -> EXPIRED. Idempotent and safe under
	// overlapping runs.
	UpdateExpiredSubscriptions(ctx context.Context) (int, error)
}

type ServiceImpl struct {
	logger  *slog.Logger
	repo    Repository
	gateway PaymentGateway
	now     func() time.Time
}

func NewService(repo Repository, gateway PaymentGateway, logger *slog.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:  logger,
		repo:    repo,
		gateway: gateway,
		now:     time.Now,
	}
}

func (s *ServiceImpl) CreateSubscription(ctx context.Context, planID, userID uuid.UUID, autoRenew bool) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "CreateSubscription", trace.WithAttributes(
		attribute.String("plan.id", planID.String()),
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "CreateSubscription"), slog.String("userID", userID.String()))

	plan, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Plan lookup failed")
		return nil, fmt.Errorf("error creating subscription: %w", err)
	}
	if !plan.Active {
		span.SetStatus(codes.Error, "Plan inactive")
		return nil, fmt.Errorf("plan %s is not active: %w", plan.Name, types.ErrBadRequest)
	}

	start := s.now()
	sub := &types.Subscription{
		ID:        uuid.New(),
		UserID:    userID,
		PlanID:    planID,
		Status:    types.SubscriptionTrial,
		StartDate: start,
		EndDate:   endDateFor(start, plan.BillingCycle),
		AutoRenew: autoRenew,
		CreatedAt: start,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		l.ErrorContext(ctx, "Failed to persist subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Subscription insert failed")
		return nil, fmt.Errorf("error creating subscription: %w", err)
	}

	// The TRIAL row above stays put if the gateway call fails: the
	// caller resubmits and the payment flow retries against the same
	// subscription id.
	order, err := s.gateway.CreateOrder(ctx, plan.Price, plan.Currency, sub.ID.String())
	if err != nil {
		l.ErrorContext(ctx, "Gateway order creation failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Gateway order failed")
		return nil, fmt.Errorf("error creating payment order: %w", err)
	}

	if err := s.repo.SetSubscriptionOrderID(ctx, sub.ID, order.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Order linkage failed")
		return nil, fmt.Errorf("error creating subscription: %w", err)
	}
	sub.GatewayOrderID = &order.ID

	payment := &types.Payment{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		GatewayOrderID: order.ID,
		Amount:         plan.Price,
		Currency:       plan.Currency,
		Status:         types.PaymentPending,
		CreatedAt:      s.now(),
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		l.ErrorContext(ctx, "Failed to persist pending payment", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Payment insert failed")
		return nil, fmt.Errorf("error creating subscription: %w", err)
	}

	l.InfoContext(ctx, "Subscription created",
		slog.String("subscriptionID", sub.ID.String()),
		slog.String("plan", plan.Name),
		slog.String("orderID", order.ID),
	)
	span.SetStatus(codes.Ok, "Subscription created")
	return sub, nil
}

func (s *ServiceImpl) VerifyAndActivateSubscription(ctx context.Context, subscriptionID uuid.UUID, gatewayOrderID, gatewayPaymentID, gatewaySignature string) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "VerifyAndActivateSubscription", trace.WithAttributes(
		attribute.String("subscription.id", subscriptionID.String()),
		attribute.String("gateway.order_id", gatewayOrderID),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "VerifyAndActivateSubscription"), slog.String("subscriptionID", subscriptionID.String()))

	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Subscription lookup failed")
		return nil, fmt.Errorf("error activating subscription: %w", err)
	}

	payment, err := s.repo.GetPendingPaymentByOrderID(ctx, gatewayOrderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Pending payment lookup failed")
		return nil, fmt.Errorf("error activating subscription: %w", err)
	}
	if payment.SubscriptionID != sub.ID {
		span.SetStatus(codes.Error, "Order belongs to another subscription")
		return nil, fmt.Errorf("order %s does not belong to subscription %s: %w", gatewayOrderID, subscriptionID, types.ErrBadRequest)
	}

	if !s.gateway.VerifySignature(gatewayOrderID, gatewayPaymentID, gatewaySignature) {
		// Record the failed attempt; the subscription stays TRIAL so a
		// fresh payment attempt can retry.
		if failErr := s.repo.MarkPaymentFailed(ctx, payment.ID, "signature mismatch"); failErr != nil {
			l.ErrorContext(ctx, "Failed to record failed payment", slog.Any("error", failErr))
		}
		l.WarnContext(ctx, "Gateway signature mismatch", slog.String("orderID", gatewayOrderID))
		span.SetStatus(codes.Error, "Signature mismatch")
		return nil, fmt.Errorf("signature mismatch for order %s: %w", gatewayOrderID, types.ErrBadRequest)
	}

	paidAt := s.now()
	if err := s.repo.ActivateSubscription(ctx, sub.ID, payment.ID, gatewayPaymentID, gatewaySignature, paidAt); err != nil {
		l.ErrorContext(ctx, "Failed to activate subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Activation failed")
		return nil, fmt.Errorf("error activating subscription: %w", err)
	}

	sub.Status = types.SubscriptionActive
	sub.UpdatedAt = &paidAt

	l.InfoContext(ctx, "Subscription activated", slog.String("paymentID", payment.ID.String()))
	span.SetStatus(codes.Ok, "Subscription activated")
	return sub, nil
}

func (s *ServiceImpl) CancelSubscription(ctx context.Context, subscriptionID, requestingUserID uuid.UUID) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "CancelSubscription", trace.WithAttributes(
		attribute.String("subscription.id", subscriptionID.String()),
		attribute.String("user.id", requestingUserID.String()),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "CancelSubscription"), slog.String("subscriptionID", subscriptionID.String()))

	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Subscription lookup failed")
		return nil, fmt.Errorf("error cancelling subscription: %w", err)
	}
	if sub.UserID != requestingUserID {
		span.SetStatus(codes.Error, "Not the subscription owner")
		return nil, fmt.Errorf("only the subscription owner may cancel: %w", types.ErrForbidden)
	}

	now := s.now()
	if err := s.repo.CancelSubscription(ctx, subscriptionID, now); err != nil {
		l.ErrorContext(ctx, "Failed to cancel subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Cancellation failed")
		return nil, fmt.Errorf("error cancelling subscription: %w", err)
	}

	sub.Status = types.SubscriptionCancelled
	sub.AutoRenew = false
	sub.UpdatedAt = &now

	l.InfoContext(ctx, "Subscription cancelled")
	span.SetStatus(codes.Ok, "Subscription cancelled")
	return sub, nil
}

func (s *ServiceImpl) GetActiveSubscription(ctx context.Context, userID uuid.UUID) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "GetActiveSubscription", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	sub, err := s.repo.GetActiveSubscriptionForUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "No active subscription")
		return nil, fmt.Errorf("error fetching active subscription: %w", err)
	}

	span.SetStatus(codes.Ok, "Active subscription fetched")
	return sub, nil
}

func (s *ServiceImpl) ListUserSubscriptions(ctx context.Context, userID uuid.UUID, statuses []types.SubscriptionStatus) ([]*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "ListUserSubscriptions", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
		attribute.Int("status.filter.count", len(statuses)),
	))
	defer span.End()

	subs, err := s.repo.ListUserSubscriptions(ctx, userID, statuses)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Listing failed")
		return nil, fmt.Errorf("error listing subscriptions: %w", err)
	}

	span.SetStatus(codes.Ok, "Subscriptions listed")
	return subs, nil
}

func (s *ServiceImpl) GetSubscriptionByID(ctx context.Context, subscriptionID uuid.UUID) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "GetSubscriptionByID", trace.WithAttributes(
		attribute.String("subscription.id", subscriptionID.String()),
	))
	defer span.End()

	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Subscription lookup failed")
		return nil, fmt.Errorf("error fetching subscription: %w", err)
	}

	span.SetStatus(codes.Ok, "Subscription fetched")
	return sub, nil
}

func (s *ServiceImpl) UpdateExpiredSubscriptions(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("SubscriptionService").Start(ctx, "UpdateExpiredSubscriptions")
	defer span.End()

	l := s.logger.With(slog.String("method", "UpdateExpiredSubscriptions"))

	started := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}()

	now := s.now()
	due, err := s.repo.ListDueForExpiry(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Due listing failed")
		return 0, fmt.Errorf("error listing due subscriptions: %w", err)
	}
	if len(due) == 0 {
		span.SetStatus(codes.Ok, "Nothing due")
		return 0, nil
	}

	// Each row transition is an independent guarded write; a row picked
	// up by an overlapping run converges to EXPIRED without error.
	var expired atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expiryWorkers)
	for _, id := range due {
		g.Go(func() error {
			changed, err := s.repo.MarkExpired(gctx, id, now)
			if err != nil {
				return err
			}
			if changed {
				expired.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.ErrorContext(ctx, "Expiry sweep failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Sweep failed")
		return int(expired.Load()), fmt.Errorf("error expiring subscriptions: %w", err)
	}

	n := int(expired.Load())
	metrics.SubscriptionsExpired.Add(float64(n))
	l.InfoContext(ctx, "Expiry sweep completed", slog.Int("candidates", len(due)), slog.Int("expired", n))
	span.SetStatus(codes.Ok, "Sweep completed")
	return n, nil
}

// endDateFor computes the billing period end with calendar arithmetic,
// so month-end dates follow Go's calendar rollover rules.
func endDateFor(start time.Time, cycle types.BillingCycle) time.Time {
	if cycle == types.BillingYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
