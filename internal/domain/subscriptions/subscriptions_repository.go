package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/taskforge-api/internal/types"
	"github.com/taskforge/taskforge-api/pkg/db"
)

var _ Repository = (*RepositoryImpl)(nil)

// Repository persists plans, subscriptions and payment attempts.
type Repository interface {
	GetPlan(ctx context.Context, planID uuid.UUID) (*types.Plan, error)

	CreateSubscription(ctx context.Context, sub *types.Subscription) error
	GetSubscription(ctx context.Context, subscriptionID uuid.UUID) (*types.Subscription, error)
	SetSubscriptionOrderID(ctx context.Context, subscriptionID uuid.UUID, orderID string) error

	// GetActiveSubscriptionForUser returns the newest ACTIVE or TRIAL
	// subscription of the user.
	GetActiveSubscriptionForUser(ctx context.Context, userID uuid.UUID) (*types.Subscription, error)

	// ListUserSubscriptions returns the user's subscriptions, optionally
	// filtered by status, newest first.
	ListUserSubscriptions(ctx context.Context, userID uuid.UUID, statuses []types.SubscriptionStatus) ([]*types.Subscription, error)

	// CancelSubscription sets CANCELLED and auto_renew=false
	// unconditionally, whatever the prior status.
	CancelSubscription(ctx context.Context, subscriptionID uuid.UUID, now time.Time) error

	CreatePayment(ctx context.Context, payment *types.Payment) error
	GetPendingPaymentByOrderID(ctx context.Context, orderID string) (*types.Payment, error)
	MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) error

	// ActivateSubscription applies payment SUCCESS and subscription
	// TRIAL->ACTIVE in one transaction; there is no observable state
	// where one write landed without the other.
	ActivateSubscription(ctx context.Context, subscriptionID, paymentID uuid.UUID, gatewayPaymentID, signature string, paidAt time.Time) error

	// ListDueForExpiry returns ids of ACTIVE and TRIAL subscriptions
	// past endDate. TRIAL rows are included so a trial that never paid
	// lapses to EXPIRED instead of counting as entitled forever.
	ListDueForExpiry(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	// MarkExpired transitions one ACTIVE or TRIAL subscription to
	// EXPIRED. The guarded update makes re-runs and overlapping sweeps
	// converge: an already-EXPIRED row reports false without error.
	MarkExpired(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (bool, error)
}

type RepositoryImpl struct {
	logger *slog.Logger
	pgpool db.Querier
}

func NewRepositoryImpl(pool db.Querier, logger *slog.Logger) *RepositoryImpl {
	return &RepositoryImpl{
		logger: logger,
		pgpool: pool,
	}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const subscriptionColumns = `id, user_id, plan_id, status, start_date, end_date, auto_renew, gateway_order_id, created_at, updated_at`

func (r *RepositoryImpl) GetPlan(ctx context.Context, planID uuid.UUID) (*types.Plan, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetPlan", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "plans"),
		attribute.String("plan.id", planID.String()),
	))
	defer span.End()

	query := `
        SELECT id, name, price, currency, billing_cycle, active, created_at
        FROM plans
        WHERE id = $1`

	var p types.Plan
	err := r.pgpool.QueryRow(ctx, query, planID).Scan(
		&p.ID,
		&p.Name,
		&p.Price,
		&p.Currency,
		&p.BillingCycle,
		&p.Active,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Plan not found")
			return nil, fmt.Errorf("plan %s: %w", planID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch plan", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching plan: %w", err)
	}

	span.SetStatus(codes.Ok, "Plan fetched")
	return &p, nil
}

func (r *RepositoryImpl) CreateSubscription(ctx context.Context, sub *types.Subscription) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "CreateSubscription", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("db.user.id", sub.UserID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "CreateSubscription"), slog.String("userID", sub.UserID.String()))
	l.DebugContext(ctx, "Inserting subscription", slog.String("status", string(sub.Status)))

	query := `
        INSERT INTO subscriptions (id, user_id, plan_id, status, start_date, end_date, auto_renew, gateway_order_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pgpool.Exec(ctx, query,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.Status,
		sub.StartDate,
		sub.EndDate,
		sub.AutoRenew,
		sub.GatewayOrderID,
		sub.CreatedAt,
	)
	if err != nil {
		l.ErrorContext(ctx, "Failed to insert subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return fmt.Errorf("database error creating subscription: %w", err)
	}

	l.InfoContext(ctx, "Subscription created", slog.String("subscriptionID", sub.ID.String()))
	span.SetStatus(codes.Ok, "Subscription created")
	return nil
}

func (r *RepositoryImpl) GetSubscription(ctx context.Context, subscriptionID uuid.UUID) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetSubscription", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("subscription.id", subscriptionID.String()),
	))
	defer span.End()

	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE id = $1`

	sub, err := r.scanSubscription(r.pgpool.QueryRow(ctx, query, subscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Subscription not found")
			return nil, fmt.Errorf("subscription %s: %w", subscriptionID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching subscription: %w", err)
	}

	span.SetStatus(codes.Ok, "Subscription fetched")
	return sub, nil
}

func (r *RepositoryImpl) SetSubscriptionOrderID(ctx context.Context, subscriptionID uuid.UUID, orderID string) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "SetSubscriptionOrderID", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("subscription.id", subscriptionID.String()),
	))
	defer span.End()

	query := `
        UPDATE subscriptions
        SET gateway_order_id = $1, updated_at = NOW()
        WHERE id = $2`

	cmd, err := r.pgpool.Exec(ctx, query, orderID, subscriptionID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to set gateway order id", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error linking gateway order: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Subscription not found")
		return fmt.Errorf("subscription %s: %w", subscriptionID, types.ErrNotFound)
	}

	span.SetStatus(codes.Ok, "Order id set")
	return nil
}

func (r *RepositoryImpl) GetActiveSubscriptionForUser(ctx context.Context, userID uuid.UUID) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetActiveSubscriptionForUser", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE user_id = $1 AND status IN ('ACTIVE', 'TRIAL')
        ORDER BY created_at DESC
        LIMIT 1`

	sub, err := r.scanSubscription(r.pgpool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "No active subscription")
			return nil, fmt.Errorf("active subscription for user %s: %w", userID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch active subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching active subscription: %w", err)
	}

	span.SetStatus(codes.Ok, "Active subscription fetched")
	return sub, nil
}

func (r *RepositoryImpl) ListUserSubscriptions(ctx context.Context, userID uuid.UUID, statuses []types.SubscriptionStatus) ([]*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "ListUserSubscriptions", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("db.user.id", userID.String()),
	))
	defer span.End()

	builder := psql.Select("id", "user_id", "plan_id", "status", "start_date", "end_date", "auto_renew", "gateway_order_id", "created_at", "updated_at").
		From("subscriptions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC")
	if len(statuses) > 0 {
		builder = builder.Where(sq.Eq{"status": statuses})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to build subscription query: %w", err)
	}

	rows, err := r.pgpool.Query(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query subscriptions", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error listing subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := r.scanSubscription(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err = rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading subscriptions: %w", err)
	}

	span.SetStatus(codes.Ok, "Subscriptions listed")
	return subs, nil
}

func (r *RepositoryImpl) CancelSubscription(ctx context.Context, subscriptionID uuid.UUID, now time.Time) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "CancelSubscription", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("subscription.id", subscriptionID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "CancelSubscription"), slog.String("subscriptionID", subscriptionID.String()))

	// No status predicate: cancellation stamps CANCELLED regardless of
	// prior status to suppress renewal intent.
	query := `
        UPDATE subscriptions
        SET status = $1, auto_renew = FALSE, updated_at = $2
        WHERE id = $3`

	cmd, err := r.pgpool.Exec(ctx, query, types.SubscriptionCancelled, now, subscriptionID)
	if err != nil {
		l.ErrorContext(ctx, "Failed to cancel subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error cancelling subscription: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Subscription not found")
		return fmt.Errorf("subscription %s: %w", subscriptionID, types.ErrNotFound)
	}

	l.InfoContext(ctx, "Subscription cancelled")
	span.SetStatus(codes.Ok, "Subscription cancelled")
	return nil
}

func (r *RepositoryImpl) CreatePayment(ctx context.Context, payment *types.Payment) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "CreatePayment", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "payments"),
		attribute.String("subscription.id", payment.SubscriptionID.String()),
	))
	defer span.End()

	query := `
        INSERT INTO payments (id, subscription_id, gateway_order_id, amount, currency, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pgpool.Exec(ctx, query,
		payment.ID,
		payment.SubscriptionID,
		payment.GatewayOrderID,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert payment", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return fmt.Errorf("database error creating payment: %w", err)
	}

	span.SetStatus(codes.Ok, "Payment created")
	return nil
}

func (r *RepositoryImpl) GetPendingPaymentByOrderID(ctx context.Context, orderID string) (*types.Payment, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetPendingPaymentByOrderID", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "payments"),
		attribute.String("gateway.order_id", orderID),
	))
	defer span.End()

	query := `
        SELECT id, subscription_id, gateway_order_id, gateway_payment_id, gateway_signature, amount, currency, status, failure_reason, paid_at, created_at
        FROM payments
        WHERE gateway_order_id = $1 AND status = 'PENDING'
        ORDER BY created_at DESC
        LIMIT 1`

	var p types.Payment
	err := r.pgpool.QueryRow(ctx, query, orderID).Scan(
		&p.ID,
		&p.SubscriptionID,
		&p.GatewayOrderID,
		&p.GatewayPaymentID,
		&p.GatewaySignature,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.FailureReason,
		&p.PaidAt,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "Pending payment not found")
			return nil, fmt.Errorf("pending payment for order %s: %w", orderID, types.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Failed to fetch pending payment", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error fetching payment: %w", err)
	}

	span.SetStatus(codes.Ok, "Payment fetched")
	return &p, nil
}

func (r *RepositoryImpl) MarkPaymentFailed(ctx context.Context, paymentID uuid.UUID, reason string) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "MarkPaymentFailed", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "payments"),
		attribute.String("payment.id", paymentID.String()),
	))
	defer span.End()

	query := `
        UPDATE payments
        SET status = $1, failure_reason = $2
        WHERE id = $3 AND status = 'PENDING'`

	cmd, err := r.pgpool.Exec(ctx, query, types.PaymentFailed, reason, paymentID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to mark payment failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return fmt.Errorf("database error failing payment: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Pending payment not found")
		return fmt.Errorf("pending payment %s: %w", paymentID, types.ErrNotFound)
	}

	span.SetStatus(codes.Ok, "Payment marked failed")
	return nil
}

func (r *RepositoryImpl) ActivateSubscription(ctx context.Context, subscriptionID, paymentID uuid.UUID, gatewayPaymentID, signature string, paidAt time.Time) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "ActivateSubscription", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("subscription.id", subscriptionID.String()),
		attribute.String("payment.id", paymentID.String()),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "ActivateSubscription"), slog.String("subscriptionID", subscriptionID.String()))

	tx, err := r.pgpool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Begin transaction failed")
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			r.logger.ErrorContext(ctx, "Failed to rollback transaction", slog.Any("error", rollbackErr))
		}
	}()

	paymentUpdate := `
        UPDATE payments
        SET status = $1, gateway_payment_id = $2, gateway_signature = $3, paid_at = $4
        WHERE id = $5 AND status = 'PENDING'`
	cmd, err := tx.Exec(ctx, paymentUpdate, types.PaymentSuccess, gatewayPaymentID, signature, paidAt, paymentID)
	if err != nil {
		l.ErrorContext(ctx, "Failed to mark payment success", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Payment UPDATE failed")
		return fmt.Errorf("database error completing payment: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "Pending payment not found")
		return fmt.Errorf("pending payment %s: %w", paymentID, types.ErrNotFound)
	}

	subUpdate := `
        UPDATE subscriptions
        SET status = $1, updated_at = $2
        WHERE id = $3 AND status = 'TRIAL'`
	cmd, err = tx.Exec(ctx, subUpdate, types.SubscriptionActive, paidAt, subscriptionID)
	if err != nil {
		l.ErrorContext(ctx, "Failed to activate subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Subscription UPDATE failed")
		return fmt.Errorf("database error activating subscription: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		// Not in TRIAL: rolls back the payment write too, keeping the
		// pair consistent.
		span.SetStatus(codes.Error, "Subscription not in TRIAL")
		return fmt.Errorf("subscription %s is not awaiting activation: %w", subscriptionID, types.ErrConflict)
	}

	if err = tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Commit transaction failed")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	l.InfoContext(ctx, "Subscription activated")
	span.SetStatus(codes.Ok, "Subscription activated")
	return nil
}

func (r *RepositoryImpl) ListDueForExpiry(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "ListDueForExpiry", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "subscriptions"),
	))
	defer span.End()

	query := `
        SELECT id
        FROM subscriptions
        WHERE status IN ('ACTIVE', 'TRIAL') AND end_date < $1`

	rows, err := r.pgpool.Query(ctx, query, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query due subscriptions", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB query failed")
		return nil, fmt.Errorf("database error listing due subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("database error scanning subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error reading due subscriptions: %w", err)
	}

	span.SetStatus(codes.Ok, "Due subscriptions listed")
	return ids, nil
}

func (r *RepositoryImpl) MarkExpired(ctx context.Context, subscriptionID uuid.UUID, now time.Time) (bool, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "MarkExpired", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("subscription.id", subscriptionID.String()),
	))
	defer span.End()

	query := `
        UPDATE subscriptions
        SET status = $1, updated_at = $2
        WHERE id = $3 AND status IN ('ACTIVE', 'TRIAL')`

	cmd, err := r.pgpool.Exec(ctx, query, types.SubscriptionExpired, now, subscriptionID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to expire subscription", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPDATE failed")
		return false, fmt.Errorf("database error expiring subscription: %w", err)
	}

	span.SetStatus(codes.Ok, "Expiry applied")
	return cmd.RowsAffected() > 0, nil
}

func (r *RepositoryImpl) scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.Status,
		&s.StartDate,
		&s.EndDate,
		&s.AutoRenew,
		&s.GatewayOrderID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
