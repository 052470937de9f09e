//revive:disable-next-line:var-naming
package types

import (
	"time"

	"github.com/google/uuid"
)

// BillingCycle is the plan's billing period.
type BillingCycle string

const (
	BillingMonthly BillingCycle = "MONTHLY"
	BillingYearly  BillingCycle = "YEARLY"
)

type Plan struct {
	ID           uuid.UUID    `json:"id"`
	Name         string       `json:"name"`
	Price        float64      `json:"price"`
	Currency     string       `json:"currency"`
	BillingCycle BillingCycle `json:"billing_cycle"`
	Active       bool         `json:"active"`
	CreatedAt    time.Time    `json:"created_at"`
}

// SubscriptionStatus is the stored lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionTrial     SubscriptionStatus = "TRIAL"
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
	SubscriptionSuspended SubscriptionStatus = "SUSPENDED"
)

// Subscription is one user's relationship to one plan over one billing
// period.
type Subscription struct {
	ID             uuid.UUID          `json:"id"`
	UserID         uuid.UUID          `json:"user_id"`
	PlanID         uuid.UUID          `json:"plan_id"`
	Status         SubscriptionStatus `json:"status"`
	StartDate      time.Time          `json:"start_date"`
	EndDate        time.Time          `json:"end_date"`
	AutoRenew      bool               `json:"auto_renew"`
	GatewayOrderID *string            `json:"gateway_order_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      *time.Time         `json:"updated_at,omitempty"`
}

// IsActive reports whether the subscription currently entitles the user:
// ACTIVE or TRIAL.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrial
}

// IsExpiredAt reports whether the billing period has lapsed, independent
// of the stored status. Lets callers detect expiry before the sweep runs.
func (s *Subscription) IsExpiredAt(now time.Time) bool {
	return now.After(s.EndDate)
}

// PaymentStatus is the state of one payment attempt.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Payment is one attempt to pay for one subscription. A subscription may
// accumulate several attempts; only the one whose gateway signature
// verifies activates it.
type Payment struct {
	ID               uuid.UUID     `json:"id"`
	SubscriptionID   uuid.UUID     `json:"subscription_id"`
	GatewayOrderID   string        `json:"gateway_order_id"`
	GatewayPaymentID *string       `json:"gateway_payment_id,omitempty"`
	GatewaySignature *string       `json:"-"`
	Amount           float64       `json:"amount"`
	Currency         string        `json:"currency"`
	Status           PaymentStatus `json:"status"`
	FailureReason    *string       `json:"failure_reason,omitempty"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// PaymentOrder is the order handle returned by the payment gateway.
type PaymentOrder struct {
	ID       string  `json:"id"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}
