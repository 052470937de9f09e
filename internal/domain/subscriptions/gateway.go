package subscriptions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskforge/taskforge-api/internal/types"
)

// PaymentGateway is the external payment collaborator. Order creation
// crosses a network boundary and is fallible; it is never retried here,
// the caller resubmits CreateSubscription instead.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount float64, currency, receipt string) (*types.PaymentOrder, error)
	VerifySignature(orderID, paymentID, signature string) bool
}

// HTTPGateway talks to a razorpay-style provider: orders are created via
// an authenticated POST, payment callbacks are verified with an
// HMAC-SHA256 signature over "orderID|paymentID".
type HTTPGateway struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
	logger    *slog.Logger
}

func NewHTTPGateway(baseURL, keyID, keySecret string, logger *slog.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: keySecret,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

type orderRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Receipt  string  `json:"receipt"`
}

func (g *HTTPGateway) CreateOrder(ctx context.Context, amount float64, currency, receipt string) (*types.PaymentOrder, error) {
	body, err := json.Marshal(orderRequest{Amount: amount, Currency: currency, Receipt: receipt})
	if err != nil {
		return nil, fmt.Errorf("failed to encode order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.keyID, g.keySecret)

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Error("gateway order request failed", slog.Any("error", err))
		return nil, fmt.Errorf("gateway order request failed: %w", types.ErrGateway)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		g.logger.Error("gateway rejected order", slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("gateway returned status %d: %w", resp.StatusCode, types.ErrGateway)
	}

	var order types.PaymentOrder
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("failed to decode gateway order: %w", types.ErrGateway)
	}
	return &order, nil
}

func (g *HTTPGateway) VerifySignature(orderID, paymentID, signature string) bool {
	mac := hmac.New(sha256.New, []byte(g.keySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
