package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrSessionNotPaid = errors.New("checkout session is not paid")

// PaymentConfig holds the payment provider settings. An empty endpoint puts
// the client in dev mode, where every session verifies as paid.
type PaymentConfig struct {
	Endpoint       string
	SecretKey      string
	Timeout        time.Duration
	CreditsPerPack int
}

func PaymentConfigFromEnv() PaymentConfig {
	return PaymentConfig{
		Endpoint:       os.Getenv("PAYMENT_ENDPOINT"),
		SecretKey:      os.Getenv("PAYMENT_SECRET_KEY"),
		Timeout:        15 * time.Second,
		CreditsPerPack: 1,
	}
}

// CheckoutSession is the provider's view of a purchase. The provider is
// opaque: we only read the payment status and the credited quantity.
type CheckoutSession struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Paid     bool   `json:"paid"`
	Quantity int    `json:"quantity"`
}

// PaymentClient verifies checkout sessions against the payment provider.
// Verification is deliberately single-shot with no automatic retry: the
// caller re-submits the session id if the provider was unreachable, and
// credit granting is keyed on the session id so a retry never double-grants.
type PaymentClient struct {
	cfg   PaymentConfig
	httpc *http.Client
}

func NewPaymentClient(cfg PaymentConfig) *PaymentClient {
	return &PaymentClient{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
	}
}

// VerifySession fetches the checkout session and confirms it is paid.
func (c *PaymentClient) VerifySession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	if c.cfg.Endpoint == "" {
		log.Warn().Str("session_id", sessionID).Msg("payment endpoint not configured, treating session as paid")
		quantity := c.cfg.CreditsPerPack
		if quantity == 0 {
			quantity = 1
		}
		return &CheckoutSession{ID: sessionID, Status: "complete", Paid: true, Quantity: quantity}, nil
	}

	reqURL := fmt.Sprintf("%s/v1/checkout/sessions/%s", c.cfg.Endpoint, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session verification failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("checkout session %s not found", sessionID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment provider returned %d", resp.StatusCode)
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	if !session.Paid {
		return &session, ErrSessionNotPaid
	}
	return &session, nil
}
