// Package payment предоставляет клиент платёжной системы Stripe Checkout и разбор её вебхуков.
package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"

	"github.com/mmeshcher/stellafill-shop/internal/model"
)

// DefaultAPIURL — адрес REST API Stripe.
const DefaultAPIURL = stripe.APIURL

// Client обращается к Stripe через официальный SDK.
type Client struct {
	api        *client.API
	successURL string
	cancelURL  string
}

// CheckoutParams описывает параметры создаваемой платёжной сессии.
type CheckoutParams struct {
	PlayerName  string
	Email       string
	Tier        model.TicketTier
	Amount      int64
	Description string
	Window      model.Window
}

// CheckoutSession описывает созданную платёжную сессию.
type CheckoutSession struct {
	ID  string
	URL string
}

// SessionStatus описывает состояние оплаты платёжной сессии.
type SessionStatus struct {
	SessionID string
	Paid      bool
	PaymentID string
}

// NewClient создаёт клиент Stripe. Адреса successURL и cancelURL строятся от baseSiteURL.
// Повторы запросов выключены: покупатель сам повторяет оформление, а сверку повторяет вебхук.
func NewClient(apiURL, secretKey, baseSiteURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	site := strings.TrimRight(baseSiteURL, "/")

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(strings.TrimRight(apiURL, "/")),
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		EnableTelemetry:   stripe.Bool(false),
		LeveledLogger:     logger.Named("stripe").Sugar(),
	})

	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	return &Client{
		api:        api,
		successURL: site + "/shop/success?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:  site + "/shop/cancel",
	}
}

// CreateCheckoutSession создаёт платёжную сессию на покупку одного билета.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems:          []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity:  stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String("jpy"),
					UnitAmount:  stripe.Int64(p.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(p.Description),
						Description: stripe.String(fmt.Sprintf(
							"プレイヤー: %s | 有効期間: %s から %s",
							p.PlayerName, formatLocal(p.Window.Start), formatLocal(p.Window.End),
						)),
					},
				},
			},
		},
		SuccessURL: stripe.String(c.successURL),
		CancelURL:  stripe.String(c.cancelURL),
	}
	if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}
	params.AddMetadata("playerName", p.PlayerName)
	params.AddMetadata("ticketType", string(p.Tier))
	params.AddMetadata("startTime", p.Window.Start.UTC().Format(time.RFC3339))
	params.AddMetadata("endTime", p.Window.End.UTC().Format(time.RFC3339))
	params.SetIdempotencyKey(uuid.NewString())
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if sess.ID == "" {
		return nil, fmt.Errorf("create checkout session: empty session id")
	}

	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// GetSessionStatus запрашивает актуальное состояние оплаты сессии.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("payment_intent")
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}

	st := &SessionStatus{
		SessionID: sess.ID,
		Paid:      sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}
	if sess.PaymentIntent != nil {
		st.PaymentID = sess.PaymentIntent.ID
	}
	return st, nil
}

// formatLocal форматирует момент в его собственном часовом поясе.
func formatLocal(t time.Time) string {
	return t.Format("2006/01/02 15:04")
}
