package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/elonfeng/theangle/internal/store"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	// ErrNotConfigured is returned when the secret key or price is missing.
	ErrNotConfigured = errors.New("stripe not configured")
	// ErrInvalidSignature is returned for webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Config holds Stripe credentials. APIURL overrides the API endpoint.
type Config struct {
	SecretKey     string
	PriceID       string
	WebhookSecret string
	APIURL        string
}

// Client creates subscription checkouts and verifies webhook events.
type Client struct {
	sessions      *session.Client
	priceID       string
	webhookSecret string
}

// New creates a billing client. A client without a secret key or price is
// valid but every checkout fails with ErrNotConfigured.
func New(cfg Config) *Client {
	c := &Client{priceID: cfg.PriceID, webhookSecret: cfg.WebhookSecret}
	if cfg.SecretKey == "" || cfg.PriceID == "" {
		return c
	}

	var backendCfg stripe.BackendConfig
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backendCfg.MaxNetworkRetries = stripe.Int64(0)
	c.sessions = &session.Client{
		B:   stripe.GetBackendWithConfig(stripe.APIBackend, &backendCfg),
		Key: cfg.SecretKey,
	}
	return c
}

// Configured reports whether checkouts can be created.
func (c *Client) Configured() bool { return c.sessions != nil }

// CheckoutRequest describes a subscription checkout for one user.
type CheckoutRequest struct {
	UserID     int64
	Email      string
	SuccessURL string
	CancelURL  string
}

// Checkout creates a subscription-mode checkout session and returns its URL.
func (c *Client) Checkout(ctx context.Context, req CheckoutRequest) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(c.priceID), Quantity: stripe.Int64(1)},
		},
		CustomerEmail:     stripe.String(req.Email),
		ClientReferenceID: stripe.String(strconv.FormatInt(req.UserID, 10)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
	}
	params.Context = ctx

	s, err := c.sessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return s.URL, nil
}

// EventKind is the subscription change carried by a webhook event.
type EventKind int

const (
	EventIgnored EventKind = iota
	EventActivated
	EventCancelled
)

// Event is a verified webhook event reduced to what the store needs.
type Event struct {
	Kind           EventKind
	UserID         int64
	Email          string
	CustomerID     string
	SubscriptionID string
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
// Event types other than completed checkouts and deleted subscriptions come
// back as EventIgnored.
func (c *Client) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if c.webhookSecret == "" {
		return nil, ErrNotConfigured
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch ev.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		out := &Event{Kind: EventActivated, Email: cs.CustomerEmail}
		if cs.CustomerDetails != nil && out.Email == "" {
			out.Email = cs.CustomerDetails.Email
		}
		if cs.Customer != nil {
			out.CustomerID = cs.Customer.ID
		}
		if cs.Subscription != nil {
			out.SubscriptionID = cs.Subscription.ID
		}
		if id, err := strconv.ParseInt(cs.ClientReferenceID, 10, 64); err == nil {
			out.UserID = id
		}
		return out, nil

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		out := &Event{Kind: EventCancelled, SubscriptionID: sub.ID}
		if sub.Customer != nil {
			out.CustomerID = sub.Customer.ID
		}
		return out, nil
	}

	return &Event{Kind: EventIgnored}, nil
}

// Apply writes the subscription change to the owning user. Activation finds
// the user by id, falling back to email; cancellation finds the user by
// subscription id.
func Apply(ctx context.Context, q store.Queries, ev *Event) error {
	switch ev.Kind {
	case EventActivated:
		userID := ev.UserID
		if userID <= 0 {
			u, err := q.GetUserByEmail(ctx, ev.Email)
			if err != nil {
				return fmt.Errorf("activate subscription: %w", err)
			}
			userID = u.ID
		}
		return q.SetSubscription(ctx, userID, store.Subscription{
			CustomerID:     ev.CustomerID,
			SubscriptionID: ev.SubscriptionID,
			Active:         true,
		})

	case EventCancelled:
		u, err := q.GetUserBySubscriptionID(ctx, ev.SubscriptionID)
		if err != nil {
			return fmt.Errorf("cancel subscription: %w", err)
		}
		return q.SetSubscription(ctx, u.ID, store.Subscription{Active: false})
	}
	return nil
}
