// Package payments wraps the Stripe SDK for the billing provider half of
// the control plane: verifying webhook signatures and translating Stripe
// subscription/invoice events into tier transitions.
package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"apex-control-plane/internal/store"
)

// Common errors
var (
	ErrInvalidWebhook = errors.New("invalid webhook signature")
	ErrUnhandledEvent = errors.New("unhandled webhook event type")
)

// StripeService verifies and decodes Stripe webhook payloads.
type StripeService struct {
	webhookSecret string
}

// TierEvent is the tier transition extracted from a Stripe webhook.
type TierEvent struct {
	Type           string
	CustomerID     string
	SubscriptionID string
	Tier           store.Tier
	TierStatus     store.TierStatus
	PriceID        string
	IsAddOnPack    bool
	PeriodEnd      time.Time
}

// NewStripeService creates a Stripe webhook decoder bound to the given
// signing secret. secretKey configures the package-global Stripe API key,
// used only if a future handler needs to call back into Stripe (none do today).
func NewStripeService(secretKey, webhookSecret string) *StripeService {
	stripe.Key = secretKey
	return &StripeService{webhookSecret: webhookSecret}
}

// HandleWebhook verifies the signature and extracts a tier transition, if
// the event type is one the scheduler cares about.
func (s *StripeService) HandleWebhook(payload []byte, signature string) (*TierEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return nil, ErrInvalidWebhook
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return s.subscriptionEvent(event)
	case "customer.subscription.deleted":
		return s.cancellationEvent(event)
	case "invoice.payment_failed":
		return s.pastDueEvent(event)
	case "invoice.paid":
		return s.addOnPackEvent(event)
	default:
		return nil, ErrUnhandledEvent
	}
}

func (s *StripeService) subscriptionEvent(event stripe.Event) (*TierEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("parse subscription: %w", err)
	}

	te := &TierEvent{
		Type:           string(event.Type),
		CustomerID:     sub.Customer.ID,
		SubscriptionID: sub.ID,
		TierStatus:     mapSubscriptionStatus(sub.Status),
		PeriodEnd:      time.Unix(sub.CurrentPeriodEnd, 0),
	}
	if len(sub.Items.Data) > 0 {
		te.PriceID = sub.Items.Data[0].Price.ID
		te.Tier = GetTierByPriceID(te.PriceID)
	}
	return te, nil
}

func (s *StripeService) cancellationEvent(event stripe.Event) (*TierEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("parse subscription: %w", err)
	}
	return &TierEvent{
		Type:           string(event.Type),
		CustomerID:     sub.Customer.ID,
		SubscriptionID: sub.ID,
		Tier:           store.TierFree,
		TierStatus:     store.TierStatusCanceled,
	}, nil
}

func (s *StripeService) pastDueEvent(event stripe.Event) (*TierEvent, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("parse invoice: %w", err)
	}
	return &TierEvent{
		Type:           string(event.Type),
		CustomerID:     inv.Customer.ID,
		SubscriptionID: string(inv.Subscription.ID),
		TierStatus:     store.TierStatusPastDue,
	}, nil
}

// addOnPackEvent handles a one-off invoice paid for the add-on pack product,
// distinguished from the recurring subscription invoice by price ID.
func (s *StripeService) addOnPackEvent(event stripe.Event) (*TierEvent, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("parse invoice: %w", err)
	}

	var priceID string
	if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Price != nil {
		priceID = inv.Lines.Data[0].Price.ID
	}
	if !IsAddOnPackPriceID(priceID) {
		return nil, ErrUnhandledEvent
	}

	return &TierEvent{
		Type:        string(event.Type),
		CustomerID:  inv.Customer.ID,
		PriceID:     priceID,
		IsAddOnPack: true,
	}, nil
}

func mapSubscriptionStatus(status stripe.SubscriptionStatus) store.TierStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return store.TierStatusActive
	case stripe.SubscriptionStatusPastDue:
		return store.TierStatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired, stripe.SubscriptionStatusUnpaid:
		return store.TierStatusCanceled
	default:
		return store.TierStatusPastDue
	}
}
