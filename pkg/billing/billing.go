// Package billing integrates Stripe subscriptions with account tiers.
// It is the only writer of an account's tier; the run lifecycle core
// only reads the tier at submission time.
package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v75"
	portalsession "github.com/stripe/stripe-go/v75/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v75/checkout/session"
	"github.com/stripe/stripe-go/v75/customer"
	"github.com/stripe/stripe-go/v75/subscription"
	"github.com/stripe/stripe-go/v75/webhook"

	"github.com/loadpulse/loadpulse/pkg/config"
	"github.com/loadpulse/loadpulse/pkg/store"
	"github.com/loadpulse/loadpulse/pkg/tier"
)

// Subscription statuses persisted on the account.
const (
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// Service handles checkout, portal and webhook flows.
type Service struct {
	log   logrus.FieldLogger
	cfg   *config.BillingConfig
	store store.Store

	// retrieveSubscription is swappable in tests.
	retrieveSubscription func(id string) (*stripe.Subscription, error)
}

// NewService creates the billing service and sets the Stripe API key.
func NewService(
	log logrus.FieldLogger,
	cfg *config.BillingConfig,
	st store.Store,
) *Service {
	stripe.Key = cfg.StripeSecretKey

	return &Service{
		log:   log.WithField("component", "billing"),
		cfg:   cfg,
		store: st,
		retrieveSubscription: func(id string) (*stripe.Subscription, error) {
			return subscription.Get(id, nil)
		},
	}
}

// TierForPrice maps a Stripe price id to a tier via the configured
// mapping. Unknown prices fall back to free.
func (s *Service) TierForPrice(priceID string) tier.Tier {
	if t, ok := s.cfg.PriceTiers[priceID]; ok {
		return tier.Tier(t)
	}

	return tier.Free
}

// CheckoutURL creates a Stripe Checkout session for upgrading the
// account to the plan behind priceID, creating the Stripe customer
// first if the account has none.
func (s *Service) CheckoutURL(
	ctx context.Context, account *store.Account, priceID string,
) (string, error) {
	if _, ok := s.cfg.PriceTiers[priceID]; !ok {
		return "", fmt.Errorf("unknown price id %q", priceID)
	}

	customerID := account.StripeCustomerID

	if customerID == "" {
		params := &stripe.CustomerParams{
			Email: stripe.String(account.Email),
			Metadata: map[string]string{
				"account_id": account.ID,
			},
		}

		c, err := customer.New(params)
		if err != nil {
			return "", fmt.Errorf("creating stripe customer: %w", err)
		}

		customerID = c.ID
		account.StripeCustomerID = customerID

		if err := s.store.UpdateAccount(ctx, account); err != nil {
			return "", fmt.Errorf("saving stripe customer id: %w", err)
		}
	}

	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(customerID),
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"account_id": account.ID,
			},
		},
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("creating checkout session: %w", err)
	}

	return sess.URL, nil
}

// PortalURL creates a Stripe billing portal session for the account.
func (s *Service) PortalURL(
	_ context.Context, account *store.Account,
) (string, error) {
	if account.StripeCustomerID == "" {
		return "", fmt.Errorf("account has no billing customer")
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(account.StripeCustomerID),
		ReturnURL: stripe.String(s.cfg.PortalReturnURL),
	}

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("creating portal session: %w", err)
	}

	return sess.URL, nil
}

// VerifyAndHandle validates the webhook signature and applies the
// event.
func (s *Service) VerifyAndHandle(
	ctx context.Context, payload []byte, sigHeader string,
) error {
	event, err := webhook.ConstructEvent(
		payload, sigHeader, s.cfg.WebhookSecret,
	)
	if err != nil {
		return fmt.Errorf("verifying webhook signature: %w", err)
	}

	return s.HandleEvent(ctx, event)
}

// HandleEvent applies a verified Stripe event to account state.
// Unhandled event types are ignored.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return s.handlePaymentFailed(ctx, event)
	}

	s.log.WithField("type", event.Type).Debug("Ignoring webhook event")

	return nil
}

func (s *Service) handleCheckoutCompleted(
	ctx context.Context, event stripe.Event,
) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("parsing checkout session: %w", err)
	}

	if sess.Mode != stripe.CheckoutSessionModeSubscription ||
		sess.Customer == nil || sess.Subscription == nil {
		return nil
	}

	sub, err := s.retrieveSubscription(sess.Subscription.ID)
	if err != nil {
		return fmt.Errorf("retrieving subscription: %w", err)
	}

	return s.applyTier(
		ctx, sess.Customer.ID, priceOf(sub), StatusActive,
	)
}

func (s *Service) handleSubscriptionUpdated(
	ctx context.Context, event stripe.Event,
) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("parsing subscription: %w", err)
	}

	if sub.Customer == nil {
		return nil
	}

	status := StatusCanceled

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		status = StatusActive
	case stripe.SubscriptionStatusPastDue:
		status = StatusPastDue
	}

	return s.applyTier(ctx, sub.Customer.ID, priceOf(&sub), status)
}

func (s *Service) handleSubscriptionDeleted(
	ctx context.Context, event stripe.Event,
) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("parsing subscription: %w", err)
	}

	if sub.Customer == nil {
		return nil
	}

	account, err := s.store.GetAccountByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return fmt.Errorf("resolving account for customer: %w", err)
	}

	account.Tier = string(tier.Free)
	account.SubscriptionStatus = StatusCanceled

	if err := s.store.UpdateAccount(ctx, account); err != nil {
		return fmt.Errorf("reverting account to free: %w", err)
	}

	s.log.WithField("account", account.ID).
		Info("Subscription deleted, account reverted to free")

	return nil
}

func (s *Service) handlePaymentFailed(
	ctx context.Context, event stripe.Event,
) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("parsing invoice: %w", err)
	}

	if invoice.Customer == nil {
		return nil
	}

	account, err := s.store.GetAccountByStripeCustomer(
		ctx, invoice.Customer.ID,
	)
	if err != nil {
		return fmt.Errorf("resolving account for customer: %w", err)
	}

	account.SubscriptionStatus = StatusPastDue

	if err := s.store.UpdateAccount(ctx, account); err != nil {
		return fmt.Errorf("marking account past due: %w", err)
	}

	return nil
}

// applyTier resolves the account behind a Stripe customer and updates
// its tier and subscription status.
func (s *Service) applyTier(
	ctx context.Context, customerID, priceID, status string,
) error {
	account, err := s.store.GetAccountByStripeCustomer(ctx, customerID)
	if err != nil {
		return fmt.Errorf("resolving account for customer: %w", err)
	}

	account.Tier = string(s.TierForPrice(priceID))
	account.SubscriptionStatus = status

	if err := s.store.UpdateAccount(ctx, account); err != nil {
		return fmt.Errorf("updating account tier: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"account": account.ID,
		"tier":    account.Tier,
		"status":  status,
	}).Info("Account tier updated from billing event")

	return nil
}

// priceOf returns the price id of the subscription's first item.
func priceOf(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 ||
		sub.Items.Data[0].Price == nil {
		return ""
	}

	return sub.Items.Data[0].Price.ID
}
