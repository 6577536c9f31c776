package api

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxWebhookBody bounds Stripe webhook payloads.
const maxWebhookBody = 1 << 20

type checkoutRequest struct {
	PriceID string `json:"price_id"`
}

// handleBillingCheckout returns a Stripe Checkout URL for upgrading
// the caller's account.
func (s *server) handleBillingCheckout(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil {
		writeJSON(w, http.StatusNotImplemented,
			errorResponse{"billing is not enabled"})

		return
	}

	account := accountFromContext(r.Context())

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PriceID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"price_id is required"})

		return
	}

	url, err := s.billing.CheckoutURL(r.Context(), account, req.PriceID)
	if err != nil {
		s.log.WithError(err).Error("Failed to create checkout session")
		writeJSON(w, http.StatusBadGateway,
			errorResponse{"failed to create checkout session"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleBillingPortal returns a Stripe billing portal URL for the
// caller's account.
func (s *server) handleBillingPortal(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil {
		writeJSON(w, http.StatusNotImplemented,
			errorResponse{"billing is not enabled"})

		return
	}

	account := accountFromContext(r.Context())

	url, err := s.billing.PortalURL(r.Context(), account)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"account has no billing customer"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleBillingWebhook receives Stripe webhook events. The signature
// header is verified before any state is touched.
func (s *server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil {
		writeJSON(w, http.StatusNotImplemented,
			errorResponse{"billing is not enabled"})

		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"failed to read request body"})

		return
	}

	sig := r.Header.Get("Stripe-Signature")

	if err := s.billing.VerifyAndHandle(r.Context(), payload, sig); err != nil {
		s.log.WithError(err).Warn("Rejected billing webhook")
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"webhook verification failed"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
