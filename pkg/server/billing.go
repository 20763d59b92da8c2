package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/elonfeng/theangle/internal/store"
	"github.com/elonfeng/theangle/pkg/billing"
	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 64 << 10

func dashboardRedirect(msg string) string {
	return "/dashboard?msg=" + url.QueryEscape(msg)
}

func (s *Server) handleCheckout(c *gin.Context) {
	user := currentUser(c)
	checkoutURL, err := s.billing.Checkout(c.Request.Context(), billing.CheckoutRequest{
		UserID:     user.ID,
		Email:      user.Email,
		SuccessURL: s.opts.BaseURL + "/billing/success",
		CancelURL:  s.opts.BaseURL + "/dashboard",
	})
	if err != nil {
		if errors.Is(err, billing.ErrNotConfigured) {
			c.Redirect(http.StatusSeeOther, dashboardRedirect("Stripe not configured"))
			return
		}
		s.logger.Error("create checkout", "user_id", user.ID, "error", err)
		c.Redirect(http.StatusSeeOther, dashboardRedirect("Checkout unavailable, try again later"))
		return
	}
	c.Redirect(http.StatusSeeOther, checkoutURL)
}

func (s *Server) handleCheckoutSuccess(c *gin.Context) {
	c.Redirect(http.StatusFound, dashboardRedirect("Payment received. Your subscription activates shortly"))
}

func (s *Server) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	ev, err := s.billing.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrNotConfigured) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhooks not configured"})
			return
		}
		s.logger.Warn("reject webhook", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
		return
	}

	ctx := c.Request.Context()
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		return billing.Apply(ctx, q, ev)
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Unknown customers are acknowledged so Stripe stops retrying.
		s.logger.Warn("webhook for unknown user", "subscription", ev.SubscriptionID, "email", ev.Email)
	case err != nil:
		s.dbError(c, "apply webhook", err)
		return
	case ev.Kind != billing.EventIgnored:
		s.logger.Info("subscription updated", "kind", ev.Kind, "user_id", ev.UserID, "subscription", ev.SubscriptionID)
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
