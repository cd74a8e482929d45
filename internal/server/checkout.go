package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingprovider "github.com/smallbiznis/creditguard/internal/providers/billing"
)

type checkoutRequest struct {
	PlanCode string `json:"plan_code"`
}

type checkoutResponse struct {
	CheckoutID  string `json:"checkout_id"`
	CheckoutURL string `json:"checkout_url"`
	PlanCode    string `json:"plan_code"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	ident, err := subscriberFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	planCode := strings.TrimSpace(req.PlanCode)
	if planCode == "" {
		AbortWithError(c, newValidationError("plan_code", "required", "plan_code is required"))
		return
	}
	if s.checkout == nil {
		AbortWithError(c, billingprovider.ErrNotConfigured)
		return
	}

	session, err := s.checkout.CreateCheckout(c.Request.Context(), billingprovider.CheckoutRequest{
		SubscriberID: ident.SubscriberID,
		Email:        ident.Email,
		PlanCode:     planCode,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, checkoutResponse{
		CheckoutID:  session.ID,
		CheckoutURL: session.URL,
		PlanCode:    session.PlanCode,
	})
}
