package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingeventdomain "github.com/smallbiznis/creditguard/internal/billingevent/domain"
)

// maxWebhookBody caps provider deliveries; real payloads are a few KB.
const maxWebhookBody = 1 << 20

const defaultSignatureHeader = "X-Signature"

// BillingWebhook hands the raw body to the reconciler. Signatures are
// computed over the exact bytes, so the body is never re-encoded.
func (s *Server) BillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(payload) > maxWebhookBody {
		AbortWithError(c, newValidationError("body", "too_large", "payload too large"))
		return
	}

	header := strings.TrimSpace(s.cfg.Webhook.SignatureHeader)
	if header == "" {
		header = defaultSignatureHeader
	}

	result, err := s.reconciler.Handle(c.Request.Context(), payload, c.GetHeader(header))
	if err != nil {
		if errors.Is(err, billingeventdomain.ErrSignatureInvalid) || errors.Is(err, billingeventdomain.ErrSignatureMissing) {
			c.Set("deny_reason", "signature_invalid")
		}
		AbortWithError(c, err)
		return
	}

	if result.Outcome == billingeventdomain.OutcomeDuplicate {
		c.Set("deny_reason", "duplicate_event")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": errorPayload{
				Type:    "duplicate_event",
				Message: "event already processed",
			},
			"event_id": result.EventID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"event_id": result.EventID,
		"outcome":  result.Outcome,
	})
}
