package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingeventdomain "github.com/smallbiznis/creditguard/internal/billingevent/domain"
	identitydomain "github.com/smallbiznis/creditguard/internal/identity/domain"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	operationdomain "github.com/smallbiznis/creditguard/internal/operation/domain"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	billingprovider "github.com/smallbiznis/creditguard/internal/providers/billing"
	subscriptiondomain "github.com/smallbiznis/creditguard/internal/subscription/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var providerErr *billingprovider.ProviderError
	if errors.As(err, &providerErr) {
		return mapProviderError(providerErr)
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, identitydomain.ErrMissingCredentials),
		errors.Is(err, identitydomain.ErrInvalidCredentials),
		errors.Is(err, billingeventdomain.ErrSignatureMissing),
		errors.Is(err, billingeventdomain.ErrSignatureInvalid):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, operationdomain.ErrHighRisk),
		errors.Is(err, operationdomain.ErrSourceNotAllowed):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, ledgerdomain.ErrConcurrencyConflict),
		errors.Is(err, operationdomain.ErrRetriesExhausted):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_balance",
			Message: "insufficient balance",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, billingprovider.ErrNotConfigured),
		errors.Is(err, billingeventdomain.ErrSecretMissing):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func mapProviderError(err *billingprovider.ProviderError) (int, errorPayload) {
	switch err.Kind {
	case billingprovider.KindRateLimited:
		return http.StatusTooManyRequests, errorPayload{
			Type:    "provider_rate_limited",
			Message: "billing provider is rate limiting requests",
		}
	case billingprovider.KindTimeout:
		return http.StatusGatewayTimeout, errorPayload{
			Type:    "provider_timeout",
			Message: "billing provider timed out",
		}
	default:
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_error",
			Message: "billing provider request failed",
		}
	}
}

// classifyErrorForLog feeds the request logger's error_type and error_code
// fields.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, plandomain.ErrUnknownOperation),
		errors.Is(err, plandomain.ErrInvalidQuantity),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscriber),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidSource),
		errors.Is(err, operationdomain.ErrInvalidOperation),
		errors.Is(err, operationdomain.ErrInvalidSubscriber),
		errors.Is(err, operationdomain.ErrAmountOutOfBounds),
		errors.Is(err, billingeventdomain.ErrInvalidPayload),
		errors.Is(err, billingeventdomain.ErrInvalidEvent),
		errors.Is(err, billingeventdomain.ErrMissingSubscriber),
		errors.Is(err, billingeventdomain.ErrUnknownVariant),
		errors.Is(err, billingprovider.ErrInvalidSubscriber),
		errors.Is(err, billingprovider.ErrPlanNotPurchasable):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, ledgerdomain.ErrLedgerNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// validationErrorCode uses the sentinel text, which is already a snake_case
// code, and drops any wrapped detail after the first colon.
func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrInvalidRequest,
		plandomain.ErrUnknownOperation,
		plandomain.ErrInvalidQuantity,
		subscriptiondomain.ErrInvalidSubscriber,
		ledgerdomain.ErrInvalidAmount,
		ledgerdomain.ErrInvalidSource,
		operationdomain.ErrInvalidOperation,
		operationdomain.ErrInvalidSubscriber,
		operationdomain.ErrAmountOutOfBounds,
		billingeventdomain.ErrInvalidPayload,
		billingeventdomain.ErrInvalidEvent,
		billingeventdomain.ErrMissingSubscriber,
		billingeventdomain.ErrUnknownVariant,
		billingprovider.ErrInvalidSubscriber,
		billingprovider.ErrPlanNotPurchasable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	code, _, _ := strings.Cut(err.Error(), ":")
	return code
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
