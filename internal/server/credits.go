package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creditguard/internal/ledger/domain"
	operationdomain "github.com/smallbiznis/creditguard/internal/operation/domain"
	plandomain "github.com/smallbiznis/creditguard/internal/plan/domain"
	quotadomain "github.com/smallbiznis/creditguard/internal/quota/domain"
	"github.com/smallbiznis/creditguard/pkg/telemetry/correlation"
)

type operationRequest struct {
	OperationType string `json:"operation_type"`
	Quantity      int    `json:"quantity"`
	CorrelationID string `json:"correlation_id"`
	BatchID       string `json:"batch_id"`
}

func (r operationRequest) operationType() (plandomain.OperationType, error) {
	op := plandomain.OperationType(strings.TrimSpace(r.OperationType))
	if op == "" {
		op = plandomain.OperationSingle
	}
	if !op.Valid() {
		return "", plandomain.ErrUnknownOperation
	}
	return op, nil
}

type deductResponse struct {
	Success          bool   `json:"success"`
	TransactionID    string `json:"transaction_id"`
	CorrelationID    string `json:"correlation_id"`
	Cost             int64  `json:"cost"`
	RemainingBalance int64  `json:"remaining_balance"`
	Duplicate        bool   `json:"duplicate"`
}

// AuthorizeOperation is the read-only pre-check. A denial renders 402 with
// the full decision so the client can tell "upgrade" from "wait".
func (s *Server) AuthorizeOperation(c *gin.Context) {
	ident, err := subscriberFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	op, err := req.operationType()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	decision, err := s.quotaSvc.Authorize(c.Request.Context(), quotadomain.AuthorizeRequest{
		SubscriberID:  ident.SubscriberID,
		OperationType: op,
		Quantity:      req.Quantity,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if !decision.Allowed {
		respondDenied(c, decision)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// DeductOperation charges one completed operation. The quota pre-check runs
// first; the executor then debits the ledger and records usage.
func (s *Server) DeductOperation(c *gin.Context) {
	ident, err := subscriberFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	op, err := req.operationType()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	authReq := quotadomain.AuthorizeRequest{
		SubscriberID:  ident.SubscriberID,
		OperationType: op,
		Quantity:      req.Quantity,
	}

	// A retry of an operation that was already charged must get its
	// duplicate result even when that charge used up the daily cap.
	charged, err := s.ledger.FindCharge(ctx, ident.SubscriberID, req.CorrelationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if charged == nil {
		decision, err := s.quotaSvc.Authorize(ctx, authReq)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !decision.Allowed {
			respondDenied(c, decision)
			return
		}
	}

	// The correlation id keys the journal row, so a replayed request with
	// the same id is charged once.
	ctx = correlation.ContextWithCorrelationID(ctx, req.CorrelationID)
	ctx, cid := correlation.EnsureCorrelationID(ctx)
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	result, err := s.executor.Execute(ctx, operationdomain.Request{
		Type:          operationdomain.TypeDeduct,
		SubscriberID:  ident.SubscriberID,
		CorrelationID: cid,
		OperationType: op,
		Quantity:      quantity,
		BatchID:       strings.TrimSpace(req.BatchID),
	})
	if errors.Is(err, ledgerdomain.ErrInsufficientBalance) {
		// Another request spent the balance between the pre-check and the
		// debit.
		if fresh, ferr := s.quotaSvc.Authorize(ctx, authReq); ferr == nil {
			fresh.Allowed = false
			fresh.Reason = quotadomain.ReasonInsufficientBalance
			respondDenied(c, fresh)
			return
		}
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, deductResponse{
		Success:          result.Success,
		TransactionID:    result.TransactionID,
		CorrelationID:    cid,
		Cost:             result.Amount,
		RemainingBalance: result.RemainingBalance,
		Duplicate:        result.Duplicate,
	})
}

type transactionsQuery struct {
	Limit int `form:"limit"`
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
	ident, err := subscriberFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query transactionsQuery
	if err := c.ShouldBindQuery(&query); err != nil || query.Limit < 0 {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	txns, err := s.ledger.History(c.Request.Context(), ident.SubscriberID, query.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": txns})
}

func (s *Server) GetCreditInfo(c *gin.Context) {
	ident, err := subscriberFrom(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	info, err := s.quotaSvc.CreditInfo(c.Request.Context(), ident.SubscriberID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// deniedResponse flattens the decision next to the error so denials and
// approvals share one shape.
type deniedResponse struct {
	quotadomain.Decision
	Error errorPayload `json:"error"`
}

func respondDenied(c *gin.Context, decision quotadomain.Decision) {
	c.Set("deny_reason", string(decision.Reason))
	message := "insufficient credits"
	if decision.Reason == quotadomain.ReasonQuotaExceeded {
		message = "daily operation limit reached"
	}
	c.JSON(http.StatusPaymentRequired, deniedResponse{
		Error: errorPayload{
			Type:    string(decision.Reason),
			Message: message,
		},
		Decision: decision,
	})
}
