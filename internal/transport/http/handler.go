package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mkaran/loyalty-service/internal/model"
	"github.com/mkaran/loyalty-service/internal/repo"
	"github.com/mkaran/loyalty-service/internal/report"
	"github.com/mkaran/loyalty-service/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.LedgerService, rep *report.Reporter) {
	v1 := r.Group("/v1")
	{
		v1.POST("/customers/:id/earn", earnHandler(svc))
		v1.POST("/customers/:id/redeem", redeemHandler(svc))
		v1.POST("/customers/:id/adjust", adjustHandler(svc))
		v1.POST("/transactions/:id/reverse", reverseHandler(svc))
		v1.POST("/ledger/expire", expireHandler(svc))
		v1.GET("/customers/:id/balance", balanceHandler(svc))
		v1.GET("/customers/:id/balance/value", balanceValueHandler(svc))
		v1.GET("/customers/:id/balance/breakdown", breakdownHandler(svc))
		v1.GET("/customers/:id/history", historyHandler(svc))
		v1.GET("/customers/:id/report/summary", summaryHandler(rep))
		v1.GET("/customers/:id/report/trend", trendHandler(rep))
	}
}

// transactionView is the transport representation of a ledger row. Mapping
// is explicit and defined once, here.
type transactionView struct {
	ID            uint64                 `json:"id"`
	CustomerID    uint64                 `json:"customer_id"`
	UserID        *uint64                `json:"user_id,omitempty"`
	Type          string                 `json:"type"`
	Direction     string                 `json:"direction"`
	Points        int64                  `json:"points"`
	PointsValue   string                 `json:"points_value"`
	ReferenceType *string                `json:"reference_type,omitempty"`
	ReferenceID   *uint64                `json:"reference_id,omitempty"`
	Description   string                 `json:"description,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	Status        string                 `json:"status"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	ReversedAt     *time.Time             `json:"reversed_at,omitempty"`
	ReversedBy     *uint64                `json:"reversed_by,omitempty"`
	ReversalReason string                 `json:"reversal_reason,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

func toView(t *model.LoyaltyTransaction) transactionView {
	return transactionView{
		ID:            t.ID,
		CustomerID:    t.CustomerID,
		UserID:        t.UserID,
		Type:          t.Type,
		Direction:     t.Direction,
		Points:        t.Points,
		PointsValue:   t.PointsValue.String(),
		ReferenceType: t.ReferenceType,
		ReferenceID:   t.ReferenceID,
		Description:   t.Description,
		Reason:        t.Reason,
		Status:        t.Status,
		ExpiresAt:      t.ExpiresAt,
		ReversedAt:     t.ReversedAt,
		ReversedBy:     t.ReversedBy,
		ReversalReason: t.ReversalReason,
		Metadata:       t.Metadata,
		CreatedAt:      t.CreatedAt,
	}
}

type recordReq struct {
	Points        int64                  `json:"points" binding:"required"`
	UserID        *uint64                `json:"user_id"`
	ReferenceType *string                `json:"reference_type"`
	ReferenceID   *uint64                `json:"reference_id"`
	Description   string                 `json:"description"`
	Reason        string                 `json:"reason"`
	Direction      string                 `json:"direction"`
	ExpiresAt      *time.Time             `json:"expires_at"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Metadata       map[string]interface{} `json:"metadata"`
}

func (r recordReq) options() service.RecordOptions {
	return service.RecordOptions{
		UserID:         r.UserID,
		ReferenceType:  r.ReferenceType,
		ReferenceID:    r.ReferenceID,
		Description:    r.Description,
		Reason:         r.Reason,
		Direction:      r.Direction,
		ExpiresAt:      r.ExpiresAt,
		IdempotencyKey: r.IdempotencyKey,
		Metadata:       r.Metadata,
	}
}

// pathID parses the :id path segment. On failure it writes a 400 and
// reports false; every handler must return without touching the service.
func pathID(c *gin.Context, what string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " id"})
		return 0, false
	}
	return id, true
}

func recordHandler(svc *service.LedgerService, txType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		customerID, ok := pathID(c, "customer")
		if !ok {
			return
		}
		tx, err := svc.Record(c, customerID, txType, req.Points, req.options())
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toView(tx))
	}
}

func earnHandler(svc *service.LedgerService) gin.HandlerFunc {
	return recordHandler(svc, model.TypeEarn)
}

func redeemHandler(svc *service.LedgerService) gin.HandlerFunc {
	return recordHandler(svc, model.TypeRedeem)
}

func adjustHandler(svc *service.LedgerService) gin.HandlerFunc {
	return recordHandler(svc, model.TypeAdjust)
}

type reverseReq struct {
	ActorID uint64 `json:"actor_id" binding:"required"`
	Reason  string `json:"reason"`
}

func reverseHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reverseReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		txID, ok := pathID(c, "transaction")
		if !ok {
			return
		}
		ok, err := svc.Reverse(c, txID, req.ActorID, req.Reason)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reversed": ok})
	}
}

type expireReq struct {
	AsOf *time.Time `json:"as_of"`
}

func expireHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req expireReq
		_ = c.ShouldBindJSON(&req)
		asOf := time.Now()
		if req.AsOf != nil {
			asOf = *req.AsOf
		}
		count, err := svc.ExpireDue(c, asOf)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "expired": count})
			return
		}
		c.JSON(http.StatusOK, gin.H{"expired": count})
	}
}

func balanceHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID, ok := pathID(c, "customer")
		if !ok {
			return
		}
		force := c.Query("force") == "true"
		bal, err := svc.Balance(c, customerID, force)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
	}
}

func balanceValueHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID, ok := pathID(c, "customer")
		if !ok {
			return
		}
		val, err := svc.BalanceValue(c, customerID)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"value": val.String()})
	}
}

func breakdownHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID, ok := pathID(c, "customer")
		if !ok {
			return
		}
		b, err := svc.AvailableVsPending(c, customerID)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, b)
	}
}

func historyHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID, ok := pathID(c, "customer")
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		sinceStr := c.DefaultQuery("since", time.Time{}.Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		txs, err := svc.History(c, customerID, limit, since)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		views := make([]transactionView, 0, len(txs))
		for i := range txs {
			views = append(views, toView(&txs[i]))
		}
		c.JSON(http.StatusOK, views)
	}
}

func summaryHandler(rep *report.Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID, ok := pathID(c, "customer")
		if !ok {
			return
		}
		s, err := rep.Summary(c, customerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func trendHandler(rep *report.Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID, ok := pathID(c, "customer")
		if !ok {
			return
		}
		months, _ := strconv.Atoi(c.DefaultQuery("months", "6"))
		trend, err := rep.MonthlyTrend(c, customerID, months)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, trend)
	}
}

// statusOf maps service errors to HTTP statuses. Validation problems are
// 400, balance and lifecycle refusals 409, lookups 404.
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrInsufficientBalance),
		errors.Is(err, service.ErrAlreadyReversed),
		errors.Is(err, service.ErrNotReversible),
		errors.Is(err, repo.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, repo.ErrCustomerNotFound),
		errors.Is(err, service.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidPoints),
		errors.Is(err, service.ErrUnknownType),
		errors.Is(err, service.ErrTypeNotRecordable),
		errors.Is(err, service.ErrInvalidDirection),
		errors.Is(err, service.ErrReasonRequired),
		errors.Is(err, service.ErrInvalidExpiry):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
