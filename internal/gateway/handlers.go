package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/givecircle/coinescrow/internal/auth"
	"github.com/givecircle/coinescrow/internal/escrow"
	"github.com/givecircle/coinescrow/internal/ledger"
	"github.com/givecircle/coinescrow/internal/pagination"
	"github.com/givecircle/coinescrow/internal/validation"
)

// Handler provides HTTP endpoints for purchase requests.
type Handler struct {
	service *Service
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the purchase routes. Every route requires a token.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.Use(auth.RequireAuth())

	r.POST("/purchases", h.CreatePurchase)
	r.GET("/purchases/:id", validation.IDParamMiddleware("id"), h.GetPurchase)
	r.POST("/purchases/:id/mark-paid", validation.IDParamMiddleware("id"), h.MarkPaid)
	r.POST("/purchases/:id/confirm", validation.IDParamMiddleware("id"), h.ConfirmPurchase)
	r.POST("/purchases/:id/reject", validation.IDParamMiddleware("id"), h.RejectPurchase)
	r.POST("/purchases/:id/cancel", validation.IDParamMiddleware("id"), h.CancelPurchase)

	r.GET("/agents/:id/purchases/pending", validation.IDParamMiddleware("id"), h.ListPending)
	r.GET("/agents/:id/ledger", validation.IDParamMiddleware("id"), h.GetAgentLedger)
	r.GET("/buyers/:id/purchases", validation.IDParamMiddleware("id"), h.ListBuyerPurchases)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.Use(auth.RequireRole(auth.RoleAdmin))

	r.GET("/admin/purchases", h.AdminListPurchases)
	r.POST("/admin/agents/:id/fund", validation.IDParamMiddleware("id"), h.FundAgent)
	r.GET("/admin/agents/:id/reconcile", validation.IDParamMiddleware("id"), h.ReconcileAgent)
}

// CreatePurchaseRequest is the body of POST /v1/purchases.
type CreatePurchaseRequest struct {
	AgentID       string              `json:"agentId" binding:"required"`
	CoinAmount    int64               `json:"coinAmount" binding:"required"`
	PaymentMethod string              `json:"paymentMethod" binding:"required"`
	Crypto        *escrow.CryptoInput `json:"crypto,omitempty"`
}

// CreatePurchase handles POST /v1/purchases
func (h *Handler) CreatePurchase(c *gin.Context) {
	var body CreatePurchaseRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: agentId, coinAmount and paymentMethod are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.PartyID("agentId", body.AgentID),
		validation.PositiveInt("coinAmount", body.CoinAmount, 0),
		validation.OneOf("paymentMethod", body.PaymentMethod,
			string(escrow.PaymentCash), string(escrow.PaymentMobileMoney),
			string(escrow.PaymentBankTransfer), string(escrow.PaymentCrypto)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	caller, _ := auth.GetPrincipal(c)
	req, replayed, err := h.service.Create(c.Request.Context(), caller, escrow.CreateInput{
		AgentID:       body.AgentID,
		CoinAmount:    body.CoinAmount,
		PaymentMethod: escrow.PaymentMethod(body.PaymentMethod),
		Crypto:        body.Crypto,
	}, c.GetHeader("Idempotency-Key"))
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		c.Header("Idempotent-Replayed", "true")
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"purchase": req})
}

// GetPurchase handles GET /v1/purchases/:id
func (h *Handler) GetPurchase(c *gin.Context) {
	caller, _ := auth.GetPrincipal(c)
	req, err := h.service.Get(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": req})
}

// MarkPaidRequest is the body of POST /v1/purchases/:id/mark-paid.
type MarkPaidRequest struct {
	Proof  string `json:"proof"`
	TxHash string `json:"txHash"`
}

// MarkPaid handles POST /v1/purchases/:id/mark-paid
func (h *Handler) MarkPaid(c *gin.Context) {
	var body MarkPaidRequest
	if err := bindOptionalJSON(c, &body); err != nil {
		return
	}
	caller, _ := auth.GetPrincipal(c)
	req, err := h.service.MarkPaid(c.Request.Context(), caller, c.Param("id"), escrow.MarkPaidInput{
		Proof:  validation.SanitizeString(body.Proof, validation.MaxReasonLength),
		TxHash: body.TxHash,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": req})
}

// ConfirmPurchase handles POST /v1/purchases/:id/confirm
func (h *Handler) ConfirmPurchase(c *gin.Context) {
	caller, _ := auth.GetPrincipal(c)
	req, err := h.service.Confirm(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": req, "commission": req.Commission})
}

// ReasonRequest is the body of reject and cancel.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// RejectPurchase handles POST /v1/purchases/:id/reject
func (h *Handler) RejectPurchase(c *gin.Context) {
	var body ReasonRequest
	if err := bindOptionalJSON(c, &body); err != nil {
		return
	}
	caller, _ := auth.GetPrincipal(c)
	req, err := h.service.Reject(c.Request.Context(), caller, c.Param("id"),
		validation.SanitizeString(body.Reason, validation.MaxReasonLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": req})
}

// CancelPurchase handles POST /v1/purchases/:id/cancel
func (h *Handler) CancelPurchase(c *gin.Context) {
	var body ReasonRequest
	if err := bindOptionalJSON(c, &body); err != nil {
		return
	}
	caller, _ := auth.GetPrincipal(c)
	req, err := h.service.Cancel(c.Request.Context(), caller, c.Param("id"),
		validation.SanitizeString(body.Reason, validation.MaxReasonLength))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": req})
}

// ListPending handles GET /v1/agents/:id/purchases/pending
func (h *Handler) ListPending(c *gin.Context) {
	caller, _ := auth.GetPrincipal(c)
	limit := queryLimit(c, 100, 500)
	reqs, err := h.service.ListPendingForAgent(c.Request.Context(), caller, c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if reqs == nil {
		reqs = []*escrow.PurchaseRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"purchases": reqs, "count": len(reqs)})
}

// ListBuyerPurchases handles GET /v1/buyers/:id/purchases
func (h *Handler) ListBuyerPurchases(c *gin.Context) {
	caller, _ := auth.GetPrincipal(c)
	page, err := h.service.ListByBuyer(c.Request.Context(), caller, c.Param("id"),
		c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetAgentLedger handles GET /v1/agents/:id/ledger
func (h *Handler) GetAgentLedger(c *gin.Context) {
	caller, _ := auth.GetPrincipal(c)
	l, err := h.service.AgentLedger(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledger": l})
}

// AdminListPurchases handles GET /v1/admin/purchases
func (h *Handler) AdminListPurchases(c *gin.Context) {
	caller, _ := auth.GetPrincipal(c)
	status := escrow.Status(c.DefaultQuery("status", string(escrow.StatusPaid)))
	reqs, err := h.service.ListByStatus(c.Request.Context(), caller, status, queryLimit(c, 100, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	if reqs == nil {
		reqs = []*escrow.PurchaseRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"purchases": reqs, "count": len(reqs)})
}

// FundAgent handles POST /v1/admin/agents/:id/fund
func (h *Handler) FundAgent(c *gin.Context) {
	var body FundInput
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: coins and reference are required",
		})
		return
	}
	caller, _ := auth.GetPrincipal(c)
	l, applied, err := h.service.Fund(c.Request.Context(), caller, c.Param("id"), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledger": l, "applied": applied})
}

// ReconcileAgent handles GET /v1/admin/agents/:id/reconcile
func (h *Handler) ReconcileAgent(c *gin.Context) {
	caller, _ := auth.GetPrincipal(c)
	result, err := h.service.Reconcile(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// bindOptionalJSON decodes the body if one was sent. It writes the 400
// itself and returns the error so the caller can stop.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return err
	}
	return nil
}

func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, max)
		}
	}
	return limit
}

// writeError maps engine errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := "Internal error"

	switch {
	case errors.Is(err, escrow.ErrInvalidInput):
		status, code, msg = http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, escrow.ErrUnauthorized):
		status, code, msg = http.StatusForbidden, "unauthorized", err.Error()
	case errors.Is(err, escrow.ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Purchase request not found"
		if errors.Is(err, ledger.ErrAgentNotFound) {
			msg = "Agent ledger not found"
		}
	case errors.Is(err, escrow.ErrInsufficientAgentBalance):
		status, code, msg = http.StatusConflict, "insufficient_agent_balance", "Agent does not have enough available coins"
	case errors.Is(err, escrow.ErrInvalidStateTransition):
		status, code, msg = http.StatusConflict, "invalid_state_transition", err.Error()
	case errors.Is(err, ErrIdempotencyInFlight):
		status, code, msg = http.StatusConflict, "idempotency_in_progress", err.Error()
	case errors.Is(err, escrow.ErrRequestExpired):
		status, code, msg = http.StatusGone, "request_expired", "Purchase request has expired. Create a new request."
	case errors.Is(err, escrow.ErrLedgerPersistence):
		c.Header("Retry-After", "5")
		status, code, msg = http.StatusServiceUnavailable, "ledger_unavailable", "Ledger temporarily unavailable, retry shortly"
	}

	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
