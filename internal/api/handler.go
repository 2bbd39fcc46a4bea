package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/money"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Verifier finalizes client-reported payments
type Verifier interface {
	VerifyAndFinalize(ctx context.Context, req service.VerifyRequest) (*service.FinalizeResult, error)
}

// Payments serves initialisation and read paths
type Payments interface {
	Initialize(ctx context.Context, req service.InitializeRequest) (*gateway.InitializeResponse, error)
	Lookup(ctx context.Context, q service.LookupQuery) (*gateway.Transaction, error)
	GetPayment(ctx context.Context, reference string) (*models.Payment, error)
	GetOrder(ctx context.Context, id string) (*service.OrderDetails, error)
}

// Reconciler runs an on-demand sweep
type Reconciler interface {
	Reconcile(ctx context.Context, windowDays int) (*service.ReconcileResult, error)
}

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	verifier   Verifier
	payments   Payments
	reconciler Reconciler
	checks     map[string]ReadinessCheck
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(verifier Verifier, payments Payments, reconciler Reconciler, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		verifier:   verifier,
		payments:   payments,
		reconciler: reconciler,
		checks:     checks,
		validate:   models.NewValidator(),
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments/initialize", h.initializePayment)
		v1.POST("/payments/verify", h.verifyPayment)
		v1.GET("/payments/lookup", h.lookupPayment)
		v1.GET("/payments/:reference", h.getPayment)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/admin/reconcile", h.reconcile)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"failing": failing,
			"time":    time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// initializePayment opens a gateway transaction for a checkout attempt
func (h *Handler) initializePayment(c *gin.Context) {
	var req service.InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	if err := req.Intent.Validate(h.validate); err != nil {
		h.badRequest(c, err)
		return
	}

	resp, err := h.payments.Initialize(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reference":         resp.Reference,
		"authorization_url": resp.AuthorizationURL,
		"access_code":       resp.AccessCode,
	})
}

// verifyPayment verifies a payment and creates its order once
func (h *Handler) verifyPayment(c *gin.Context) {
	var req service.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	if err := req.Intent.Validate(h.validate); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.ExpectedAmount.IsZero() {
		req.ExpectedAmount = req.Intent.Total
	}

	res, err := h.verifier.VerifyAndFinalize(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyExists {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// lookupPayment finds a transaction by reference, or by buyer email and amount
func (h *Handler) lookupPayment(c *gin.Context) {
	q := service.LookupQuery{
		Reference: c.Query("reference"),
		Email:     c.Query("email"),
	}
	if raw := c.Query("amount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			h.badRequest(c, err)
			return
		}
		minor, err := money.ToMinor(amount)
		if err != nil {
			h.badRequest(c, err)
			return
		}
		q.AmountMinor = minor
	}
	if q.Reference == "" && (q.Email == "" || q.AmountMinor <= 0) {
		h.badRequest(c, errors.New("reference or email and amount are required"))
		return
	}

	tx, err := h.payments.Lookup(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if tx == nil {
		c.JSON(http.StatusOK, gin.H{"transaction": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": gin.H{
			"reference": tx.Reference,
			"status":    tx.Status,
			"amount":    money.FromMinor(tx.AmountMinor).StringFixed(2),
		},
	})
}

// getPayment returns a payment row
func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.payments.GetPayment(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if payment == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
		return
	}
	c.JSON(http.StatusOK, payment)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	details, err := h.payments.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if details == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	c.JSON(http.StatusOK, details)
}

// reconcile runs a sweep on demand
func (h *Handler) reconcile(c *gin.Context) {
	windowDays := 0
	if raw := c.Query("window_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.badRequest(c, errors.New("window_days must be a non-negative integer"))
			return
		}
		windowDays = n
	}

	result, err := h.reconciler.Reconcile(c.Request.Context(), windowDays)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request",
		"code":    models.CodeInvalidRequest,
		"details": err.Error(),
	})
}

// writeError maps payment errors to their wire code and status
func (h *Handler) writeError(c *gin.Context, err error) {
	var pe *models.PaymentError
	if !errors.As(err, &pe) {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal error",
		})
		return
	}

	c.JSON(statusForCode(pe.Code), gin.H{
		"error":     pe.Err.Error(),
		"code":      pe.Code,
		"reference": pe.Reference,
		"charged":   pe.Charged,
	})
}

func statusForCode(code string) int {
	switch code {
	case models.CodePaymentNotSuccessful:
		return http.StatusPaymentRequired
	case models.CodeAmountMismatch:
		return http.StatusConflict
	case models.CodeVerificationFailed:
		return http.StatusBadGateway
	case models.CodeAmountBelowMinimum, models.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
