package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"lantern-payments/ecpay"
	"lantern-payments/logging"
	"lantern-payments/models"
	"lantern-payments/service"
	"lantern-payments/storage"
)

const callbackReadyBody = "callback endpoint ready"

// PaymentHandler handles HTTP requests for payments
type PaymentHandler struct {
	paymentService *service.PaymentService
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(paymentService *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
	}
}

// CreateCheckout returns the signed gateway form for an order
func (h *PaymentHandler) CreateCheckout(c *gin.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContext(ctx)

	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	response, err := h.paymentService.CreateCheckout(ctx, &req)
	if errors.Is(err, service.ErrInvalidCheckout) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		logging.FromContext(ctx).Error("Checkout failed",
			zap.Error(err),
			zap.String("order_id", req.OrderID),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": service.ErrCheckoutFailed.Error()})
		return
	}

	span.AddEvent("checkout_created")
	c.JSON(http.StatusOK, response)
}

// PaymentCallback receives the gateway's server-to-server notification.
// The gateway only reads the plain-text acknowledgement, so every reply is 200.
func (h *PaymentHandler) PaymentCallback(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Payment callback panicked", zap.Any("panic", r))
			c.String(http.StatusOK, ecpay.AckError)
		}
	}()

	if err := c.Request.ParseForm(); err != nil {
		logger.Warn("Malformed payment callback", zap.Error(err))
		c.String(http.StatusOK, ecpay.AckError)
		return
	}
	fields := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}

	result, err := h.paymentService.HandleNotification(ctx, fields)
	switch {
	case err != nil:
		c.String(http.StatusOK, ecpay.AckError)
	case !result.Verified:
		c.String(http.StatusOK, ecpay.AckSignatureFail)
	default:
		c.String(http.StatusOK, ecpay.AckOK)
	}
}

// CallbackReady answers GET requests on the callback route
func (h *PaymentHandler) CallbackReady(c *gin.Context) {
	c.String(http.StatusOK, callbackReadyBody)
}

// QueryTrade returns the gateway's view of a trade
func (h *PaymentHandler) QueryTrade(c *gin.Context) {
	ctx := c.Request.Context()
	tradeNo := c.Param("merchant_trade_no")

	info, err := h.paymentService.QueryTrade(ctx, tradeNo)
	if errors.Is(err, storage.ErrAttemptNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	if err != nil {
		logging.FromContext(ctx).Error("Trade query failed",
			zap.Error(err),
			zap.String("merchant_trade_no", tradeNo),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "trade query failed"})
		return
	}

	c.JSON(http.StatusOK, info)
}

// HealthCheck handles health check requests
func (h *PaymentHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
