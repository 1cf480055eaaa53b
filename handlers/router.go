package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter wires the payment routes. A nil metrics handler leaves /metrics unrouted.
func NewRouter(serviceName string, h *PaymentHandler, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// OpenTelemetry middleware
	r.Use(otelgin.Middleware(serviceName))
	r.Use(RequestID())
	r.Use(HTTPMetrics())

	// Routes
	r.GET("/health", h.HealthCheck)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	payments := r.Group("/api/payments")
	payments.POST("/checkout", h.CreateCheckout)
	payments.POST("/callback", h.PaymentCallback)
	payments.GET("/callback", h.CallbackReady)
	payments.GET("/trades/:merchant_trade_no", h.QueryTrade)

	return r
}
