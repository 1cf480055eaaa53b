package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"lantern-payments/ecpay"
	"lantern-payments/events"
	"lantern-payments/logging"
	"lantern-payments/models"
	"lantern-payments/monitoring"
	"lantern-payments/storage"
)

var (
	ErrInvalidCheckout   = errors.New("invalid checkout request")
	ErrCheckoutFailed    = errors.New("payment setup failed")
	ErrSignatureMismatch = errors.New("gateway signature mismatch")
)

const (
	maxTradeNoAttempts = 3
	maxItemNameLen     = 400
	defaultTradeDesc   = "Lantern lighting"
	defaultChoose      = "ALL"
)

// OrderStore persists checkout attempts and their outcomes
type OrderStore interface {
	CreateAttempt(ctx context.Context, attempt *storage.PaymentAttempt) error
	FindAttempt(ctx context.Context, merchantTradeNo string) (*storage.PaymentAttempt, error)
	RecordOutcome(ctx context.Context, outcome storage.Outcome) (bool, error)
}

// NotificationLedger remembers processed gateway notifications
type NotificationLedger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
}

// EventPublisher announces settled payments
type EventPublisher interface {
	Publish(ctx context.Context, evt events.PaymentEvent) error
}

// EventIDSource assigns event ids
type EventIDSource interface {
	Next() string
}

// TradeGateway posts a signed form to the gateway and returns its reply fields
type TradeGateway interface {
	PostForm(ctx context.Context, fields map[string]string) (map[string]string, error)
}

// Site holds the shop URLs and time zone handed to the gateway
type Site struct {
	CheckoutURL   string
	ReturnURL     string
	ClientBackURL string
	Location      *time.Location
}

// Dependencies are the collaborators of PaymentService. Ledger, Publisher and EventIDs may be nil.
type Dependencies struct {
	Codec     *ecpay.Codec
	Store     OrderStore
	Ledger    NotificationLedger
	Publisher EventPublisher
	EventIDs  EventIDSource
	Gateway   TradeGateway
}

// NotificationResult describes how a gateway notification was handled
type NotificationResult struct {
	Verified  bool
	Duplicate bool
	Paid      bool
	Changed   bool
}

// PaymentService signs checkouts and settles gateway notifications
type PaymentService struct {
	tracer    trace.Tracer
	site      Site
	codec     *ecpay.Codec
	store     OrderStore
	ledger    NotificationLedger
	publisher EventPublisher
	eventIDs  EventIDSource
	gateway   TradeGateway

	group singleflight.Group
	now   func() time.Time
	rnd   ecpay.RandomSource
}

// NewPaymentService creates a new payment service
func NewPaymentService(tracer trace.Tracer, site Site, deps Dependencies) *PaymentService {
	if deps.Ledger == nil {
		deps.Ledger = storage.NopLedger{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.EventIDs == nil {
		ids, err := events.NewIDGenerator(0)
		if err != nil {
			panic(err)
		}
		deps.EventIDs = ids
	}
	if site.Location == nil {
		site.Location = time.Local
	}
	return &PaymentService{
		tracer:    tracer,
		site:      site,
		codec:     deps.Codec,
		store:     deps.Store,
		ledger:    deps.Ledger,
		publisher: deps.Publisher,
		eventIDs:  deps.EventIDs,
		gateway:   deps.Gateway,
		now:       time.Now,
		rnd:       &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))},
	}
}

// lockedRand makes a rand.Rand safe for concurrent checkouts
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// CreateCheckout persists a pending attempt for the order and returns the signed gateway form
func (s *PaymentService) CreateCheckout(ctx context.Context, req *models.CheckoutRequest) (*models.CheckoutResponse, error) {
	ctx, span := s.tracer.Start(ctx, "create_checkout")
	defer span.End()

	span.SetAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.Int("checkout.items", len(req.Items)),
	)
	logger := logging.FromContext(ctx)

	total, itemName, err := summarizeItems(req)
	if err != nil {
		return nil, err
	}

	tradeDesc := req.TradeDesc
	if tradeDesc == "" {
		tradeDesc = defaultTradeDesc
	}
	choose := req.ChoosePayment
	if choose == "" {
		choose = defaultChoose
	}

	now := s.now()
	creds := s.codec.Credentials()
	for attempt := 1; attempt <= maxTradeNoAttempts; attempt++ {
		tradeNo := ecpay.BuildTradeReference(now, s.rnd)
		fields := map[string]string{
			ecpay.FieldMerchantID:        creds.MerchantID,
			ecpay.FieldMerchantTradeNo:   tradeNo,
			ecpay.FieldMerchantTradeDate: ecpay.BuildTradeDate(now, s.site.Location),
			ecpay.FieldPaymentType:       ecpay.PaymentTypeAIO,
			ecpay.FieldTotalAmount:       strconv.Itoa(total),
			ecpay.FieldTradeDesc:         tradeDesc,
			ecpay.FieldItemName:          itemName,
			ecpay.FieldReturnURL:         s.site.ReturnURL,
			ecpay.FieldClientBackURL:     clientBackURL(s.site.ClientBackURL, req.OrderID),
			ecpay.FieldChoosePayment:     choose,
			ecpay.FieldEncryptType:       creds.EncryptType(),
			ecpay.FieldCustomField1:      req.OrderID,
		}

		signed, err := s.codec.SignFields(fields)
		if err != nil {
			logger.Error("Failed to sign checkout", zap.Error(err), zap.String("order_id", req.OrderID))
			span.SetAttributes(attribute.String("checkout.status", "sign_failed"))
			return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
		}

		err = s.store.CreateAttempt(ctx, &storage.PaymentAttempt{
			MerchantTradeNo: tradeNo,
			OrderID:         req.OrderID,
			TotalAmount:     total,
			Status:          storage.StatusPending,
		})
		if errors.Is(err, storage.ErrDuplicateTrade) {
			logger.Warn("Trade reference collision", zap.String("merchant_trade_no", tradeNo), zap.Int("attempt", attempt))
			now = s.now()
			continue
		}
		if err != nil {
			logger.Error("Failed to persist payment attempt", zap.Error(err), zap.String("order_id", req.OrderID))
			span.SetAttributes(attribute.String("checkout.status", "store_failed"))
			return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
		}

		monitoring.CheckoutCounter.Add(ctx, 1)
		span.SetAttributes(
			attribute.String("payment.merchant_trade_no", tradeNo),
			attribute.Int("payment.amount", total),
			attribute.String("checkout.status", "created"),
		)
		logger.Info("Checkout created",
			zap.String("order_id", req.OrderID),
			zap.String("merchant_trade_no", tradeNo),
			zap.Int("total_amount", total),
		)

		return &models.CheckoutResponse{
			Action:          s.site.CheckoutURL,
			MerchantTradeNo: tradeNo,
			TotalAmount:     total,
			Fields:          signed,
		}, nil
	}

	span.SetAttributes(attribute.String("checkout.status", "trade_no_exhausted"))
	return nil, fmt.Errorf("%w: no unique trade reference after %d attempts", ErrCheckoutFailed, maxTradeNoAttempts)
}

func summarizeItems(req *models.CheckoutRequest) (int, string, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return 0, "", fmt.Errorf("%w: order id is required", ErrInvalidCheckout)
	}
	if len(req.Items) == 0 {
		return 0, "", fmt.Errorf("%w: at least one item is required", ErrInvalidCheckout)
	}

	total := 0
	names := make([]string, 0, len(req.Items))
	for i, item := range req.Items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			return 0, "", fmt.Errorf("%w: item %d has no name", ErrInvalidCheckout, i)
		}
		if strings.Contains(name, ecpay.ItemSeparator) {
			return 0, "", fmt.Errorf("%w: item %d name contains %q", ErrInvalidCheckout, i, ecpay.ItemSeparator)
		}
		if item.Quantity <= 0 || item.UnitPrice <= 0 {
			return 0, "", fmt.Errorf("%w: item %d needs a positive quantity and price", ErrInvalidCheckout, i)
		}
		total += item.Quantity * item.UnitPrice
		names = append(names, fmt.Sprintf("%s x %d", name, item.Quantity))
	}

	itemName := strings.Join(names, ecpay.ItemSeparator)
	if len(itemName) > maxItemNameLen {
		return 0, "", fmt.Errorf("%w: item names exceed %d bytes", ErrInvalidCheckout, maxItemNameLen)
	}
	return total, itemName, nil
}

func clientBackURL(base, orderID string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(orderID)
}

// notificationKey identifies one gateway delivery of a trade result
func notificationKey(n models.CallbackNotification) string {
	return n.MerchantTradeNo + "|" + n.TradeNo + "|" + n.RtnCode
}

// HandleNotification verifies a gateway callback and settles the matching attempt.
// An unverified notification returns a result with Verified false and no error.
func (s *PaymentService) HandleNotification(ctx context.Context, fields map[string]string) (*NotificationResult, error) {
	ctx, span := s.tracer.Start(ctx, "handle_notification")
	defer span.End()

	n := models.NotificationFromFields(fields)
	span.SetAttributes(
		attribute.String("payment.merchant_trade_no", n.MerchantTradeNo),
		attribute.String("payment.gateway_trade_no", n.TradeNo),
		attribute.String("payment.rtn_code", n.RtnCode),
	)
	logger := logging.FromContext(ctx).With(
		zap.String("merchant_trade_no", n.MerchantTradeNo),
		zap.String("gateway_trade_no", n.TradeNo),
	)

	if !s.codec.Verify(fields) {
		logger.Warn("Payment notification failed signature check", zap.String("rtn_code", n.RtnCode))
		s.countCallback(ctx, "signature_mismatch")
		span.SetAttributes(attribute.String("payment.status", "signature_mismatch"))
		return &NotificationResult{}, nil
	}

	key := notificationKey(n)
	seen, err := s.ledger.Seen(ctx, key)
	if err != nil {
		// the conditional update still guards against double settlement
		logger.Warn("Notification ledger lookup failed", zap.Error(err))
	}
	if seen {
		logger.Info("Duplicate payment notification")
		s.countCallback(ctx, "duplicate")
		return &NotificationResult{Verified: true, Duplicate: true}, nil
	}

	// concurrent deliveries of the same result share one settlement, which must
	// not fail because the first caller's request went away
	settleCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.settle(settleCtx, n, key)
	})
	if err != nil {
		logger.Error("Failed to settle payment notification", zap.Error(err))
		s.countCallback(ctx, "error")
		span.SetAttributes(attribute.String("payment.status", "error"))
		return nil, err
	}

	res := *v.(*NotificationResult)
	return &res, nil
}

func (s *PaymentService) settle(ctx context.Context, n models.CallbackNotification, key string) (*NotificationResult, error) {
	span := trace.SpanFromContext(ctx)
	logger := logging.FromContext(ctx).With(
		zap.String("merchant_trade_no", n.MerchantTradeNo),
		zap.String("gateway_trade_no", n.TradeNo),
	)

	var attempt *storage.PaymentAttempt
	err := DoWithRetry(ctx, persistAttempts, persistInterval, func() error {
		a, err := s.store.FindAttempt(ctx, n.MerchantTradeNo)
		if errors.Is(err, storage.ErrAttemptNotFound) {
			return nil
		}
		attempt = a
		return err
	})
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		// nothing to settle; retrying the delivery cannot change that
		logger.Error("Payment notification for unknown trade", zap.String("rtn_code", n.RtnCode))
		s.countCallback(ctx, "unknown_trade")
		s.remember(ctx, key)
		return &NotificationResult{Verified: true}, nil
	}

	outcome := storage.Outcome{
		MerchantTradeNo: n.MerchantTradeNo,
		OrderID:         attempt.OrderID,
		Status:          storage.StatusFailed,
		GatewayTradeNo:  n.TradeNo,
		ReturnCode:      n.RtnCode,
		ReturnMessage:   n.RtnMsg,
		PaymentType:     n.PaymentType,
		PaymentDate:     n.PaymentDate,
		At:              s.now(),
	}
	switch reason := mismatchReason(n, attempt); {
	case reason != "":
		outcome.FailureReason = reason
		logger.Warn("Payment notification does not match attempt",
			zap.String("reason", reason),
			zap.String("order_id", attempt.OrderID),
		)
	case n.Succeeded():
		outcome.Status = storage.StatusPaid
	default:
		outcome.FailureReason = "gateway returned " + n.RtnCode
	}

	var changed bool
	err = DoWithRetry(ctx, persistAttempts, persistInterval, func() error {
		var err error
		changed, err = s.store.RecordOutcome(ctx, outcome)
		return err
	})
	if err != nil {
		return nil, err
	}

	paid := outcome.Status == storage.StatusPaid
	span.SetAttributes(
		attribute.String("order.id", attempt.OrderID),
		attribute.String("payment.status", string(outcome.Status)),
		attribute.Bool("payment.changed", changed),
	)

	if changed {
		s.publish(ctx, outcome, attempt)
		logger.Info("Payment settled",
			zap.String("order_id", attempt.OrderID),
			zap.String("status", string(outcome.Status)),
			zap.String("rtn_code", n.RtnCode),
		)
		s.countCallback(ctx, string(outcome.Status))
	} else {
		logger.Info("Payment attempt already settled", zap.String("order_id", attempt.OrderID))
		s.countCallback(ctx, "duplicate")
	}

	s.remember(ctx, key)
	return &NotificationResult{Verified: true, Duplicate: !changed, Paid: paid, Changed: changed}, nil
}

func mismatchReason(n models.CallbackNotification, attempt *storage.PaymentAttempt) string {
	if n.CustomField1 != attempt.OrderID {
		return "order id mismatch"
	}
	amount, err := n.Amount()
	if err != nil || amount != attempt.TotalAmount {
		return "amount mismatch"
	}
	return ""
}

func (s *PaymentService) publish(ctx context.Context, outcome storage.Outcome, attempt *storage.PaymentAttempt) {
	evt := events.PaymentEvent{
		EventID:         s.eventIDs.Next(),
		Type:            events.OrderPaymentFailed,
		OrderID:         attempt.OrderID,
		MerchantTradeNo: outcome.MerchantTradeNo,
		GatewayTradeNo:  outcome.GatewayTradeNo,
		Amount:          attempt.TotalAmount,
		PaymentType:     outcome.PaymentType,
		ReturnCode:      outcome.ReturnCode,
		ReturnMessage:   outcome.ReturnMessage,
		OccurredAt:      outcome.At,
	}
	if outcome.Status == storage.StatusPaid {
		evt.Type = events.OrderPaid
	}
	// every retry carries the same event id so consumers can drop repeats
	err := DoWithRetry(ctx, persistAttempts, persistInterval, func() error {
		return s.publisher.Publish(ctx, evt)
	})
	if err != nil {
		// the order row is already settled; a redelivery would not republish
		logging.FromContext(ctx).Error("Failed to publish payment event",
			zap.Error(err),
			zap.String("event_type", string(evt.Type)),
			zap.String("order_id", evt.OrderID),
		)
	}
}

func (s *PaymentService) remember(ctx context.Context, key string) {
	if err := s.ledger.Remember(ctx, key); err != nil {
		logging.FromContext(ctx).Warn("Failed to remember notification", zap.Error(err), zap.String("key", key))
	}
}

func (s *PaymentService) countCallback(ctx context.Context, outcome string) {
	monitoring.CallbackCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// QueryTrade asks the gateway for the current state of a trade this service issued
func (s *PaymentService) QueryTrade(ctx context.Context, merchantTradeNo string) (*models.TradeInfo, error) {
	ctx, span := s.tracer.Start(ctx, "query_trade")
	defer span.End()

	span.SetAttributes(
		attribute.String("external.service", "payment-gateway"),
		attribute.String("payment.merchant_trade_no", merchantTradeNo),
	)

	if _, err := s.store.FindAttempt(ctx, merchantTradeNo); err != nil {
		return nil, err
	}

	signed, err := s.codec.SignFields(map[string]string{
		ecpay.FieldMerchantID:      s.codec.Credentials().MerchantID,
		ecpay.FieldMerchantTradeNo: merchantTradeNo,
		ecpay.FieldTimeStamp:       strconv.FormatInt(s.now().Unix(), 10),
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	reply, err := s.gateway.PostForm(ctx, signed)
	duration := time.Since(start).Seconds()
	if err != nil {
		s.recordQuery(ctx, duration, "error")
		span.SetAttributes(attribute.String("external.status", "error"))
		return nil, err
	}
	if !s.codec.Verify(reply) {
		s.recordQuery(ctx, duration, "signature_mismatch")
		span.SetAttributes(attribute.String("external.status", "signature_mismatch"))
		logging.FromContext(ctx).Warn("Trade query reply failed signature check",
			zap.String("merchant_trade_no", merchantTradeNo),
		)
		return nil, ErrSignatureMismatch
	}

	s.recordQuery(ctx, duration, "success")
	info := models.TradeInfoFromFields(reply)
	span.SetAttributes(
		attribute.String("external.status", "success"),
		attribute.String("payment.trade_status", info.TradeStatus),
	)
	return &info, nil
}

func (s *PaymentService) recordQuery(ctx context.Context, seconds float64, status string) {
	monitoring.GatewayQueryDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
