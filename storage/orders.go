// Package storage persists checkout attempts and their gateway outcomes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"lantern-payments/logging"
)

var (
	ErrAttemptNotFound = errors.New("payment attempt not found")
	ErrDuplicateTrade  = errors.New("duplicate merchant trade number")
)

// AttemptStatus is the lifecycle state of a payment attempt
type AttemptStatus string

const (
	StatusPending AttemptStatus = "pending"
	StatusPaid    AttemptStatus = "paid"
	StatusFailed  AttemptStatus = "failed"
)

// Order statuses written to the shop's orders table
const (
	OrderStatusPaid          = "paid"
	OrderStatusPaymentFailed = "payment_failed"
)

// PaymentAttempt is one signed checkout handed to the gateway
type PaymentAttempt struct {
	ID              uint64        `gorm:"primaryKey;autoIncrement"`
	MerchantTradeNo string        `gorm:"column:merchant_trade_no;size:20;uniqueIndex"`
	OrderID         string        `gorm:"column:order_id;size:50;index"`
	TotalAmount     int           `gorm:"column:total_amount"`
	Status          AttemptStatus `gorm:"column:status;size:16;index"`
	GatewayTradeNo  string        `gorm:"column:gateway_trade_no;size:20"`
	ReturnCode      string        `gorm:"column:return_code;size:10"`
	ReturnMessage   string        `gorm:"column:return_message;size:200"`
	PaymentType     string        `gorm:"column:payment_type;size:40"`
	PaymentDate     string        `gorm:"column:payment_date;size:20"`
	FailureReason   string        `gorm:"column:failure_reason;size:200"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

// Order is the subset of the shop's orders row this service updates
type Order struct {
	ID        string     `gorm:"primaryKey;size:50"`
	Status    string     `gorm:"column:status"`
	PaidAt    *time.Time `gorm:"column:paid_at"`
	UpdatedAt time.Time
}

func (Order) TableName() string { return "orders" }

// Outcome is a verified gateway result to apply to an attempt and its order
type Outcome struct {
	MerchantTradeNo string
	OrderID         string
	Status          AttemptStatus
	GatewayTradeNo  string
	ReturnCode      string
	ReturnMessage   string
	PaymentType     string
	PaymentDate     string
	FailureReason   string
	At              time.Time
}

// OrderStatus returns the orders.status value for the outcome
func (o Outcome) OrderStatus() string {
	if o.Status == StatusPaid {
		return OrderStatusPaid
	}
	return OrderStatusPaymentFailed
}

func (o Outcome) attemptUpdates() map[string]interface{} {
	return map[string]interface{}{
		"status":           o.Status,
		"gateway_trade_no": o.GatewayTradeNo,
		"return_code":      o.ReturnCode,
		"return_message":   o.ReturnMessage,
		"payment_type":     o.PaymentType,
		"payment_date":     o.PaymentDate,
		"failure_reason":   o.FailureReason,
		"updated_at":       o.At,
	}
}

// OpenMySQL connects to the order database
func OpenMySQL(dsn string, maxIdle, maxOpen int) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         newQueryLogger(logging.GetLogger()),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect order db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("order db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(2 * time.Hour)
	return db, nil
}

// OrderRepository stores attempts and order status in MySQL
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a repository over db
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Migrate creates the payment_attempts table. The orders table belongs to the shop.
func (r *OrderRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PaymentAttempt{})
}

// CreateAttempt inserts a pending attempt
func (r *OrderRepository) CreateAttempt(ctx context.Context, attempt *PaymentAttempt) error {
	if attempt.Status == "" {
		attempt.Status = StatusPending
	}
	err := r.db.WithContext(ctx).Create(attempt).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, attempt.MerchantTradeNo)
	}
	if err != nil {
		return fmt.Errorf("create attempt %s: %w", attempt.MerchantTradeNo, err)
	}
	return nil
}

// FindAttempt loads an attempt by its merchant trade number
func (r *OrderRepository) FindAttempt(ctx context.Context, merchantTradeNo string) (*PaymentAttempt, error) {
	var attempt PaymentAttempt
	err := r.db.WithContext(ctx).Where("merchant_trade_no = ?", merchantTradeNo).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, merchantTradeNo)
	}
	if err != nil {
		return nil, fmt.Errorf("find attempt %s: %w", merchantTradeNo, err)
	}
	return &attempt, nil
}

// RecordOutcome settles a pending attempt and updates its order in one transaction.
// It reports false when the attempt was already settled.
func (r *OrderRepository) RecordOutcome(ctx context.Context, outcome Outcome) (bool, error) {
	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PaymentAttempt{}).
			Where("merchant_trade_no = ? AND status = ?", outcome.MerchantTradeNo, StatusPending).
			Updates(outcome.attemptUpdates())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changed = true

		updates := map[string]interface{}{
			"status":     outcome.OrderStatus(),
			"updated_at": outcome.At,
		}
		if outcome.Status == StatusPaid {
			updates["paid_at"] = outcome.At
		}
		// a paid order is never moved back by a later failed attempt
		return tx.Model(&Order{}).
			Where("id = ? AND status <> ?", outcome.OrderID, OrderStatusPaid).
			Updates(updates).Error
	})
	if err != nil {
		return false, fmt.Errorf("record outcome %s: %w", outcome.MerchantTradeNo, err)
	}
	return changed, nil
}
