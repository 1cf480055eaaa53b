package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps attempts and order status in process. It backs local runs
// without MySQL and the service tests.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string]PaymentAttempt
	orders   map[string]string
	nextID   uint64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]PaymentAttempt),
		orders:   make(map[string]string),
	}
}

// CreateAttempt inserts a pending attempt
func (m *MemoryStore) CreateAttempt(_ context.Context, attempt *PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.attempts[attempt.MerchantTradeNo]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTrade, attempt.MerchantTradeNo)
	}
	if attempt.Status == "" {
		attempt.Status = StatusPending
	}
	m.nextID++
	attempt.ID = m.nextID
	m.attempts[attempt.MerchantTradeNo] = *attempt
	return nil
}

// FindAttempt loads an attempt by its merchant trade number
func (m *MemoryStore) FindAttempt(_ context.Context, merchantTradeNo string) (*PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, ok := m.attempts[merchantTradeNo]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, merchantTradeNo)
	}
	return &attempt, nil
}

// RecordOutcome settles a pending attempt and reports whether it changed
func (m *MemoryStore) RecordOutcome(_ context.Context, outcome Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, ok := m.attempts[outcome.MerchantTradeNo]
	if !ok || attempt.Status != StatusPending {
		return false, nil
	}
	attempt.Status = outcome.Status
	attempt.GatewayTradeNo = outcome.GatewayTradeNo
	attempt.ReturnCode = outcome.ReturnCode
	attempt.ReturnMessage = outcome.ReturnMessage
	attempt.PaymentType = outcome.PaymentType
	attempt.PaymentDate = outcome.PaymentDate
	attempt.FailureReason = outcome.FailureReason
	attempt.UpdatedAt = outcome.At
	m.attempts[outcome.MerchantTradeNo] = attempt

	if m.orders[outcome.OrderID] != OrderStatusPaid {
		m.orders[outcome.OrderID] = outcome.OrderStatus()
	}
	return true, nil
}

// OrderStatus returns the status recorded for an order, or ""
func (m *MemoryStore) OrderStatus(orderID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[orderID]
}
