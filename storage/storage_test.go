package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateAttempt(ctx, &PaymentAttempt{MerchantTradeNo: "TL0001", OrderID: "ord-42", TotalAmount: 1200}); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	err := store.CreateAttempt(ctx, &PaymentAttempt{MerchantTradeNo: "TL0001", OrderID: "ord-43"})
	if !errors.Is(err, ErrDuplicateTrade) {
		t.Fatalf("expected ErrDuplicateTrade, got %v", err)
	}

	attempt, err := store.FindAttempt(ctx, "TL0001")
	if err != nil {
		t.Fatalf("FindAttempt: %v", err)
	}
	if attempt.Status != StatusPending {
		t.Fatalf("expected pending, got %s", attempt.Status)
	}

	changed, err := store.RecordOutcome(ctx, Outcome{MerchantTradeNo: "TL0001", OrderID: "ord-42", Status: StatusPaid, GatewayTradeNo: "2503071234567890"})
	if err != nil || !changed {
		t.Fatalf("expected first outcome to change state, got %v %v", changed, err)
	}
	changed, err = store.RecordOutcome(ctx, Outcome{MerchantTradeNo: "TL0001", OrderID: "ord-42", Status: StatusFailed})
	if err != nil || changed {
		t.Fatalf("expected settled attempt to stay unchanged, got %v %v", changed, err)
	}

	attempt, _ = store.FindAttempt(ctx, "TL0001")
	if attempt.Status != StatusPaid || attempt.GatewayTradeNo != "2503071234567890" {
		t.Errorf("unexpected attempt %+v", attempt)
	}
	if got := store.OrderStatus("ord-42"); got != OrderStatusPaid {
		t.Errorf("expected order paid, got %q", got)
	}
}

func TestMemoryStorePaidOrderStaysPaid(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, no := range []string{"TL0001", "TL0002"} {
		if err := store.CreateAttempt(ctx, &PaymentAttempt{MerchantTradeNo: no, OrderID: "ord-42"}); err != nil {
			t.Fatalf("CreateAttempt: %v", err)
		}
	}

	if _, err := store.RecordOutcome(ctx, Outcome{MerchantTradeNo: "TL0001", OrderID: "ord-42", Status: StatusPaid}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	changed, err := store.RecordOutcome(ctx, Outcome{MerchantTradeNo: "TL0002", OrderID: "ord-42", Status: StatusFailed})
	if err != nil || !changed {
		t.Fatalf("expected second attempt to settle, got %v %v", changed, err)
	}
	if got := store.OrderStatus("ord-42"); got != OrderStatusPaid {
		t.Fatalf("expected order to stay paid, got %q", got)
	}
}

func TestMemoryStoreUnknownAttempt(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.FindAttempt(context.Background(), "TL9999"); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
	changed, err := store.RecordOutcome(context.Background(), Outcome{MerchantTradeNo: "TL9999", Status: StatusPaid})
	if err != nil || changed {
		t.Fatalf("expected no change, got %v %v", changed, err)
	}
}

func TestOutcomeOrderStatus(t *testing.T) {
	tests := []struct {
		status AttemptStatus
		want   string
	}{
		{StatusPaid, OrderStatusPaid},
		{StatusFailed, OrderStatusPaymentFailed},
	}
	for _, tt := range tests {
		if got := (Outcome{Status: tt.status}).OrderStatus(); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.status, tt.want, got)
		}
	}
}

func TestNopLedger(t *testing.T) {
	var l NopLedger
	if err := l.Remember(context.Background(), "k"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	seen, err := l.Seen(context.Background(), "k")
	if err != nil || seen {
		t.Fatalf("expected unseen, got %v %v", seen, err)
	}
}

// The tests below need a live MySQL or redis and are skipped otherwise.

func TestOrderRepositoryMySQL(t *testing.T) {
	dsn := os.Getenv("LANTERN_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("LANTERN_TEST_MYSQL_DSN not set")
	}
	ctx := context.Background()

	db, err := OpenMySQL(dsn, 2, 4)
	if err != nil {
		t.Fatalf("OpenMySQL: %v", err)
	}
	if err := db.AutoMigrate(&Order{}); err != nil {
		t.Fatalf("migrate orders: %v", err)
	}
	repo := NewOrderRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	suffix := time.Now().UnixNano() % 1e8
	orderID := fmt.Sprintf("ord-%d", suffix)
	tradeNo := fmt.Sprintf("TLT%d", suffix)
	if err := db.Create(&Order{ID: orderID, Status: "pending"}).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}

	if err := repo.CreateAttempt(ctx, &PaymentAttempt{MerchantTradeNo: tradeNo, OrderID: orderID, TotalAmount: 1200}); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	err = repo.CreateAttempt(ctx, &PaymentAttempt{MerchantTradeNo: tradeNo, OrderID: orderID})
	if !errors.Is(err, ErrDuplicateTrade) {
		t.Fatalf("expected ErrDuplicateTrade, got %v", err)
	}

	outcome := Outcome{MerchantTradeNo: tradeNo, OrderID: orderID, Status: StatusPaid, ReturnCode: "1", At: time.Now()}
	changed, err := repo.RecordOutcome(ctx, outcome)
	if err != nil || !changed {
		t.Fatalf("expected change, got %v %v", changed, err)
	}
	changed, err = repo.RecordOutcome(ctx, outcome)
	if err != nil || changed {
		t.Fatalf("expected redelivery to be a no-op, got %v %v", changed, err)
	}

	var order Order
	if err := db.First(&order, "id = ?", orderID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != OrderStatusPaid || order.PaidAt == nil {
		t.Errorf("unexpected order %+v", order)
	}

	if _, err := repo.FindAttempt(ctx, "TL-missing"); !errors.Is(err, ErrAttemptNotFound) {
		t.Errorf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestRedisLedger(t *testing.T) {
	addr := os.Getenv("LANTERN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LANTERN_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	client, err := OpenRedis(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer client.Close()

	ledger := NewRedisLedger(client, time.Minute)
	key := fmt.Sprintf("TLT%d|2503071234567890|1", time.Now().UnixNano())

	seen, err := ledger.Seen(ctx, key)
	if err != nil || seen {
		t.Fatalf("expected unseen key, got %v %v", seen, err)
	}
	if err := ledger.Remember(ctx, key); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	seen, err = ledger.Seen(ctx, key)
	if err != nil || !seen {
		t.Fatalf("expected seen key, got %v %v", seen, err)
	}

	ttl, err := client.TTL(ctx, ledgerPrefix+key).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("unexpected ttl %v (%v)", ttl, err)
	}
}
