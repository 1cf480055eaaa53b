// Package events announces payment outcomes to the rest of the platform.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/streadway/amqp"
)

// EventType doubles as the routing key on the order exchange
type EventType string

const (
	OrderPaid          EventType = "order.paid"
	OrderPaymentFailed EventType = "order.payment_failed"
)

// DefaultExchange is the topic exchange order events are published to
const DefaultExchange = "order_events"

// PaymentEvent is published once per settled payment attempt
type PaymentEvent struct {
	EventID         string    `json:"event_id"`
	Type            EventType `json:"type"`
	OrderID         string    `json:"order_id"`
	MerchantTradeNo string    `json:"merchant_trade_no"`
	GatewayTradeNo  string    `json:"gateway_trade_no,omitempty"`
	Amount          int       `json:"amount"`
	PaymentType     string    `json:"payment_type,omitempty"`
	ReturnCode      string    `json:"return_code"`
	ReturnMessage   string    `json:"return_message,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// IDGenerator assigns event ids
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator creates a generator for the given snowflake node
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &IDGenerator{node: n}, nil
}

// Next returns a new unique id
func (g *IDGenerator) Next() string {
	return g.node.Generate().String()
}

// encode fills in a missing event id and returns the JSON body
func encode(evt *PaymentEvent, ids *IDGenerator) ([]byte, error) {
	if evt.EventID == "" {
		evt.EventID = ids.Next()
	}
	return json.Marshal(evt)
}

// Publisher sends events to a RabbitMQ topic exchange
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	ids      *IDGenerator
}

// Dial connects to the broker and declares the durable topic exchange
func Dial(url, exchange string, ids *IDGenerator) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange, ids: ids}, nil
}

// Publish sends evt as a persistent JSON message routed by its type
func (p *Publisher) Publish(ctx context.Context, evt PaymentEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(&evt, p.ids)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.Type, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.Publish(
		p.exchange,
		string(evt.Type),
		false, false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    evt.EventID,
			Timestamp:    evt.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// Close releases the channel and connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// NopPublisher drops events; used when no broker is configured
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, PaymentEvent) error { return nil }
