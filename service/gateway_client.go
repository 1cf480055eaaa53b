package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultGatewayTimeout bounds a single request to the payment gateway
const DefaultGatewayTimeout = 10 * time.Second

// GatewayClient posts signed forms to the gateway's query endpoint
type GatewayClient struct {
	client   *resty.Client
	queryURL string
}

// NewGatewayClient creates a client for queryURL; a non-positive timeout uses DefaultGatewayTimeout
func NewGatewayClient(queryURL string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	// otelhttp.NewTransport instruments the outbound calls
	client := resty.New().
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetTimeout(timeout)

	return &GatewayClient{client: client, queryURL: queryURL}
}

// PostForm sends fields as an urlencoded form and decodes the urlencoded reply
func (g *GatewayClient) PostForm(ctx context.Context, fields map[string]string) (map[string]string, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetFormData(fields).
		Post(g.queryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to call payment gateway: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("payment gateway returned status %d", resp.StatusCode())
	}

	values, err := url.ParseQuery(string(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("decode gateway reply: %w", err)
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}
