package config

import (
	"os"
	"path/filepath"
	"testing"

	"lantern-payments/ecpay"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "8081" {
		t.Fatalf("expected port 8081, got %q", cfg.Port)
	}
	if cfg.Gateway.MerchantID != "3002607" {
		t.Fatalf("expected staging merchant id, got %q", cfg.Gateway.MerchantID)
	}
	creds := cfg.Credentials()
	if creds.Algorithm != ecpay.SHA256 || creds.EncryptType() != "1" {
		t.Fatalf("expected sha256 credentials, got %+v", creds)
	}
	if cfg.TradeLocation().String() != "Asia/Taipei" {
		t.Fatalf("expected Asia/Taipei, got %s", cfg.TradeLocation())
	}
	if cfg.MySQL.Enabled || cfg.Redis.Enabled || cfg.RabbitMQ.Enabled {
		t.Fatalf("expected external stores disabled by default")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("GATEWAY_MERCHANT_ID", "2000132")
	t.Setenv("GATEWAY_ENCRYPT_TYPE", "0")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Gateway.MerchantID != "2000132" {
		t.Fatalf("expected merchant id from env, got %q", cfg.Gateway.MerchantID)
	}
	if cfg.Credentials().Algorithm != ecpay.MD5 {
		t.Fatalf("expected md5 credentials for encrypt type 0")
	}
	if cfg.OTELEndpoint != "collector:4317" {
		t.Fatalf("expected otel endpoint from env, got %q", cfg.OTELEndpoint)
	}
	if !cfg.Redis.Enabled {
		t.Fatalf("expected redis enabled from env")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
port: "9090"
gateway:
  merchant_id: "3002599"
site:
  return_url: "https://shop.example.com/api/payments/callback"
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.Gateway.MerchantID != "3002599" {
		t.Fatalf("expected file values, got port=%q merchant=%q", cfg.Port, cfg.Gateway.MerchantID)
	}
	if cfg.Site.ReturnURL != "https://shop.example.com/api/payments/callback" {
		t.Fatalf("unexpected return url %q", cfg.Site.ReturnURL)
	}
	if cfg.Gateway.HashKey != "pwFHCqoQZGmho4w6" {
		t.Fatalf("expected default hash key to survive partial file")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "encrypt_type", key: "GATEWAY_ENCRYPT_TYPE", val: "7"},
		{name: "location", key: "SITE_LOCATION", val: "Nowhere/City"},
		{name: "merchant", key: "GATEWAY_MERCHANT_ID", val: " "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.val)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
