package main

import (
	"context"
	"flag"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lantern-payments/config"
	"lantern-payments/ecpay"
	"lantern-payments/events"
	"lantern-payments/handlers"
	"lantern-payments/logging"
	"lantern-payments/monitoring"
	"lantern-payments/service"
	"lantern-payments/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.InitLogger(cfg.ServiceName, cfg.OTELEndpoint); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logging.Sync()
	defer func() {
		if err := logging.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down logger provider", zap.Error(err))
		}
	}()

	// Initialize OpenTelemetry
	tp, tracer, err := monitoring.InitTracer(cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		logging.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	mp, metricsHandler, err := monitoring.InitMeter(cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		logging.Fatal("Failed to initialize meter", zap.Error(err))
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	ctx := context.Background()

	ids, err := events.NewIDGenerator(cfg.RabbitMQ.NodeID)
	if err != nil {
		logging.Fatal("Failed to initialize event ids", zap.Error(err))
	}

	// Initialize storage and messaging
	deps := service.Dependencies{
		Codec:    ecpay.NewCodec(cfg.Credentials()),
		Store:    openStore(ctx, cfg.MySQL),
		EventIDs: ids,
		Gateway:  service.NewGatewayClient(cfg.Gateway.QueryURL, service.DefaultGatewayTimeout),
	}

	if cfg.Redis.Enabled {
		client, err := storage.OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logging.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer client.Close()
		deps.Ledger = storage.NewRedisLedger(client, storage.DefaultLedgerTTL)
	}

	if cfg.RabbitMQ.Enabled {
		publisher, err := events.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, ids)
		if err != nil {
			logging.Fatal("Failed to connect to rabbitmq", zap.Error(err))
		}
		defer publisher.Close()
		deps.Publisher = publisher
	}

	// Initialize service layer
	paymentService := service.NewPaymentService(tracer, service.Site{
		CheckoutURL:   cfg.Gateway.CheckoutURL,
		ReturnURL:     cfg.Site.ReturnURL,
		ClientBackURL: cfg.Site.ClientBackURL,
		Location:      cfg.TradeLocation(),
	}, deps)

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(paymentService)

	// Setup Gin router
	gin.SetMode(cfg.Mode)
	r := handlers.NewRouter(cfg.ServiceName, paymentHandler, metricsHandler)

	// Start server
	logging.Info("Payments service starting",
		zap.String("port", cfg.Port),
		logging.Masked("merchant_id", cfg.Gateway.MerchantID),
		zap.String("encrypt_type", cfg.Gateway.EncryptType),
		zap.Bool("mysql", cfg.MySQL.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("rabbitmq", cfg.RabbitMQ.Enabled),
	)
	if err := r.Run(":" + cfg.Port); err != nil {
		logging.Fatal("Failed to start server", zap.Error(err))
	}
}

// openStore returns the MySQL repository, or an in-process store when MySQL is disabled
func openStore(ctx context.Context, cfg config.MySQLConfig) service.OrderStore {
	if !cfg.Enabled {
		logging.Warn("MySQL disabled, payment attempts are kept in memory")
		return storage.NewMemoryStore()
	}

	db, err := storage.OpenMySQL(cfg.DSN, cfg.MaxIdleConns, cfg.MaxOpenConns)
	if err != nil {
		logging.Fatal("Failed to connect to order database", zap.Error(err))
	}
	repo := storage.NewOrderRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		logging.Fatal("Failed to migrate payment attempts", zap.Error(err))
	}
	return repo
}
