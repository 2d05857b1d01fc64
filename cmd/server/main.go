package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/shopledger/backend/api"
	"github.com/shopledger/backend/internal/audit"
	"github.com/shopledger/backend/internal/config"
	"github.com/shopledger/backend/internal/database"
	"github.com/shopledger/backend/internal/handlers"
	"github.com/shopledger/backend/internal/logger"
	mW "github.com/shopledger/backend/internal/middleware"
	"github.com/shopledger/backend/internal/notify"
	"github.com/shopledger/backend/internal/services"
)

func main() {
	cfg := config.Load(viper.New())
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			log.WithError(err).Fatal("Failed to migrate schema")
		}
	}

	redisClient := database.OpenRedis(ctx, cfg.Redis, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	notifier, closeNotifier := buildNotifier(cfg, log)
	defer closeNotifier()

	// Services
	auditLog := audit.NewLogger(log)
	wallets := services.NewWalletStore(db)
	ledger := services.NewLedgerWriter(db)
	codes := services.NewCodeGenerator(db, reserverFor(redisClient), cfg.Settlement, log)

	pipeline := services.NewSideEffectPipeline(db, redisClient, notifier, cfg.SideEffects, log)
	pipeline.Start()

	settlement := services.NewSettlementService(db, codes, wallets, ledger, pipeline, auditLog, cfg.Settlement, cfg.Cycle.PendingOrderTTL, log)
	reconciliation := services.NewReconciliationService(db, codes, wallets, ledger, pipeline, auditLog, cfg.Settlement, log)
	orders := services.NewOrderService(db, codes, wallets, ledger, auditLog, cfg.Settlement, log)
	paymentQR := services.NewPaymentQRService(cfg.PaymentQR)

	scheduler, err := services.NewCycleScheduler(db, orders, pipeline, cfg.Cycle, log)
	if err != nil {
		log.WithError(err).Fatal("Invalid cycle configuration")
	}
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	// Handlers
	checkoutHandler := handlers.NewCheckoutHandler(codes, settlement, paymentQR, log)
	walletHandler := handlers.NewWalletHandler(wallets, ledger, log)
	orderHandler := handlers.NewOrderHandler(orders, log)
	webhookHandler := handlers.NewWebhookHandler(reconciliation, log)

	checkoutLimiter := mW.NewKeyedLimiter(cfg.Settlement.CheckoutRatePerSecond, cfg.Settlement.CheckoutBurst)
	webhookLimiter := mW.NewKeyedLimiter(cfg.Webhook.RatePerSecond, cfg.Webhook.Burst)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy", "database": "up", "redis": "disabled"}
		code := http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			status["status"], status["database"] = "unhealthy", "down"
			code = http.StatusServiceUnavailable
		}
		if redisClient != nil {
			status["redis"] = "up"
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				status["redis"] = "down"
			}
		}
		services.SendJSON(w, code, status)
	})

	r.Handle("/metrics", promhttp.Handler())

	// API documentation
	api.Mount(r)

	// Provider callbacks authenticate by signature, not by token
	r.Group(func(r chi.Router) {
		r.Use(mW.RateLimit(webhookLimiter, mW.ByClientIP))
		r.Use(mW.WebhookSignature(cfg.Webhook.Secret, cfg.Webhook.SignatureHeader, log))

		r.Post("/webhooks/payments", webhookHandler.PaymentCallback)
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.Auth(cfg.JWT.SecretKey))

			r.Get("/wallet", walletHandler.GetWallet)
			r.Get("/wallet/transactions", walletHandler.ListTransactions)
			r.Get("/orders/{orderCode}", orderHandler.GetOrder)

			r.Group(func(r chi.Router) {
				r.Use(mW.RateLimit(checkoutLimiter, mW.ByAccount))

				r.Post("/checkout/codes", checkoutHandler.ReserveCodes)
				r.Post("/checkout/wallet", checkoutHandler.PayWithWallet)
				r.Post("/checkout/transfer", checkoutHandler.PayByTransfer)
			})

			// Operator actions
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(mW.RoleAdmin))

				r.Post("/orders/{orderCode}/cancel", orderHandler.CancelOrder)
				r.Post("/orders/{orderCode}/fulfil", orderHandler.FulfilOrder)
			})
		})
	})

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		log.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	log.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	<-schedulerDone

	// In-flight fulfillment rows and notifications finish before the pools close
	if err := pipeline.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Side effects did not drain before shutdown")
	}

	log.Info("Server stopped")
}

func reserverFor(client *redis.Client) services.CodeReserver {
	if client == nil {
		return nil
	}
	return services.NewRedisReserver(client)
}

// buildNotifier fans out to every configured channel; the log sink is always on.
func buildNotifier(cfg *config.Config, log *logrus.Logger) (notify.Notifier, func()) {
	sinks := notify.Multi{notify.NewLogNotifier(log)}
	closeFn := func() {}

	if cfg.RabbitMQ.URL != "" {
		rabbit, err := notify.DialRabbit(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey, log)
		if err != nil {
			log.WithError(err).Warn("RabbitMQ unavailable, order summaries will not be published")
		} else {
			sinks = append(sinks, rabbit)
			closeFn = func() {
				if err := rabbit.Close(); err != nil {
					log.WithError(err).Warn("Failed to close RabbitMQ connection")
				}
			}
		}
	}

	if cfg.Notify.TelegramBotToken != "" {
		client := &http.Client{Timeout: cfg.SideEffects.NotifyTimeout}
		sinks = append(sinks, notify.NewTelegramNotifier(cfg.Notify.TelegramBaseURL, cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID, client))
	}

	return sinks, closeFn
}
