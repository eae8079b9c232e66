package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fiscalight/fiscalight/internal/gateway"
	"github.com/fiscalight/fiscalight/internal/infrastructure/config"
	"github.com/fiscalight/fiscalight/internal/infrastructure/eventbus"
	"github.com/fiscalight/fiscalight/internal/invoices"
	"github.com/fiscalight/fiscalight/internal/liquidity"
	"github.com/fiscalight/fiscalight/internal/monitor"
	"github.com/fiscalight/fiscalight/internal/rates"
	"github.com/fiscalight/fiscalight/internal/tax"
	"github.com/fiscalight/fiscalight/internal/webhooks"
	"github.com/fiscalight/fiscalight/pkg/logger"
	"github.com/fiscalight/fiscalight/pkg/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("FISCALIGHT_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	bus := eventbus.NewInMemoryBus(zapLogger, 256)
	ctx := context.Background()
	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer bus.Stop(context.Background())

	gw, err := buildGateway(cfg.Node, zapLogger)
	if err != nil {
		return fmt.Errorf("failed to build node gateway: %w", err)
	}
	defer gw.Close()

	oracle := rates.NewOracle(rates.Config{
		CacheTTL:           cfg.Rates.CacheTTL,
		MinRequestInterval: cfg.Rates.MinRequestInterval,
		FallbackRate:       decimal.NewFromFloat(cfg.Rates.FallbackRateEUR),
		BreakerMaxFailures: cfg.Rates.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.Rates.BreakerOpenTimeout,
	}, buildProviders(cfg.Rates), zapLogger, m)

	repo, err := invoices.NewGormRepository(db)
	if err != nil {
		return err
	}

	taxEngine := tax.NewEngine(tax.Config{
		AMLThresholdEUR: decimal.NewFromFloat(cfg.Compliance.AMLThresholdEUR),
	}, repo, bus, zapLogger)

	lifecycle := invoices.NewService(repo, gw, oracle, taxEngine, bus, zapLogger)

	settlementMonitor := monitor.New(monitor.Config{
		PollInterval: cfg.Monitor.PollInterval,
		Concurrency:  cfg.Monitor.Concurrency,
	}, repo, gw, lifecycle, taxEngine, zapLogger, m)
	if err := settlementMonitor.Start(); err != nil {
		return err
	}
	defer settlementMonitor.Stop()

	analyzer := liquidity.New(liquidity.Config{
		CheckInterval:        cfg.Liquidity.CheckInterval,
		MinInboundRatio:      cfg.Liquidity.MinInboundRatio,
		CriticalInboundRatio: cfg.Liquidity.CriticalInboundRatio,
		MaxOutboundRatio:     cfg.Liquidity.MaxOutboundRatio,
		RebalanceCapSat:      cfg.Liquidity.RebalanceCapSat,
		RebalanceFeePPM:      cfg.Liquidity.RebalanceFeePPM,
	}, gw, bus, zapLogger, m)
	if err := analyzer.Start(); err != nil {
		return err
	}
	defer analyzer.Stop()

	router := buildRouter(cfg, lifecycle, taxEngine, oracle, bus, zapLogger, m, registry)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		zapLogger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		zapLogger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	}
}

func buildGateway(cfg config.NodeConfig, zapLogger *zap.Logger) (gateway.Gateway, error) {
	gwCfg := gateway.Config{
		Host:               cfg.Host,
		TLSCertPath:        cfg.TLSCertPath,
		MacaroonPath:       cfg.MacaroonPath,
		RPCTimeout:         cfg.RPCTimeout,
		MaxRetries:         cfg.MaxRetries,
		RetryBackoff:       cfg.RetryBackoff,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
	}
	if cfg.UseStub {
		zapLogger.Warn("using stub node gateway, no lightning node configured")
		return gateway.NewStubGateway(gwCfg, zapLogger), nil
	}
	return gateway.NewLNDGateway(gwCfg, zapLogger)
}

func buildProviders(cfg config.RatesConfig) []rates.Provider {
	var providers []rates.Provider
	if cfg.CoinGeckoEnabled {
		providers = append(providers, rates.NewCoinGeckoProvider(cfg.RequestTimeout))
	}
	if cfg.CoinMarketEnabled && cfg.CoinMarketAPIKey != "" {
		providers = append(providers, rates.NewCoinMarketProvider(cfg.CoinMarketAPIKey, cfg.RequestTimeout))
	}
	return providers
}

func buildRouter(cfg *config.Config, lifecycle *invoices.Service, taxEngine *tax.Engine, oracle *rates.Oracle, bus eventbus.Bus, zapLogger *zap.Logger, m *metrics.Metrics, registry *prometheus.Registry) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/rate", func(c *gin.Context) {
		c.JSON(http.StatusOK, oracle.CurrentRateInfo())
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	webhookHandler := webhooks.NewHandler(
		cfg.Server.WebhookSecret,
		webhooks.NewLifecycleApplier(lifecycle),
		taxEngine,
		bus,
		zapLogger,
		m,
	)
	webhookHandler.Register(router)

	return router
}
