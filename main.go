package main

import (
	"context"
	"errors"
	"io"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"time"

	"futuresRiskBot/config"
	"futuresRiskBot/internal/adapters/binanceclient"
	"futuresRiskBot/internal/adapters/jsonfeed"
	"futuresRiskBot/internal/adapters/logger"
	"futuresRiskBot/internal/adapters/metrics"
	"futuresRiskBot/internal/adapters/paper"
	"futuresRiskBot/internal/adapters/sqlite"
	"futuresRiskBot/internal/advisory"
	"futuresRiskBot/internal/app"
	"futuresRiskBot/internal/ports"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger.With("sqlite"),
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 4. Initialize Exchange (paper account or Binance futures)
	var (
		executor  ports.OrderExecutor
		market    ports.MarketDataProvider
		paperEx   *paper.Exchange
		exchangeN string
	)
	if cfg.PaperTrading {
		paperEx, err = paper.New(paper.Config{
			QuoteAsset:     cfg.QuoteAsset,
			InitialBalance: cfg.PaperInitialBalance,
			SlippageBps:    cfg.PaperSlippageBps,
			Logger:         appLogger.With("paper"),
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize paper exchange")
			log.Fatalf("FATAL: Failed to initialize paper exchange: %v", err)
		}
		executor, market, exchangeN = paperEx, paperEx, "paper"
	} else {
		binanceClient, err := binanceclient.New(binanceclient.Config{
			APIKey:      cfg.APIKey,
			SecretKey:   cfg.SecretKey,
			UseTestnet:  cfg.IsTestnet,
			Logger:      appLogger.With("binance"),
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
			log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
		}
		executor, market, exchangeN = binanceClient, binanceClient, "binance"
	}
	appLogger.Info(ctx, "Exchange initialized", map[string]interface{}{"exchange": exchangeN, "testnet": cfg.IsTestnet})

	// 5. Initialize Opportunity Feed
	feed, err := jsonfeed.New(jsonfeed.Config{
		Path:   cfg.OpportunityFeedPath,
		Reader: stdinUnlessPath(cfg.OpportunityFeedPath),
		Logger: appLogger.With("feed"),
		Buffer: 64,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize opportunity feed")
		log.Fatalf("FATAL: Failed to initialize opportunity feed: %v", err)
	}

	// 6. Initialize Advisory Signal
	var advisor ports.Advisor = advisory.Neutral{}
	if cfg.AdvisoryMode == "hashed" {
		advisor = advisory.NewHashed(cfg.AdvisoryBucket, cfg.AdvisoryFloor, cfg.AdvisoryCeil, cfg.AdvisorySeed)
	}

	// 7. Initialize Metrics
	var recorder ports.MetricsRecorder = metrics.Nop{}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		prom := metrics.NewRecorder(true)
		recorder = prom
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(ctx, err, "Metrics server stopped")
			}
		}()
		appLogger.Info(ctx, "Metrics server listening", map[string]interface{}{"addr": cfg.MetricsAddr})
	}

	// 8. Initialize Application Service
	tradingService, err := app.NewTradingService(cfg, app.Dependencies{
		Logger:    appLogger.With("engine"),
		Executor:  executor,
		Market:    market,
		Feed:      feed,
		Positions: repo,
		Trades:    repo,
		Advisor:   advisory.Bounded{Inner: advisor},
		Metrics:   recorder,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	if paperEx != nil {
		paperEx.OnFill(tradingService.HandleFill)
	}
	go logEvents(ctx, appLogger.With("events"), tradingService.Events())
	appLogger.Info(ctx, "Trading service initialized")

	// 9. Start the Service
	if err := tradingService.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	st := tradingService.GetSystemStatus()
	appLogger.Info(ctx, "Final state", map[string]interface{}{
		"openPositions": st.ActivePositions,
		"totalTrades":   st.Metrics.TotalTrades,
		"winRate":       st.Metrics.WinRate,
		"profitFactor":  st.Metrics.ProfitFactor,
		"netProfit":     st.Metrics.TotalProfit - st.Metrics.TotalLoss,
	})

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	appLogger.Info(ctx, "Application finished gracefully.")
}

// logEvents drains the engine event stream into the log.
func logEvents(ctx context.Context, l ports.Logger, events <-chan app.Event) {
	for ev := range events {
		fields := map[string]interface{}{"type": ev.Type, "symbol": ev.Symbol}
		switch ev.Type {
		case app.EventOpportunityRejected:
			fields["reason"] = ev.Reason
			l.Debug(ctx, "Engine event", fields)
		case app.EventOpportunityError:
			l.Error(ctx, ev.Err, "Engine event", fields)
		case app.EventExitOrdersPlaced:
			fields["placed"], fields["failed"] = ev.Placed, ev.Failed
			l.Debug(ctx, "Engine event", fields)
		default:
			if ev.Position != nil {
				fields["positionID"] = ev.Position.ID
				fields["pnl"] = ev.Position.PNL
			}
			l.Info(ctx, "Engine event", fields)
		}
	}
}

// stdinUnlessPath reads opportunities from stdin when no feed file is configured.
func stdinUnlessPath(path string) io.Reader {
	if path == "" {
		return os.Stdin
	}
	return nil
}
