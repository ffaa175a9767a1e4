package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade_engine/internal/broadcast"
	"trade_engine/internal/cache"
	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/exchange/binance"
	"trade_engine/internal/fillmonitor"
	"trade_engine/internal/logging"
	"trade_engine/internal/order"
	"trade_engine/internal/position"
	"trade_engine/internal/precision"
	"trade_engine/internal/risk"
	intake "trade_engine/internal/signal"
	"trade_engine/internal/store"
	"trade_engine/pkg/telemetry"

	"github.com/joho/godotenv"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	adminOp    = flag.String("admin", "", "Run one admin operation and exit: pause|resume|force-close|block|unblock|skip-once|evaluate|sync")
	adminUser  = flag.String("user", "", "User id for admin operations")
	adminGroup = flag.String("group", "", "Position group id for admin operations")
)

const precisionTTL = 30 * time.Minute

type services struct {
	cfg     *config.Config
	logger  *logging.ZapLogger
	users   *store.UserStore
	monitor *fillmonitor.Monitor
	risk    *risk.Engine
	intake  *intake.Intake
}

func main() {
	flag.Parse()

	// 1. Environment and configuration
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	svcs, cleanup, err := buildServices(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to wire services", "error", err.Error())
	}
	defer cleanup()

	if *adminOp != "" {
		if err := runAdmin(svcs, *adminOp, *adminUser, *adminGroup); err != nil {
			logger.Fatal("Admin operation failed", "op", *adminOp, "error", err.Error())
		}
		logger.Info("Admin operation completed", "op", *adminOp)
		return
	}

	run(svcs)
}

func buildServices(cfg *config.Config, logger *logging.ZapLogger) (*services, func(), error) {
	// 2. Telemetry
	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			return nil, nil, fmt.Errorf("telemetry init: %w", err)
		}
		go func() {
			if err := telemetry.ServeMetrics(cfg.Telemetry.MetricsPort); err != nil {
				logger.Error("Metrics server stopped", "error", err.Error())
			}
		}()
	}

	// 3. Storage
	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	positionsRepo := store.NewPositionStore(db)
	ordersRepo := store.NewOrderStore(db)
	pyramidsRepo := store.NewPyramidStore(db)
	usersRepo := store.NewUserStore(db)
	signalsRepo := store.NewSignalStore(db)
	actionsRepo := store.NewRiskActionStore(db)

	// 4. Cache: redis when configured, in-memory fallback otherwise
	var cacheImpl core.Cache
	var closeCache func()
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		cacheImpl = rc
		closeCache = func() { _ = rc.Close() }
	} else {
		logger.Warn("Redis not configured, using in-process cache")
		cacheImpl = cache.NewMemoryCache()
		closeCache = func() {}
	}

	// 5. Broadcaster
	var broadcaster core.Broadcaster
	if cfg.Telegram.Enabled {
		tb, err := broadcast.NewTelegramBroadcaster(cfg.Telegram.BotToken, cfg.Telegram.ChatID, positionsRepo, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("telegram: %w", err)
		}
		broadcaster = tb
	} else {
		broadcaster = broadcast.NewNoop()
	}

	// 6. Trading services
	factory := binance.NewFactory(logger)
	precisionCache := precision.NewCache(precisionTTL, logger)
	orderSvc := order.NewService(ordersRepo, positionsRepo, precisionCache, cfg.Orders, logger)
	posMgr := position.NewManager(positionsRepo, ordersRepo, pyramidsRepo, usersRepo,
		orderSvc, factory, precisionCache, broadcaster, logger)
	riskEngine := risk.NewEngine(usersRepo, positionsRepo, ordersRepo, actionsRepo,
		orderSvc, posMgr, factory, precisionCache, broadcaster, cfg.Risk, logger)
	monitor := fillmonitor.NewMonitor(usersRepo, positionsRepo, ordersRepo, orderSvc,
		posMgr, factory, cacheImpl, broadcaster, cfg.Monitor, cfg.Concurrency, logger)
	intakeSvc := intake.NewIntake(usersRepo, signalsRepo, positionsRepo, posMgr,
		riskEngine, cacheImpl, logger)

	// fills trigger an immediate risk pass for users that opted in
	monitor.SetFillHook(func(ctx context.Context, userID string) {
		user, err := usersRepo.Get(ctx, userID)
		if err != nil || !user.RiskConfig.EvaluateOnFill {
			return
		}
		if err := riskEngine.EvaluateUser(ctx, userID); err != nil {
			logger.Warn("On-fill risk evaluation failed", "user_id", userID, "error", err.Error())
		}
	})

	svcs := &services{
		cfg:     cfg,
		logger:  logger,
		users:   usersRepo,
		monitor: monitor,
		risk:    riskEngine,
		intake:  intakeSvc,
	}
	return svcs, closeCache, nil
}

func run(s *services) {
	logger := s.logger
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 7. Converge local state with the exchange before trading resumes
	logger.Info("Reconciling open orders with exchange state")
	if err := s.monitor.ReconcileOnBoot(ctx); err != nil {
		logger.Error("Boot reconcile failed, continuing with stored state", "error", err.Error())
	}

	// 8. Long-running loops
	if err := s.monitor.Start(ctx); err != nil {
		logger.Fatal("Failed to start fill monitor", "error", err.Error())
	}
	if err := s.risk.Start(ctx); err != nil {
		logger.Fatal("Failed to start risk engine", "error", err.Error())
	}
	go s.promoteLoop(ctx)

	if s.cfg.Webhook.Enabled {
		go s.serveWebhook(ctx)
	}

	logger.Info("Engine started",
		"poll_interval", s.cfg.Monitor.PollingIntervalSeconds,
		"risk_interval", s.cfg.Risk.EvaluateIntervalSeconds)

	// 9. Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	cancel()
	s.risk.Stop()
	s.monitor.Stop()
	logger.Info("Engine stopped")
}

// promoteLoop periodically re-runs the pre-trade gate over queued signals.
func (s *services) promoteLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Webhook.PromoteIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users, err := s.users.GetActive(ctx)
			if err != nil {
				s.logger.Error("Failed to list users for promotion", "error", err.Error())
				continue
			}
			for _, user := range users {
				n, err := s.intake.PromoteQueued(ctx, user.ID)
				if err != nil {
					s.logger.Error("Queue promotion failed", "user_id", user.ID, "error", err.Error())
					continue
				}
				if n > 0 {
					s.logger.Info("Promoted queued signals", "user_id", user.ID, "count", n)
				}
			}
		}
	}
}

// serveWebhook exposes the bare signal intake endpoint. Authentication and
// rate limiting are expected in front of the engine.
func (s *services) serveWebhook(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var sig core.Signal
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			http.Error(w, "malformed signal", http.StatusBadRequest)
			return
		}
		if sig.UserID == "" || sig.Symbol == "" || sig.Exchange == "" {
			http.Error(w, "user_id, exchange, and symbol are required", http.StatusBadRequest)
			return
		}
		if err := s.intake.Handle(r.Context(), &sig); err != nil {
			s.logger.Error("Signal handling failed",
				"user_id", sig.UserID, "symbol", sig.Symbol, "error", err.Error())
			http.Error(w, "signal rejected", http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Webhook.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Webhook listener started", "port", s.cfg.Webhook.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Webhook listener stopped", "error", err.Error())
	}
}

// runAdmin executes one management operation against the shared database.
func runAdmin(s *services, op, userID, groupID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if userID == "" {
		return fmt.Errorf("admin operations require -user")
	}

	switch op {
	case "pause":
		return s.risk.PauseUser(ctx, userID)
	case "resume":
		return s.risk.ResumeUser(ctx, userID)
	case "evaluate":
		return s.risk.EvaluateUser(ctx, userID)
	case "sync":
		return s.risk.SyncWithExchange(ctx, userID)
	case "force-close":
		if groupID == "" {
			return fmt.Errorf("force-close requires -group")
		}
		return s.risk.ForceClose(ctx, userID, groupID)
	case "block":
		if groupID == "" {
			return fmt.Errorf("block requires -group")
		}
		return s.risk.SetBlocked(ctx, userID, groupID, true)
	case "unblock":
		if groupID == "" {
			return fmt.Errorf("unblock requires -group")
		}
		return s.risk.SetBlocked(ctx, userID, groupID, false)
	case "skip-once":
		if groupID == "" {
			return fmt.Errorf("skip-once requires -group")
		}
		return s.risk.SetSkipOnce(ctx, userID, groupID)
	default:
		return fmt.Errorf("unknown admin operation %q", op)
	}
}
