package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dukaan/backend/internal/cache"
	"dukaan/backend/internal/cart"
	"dukaan/backend/internal/config"
	"dukaan/backend/internal/httpapi"
	"dukaan/backend/internal/lock"
	"dukaan/backend/internal/rates"
	"dukaan/backend/internal/service"
	"dukaan/backend/internal/store"
	"dukaan/backend/internal/store/memory"
	pgstore "dukaan/backend/internal/store/postgres"
	"dukaan/backend/internal/transfer"
	"dukaan/backend/internal/upstream"
)

func main() {
	cfg := config.Load()
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var sagas store.SagaStore
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory sagas", zap.Error(err))
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("saga schema setup failed", zap.Error(err))
		}
		sagas = pg
		closers = append(closers, pg.Close)
		logger.Info("saga store: postgres")
	} else {
		sagas = memory.New()
		logger.Warn("saga store: in-memory; orphaned exchanges are lost on restart")
	}

	lotCache := cache.LotCache(cache.NewMemoryLotCache(4096, cfg.LotCacheTTL))
	locker := lock.Locker(lock.NewLocalLocker())
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisLotCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using process-local lot cache and locks", zap.Error(err))
			_ = client.Close()
		} else {
			lotCache = redisCache
			locker = lock.NewRedisLocker(client)
			closers = append(closers, client.Close)
			logger.Info("lot cache and submit locks: redis")
		}
	} else {
		logger.Info("lot cache and submit locks: in-process")
	}

	backOffice := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamTimeout, logger.Named("upstream"))
	closers = append(closers, backOffice.Close)

	lots := cache.NewLotSource(lotCache, backOffice, cfg.LotCacheTTL, logger.Named("lots"))
	svc := service.New(service.Deps{
		Carts:          cart.NewRegistry(lots, logger.Named("cart")),
		Lots:           lots,
		Rates:          rates.NewKeeper(backOffice, cfg.RateMaxAge, logger.Named("rates")),
		Upstream:       backOffice,
		Transfers:      transfer.NewCoordinator(backOffice, lots, logger.Named("transfer")),
		Sagas:          sagas,
		Locker:         locker,
		Logger:         logger.Named("service"),
		DefaultStoreID: cfg.StoreID,
		LockTTL:        3*cfg.UpstreamTimeout + 10*time.Second,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.ManagerPIN)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger.Named("http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("POS settlement backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if isBcryptHash(cfg.ManagerPIN) {
		return nil
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

func isBcryptHash(value string) bool {
	return len(value) == 60 && value[0] == '$' && value[1] == '2'
}

// validatePINStrength rejects PINs that repeat one digit, run in sequence,
// or appear on the common-PIN list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "121212": true,
		"112233": true, "123123": true, "159753": true, "147258": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
