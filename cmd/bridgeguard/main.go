package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexafin/bridgeguard/internal/admin"
	"github.com/nexafin/bridgeguard/internal/breaker"
	"github.com/nexafin/bridgeguard/internal/capability"
	"github.com/nexafin/bridgeguard/internal/config"
	"github.com/nexafin/bridgeguard/internal/ratelimit"
	"github.com/nexafin/bridgeguard/internal/router"
	"github.com/nexafin/bridgeguard/internal/settlement"
	"github.com/nexafin/bridgeguard/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	authority, cred, err := capability.NewAuthority(logger)
	if err != nil {
		logger.Fatal("failed to mint administrative capability", zap.Error(err))
	}
	// The initial credential is logged once for the operator. Transfers
	// invalidate it; there is no recovery path other than a restart.
	logger.Info("administrative capability minted", zap.String("token", cred.Token()))

	limiter, processed := newBackends(cfg, authority, logger)
	brk := breaker.New(authority, cfg.Breaker.MaxFailures, logger)
	journal := settlement.NewJournal(&settlement.LogTarget{Logger: logger}, logger)

	rt := router.New(cfg.Path, router.EnvelopeVerifier{}, processed,
		brk, limiter, journal, authority, logger)

	seedPolicy(cfg, limiter, rt, cred, logger)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	admin.New(limiter, rt, brk, journal, authority, logger).Routes(engine)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("bridgeguard listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// newBackends picks the replay-protection and quota backends together.
// Multi-instance deployments share both digests and token buckets through
// a single Redis client.
func newBackends(cfg *config.Config, authority *capability.Authority,
	logger *zap.Logger) (ratelimit.Service, store.ProcessedSet) {

	if !cfg.Redis.Enabled {
		return ratelimit.NewLimiter(authority, logger), store.NewMemorySet()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info("using redis backends", zap.String("addr", cfg.Redis.Addr))
	return ratelimit.NewRedisLimiter(client, authority, logger), store.NewRedisSet(client)
}

// seedPolicy applies the boot-time emitter and rate limit, if configured.
func seedPolicy(cfg *config.Config, limiter ratelimit.Service, rt *router.Router,
	cred *capability.Capability, logger *zap.Logger) {

	if cfg.Emitter.Address != "" {
		addr := common.HexToHash(cfg.Emitter.Address)
		if err := rt.SetTrustedEmitter(cred, cfg.Emitter.ChainID, addr); err != nil {
			logger.Fatal("failed to seed trusted emitter", zap.Error(err))
		}
	}

	if cfg.RateLimit.Rate == "" && cfg.RateLimit.Capacity == "" {
		return
	}
	rate, ok1 := new(big.Int).SetString(cfg.RateLimit.Rate, 10)
	capacity, ok2 := new(big.Int).SetString(cfg.RateLimit.Capacity, 10)
	if !ok1 || !ok2 {
		logger.Fatal("ratelimit.rate and ratelimit.capacity must be decimal integers")
	}
	err := limiter.SetConfig(context.Background(), cred, cfg.Path, ratelimit.Config{
		Rate:     rate,
		Capacity: capacity,
		Enabled:  cfg.RateLimit.Enabled,
	})
	if err != nil {
		logger.Fatal("failed to seed rate limit", zap.Error(err))
	}
}
