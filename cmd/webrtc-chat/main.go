package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mossy-p/webrtc-chat/config"
	"github.com/mossy-p/webrtc-chat/internal/chat"
	"github.com/mossy-p/webrtc-chat/internal/clock"
	"github.com/mossy-p/webrtc-chat/internal/handlers"
	clog "github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/middleware"
	"github.com/mossy-p/webrtc-chat/internal/redis"
	"github.com/mossy-p/webrtc-chat/internal/store"
	"github.com/mossy-p/webrtc-chat/internal/transport"
)

func main() {
	// Load configuration
	cfg, err := config.Parse(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger := clog.Init(cfg.Environment)
	if err := config.Validate(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.Store {
	case config.StoreRedis:
		if err := redis.Connect(ctx, cfg.Redis, logger); err != nil {
			logger.Fatal().Err(err).Msg("rendezvous store")
		}
		defer redis.Close()
		st = store.NewRedisStore(redis.GetClient(), logger.With().Str("component", "store").Logger())
	default:
		logger.Warn().Msg("using the in-memory store, only sessions in this process can meet")
		st = store.NewMemoryStore(time.Now)
	}

	// STUN servers take no credentials, TURN servers do.
	ice := transport.ICEConfigFromURLs(cfg.ICE.STUNURLs, "", "")
	turn := transport.ICEConfigFromURLs(cfg.ICE.TURNURLs, cfg.ICE.TURNUsername, cfg.ICE.TURNCredential)
	ice.Servers = append(ice.Servers, turn.Servers...)

	client := chat.New(st, transport.NewPionFactory(ice), clock.Real(), chat.Config{}, logger)
	defer client.Unload()

	limiter := middleware.NewRateLimiter(clock.Real(), rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst, 2*time.Minute)
	defer limiter.Stop()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.SetupRouter(cfg, client, limiter)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting chat API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
}
