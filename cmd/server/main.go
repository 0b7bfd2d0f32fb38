package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/iqa-scorer/internal/cache"
	"github.com/Brownie44l1/iqa-scorer/internal/config"
	"github.com/Brownie44l1/iqa-scorer/internal/handlers"
	"github.com/Brownie44l1/iqa-scorer/internal/logging"
	"github.com/Brownie44l1/iqa-scorer/internal/model"
	"github.com/Brownie44l1/iqa-scorer/internal/scoring"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Server.Mode == config.Development)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := model.NewRuntime(cfg.RuntimeOptions())
	if err != nil {
		logger.Fatal("failed to initialize onnx runtime", zap.Error(err))
	}
	defer rt.Close()

	service, err := scoring.LoadService(rt, cfg.Model.WeightsDir, cfg.Model.WeightsExt, cfg.ScoringOptions(), logger)
	if err != nil {
		logger.Fatal("failed to load model weights", zap.Error(err), zap.String("weights_dir", cfg.Model.WeightsDir))
	}
	defer service.Close()

	scoreCache := initCache(cfg.Cache.RedisAddr, logger)

	router := newRouter(cfg.Server.Mode)
	handler := handlers.NewHandler(service, handlers.Options{
		MaxConcurrent: int64(cfg.Server.MaxConcurrent),
		MaxUploadSize: cfg.Server.MaxUploadBytes,
		Cache:         scoreCache,
		CacheTTL:      time.Duration(cfg.Cache.TTL),
	}, logger)
	handler.RegisterRoutes(router)

	addr := cfg.ListenAddr()
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	logger.Info("image quality server listening",
		zap.String("addr", addr),
		zap.String("mode", string(cfg.Server.Mode)),
		zap.Int("max_concurrent", cfg.Server.MaxConcurrent))
	if err := serveHTTPServer(server, time.Duration(cfg.Server.ShutdownTimeout), logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newRouter returns a gin engine configured for mode.
func newRouter(mode config.ServerMode) *gin.Engine {
	if mode == config.Development {
		gin.SetMode(gin.DebugMode)
		router := gin.Default()
		router.MaxMultipartMemory = handlers.DefaultMaxUploadSize
		return router
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = handlers.DefaultMaxUploadSize
	return router
}

// initCache connects to Redis when addr is set and falls back to no caching
// when it is empty or unreachable.
func initCache(addr string, logger *zap.Logger) cache.Cache {
	if addr == "" {
		return cache.Nop{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := cache.Dial(ctx, addr)
	if err != nil {
		logger.Warn("score cache disabled", zap.String("addr", addr), zap.Error(err))
		return cache.Nop{}
	}
	logger.Info("score cache enabled", zap.String("addr", addr))
	return cache.NewRedisCache(client)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
