// Command broker runs the vehicle-signal databroker: an in-memory,
// schema-typed publish/subscribe server over the kernel in
// internal/brokerapi, exposed through internal/transport.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vehiclebroker/databroker/internal/auth"
	"github.com/vehiclebroker/databroker/internal/brokerapi"
	"github.com/vehiclebroker/databroker/internal/config"
	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/housekeeping"
	"github.com/vehiclebroker/databroker/internal/logging"
	"github.com/vehiclebroker/databroker/internal/metrics"
	"github.com/vehiclebroker/databroker/internal/permissions"
	"github.com/vehiclebroker/databroker/internal/pipeline"
	"github.com/vehiclebroker/databroker/internal/subscriptions"
	"github.com/vehiclebroker/databroker/internal/transport"
)

var version = "dev"

func main() {
	cfgPath := env("BROKER_CONFIG_PATH", "")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	data := cfg.Get()

	logger, err := logging.New(data.LogLevel, data.LogFormat)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	logger.Info("databroker starting", zap.String("version", version))

	overflow, err := parseOverflow(data.DefaultOverflowPolicy)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	store := entrystore.New()
	changes := make(chan *pipeline.ChangeSet, data.SubscriptionQueueCapacity)
	pl := pipeline.New(store, changes, logger)
	engine := subscriptions.New(store, logger)
	api := brokerapi.New(store, pl, engine, logger)

	m := metrics.New()
	pl.SetMetrics(m)
	engine.SetMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx, changes)

	if data.CataloguePath != "" {
		if err := loadCatalogue(api, data.CataloguePath); err != nil {
			logger.Fatal("catalogue", zap.Error(err))
		}
	}

	var verifier *auth.Verifier
	if !data.AuthDisabled {
		pem, err := os.ReadFile(data.JWTPublicKeyPath)
		if err != nil {
			logger.Fatal("jwt public key", zap.Error(err))
		}
		verifier, err = auth.NewVerifier(pem)
		if err != nil {
			logger.Fatal("jwt public key", zap.Error(err))
		}
	}

	hk := housekeeping.New(fmt.Sprintf("@every %s", data.HousekeepingInterval), func() int {
		return engine.SweepExpired(time.Now())
	}, logger)
	if err := hk.Start(ctx); err != nil {
		logger.Fatal("housekeeping", zap.Error(err))
	}

	srv := transport.New(transport.Deps{
		API:                       api,
		Verifier:                  verifier,
		AuthDisabled:              data.AuthDisabled,
		SubscriptionQueueCapacity: data.SubscriptionQueueCapacity,
		DefaultOverflow:           overflow,
		Log:                       logger,
	})

	metricsSrv := &http.Server{Addr: data.MetricsBindAddress, Handler: m.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	ln, err := net.Listen("tcp", data.BindAddress)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	srv.SetReady()

	httpSrv := &http.Server{Handler: srv.Handler}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("listening", zap.String("addr", data.BindAddress))
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http", zap.Error(err))
		}
	}()

	<-sigCh
	logger.Info("shutting down")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		logger.Error("metrics shutdown", zap.Error(err))
	}
}

func parseOverflow(name string) (subscriptions.OverflowPolicy, error) {
	switch name {
	case "drop_oldest", "":
		return subscriptions.DropOldest, nil
	case "drop_connection":
		return subscriptions.DropConnection, nil
	default:
		return 0, fmt.Errorf("unknown default_overflow_policy %q", name)
	}
}

func loadCatalogue(api *brokerapi.API, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalogue: %w", err)
	}
	var metas []entrystore.Metadata
	if err := json.Unmarshal(b, &metas); err != nil {
		return fmt.Errorf("parse catalogue: %w", err)
	}
	ids := api.RegisterDatapoints(permissions.AllowAll(), metas)
	if len(ids) != len(metas) {
		return fmt.Errorf("catalogue: only %d/%d entries registered", len(ids), len(metas))
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
