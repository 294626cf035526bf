package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/basemap/auth-service/internal/audit"
	"github.com/basemap/auth-service/internal/config"
	"github.com/basemap/auth-service/internal/events"
	"github.com/basemap/auth-service/internal/httpserver"
	"github.com/basemap/auth-service/internal/repo"
	"github.com/basemap/auth-service/internal/secrets"
	"github.com/basemap/auth-service/internal/service"
	"github.com/basemap/auth-service/pkg/logging"
	loggingmw "github.com/basemap/auth-service/pkg/middleware/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	config.MustNonEmpty(cfg.DBHost, "DB_HOST")
	config.MustNonEmpty(cfg.DBName, "DB_NAME")

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := config.InitDB(initCtx, cfg)
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}

	var provider secrets.Provider
	if cfg.AWSRegion != "" {
		manager, err := secrets.NewManager(initCtx, secrets.AWSConfig{
			Region:          cfg.AWSRegion,
			BaseEndpoint:    cfg.AWSEndpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			log.Fatalf("secrets manager init error: %v", err)
		}
		provider = manager
	} else {
		config.MustNonEmpty(cfg.AccessSecret, "ACCESS_JWT_SECRET")
		config.MustNonEmpty(cfg.RefreshSecret, "REFRESH_JWT_SECRET")
		provider = secrets.Static{
			cfg.AccessSecretName:  cfg.AccessSecret,
			cfg.RefreshSecretName: cfg.RefreshSecret,
		}
	}
	provider = secrets.NewCache(provider, cfg.SecretCacheTTL)

	svc := &service.SessionService{
		Repo:              repo.GormRepo{DB: db},
		Secrets:           provider,
		AccessSecretName:  cfg.AccessSecretName,
		RefreshSecretName: cfg.RefreshSecretName,
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		svc.Events = producer
	}

	if cfg.ESURL != "" {
		sink, err := audit.NewSink(audit.Config{
			URL:      cfg.ESURL,
			Username: cfg.ESUser,
			Password: cfg.ESPassword,
			Index:    cfg.ESIndex,
		})
		if err != nil {
			log.Fatalf("audit sink init error: %v", err)
		}
		svc.Audit = sink
	}

	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 15 * time.Second
	e.Server.ReadHeaderTimeout = 3 * time.Second
	e.Use(loggingmw.RequestLogger(logger))

	httpserver.Register(e, &httpserver.Deps{
		SessionHandler: &httpserver.SessionHTTP{Svc: svc},
	})

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("echo start: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("echo shutdown: %v", err)
	}
}
