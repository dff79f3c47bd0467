// Package main starts the flow2api server: it selects a persistence backend,
// wires the upstream Flow client to a challenge solver, and serves the
// management API while background maintenance keeps the token pool healthy.
package main

import (
	"context"
	"errors"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/yuunie/flow2api/internal/api"
	"github.com/yuunie/flow2api/internal/captcha"
	"github.com/yuunie/flow2api/internal/config"
	"github.com/yuunie/flow2api/internal/flow"
	"github.com/yuunie/flow2api/internal/logging"
	"github.com/yuunie/flow2api/internal/store"
	"github.com/yuunie/flow2api/internal/token"
	"github.com/yuunie/flow2api/internal/util"
	"github.com/yuunie/flow2api/internal/watcher"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Configure File Path")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Errorf("failed to load config from %s: %v", configPath, err)
		return
	}
	util.SetLogLevel(cfg)
	if errLog := logging.ConfigureLogOutput(cfg); errLog != nil {
		log.Warnf("failed to configure log output: %v", errLog)
	}

	st, err := selectStore(cfg)
	if err != nil {
		log.Errorf("failed to initialize token store: %v", err)
		return
	}
	defer func() { _ = st.Close() }()

	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 10*time.Second)
	if errSeed := token.SeedErrorBanThreshold(seedCtx, st, cfg.ErrorBanThreshold); errSeed != nil {
		log.Warnf("failed to apply error ban threshold from config: %v", errSeed)
	}
	cancelSeed()

	flowClient := flow.NewClient(cfg)
	solver, err := captcha.New(cfg, flowClient.ProjectPageURL)
	if err != nil {
		log.Errorf("failed to initialize challenge solver: %v", err)
		return
	}
	defer func() { _ = solver.Close() }()
	flowClient.SetChallengeProvider(solver)

	var cookies token.SessionCookieReader
	if reader, ok := solver.(token.SessionCookieReader); ok {
		cookies = reader
	}
	manager := token.NewManager(st, flowClient, cookies)

	server := api.NewServer(cfg, st, manager)

	if w, errWatch := watcher.New(configPath); errWatch == nil {
		w.Subscribe(server.ApplyConfig)
		w.Subscribe(func(next *config.Config) {
			if applier, ok := solver.(captcha.ConfigApplier); ok {
				applier.ApplyConfig(next.Captcha)
			}
			reloadCtx, cancelReload := context.WithTimeout(context.Background(), 10*time.Second)
			if errSeed := token.SeedErrorBanThreshold(reloadCtx, st, next.ErrorBanThreshold); errSeed != nil {
				log.Warnf("failed to apply reloaded error ban threshold: %v", errSeed)
			}
			cancelReload()
		})
		if errStart := w.Start(); errStart != nil {
			log.Warnf("config watcher disabled: %v", errStart)
		} else {
			defer func() { _ = w.Stop() }()
		}
	} else {
		log.Warnf("config watcher disabled: %v", errWatch)
	}

	maintenanceCtx, cancelMaintenance := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.RunMaintenance(maintenanceCtx)
	}()

	go func() {
		log.Infof("management API listening on %s:%d", cfg.Host, cfg.Port)
		if errRun := server.Run(); errRun != nil {
			log.Errorf("http server failed: %v", errRun)
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		log.Warnf("http shutdown incomplete: %v", errShutdown)
	}
	cancelMaintenance()
	wg.Wait()
}

// selectStore picks the persistence backend from the environment: a Postgres
// DSN wins, then an object-store endpoint, otherwise the local file store
// under the configured auth directory.
func selectStore(cfg *config.Config) (store.Store, error) {
	lookupEnv := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := os.LookupEnv(key); ok {
				if trimmed := strings.TrimSpace(value); trimmed != "" {
					return trimmed, true
				}
			}
		}
		return "", false
	}

	if dsn, ok := lookupEnv("PGSTORE_DSN", "pgstore_dsn"); ok {
		schema, _ := lookupEnv("PGSTORE_SCHEMA", "pgstore_schema")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pg, err := store.NewPostgresStore(ctx, store.PostgresStoreConfig{DSN: dsn, Schema: schema})
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		log.Info("postgres token store enabled")
		return pg, nil
	}

	if endpoint, ok := lookupEnv("OBJECTSTORE_ENDPOINT", "objectstore_endpoint"); ok {
		accessKey, _ := lookupEnv("OBJECTSTORE_ACCESS_KEY", "objectstore_access_key")
		secretKey, _ := lookupEnv("OBJECTSTORE_SECRET_KEY", "objectstore_secret_key")
		bucket, _ := lookupEnv("OBJECTSTORE_BUCKET", "objectstore_bucket")
		region, _ := lookupEnv("OBJECTSTORE_REGION", "objectstore_region")
		prefix, _ := lookupEnv("OBJECTSTORE_PREFIX", "objectstore_prefix")

		useSSL := true
		if strings.Contains(endpoint, "://") {
			parsed, errParse := url.Parse(endpoint)
			if errParse != nil {
				return nil, errParse
			}
			switch strings.ToLower(parsed.Scheme) {
			case "http":
				useSSL = false
			case "https":
				useSSL = true
			default:
				return nil, errors.New("object store endpoint scheme must be http or https")
			}
			endpoint = parsed.Host
		}
		endpoint = strings.TrimRight(endpoint, "/")

		obj, err := store.NewObjectTokenStore(store.ObjectStoreConfig{
			Endpoint:  endpoint,
			Bucket:    bucket,
			AccessKey: accessKey,
			SecretKey: secretKey,
			Region:    region,
			Prefix:    prefix,
			LocalRoot: filepath.Join(cfg.AuthDir, "objectstore"),
			UseSSL:    useSSL,
			PathStyle: true,
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := obj.Bootstrap(ctx); err != nil {
			_ = obj.Close()
			return nil, err
		}
		log.Infof("object token store enabled, bucket: %s", bucket)
		return obj, nil
	}

	fileStore, err := store.NewFileTokenStore(cfg.AuthDir)
	if err != nil {
		return nil, err
	}
	log.Infof("file token store enabled at %s", cfg.AuthDir)
	return fileStore, nil
}
