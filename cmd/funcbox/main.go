package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/funcbox/funcbox/auth"
	"github.com/funcbox/funcbox/common"
	"github.com/funcbox/funcbox/dispatch"
	"github.com/funcbox/funcbox/httpserver"
	"github.com/funcbox/funcbox/kms"
	"github.com/funcbox/funcbox/loader"
	"github.com/funcbox/funcbox/secrets"
	"github.com/funcbox/funcbox/storage"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringFlag{
		Name:  "code-dir",
		Value: "./functions",
		Usage: "base directory handler source files are loaded from",
	},
	&cli.StringFlag{
		Name:  "store-uri",
		Value: "file://./data",
		Usage: "store URI for routes, keys and secrets (file://...)",
	},
	&cli.StringFlag{
		Name:  "routes-uri",
		Value: "",
		Usage: "optional route source override (s3://bucket/routes.json?region=...)",
	},
	&cli.StringFlag{
		Name:  "secrets-uri",
		Value: "",
		Usage: "optional secret store override (vault://host:8200/mount/path)",
	},
	&cli.StringFlag{
		Name:  "master-key-seed",
		Value: "",
		Usage: "hex-encoded 32-byte seed the secrets keypair is derived from (required)",
	},
	&cli.StringFlag{
		Name:  "route-prefix",
		Value: "/fn",
		Usage: "URL prefix function routes are served under",
	},
	&cli.BoolFlag{
		Name:  "production",
		Value: false,
		Usage: "suppress internal error detail in responses",
	},
	&cli.BoolFlag{
		Name:  "enable-admin",
		Value: false,
		Usage: "serve the management API under /admin",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "funcbox",
		Usage: "Serve HTTP-triggered functions with per-route auth and layered secrets",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			codeDir := cCtx.String("code-dir")
			storeURI := cCtx.String("store-uri")
			routesURI := cCtx.String("routes-uri")
			secretsURI := cCtx.String("secrets-uri")
			masterKeySeed := cCtx.String("master-key-seed")
			routePrefix := cCtx.String("route-prefix")
			production := cCtx.Bool("production")
			enableAdmin := cCtx.Bool("enable-admin")
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			if masterKeySeed == "" {
				logger.Error("master-key-seed is required")
				return errors.New("master-key-seed is required")
			}
			seed, err := hex.DecodeString(masterKeySeed)
			if err != nil || len(seed) != 32 {
				logger.Error("Invalid master-key-seed - must be 64 hex chars (32 bytes)", "err", err)
				return fmt.Errorf("invalid master-key-seed: %v", err)
			}

			kmsImpl, err := kms.NewSimpleKMS(seed)
			if err != nil {
				logger.Error("Failed to create KMS", "err", err)
				return err
			}

			factory := storage.NewFactory(logger)

			if routesURI == "" {
				routesURI = storeURI
			}
			if secretsURI == "" {
				secretsURI = storeURI
			}

			routeSource, err := factory.RouteSourceFor(routesURI)
			if err != nil {
				logger.Error("Failed to create route source", "err", err)
				return err
			}
			keyStore, err := factory.KeyStoreFor(storeURI)
			if err != nil {
				logger.Error("Failed to create key store", "err", err)
				return err
			}
			secretStore, err := factory.SecretStoreFor(secretsURI)
			if err != nil {
				logger.Error("Failed to create secret store", "err", err)
				return err
			}

			handlerLoader, err := loader.New(codeDir, logger)
			if err != nil {
				logger.Error("Failed to create handler loader", "err", err, "codeDir", codeDir)
				return err
			}

			resolver := secrets.NewResolver(secretStore, kmsImpl, logger)
			authenticator := auth.NewAuthenticator(keyStore, logger)

			dispatcher := dispatch.New(dispatch.Config{
				Source:        routeSource,
				Authenticator: authenticator,
				Loader:        handlerLoader,
				Resolver:      resolver,
				RoutePrefix:   routePrefix,
				Production:    production,
				Log:           logger,
			})

			var admin *httpserver.AdminHandler
			if enableAdmin {
				routeAdmin, ok := routeSource.(httpserver.RouteAdminStore)
				if !ok {
					logger.Error("Admin API requires a writable route source", "routesURI", routesURI)
					return errors.New("admin API requires a file:// route source")
				}
				admin = httpserver.NewAdminHandler(routeAdmin, secretStore, kmsImpl, resolver, handlerLoader, logger)
			}

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				EnableAdmin:              enableAdmin,
				RoutePrefix:              routePrefix,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}

			server, err := httpserver.New(cfg, dispatcher, admin)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server",
				"listenAddr", listenAddr,
				"codeDir", codeDir,
				"routePrefix", routePrefix,
				"production", production)
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
