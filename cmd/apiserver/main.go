package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/openstudio-io/openstudio/internal/database"
	"github.com/openstudio-io/openstudio/internal/fflags"
	"github.com/openstudio-io/openstudio/internal/handlers"
	"github.com/openstudio-io/openstudio/internal/idp"
	"github.com/openstudio-io/openstudio/internal/legacycookie"
	"github.com/openstudio-io/openstudio/internal/resolver"
	"github.com/openstudio-io/openstudio/internal/routers"
	"github.com/openstudio-io/openstudio/internal/util"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.18.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/credentials"
	"gorm.io/gorm"

	"github.com/urfave/cli/v3"
)

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("apiserver")
}

// @title               Openstudio API
// @description         This is the Openstudio API Server.
// @version             1.0
// @contact.name        The Openstudio Authors
// @contact.url         https://github.com/openstudio-io/openstudio/issues
// @license.name        Apache 2.0
// @license.url         http://www.apache.org/licenses/LICENSE-2.0.html
// @BasePath            /
func main() {
	// Override to capitalize "Show"
	cli.HelpFlag.(*cli.BoolFlag).Usage = "Show help"
	app := &cli.Command{
		Name: "apiserver",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Value:   false,
				Usage:   "Enable debug logging",
				Sources: cli.EnvVars("STUDIOAPI_DEBUG"),
			},
			&cli.StringFlag{
				Name:    "listen",
				Value:   "0.0.0.0:8080",
				Usage:   "The address and port to listen for HTTP requests on",
				Sources: cli.EnvVars("STUDIOAPI_LISTEN"),
			},
			&cli.StringFlag{
				Name:    "db-host",
				Value:   "apiserver-db",
				Usage:   "Database host name",
				Sources: cli.EnvVars("STUDIOAPI_DB_HOST"),
			},
			&cli.StringFlag{
				Name:    "db-port",
				Value:   "5432",
				Usage:   "Database port",
				Sources: cli.EnvVars("STUDIOAPI_DB_PORT"),
			},
			&cli.StringFlag{
				Name:    "db-user",
				Value:   "apiserver",
				Usage:   "Database user",
				Sources: cli.EnvVars("STUDIOAPI_DB_USER"),
			},
			&cli.StringFlag{
				Name:    "db-password",
				Value:   "secret",
				Usage:   "Database password",
				Sources: cli.EnvVars("STUDIOAPI_DB_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "db-name",
				Value:   "apiserver",
				Usage:   "Database name",
				Sources: cli.EnvVars("STUDIOAPI_DB_NAME"),
			},
			&cli.StringFlag{
				Name:    "db-sslmode",
				Value:   "disable",
				Usage:   "Database ssl mode",
				Sources: cli.EnvVars("STUDIOAPI_DB_SSLMODE"),
			},
			&cli.StringFlag{
				Name:    "redis-server",
				Value:   "",
				Usage:   "Redis host:port address, leave empty to disable the token cache",
				Sources: cli.EnvVars("STUDIOAPI_REDIS_SERVER"),
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Usage:   "Redis database to be selected after connecting to the server.",
				Value:   1,
				Sources: cli.EnvVars("STUDIOAPI_REDIS_DB"),
			},
			&cli.StringFlag{
				Name:     "idp-url",
				Usage:    "Base URL of the upstream identity provider",
				Required: true,
				Sources:  cli.EnvVars("STUDIOAPI_IDP_URL"),
			},
			&cli.StringFlag{
				Name:     "url",
				Usage:    "The server url",
				Required: true,
				Sources:  cli.EnvVars("STUDIOAPI_URL"),
			},
			&cli.StringSliceFlag{
				Name:    "origins",
				Usage:   "Trusted Origins",
				Sources: cli.EnvVars("STUDIOAPI_ORIGINS"),
			},
			&cli.StringFlag{
				Name:     "legacy-secret-key",
				Usage:    "Secret key of the legacy web application, used to verify its session and remember-me cookies",
				Required: true,
				Sources:  cli.EnvVars("STUDIOAPI_LEGACY_SECRET_KEY"),
			},
			&cli.StringFlag{
				Name:    "legacy-session-cookie-name",
				Value:   "session",
				Usage:   "Name of the legacy session cookie",
				Sources: cli.EnvVars("STUDIOAPI_LEGACY_SESSION_COOKIE_NAME"),
			},
			&cli.DurationFlag{
				Name:    "legacy-session-max-age",
				Value:   31 * 24 * time.Hour,
				Usage:   "Maximum accepted age of a legacy session cookie, 0 disables the age check",
				Sources: cli.EnvVars("STUDIOAPI_LEGACY_SESSION_MAX_AGE"),
			},
			&cli.StringFlag{
				Name:    "remember-cookie-name",
				Value:   "remember_token",
				Usage:   "Name of the legacy remember-me cookie",
				Sources: cli.EnvVars("STUDIOAPI_REMEMBER_COOKIE_NAME"),
			},
			&cli.StringFlag{
				Name:    "session-cookie-name",
				Value:   "studio_session",
				Usage:   "Name of the session cookie issued by this server",
				Sources: cli.EnvVars("STUDIOAPI_SESSION_COOKIE_NAME"),
			},
			&cli.StringFlag{
				Name:    "cookie-key",
				Usage:   "Key to the cookie jar.",
				Value:   "p2s5v8y/B?E(G+KbPeShVmYq3t6w9z$C",
				Sources: cli.EnvVars("STUDIOAPI_COOKIE_KEY"),
			},
			&cli.StringFlag{
				Name:    "avatar-dir",
				Value:   "",
				Usage:   "Directory to store fetched avatars in, leave empty to disable avatar fetching",
				Sources: cli.EnvVars("STUDIOAPI_AVATAR_DIR"),
			},
			&cli.BoolFlag{
				Name:    "trace-insecure",
				Value:   false,
				Usage:   "Set OTLP endpoint to insecure mode",
				Sources: cli.EnvVars("STUDIOAPI_TRACE_INSECURE"),
			},
			&cli.StringFlag{
				Name:    "trace-endpoint",
				Value:   "",
				Usage:   "OTLP endpoint for trace data",
				Sources: cli.EnvVars("STUDIOAPI_TRACE_ENDPOINT_OTLP"),
			},
		},

		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, _ = signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
			ctx, span := tracer.Start(ctx, "Run")
			defer span.End()
			withLoggerAndDB(ctx, command, func(logger *zap.Logger, db *gorm.DB, dsn string) {
				pprof_init(ctx, command, logger)

				if err := database.Migrations().Migrate(ctx, db); err != nil {
					log.Fatal(err)
				}

				wg := &sync.WaitGroup{}

				featureFlags := fflags.NewFFlags(logger.Sugar())

				var redisClient *redis.Client
				if command.String("redis-server") != "" {
					redisClient = redis.NewClient(&redis.Options{
						Addr: command.String("redis-server"),
						DB:   int(command.Int("redis-db")),
					})
				}

				provider := idp.NewClient(logger.Sugar(), command.String("idp-url"))

				res, err := resolver.New(
					logger.Sugar(),
					db,
					redisClient,
					provider,
					featureFlags,
					command.String("avatar-dir"),
				)
				if err != nil {
					log.Fatal(err)
				}
				defer res.Wait()

				api, err := handlers.NewAPI(ctx, logger.Sugar(), db, featureFlags, res, redisClient)
				if err != nil {
					log.Fatal(err)
				}

				bridge := routers.NewSessionBridge(routers.SessionBridgeOptions{
					Logger:           logger.Sugar(),
					Resolver:         res,
					FFlags:           featureFlags,
					ModernCookieName: command.String("session-cookie-name"),
					CookieHashKey:    []byte(command.String("cookie-key")),
					Legacy: legacycookie.EnvelopeConfig{
						CookieName: command.String("legacy-session-cookie-name"),
						SecretKey:  []byte(command.String("legacy-secret-key")),
						MaxAge:     command.Duration("legacy-session-max-age"),
					},
					RememberCookieName: command.String("remember-cookie-name"),
					RememberSecret:     []byte(command.String("legacy-secret-key")),
				})

				router, err := routers.NewAPIRouter(ctx, routers.APIRouterOptions{
					Logger:       logger.Sugar(),
					Api:          api,
					Bridge:       bridge,
					URL:          command.String("url"),
					AllowOrigins: command.StringSlice("origins"),
				})
				if err != nil {
					log.Fatal(err)
				}

				httpServer := &http.Server{
					Addr:              command.String("listen"),
					Handler:           router,
					ReadTimeout:       5 * time.Second,
					ReadHeaderTimeout: 5 * time.Second,
					WriteTimeout:      10 * time.Second,
				}
				defer util.IgnoreError(httpServer.Close)

				serveErrors := make(chan error, 1)
				util.GoWithWaitGroup(wg, func() {
					if err = httpServer.ListenAndServe(); err != nil {
						serveErrors <- err
					}
				})

				// Wait for a shutdown signal or a server error
				beginShutdown := &sync.WaitGroup{}
				util.GoWithWaitGroup(beginShutdown, func() {
					select {
					case err := <-serveErrors:
						serveErrors <- err // put it back
					case <-ctx.Done():
					}
				})
				beginShutdown.Wait()

				// Try to do a graceful shutdown of the server for 5 seconds...
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				go func() {
					_ = httpServer.Shutdown(shutdownCtx)
				}()

				serversDone := make(chan struct{})
				go func() {
					wg.Wait()
					close(serversDone)
				}()

				// Wait for the server to gracefully shutdown or timeout...
				err = nil
			forLoop:
				for {
					select {
					case err = <-serveErrors: // save any errors
					case <-shutdownCtx.Done():
						break forLoop
					case <-serversDone:
						break forLoop
					}
				}

				if err != nil && err != http.ErrServerClosed {
					log.Fatal(err)
				}
			})
			return nil
		},
	}
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "rollback",
		Usage: "Rollback the last database migration",
		Action: func(ctx context.Context, command *cli.Command) error {

			withLoggerAndDB(ctx, command, func(logger *zap.Logger, db *gorm.DB, dsn string) {
				if err := database.Migrations().RollbackLast(ctx, db); err != nil {
					log.Fatal(err)
				}
			})
			return nil
		},
	})

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func getLogger(command *cli.Command) *zap.Logger {
	var logger *zap.Logger
	var err error
	// set the log level
	if command.Bool("debug") {
		logConfig := zap.NewProductionConfig()
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		logger, err = logConfig.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	return logger
}

func withLoggerAndDB(ctx context.Context, command *cli.Command, f func(logger *zap.Logger, db *gorm.DB, dsn string)) {
	logger := getLogger(command)
	cleanup := initTracer(logger.Sugar(), command.Bool("trace-insecure"), command.String("trace-endpoint"))
	defer func() {
		if cleanup == nil {
			return
		}
		if err := cleanup(ctx); err != nil {
			logger.Error(err.Error())
		}
	}()

	db, dsn, err := database.NewDatabase(
		ctx,
		logger.Sugar(),
		command.String("db-host"),
		command.String("db-user"),
		command.String("db-password"),
		command.String("db-name"),
		command.String("db-port"),
		command.String("db-sslmode"),
	)
	if err != nil {
		log.Fatal(err)
	}

	f(logger, db, dsn)
}

func initTracer(logger *zap.SugaredLogger, insecure bool, collector string) func(context.Context) error {
	if collector == "" {
		logger.Info("No collector endpoint configured")
		otel.SetTracerProvider(
			sdktrace.NewTracerProvider(
				sdktrace.WithSampler(sdktrace.AlwaysSample()),
			),
		)
		return nil
	}
	secureOption := otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, ""))
	if insecure {
		secureOption = otlptracegrpc.WithInsecure()
	}
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			secureOption,
			otlptracegrpc.WithEndpoint(collector),
		),
	)
	if err != nil {
		logger.Errorf("Unable to create open telemetry exporter: %s", err.Error())
		return nil
	}
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "apiserver"),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		logger.Errorf("Unable to create resources: %s", err.Error())
		return nil
	}

	deployEnvironment := os.Getenv("STUDIOAPI_ENVIRONMENT")
	if deployEnvironment == "" {
		deployEnvironment = "development"
	}

	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName("apiserver"),
				semconv.DeploymentEnvironment(deployEnvironment),
			)),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)
	return exporter.Shutdown
}
