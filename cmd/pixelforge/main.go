package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	flog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ManuelReschke/PixelForge/app/controllers"
	"github.com/ManuelReschke/PixelForge/app/repository"
	apiv1 "github.com/ManuelReschke/PixelForge/internal/api/v1"
	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/cache"
	"github.com/ManuelReschke/PixelForge/internal/pkg/credits"
	"github.com/ManuelReschke/PixelForge/internal/pkg/database"
	"github.com/ManuelReschke/PixelForge/internal/pkg/env"
	"github.com/ManuelReschke/PixelForge/internal/pkg/events"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
	"github.com/ManuelReschke/PixelForge/internal/pkg/paidop"
	"github.com/ManuelReschke/PixelForge/internal/pkg/router"
	"github.com/ManuelReschke/PixelForge/internal/pkg/sweeper"
)

const openAPIPath = "docs/v1/openapi.yml"

func main() {
	app, shutdown := NewApplication()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		flog.Info("[Server] Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			flog.Errorf("[Server] Shutdown: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	shutdown()
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires the service. The returned func stops the background
// workers and releases connections.
func NewApplication() (*fiber.App, func()) {
	env.SetupEnvFile()

	billingCfg, err := billing.ConfigFromEnv()
	if err != nil {
		log.Fatalf("[Billing] %v", err)
	}

	database.SetupDatabase()
	cache.SetupCache()
	db := database.GetDB()
	redisClient := cache.GetClient()

	recorder, err := metrics.NewRecorder("pixelforge", prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("[Metrics] %v", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if amqpURL := env.GetEnv("AMQP_URL", ""); amqpURL != "" {
		rp, err := events.NewRabbitPublisher(amqpURL, env.GetEnv("AMQP_EXCHANGE", events.DefaultExchange))
		if err != nil {
			flog.Warnf("[Events] RabbitMQ unavailable, ledger events are not published: %v", err)
		} else {
			publisher = rp
		}
	}

	creditPolicy := credits.DefaultPolicy()
	creditPolicy.DebitOrder = credits.ParseDebitOrder(env.GetEnv("CREDITS_DEBIT_ORDER", string(creditPolicy.DebitOrder)))
	svc := credits.NewService(credits.NewGormStore(db),
		credits.WithPolicy(creditPolicy),
		credits.WithPublisher(publisher),
		credits.WithMetrics(recorder),
	)

	reconciler := billing.NewReconciler(svc, billing.NewRepository(db),
		billing.NewStripeProcessor(billingCfg.SecretKey, billingCfg.WebhookSecret),
		billing.WithPolicy(billingCfg.Policy),
		billing.WithMetrics(recorder),
	)

	scheduler := sweeper.NewScheduler(
		sweeper.New(svc, sweeper.WithMetrics(recorder), sweeper.WithBatchSize(int(env.GetEnvInt("SWEEPER_BATCH_SIZE", 200)))),
		sweeper.WithLocker(sweeper.NewRedisLocker(redisClient, "")),
		sweeper.WithSchedule(env.GetEnv("SWEEPER_SCHEDULE", sweeper.DefaultSchedule)),
		sweeper.WithTimeout(env.GetEnvDuration("SWEEPER_TIMEOUT", 5*time.Minute)),
	)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("[Sweeper] %v", err)
	}

	guard := paidop.NewGuard(svc,
		paidop.NewHTTPPerformer(
			env.GetEnv("TRANSFORM_ENDPOINT", ""),
			env.GetEnv("TRANSFORM_TOKEN", ""),
			env.GetEnvDuration("TRANSFORM_TIMEOUT", 60*time.Second),
		),
		paidop.NewRedisLimiter(redisClient, "pixelforge:paidop",
			env.GetEnvInt("TRANSFORM_RATE_LIMIT", 30),
			env.GetEnvDuration("TRANSFORM_RATE_WINDOW", time.Minute),
		),
	)

	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	spec, err := apiv1.LoadSpec(openAPIPath)
	if err != nil {
		flog.Warnf("[Router] OpenAPI document not loaded, request validation is off: %v", err)
		spec = nil
	}

	host, port, password, _ := cache.Options()
	limiterStorage := redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		// The API limiter shares the server with the cache but not the keyspace.
		Database: int(env.GetEnvInt("LIMITER_CACHE_DB", 2)),
		Reset:    false,
	})

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./" + openAPIPath,
		Path:     "v1",
	}))

	router.InstallRouter(app, router.Dependencies{
		Repos:          repos,
		Credits:        controllers.NewCreditsController(svc),
		Billing:        controllers.NewBillingController(reconciler),
		Transform:      controllers.NewTransformController(guard, env.GetEnvInt("TRANSFORM_COST", 1)),
		Admin:          controllers.NewAdminController(repos, svc, scheduler, env.GetEnvInt("REGISTRATION_BONUS_CREDITS", 0)),
		Spec:           spec,
		Gatherer:       prometheus.DefaultGatherer,
		LimiterStorage: limiterStorage,
		LimiterMax:     int(env.GetEnvInt("API_RATE_LIMIT", 120)),
		LimiterWindow:  env.GetEnvDuration("API_RATE_WINDOW", time.Minute),
	})

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		scheduler.Stop(ctx)
		publisher.Close()
		if err := limiterStorage.Close(); err != nil {
			flog.Warnf("[Router] Closing limiter storage: %v", err)
		}
		if err := cache.Close(); err != nil {
			flog.Warnf("[Cache] Close: %v", err)
		}
	}
	return app, shutdown
}
