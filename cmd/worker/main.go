package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skylantix/dash/auth"
	"github.com/skylantix/dash/broker"
	"github.com/skylantix/dash/customer"
	"github.com/skylantix/dash/db"
	"github.com/skylantix/dash/entitlement"
	"github.com/skylantix/dash/external"
	"github.com/skylantix/dash/instance"
	"github.com/skylantix/dash/product"
	"github.com/skylantix/dash/recovery"
	"github.com/skylantix/dash/subscription"
	"github.com/skylantix/dash/task"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "worker",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot initialize zap core for sentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	stripeClient := external.NewStripeClient(os.Getenv("STRIPE_KEY"))

	db, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	amqpBroker, err := broker.NewAMQPBroker(logger, os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	dispatcher, err := task.NewDispatcher(task.DispatcherOptions{
		Producer: amqpBroker,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Dispatcher",
			zap.Error(err),
		)
	}

	keycloak, err := external.NewKeycloak(external.KeycloakOptions{
		ServerURL:    os.Getenv("KEYCLOAK_URL"),
		Realm:        os.Getenv("KEYCLOAK_REALM"),
		ClientID:     os.Getenv("KEYCLOAK_CLIENT_ID"),
		ClientSecret: os.Getenv("KEYCLOAK_CLIENT_SECRET"),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Keycloak client",
			zap.Error(err),
		)
	}

	mailer, err := external.NewMailgunMailer(external.MailgunOptions{
		Domain:   os.Getenv("MAILGUN_DOMAIN"),
		APIKey:   os.Getenv("MAILGUN_API_KEY"),
		SiteName: os.Getenv("SITE_NAME"),
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Mailgun mailer",
			zap.Error(err),
		)
	}

	customerManager, err := customer.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize CustomerManager",
			zap.Error(err),
		)
	}

	productManager, err := product.NewManager(product.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize ProductManager",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		StripeClient: stripeClient,
		DB:           db,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	instanceManager, err := instance.NewManager(instance.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize InstanceManager",
			zap.Error(err),
		)
	}

	entitlementManager, err := entitlement.NewManager(entitlement.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize EntitlementManager",
			zap.Error(err),
		)
	}

	taskManager, err := task.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize TaskManager",
			zap.Error(err),
		)
	}

	synchronizer, err := entitlement.NewSynchronizer(entitlement.SynchronizerOptions{
		Manager:       entitlementManager,
		Customers:     customerManager,
		Subscriptions: subscriptionManager,
		Products:      productManager,
		Instances:     instanceManager,
		Keycloak:      keycloak,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Synchronizer",
			zap.Error(err),
		)
	}

	customerTask, err := customer.NewTask(customer.TaskOptions{
		Manager:       customerManager,
		Subscriptions: subscriptionManager,
		Keycloak:      keycloak,
		Dispatcher:    dispatcher,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Customer Task",
			zap.Error(err),
		)
	}

	entitlementTask, err := entitlement.NewTask(entitlement.TaskOptions{
		Synchronizer: synchronizer,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Entitlement Task",
			zap.Error(err),
		)
	}

	subscriptionTask, err := subscription.NewTask(subscription.TaskOptions{
		Mailer:   mailer,
		SiteName: os.Getenv("SITE_NAME"),
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Task",
			zap.Error(err),
		)
	}

	recoveryTask, err := recovery.NewTask(recovery.TaskOptions{
		Mailer:   mailer,
		SiteName: os.Getenv("SITE_NAME"),
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Recovery Task",
			zap.Error(err),
		)
	}

	worker, err := task.NewWorker(task.WorkerOptions{
		Consumer: amqpBroker,
		Producer: amqpBroker,
		Manager:  taskManager,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Worker",
			zap.Error(err),
		)
	}

	worker.Register(task.TaskProvisionAccount, customerTask.HandleProvisionAccount)
	worker.Register(task.TaskDisableAccount, customerTask.HandleDisableAccount)
	worker.Register(task.TaskEnableAccount, customerTask.HandleEnableAccount)
	worker.Register(task.TaskSendPasswordReset, customerTask.HandleSendPasswordReset)
	worker.Register(task.TaskSyncEntitlements, entitlementTask.HandleSyncEntitlements)
	worker.Register(task.TaskNotifyEmail, subscriptionTask.HandleNotifyEmail)
	worker.Register(task.TaskSendRecoveryCode, recoveryTask.HandleSendRecoveryCode)

	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()

	logger.Info("Worker started")

	if err := worker.Run(ctx); err != nil {
		logger.Fatal("Worker exited with error",
			zap.Error(err),
		)
	}
}
