package cmd

import (
	"context"
	"fmt"

	"github.com/AzielCF/az-publisher/core/database"
	domainCredential "github.com/AzielCF/az-publisher/domains/credential"
	domainPost "github.com/AzielCF/az-publisher/domains/post"
	infraCredential "github.com/AzielCF/az-publisher/infrastructure/credential"
	infraDelivery "github.com/AzielCF/az-publisher/infrastructure/delivery"
	"github.com/AzielCF/az-publisher/infrastructure/notifier"
	"github.com/AzielCF/az-publisher/infrastructure/pgnotify"
	"github.com/AzielCF/az-publisher/infrastructure/valkey"
	pkgCrypto "github.com/AzielCF/az-publisher/pkg/crypto"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/AzielCF/az-publisher/publishing/application"
	"github.com/AzielCF/az-publisher/publishing/domain/monitoring"
	"github.com/AzielCF/az-publisher/publishing/domain/notify"
	"github.com/AzielCF/az-publisher/publishing/repository"
	"github.com/AzielCF/az-publisher/ui/websocket"
	"github.com/AzielCF/az-publisher/usecase"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"
)

const wakeChannel = "azpub_wake"

// publisherNode holds every long-lived component of a node.
type publisherNode struct {
	serverID string
	db       *gorm.DB
	vkClient *valkey.Client

	posts       *repository.GormStore
	credentials *infraCredential.GormStore
	monitor     monitoring.Store

	signal     application.WakeSignal
	listen     func(ctx context.Context) error
	hub        *websocket.Hub
	scheduler  *application.Scheduler
	dispatcher *application.Dispatcher
	sweeper    *application.Sweeper

	postUsecase       domainPost.IPostUsecase
	credentialUsecase domainCredential.ICredentialUsecase

	cancel context.CancelFunc
}

// openStorage connects to the database (and Valkey when enabled) and migrates the schema.
func openStorage(ctx context.Context) (*publisherNode, error) {
	a := &publisherNode{serverID: utils.GetPersistentServerID(cfg.App.ServerID, cfg.Paths.Storages)}

	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, err
	}
	a.db = db

	if cfg.Valkey.Enabled {
		vk, err := valkey.NewClient(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect valkey: %w", err)
		}
		a.vkClient = vk
		logrus.Infof("[APP] Valkey enabled at %s", cfg.Valkey.Address)
	}

	sealer, err := pkgCrypto.NewSealer(cfg.Security.SecretKey)
	if err != nil {
		return nil, err
	}

	a.posts = repository.NewGormStore(db)
	if err := a.posts.Init(ctx); err != nil {
		return nil, fmt.Errorf("migrate posts: %w", err)
	}
	a.credentials = infraCredential.NewGormStore(db, sealer)
	if err := a.credentials.Init(ctx); err != nil {
		return nil, fmt.Errorf("migrate credentials: %w", err)
	}
	return a, nil
}

// buildPipeline wires scheduler, dispatcher and sweeper on top of the storage.
func (a *publisherNode) buildPipeline() {
	lock := application.LockFunc(application.AlwaysLock)
	switch {
	case a.vkClient != nil:
		a.monitor = repository.NewValkeyMonitoringStore(a.vkClient)
		sig := valkey.NewSignal(a.vkClient, wakeChannel)
		a.signal = sig
		a.listen = func(ctx context.Context) error {
			go sig.Listen(ctx)
			return nil
		}
		lock = a.vkClient.AcquireLock
	case cfg.Database.Driver == "postgres":
		a.monitor = repository.NewMemoryMonitoringStore()
		sig := pgnotify.NewSignal(a.db, cfg.Database.PostgresDSN(), wakeChannel)
		a.signal = sig
		a.listen = sig.Listen
	default:
		a.monitor = repository.NewMemoryMonitoringStore()
		a.signal = application.NewLocalSignal()
	}

	a.hub = websocket.NewHub(a.vkClient, a.serverID)
	projector := application.NewStatusProjector(notify.Multi{notifier.LogNotifier{}, a.hub}, nil)

	a.scheduler = application.NewScheduler(a.posts, a.signal, projector, nil, application.SchedulerConfig{
		Grace:        cfg.Scheduler.Grace,
		WriteRetries: cfg.Dispatch.WriteRetries,
	})

	a.dispatcher = application.NewDispatcher(
		a.posts,
		a.credentials,
		buildAdapters(),
		application.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
		},
		projector,
		a.monitor,
		nil,
		application.DispatcherConfig{
			Workers:           cfg.Dispatch.Workers,
			Lease:             cfg.Dispatch.Lease,
			AdapterTimeout:    cfg.Dispatch.AdapterTimeout,
			PollInterval:      cfg.Scheduler.PollInterval,
			WriteRetries:      cfg.Dispatch.WriteRetries,
			TargetConcurrency: cfg.Dispatch.TargetConcurrency,
			ServerID:          a.serverID,
			Version:           cfg.App.Version,
		},
	)

	a.sweeper = application.NewSweeper(a.posts, a.signal, lock, a.monitor, nil, application.SweeperConfig{
		Interval:  cfg.Sweep.Interval,
		BatchSize: cfg.Sweep.BatchSize,
	})

	a.postUsecase = usecase.NewPostService(a.posts, a.scheduler)
	a.credentialUsecase = usecase.NewCredentialService(a.credentials)
}

// buildAdapters registers one webhook adapter per configured platform and a
// dry-run adapter for every platform listed for it.
func buildAdapters() *infraDelivery.Registry {
	registry := infraDelivery.NewRegistry()
	client := &fasthttp.Client{Name: "az-publisher/" + cfg.App.Version}
	for platform, url := range cfg.Delivery.Webhooks {
		registry.Register(infraDelivery.NewWebhookAdapter(infraDelivery.WebhookConfig{
			Platform: platform,
			URL:      url,
			Timeout:  cfg.Delivery.WebhookTimeout,
		}, client))
	}
	for _, platform := range cfg.Delivery.DryRunPlatforms {
		registry.Register(infraDelivery.NewDryRunAdapter(platform))
	}
	if len(registry.Platforms()) == 0 {
		logrus.Warn("[APP] No delivery adapters configured; every target will fail with no adapter for platform")
	} else {
		logrus.Infof("[APP] Delivery adapters: %v", registry.Platforms())
	}
	return registry
}

// start launches the hub, the wake-up listener, the workers and the sweep loop.
func (a *publisherNode) start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	go a.hub.Run(ctx)
	if a.listen != nil {
		if err := a.listen(ctx); err != nil {
			cancel()
			return err
		}
	}
	a.dispatcher.Start(ctx, a.signal)
	a.sweeper.StartLoop(ctx)
	return nil
}

// stop drains in-flight rounds before releasing connections.
func (a *publisherNode) stop() {
	logrus.Info("[APP] Stopping application...")
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.monitor != nil {
		if err := a.monitor.RemoveServer(context.Background(), a.serverID); err != nil {
			logrus.WithError(err).Debug("[APP] Failed to unregister server")
		}
	}
	if a.vkClient != nil {
		a.vkClient.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	logrus.Info("[APP] Application stopped cleanly.")
}
