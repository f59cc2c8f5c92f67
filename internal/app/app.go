package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/niksmo/cartsync/config"
	"github.com/niksmo/cartsync/internal/adapter"
	"github.com/niksmo/cartsync/internal/adapter/auth"
	"github.com/niksmo/cartsync/internal/adapter/devicestore"
	"github.com/niksmo/cartsync/internal/adapter/httphandler"
	"github.com/niksmo/cartsync/internal/adapter/kafka"
	"github.com/niksmo/cartsync/internal/adapter/storage"
	"github.com/niksmo/cartsync/internal/core/domain"
	"github.com/niksmo/cartsync/internal/core/port"
	"github.com/niksmo/cartsync/internal/core/service"
	"github.com/niksmo/cartsync/pkg/schema"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/sr"
	"golang.org/x/sync/errgroup"
)

type deviceStore struct {
	slot  port.CartSlot
	close func()
}

type events struct {
	serde    *schema.CartEventSerde
	producer *kafka.CartEventsProducer
	consumer *kafka.CartEventsConsumer
}

type App struct {
	ctx         context.Context
	cfg         config.Config
	sqlDB       storage.SQLDB
	deviceStore deviceStore
	events      events
	service     *service.Service
	httpServer  httphandler.HTTPServer
	workers     *errgroup.Group
}

func New(ctx context.Context, cfg config.Config) *App {
	app := &App{ctx: ctx, cfg: cfg}

	app.initLogger()
	app.initStorage()
	app.initDeviceStore()
	app.initEvents()
	app.initCoreService()
	app.initEventsConsumer()
	app.initInboundAdapters()

	return app
}

func (app *App) initLogger() {
	opts := &slog.HandlerOptions{Level: app.cfg.LogLevel}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, opts)).
		With("instance", app.cfg.InstanceID)
	slog.SetDefault(logger)
}

func (app *App) initStorage() {
	const op = "App.initStorage"

	sqlDB, err := storage.NewSQLDB(app.ctx, app.cfg.SQLDB)
	if err != nil {
		app.fallDown(op, err)
	}
	app.sqlDB = sqlDB
}

func (app *App) initDeviceStore() {
	const op = "App.initDeviceStore"
	cfg := app.cfg.DeviceStore

	switch cfg.Driver {
	case config.DeviceStoreRedis:
		cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		slot, err := devicestore.NewRedisSlot(app.ctx, cl, devicestore.RedisSlotConfig{
			Prefix:  cfg.RedisKeyPrefix,
			Channel: cfg.RedisChannel,
			Origin:  app.cfg.InstanceID,
			TTL:     cfg.RedisTTL,
		})
		if err != nil {
			app.fallDown(op, err)
		}
		app.deviceStore = deviceStore{slot: slot, close: slot.Close}
	default:
		slot, err := devicestore.NewFileSlot(cfg.Dir)
		if err != nil {
			app.fallDown(op, err)
		}
		app.deviceStore = deviceStore{slot: slot, close: func() {}}
	}

	slog.Info("device store is ready", "op", op, "driver", cfg.Driver)
}

func (app *App) initEvents() {
	const op = "App.initEvents"

	if !app.cfg.Broker.Enabled() {
		slog.Info("cart events are disabled", "op", op)
		return
	}

	srClient, err := sr.NewClient(sr.URLs(app.cfg.Broker.SchemaRegistryURLs...))
	if err != nil {
		app.fallDown(op, err)
	}

	serde, err := schema.NewCartEventSerde(
		app.ctx,
		schema.NewSchemaCreater(srClient),
		app.cfg.Broker.Topics.CartEvents+"-value",
	)
	if err != nil {
		app.fallDown(op, err)
	}

	producer, err := kafka.NewCartEventsProducer(
		kafka.ProducerClientOpt(
			app.ctx,
			app.cfg.Broker.SeedBrokers,
			app.cfg.Broker.Topics.CartEvents,
			app.tlsConfig(),
		),
		kafka.ProducerEncoderOpt(serde),
	)
	if err != nil {
		app.fallDown(op, err)
	}

	app.events.serde = serde
	app.events.producer = &producer
}

func (app *App) initCoreService() {
	const op = "App.initCoreService"

	local, err := service.NewLocalBackend(app.deviceStore.slot)
	if err != nil {
		app.fallDown(op, err)
	}

	cfg := service.Config{
		Remote:         storage.NewCartItemsRepository(app.sqlDB),
		Local:          local,
		Origin:         app.cfg.InstanceID,
		MergeOnSignIn:  app.cfg.Cart.MergeGuestOnLogin,
		MaxIdleCarts:   app.cfg.Cart.MaxIdleCarts,
		PublishTimeout: app.cfg.Cart.PublishTimeout,
	}
	if app.events.producer != nil {
		cfg.Events = app.events.producer
	}

	s, err := service.New(cfg)
	if err != nil {
		app.fallDown(op, err)
	}
	app.service = s
}

func (app *App) initEventsConsumer() {
	const op = "App.initEventsConsumer"

	if app.events.serde == nil {
		return
	}

	consumer, err := kafka.NewCartEventsConsumer(
		kafka.ConsumerClientOpt(
			app.cfg.Broker.SeedBrokers,
			app.cfg.Broker.Topics.CartEvents,
			app.tlsConfig(),
		),
		kafka.ConsumerDecoderOpt(app.events.serde),
		kafka.ConsumerRefresherOpt(app.service),
		kafka.ConsumerOriginOpt(app.cfg.InstanceID),
	)
	if err != nil {
		app.fallDown(op, err)
	}
	app.events.consumer = &consumer
}

func (app *App) initInboundAdapters() {
	const op = "App.initInboundAdapters"

	var verifier port.TokenVerifier
	if app.cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier(app.cfg.Auth.JWTSecret, app.cfg.Auth.JWTIssuer)
		if err != nil {
			app.fallDown(op, err)
		}
		verifier = v
	} else {
		slog.Warn("jwt secret is not set, only device carts are served", "op", op)
	}

	mux := http.NewServeMux()
	httphandler.RegisterCart(
		mux, app.service, storage.NewProductsRepository(app.sqlDB), verifier,
	)

	app.httpServer = httphandler.NewHTTPServer(app.cfg.HTTPServerAddr, mux)
}

func (app *App) tlsConfig() *tls.Config {
	const op = "App.tlsConfig"

	files := app.cfg.Broker.TLS
	if !files.Enabled() {
		return nil
	}

	cfg, err := adapter.LoadTLSConfig(files.CA, files.Cert, files.Key)
	if err != nil {
		app.fallDown(op, err)
	}
	return cfg
}

// Run starts serving. stopFn is called when the server or a background
// worker stops on its own.
func (app *App) Run(stopFn context.CancelFunc) {
	go app.httpServer.Run(stopFn)

	g, ctx := errgroup.WithContext(app.ctx)
	g.Go(func() error {
		return app.deviceStore.slot.Watch(ctx, app.refreshDeviceCart(ctx))
	})
	if app.events.consumer != nil {
		g.Go(func() error {
			return app.events.consumer.Run(ctx)
		})
	}
	app.workers = g

	go func() {
		if err := g.Wait(); err != nil {
			slog.Error("background worker failed", "err", err)
			stopFn()
		}
	}()

	slog.Info("application is running")
}

func (app *App) refreshDeviceCart(ctx context.Context) func(string) {
	const op = "App.refreshDeviceCart"

	return func(deviceID string) {
		sess := domain.LocalSession(deviceID)
		if err := app.service.Refresh(ctx, sess); err != nil {
			slog.Warn(
				"failed to refresh device cart",
				"op", op, "cart", sess.Key(), "err", err,
			)
		}
	}
}

func (app *App) Close(ctx context.Context) {
	slog.Info("application is closing...")

	app.httpServer.Close(ctx)
	app.waitWorkers(ctx)

	if err := app.service.Wait(ctx); err != nil {
		slog.Warn("pending cart events were not delivered", "err", err)
	}

	if app.events.consumer != nil {
		app.events.consumer.Close()
	}
	if app.events.producer != nil {
		app.events.producer.Close()
	}
	app.deviceStore.close()
	app.sqlDB.Close()

	slog.Info("application is closed")
}

func (app *App) waitWorkers(ctx context.Context) {
	if app.workers == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = app.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("background workers did not stop in time")
	}
}

func (app *App) fallDown(op string, err error) {
	panic(fmt.Errorf("%s: %w", op, err))
}
