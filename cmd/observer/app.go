package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/reachsriharsha/daari-parent-sub000/config"
	tripsapi "github.com/reachsriharsha/daari-parent-sub000/internal/api/trips_api"
	"github.com/reachsriharsha/daari-parent-sub000/internal/broker/kafka"
	"github.com/reachsriharsha/daari-parent-sub000/internal/broker/rabbitmq"
	"github.com/reachsriharsha/daari-parent-sub000/internal/cache"
	"github.com/reachsriharsha/daari-parent-sub000/internal/cache/rediscache"
	"github.com/reachsriharsha/daari-parent-sub000/internal/geo"
	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/backend/fake"
	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/backend/httpapi"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/loader"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/proximity"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/registry"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/retention"
	"github.com/reachsriharsha/daari-parent-sub000/internal/storage/samplelog"
)

// sampleLog is the observer's durable log: push samples in, trips out.
type sampleLog interface {
	registry.Log
	loader.Log
	retention.Sweeper
}

type pushConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type observerFactories struct {
	newLog           func(cfg *config.Config) (log sampleLog, closeFn func(), err error)
	newCache         func(cfg *config.Config) (store cache.BytesCache, rl cache.RateLimiter, closeFn func())
	newPushConsumer  func(cfg *config.Config) (c pushConsumer, closeFn func(), err error)
	newAlertProducer func(cfg *config.Config) (p registry.Producer, closeFn func())
	newRemote        func(cfg *config.Config) loader.Remote
}

func defaultObserverFactories() observerFactories {
	return observerFactories{
		newLog: func(cfg *config.Config) (sampleLog, func(), error) {
			if cfg.Observer.LocalLog == "sqlite" {
				path := cfg.Observer.LocalLogPath
				if path == "" {
					path = "observer.db"
				}
				l, err := samplelog.Open(path)
				if err != nil {
					return nil, nil, err
				}
				return l, func() { _ = l.Close() }, nil
			}
			st := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
			return st, st.Close, nil
		},
		newCache: func(cfg *config.Config) (cache.BytesCache, cache.RateLimiter, func()) {
			if cfg.Redis.Host == "" {
				return nil, nil, func() {}
			}
			rc := rediscache.New(cfg.Redis.Addr())
			return rc, rc.Limiter(), func() { _ = rc.Close() }
		},
		newPushConsumer: func(cfg *config.Config) (pushConsumer, func(), error) {
			switch cfg.Observer.PushTransport {
			case "http":
				return nil, func() {}, nil
			case "amqp":
				queue := cfg.RabbitMQ.PushQueue
				if queue == "" {
					queue = "trip.push"
				}
				c, err := rabbitmq.Dial(cfg.RabbitMQ.URL(), queue, 32)
				if err != nil {
					return nil, nil, err
				}
				return c, func() { _ = c.Close() }, nil
			default:
				group := cfg.Observer.KafkaConsumerGroup
				if group == "" {
					group = "observer"
				}
				c := kafka.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.PushTopic(), group)
				return c, func() { _ = c.Close() }, nil
			}
		},
		newAlertProducer: func(cfg *config.Config) (registry.Producer, func()) {
			if cfg.Kafka.Host == "" {
				return nil, func() {}
			}
			p := kafka.NewProducer(cfg.Kafka.Brokers())
			return p, func() { _ = p.Close() }
		},
		newRemote: func(cfg *config.Config) loader.Remote {
			switch {
			case cfg.Backend.Mode == "fake":
				return fake.New()
			case cfg.Backend.BaseURL != "":
				return httpapi.New(cfg.Backend.BaseURL, cfg.Backend.APIToken, cfg.Backend.Timeout())
			default:
				return nil
			}
		},
	}
}

type observerOpts struct {
	httpAddr    string
	grpcAddr    string
	swaggerPath string

	onListen func(grpcAddr, httpAddr string)
}

// observer bundles what the HTTP layer reports on.
type observer struct {
	disp     *registry.Dispatcher
	loader   *loader.Loader
	sweeper  *retention.Service
	api      *tripsapi.TripsAPI
	consumer pushConsumer
	log      sampleLog
}

func buildObserver(cfg *config.Config, log sampleLog, store cache.BytesCache, rl cache.RateLimiter, producer registry.Producer, remote loader.Remote) *observer {
	oc := cfg.Observer

	targets := make([]proximity.Target, 0, len(oc.Targets))
	for _, t := range oc.Targets {
		targets = append(targets, proximity.Target{
			Name:  t.Name,
			Point: geo.Point{Latitude: t.Latitude, Longitude: t.Longitude},
		})
	}
	engine := proximity.NewEngine(proximity.NewLadder(oc.Thresholds(), oc.Reached()), targets, store, oc.AlertStateTTL())

	var sink registry.AlertSink
	if producer != nil {
		sink = registry.NewAlertPublisher(producer, cfg.Kafka.AlertsTopic())
	}
	reg := registry.New(engine, sink, oc.SubscriberBuffer())
	disp := registry.NewDispatcher(log, reg)

	ld := loader.New(log, remote, reg).WithSettings(oc.Staleness(), oc.RemoteTimeout())
	if rl != nil && oc.RemoteRateLimitPerMinute > 0 {
		ld = ld.WithRateLimit(rl, oc.RemoteRateLimitPerMinute)
	}

	return &observer{
		disp:    disp,
		loader:  ld,
		sweeper: retention.New(log, oc.Retention(), oc.RetentionInterval()),
		api:     tripsapi.New(ld, disp, reg),
	}
}

func RunObserver(ctx context.Context, cfg *config.Config, opts observerOpts, f observerFactories) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	log, closeLog, err := f.newLog(cfg)
	if err != nil {
		return err
	}
	if closeLog != nil {
		defer closeLog()
	}

	store, rl, closeCache := f.newCache(cfg)
	defer closeCache()

	producer, closeProducer := f.newAlertProducer(cfg)
	defer closeProducer()

	consumer, closeConsumer, err := f.newPushConsumer(cfg)
	if err != nil {
		return err
	}
	defer closeConsumer()

	o := buildObserver(cfg, log, store, rl, producer, f.newRemote(cfg))
	o.consumer = consumer
	o.log = log

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}
	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- runGRPCHealthServer(ctx, grpcLis)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runObserverHTTPServer(ctx, httpLis, opts.swaggerPath, o)
	}()

	go func() {
		_ = o.sweeper.Run(ctx)
	}()

	if consumer != nil {
		go func() {
			slog.Info("push consumer started", "transport", cfg.Observer.PushTransport)
			if err := consumer.Consume(ctx, o.disp.Handler(ctx)); err != nil && ctx.Err() == nil {
				slog.Error("push consumer stopped", "error", err.Error())
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-grpcErr:
		return err
	case err := <-httpErr:
		return err
	}
}
