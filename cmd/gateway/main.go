package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/database"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/event"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/gateway"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/pubsub"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/server"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/utils"
)

func main() {
	memory := flag.Bool("memory", false, "use an in-memory repository instead of MongoDB, for development and tests")
	fixtures := flag.String("fixtures", "", "JSON file seeding the in-memory repository, only with -memory")
	flag.Parse()

	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init("logs", cfg.DebugMode)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)
	defer cleaner.Clean()

	signer, err := auth.NewSigner(cfg.Key)
	if err != nil {
		logger.FatalF("Error occured while loading KEY, details: %v", err)
		return
	}

	srv := server.NewServer("Gateway", "", cfg.Gateway.Port)

	var repo repository.Repository
	if *memory {
		logger.Warn("Running with an in-memory repository, data is not persisted")
		ms, err := database.NewMemoryStoreFromFile(signer, *fixtures)
		if err != nil {
			logger.FatalF("Error occured while loading fixtures, details: %v", err)
			return
		}
		repo = ms
	} else {
		db, closeCallback, err := database.ConnectDatabase(cfg)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return
		}
		cleaner.Add(closeCallback)
		store := database.NewDatabaseStore(db, signer, database.StoreOptionsFrom(cfg))
		srv.AddCheck("database", func() error {
			if store.BreakerState() == gobreaker.StateOpen {
				return errors.New("circuit breaker open")
			}
			return nil
		})
		repo = store
	}

	// broker 连接不跟随信号退出, 关闭时需要先发出挂起的离线状态
	publisher := pubsub.NewRemotePublisher(pubsub.ClientOptions{URL: cfg.PubSubURL(), Name: "gateway-publisher"})
	subscriber := pubsub.NewRemoteSubscriber(pubsub.ClientOptions{URL: cfg.PubSubURL(), Name: "gateway-subscriber"})
	go func() { _ = publisher.Run(context.Background()) }()
	go func() { _ = subscriber.Run(context.Background()) }()
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		publisher.Close()
		subscriber.Close()
		return nil
	}))

	disp := dispatcher.New(publisher)
	engine := presence.NewEngine(repo, disp, presence.Options{
		Debounce: utils.ParseStringTimeOr(cfg.Gateway.PresenceDebounce, presence.DefaultDebounce),
	})
	gw := gateway.NewServer(gateway.Deps{
		Repo:       repo,
		Subscriber: subscriber,
		Dispatcher: disp,
		Presence:   engine,
	}, gateway.Options{
		HeartbeatInterval: utils.ParseStringTimeOr(cfg.Gateway.HeartbeatInterval, 45*time.Second),
		ResumeWindow:      utils.ParseStringTimeOr(cfg.Gateway.ResumeWindow, 60*time.Second),
		ReplayCapacity:    cfg.Gateway.ReplayCapacity,
		GatewayHost:       cfg.GatewayHost,
		CdnHost:           cfg.CdnHost,
	})
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		gw.Shutdown()
		return nil
	}))
	srv.Handle("/", gw)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := subscriber.WaitConnected(waitCtx); err != nil {
			logger.WarnF("Broker %s not reachable yet, events will flow once connected", cfg.PubSubURL())
			return nil
		}
		logger.InfoF("Connected to broker %s", cfg.PubSubURL())
		return nil
	})
	g.Go(func() error {
		gw.Start(ctx)
		return srv.Run(ctx)
	})
	if err := g.Wait(); err != nil {
		logger.ErrorF("Gateway stopped with error: %v", err)
	}
}
