package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/api"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/database"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/event"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/pubsub"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/remoteauth"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/repository"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/server"
)

// store 读接口与凭证写入由同一实现提供
type store interface {
	repository.Repository
	repository.SessionStore
}

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

	var repo store
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
		repo = database.NewDatabaseStore(db, signer, database.StoreOptionsFrom(cfg))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher := pubsub.NewRemotePublisher(pubsub.ClientOptions{URL: cfg.PubSubURL(), Name: "api"})
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		publisher.Close()
		return nil
	}))

	handler := api.NewHandler(api.Deps{
		Repo:     repo,
		Sessions: repo,
		Signer:   signer,
		Notifier: remoteauth.NewNotifier(publisher),
	}, api.Options{})

	srv := server.NewServer("API", "", cfg.API.Port)
	srv.Handle("/api/", handler)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return publisher.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if err := g.Wait(); err != nil {
		logger.ErrorF("API stopped with error: %v", err)
	}
}
