package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/event"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/pubsub"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/remoteauth"
	"github.com/life-stream-dev/life-stream-go-chat-gateway/internal/server"
)

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init("logs", cfg.DebugMode)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)
	defer cleaner.Clean()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	subscriber := pubsub.NewRemoteSubscriber(pubsub.ClientOptions{URL: cfg.PubSubURL(), Name: "remote-auth"})
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		subscriber.Close()
		return nil
	}))

	ra := remoteauth.NewServer(subscriber, remoteauth.Options{})
	ra.Start()
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		ra.Shutdown()
		return nil
	}))

	srv := server.NewServer("RemoteAuth", "", cfg.RemoteAuth.Port)
	srv.Handle("/", ra)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return subscriber.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if err := g.Wait(); err != nil {
		logger.ErrorF("Remote auth stopped with error: %v", err)
	}
}
