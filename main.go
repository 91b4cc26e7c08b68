package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/httpapi"
	"parley/internal/relay"
	"parley/internal/storage"
	"parley/internal/turncred"
)

func run(ctx context.Context, addUser string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	hub, err := relay.NewHub(relay.Config{
		CallTimeout:   cfg.CallTimeout,
		SweepInterval: cfg.SweepInterval,
	}, bbStorage)
	if err != nil {
		return err
	}

	iceClient := turncred.New(turncred.Config{
		IssuerURL: cfg.ICEIssuerURL,
		Timeout:   cfg.ICETimeout,
	})

	apiServer := httpapi.NewServer(hub, iceClient, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Stale-call sweeper; stops with the group.
	g.Go(func() error {
		hub.RunSweeper(gCtx)
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Handle to register against a running server")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
