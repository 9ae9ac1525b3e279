// Package main runs the HandReceipt sync core as a standalone process:
// local cache, durable queues, background drain and the server event feed.
// Mobile builds embed the same packages behind an FFI shim instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/toole-brendan/handreceipt-sync/internal/cache"
	"github.com/toole-brendan/handreceipt-sync/internal/db"
	"github.com/toole-brendan/handreceipt-sync/internal/logging"
	"github.com/toole-brendan/handreceipt-sync/internal/remote"
	syncer "github.com/toole-brendan/handreceipt-sync/internal/sync"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/scheduler"
	"github.com/toole-brendan/handreceipt-sync/internal/sync/storage"
)

// Version is set at build time.
var Version = "0.1.0"

// staticCredentials satisfies remote.CredentialSource with a fixed token,
// which is all the standalone process needs. App builds plug in their real
// auth layer.
type staticCredentials struct {
	token  string
	userID int64
}

func (c *staticCredentials) Token(ctx context.Context) (string, error) {
	return c.token, nil
}

func (c *staticCredentials) UserID() int64 {
	return c.userID
}

func main() {
	var (
		dataDir  = flag.String("data", "./data", "directory for the cache database and staged photos")
		baseURL  = flag.String("server", "http://localhost:8080", "HandReceipt server base URL")
		eventURL = flag.String("events", "", "websocket URL of the server event feed (empty disables it)")
		token    = flag.String("token", "", "bearer token for server calls")
		userID   = flag.Int64("user", 0, "authenticated user id")
		logLevel = flag.String("log-level", "INFO", "minimum log level (DEBUG, INFO, WARN, ERROR)")
	)
	flag.Parse()

	logging.Init(os.Stdout, logging.ParseLevel(*logLevel))
	fmt.Printf("HandReceipt Sync Core v%s\n", Version)

	if *userID == 0 {
		logging.Error("A user id is required", nil, nil)
		os.Exit(1)
	}

	database, err := db.Open(*dataDir)
	if err != nil {
		logging.Error("Failed to open cache database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database)
	if err := migrator.Initialize(); err != nil {
		logging.Error("Failed to initialize schema tracking", err, nil)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("Failed to migrate cache schema", err, nil)
		os.Exit(1)
	}

	photos, err := storage.NewPhotoStore(*dataDir + "/photos")
	if err != nil {
		logging.Error("Failed to open photo staging area", err, nil)
		os.Exit(1)
	}

	store := db.NewStore(database, 0)
	if _, err := store.RecoverInFlight(); err != nil {
		logging.Error("Failed to recover in-flight queue items", err, nil)
		os.Exit(1)
	}

	creds := &staticCredentials{token: *token, userID: *userID}
	client := remote.NewHTTPClient(*baseURL, creds, nil)

	appCache, err := cache.New(store, photos, *userID)
	if err != nil {
		logging.Error("Failed to open cache", err, nil)
		os.Exit(1)
	}

	processor := syncer.NewProcessor(store, client, photos, appCache, nil)
	sched := scheduler.New(processor, store, nil)
	appCache.SetSyncTrigger(sched.TriggerSync)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	sched.SetOnlineStatus(true)

	if *eventURL != "" {
		listener := remote.NewEventListener(*eventURL, creds, appCache)
		go listener.Run(ctx)
	}

	<-ctx.Done()
	sched.Stop()
	logging.Info("Sync core shut down", nil)
}
