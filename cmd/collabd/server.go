package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docsyncio/docsync/bus"
	"github.com/docsyncio/docsync/config"
	"github.com/docsyncio/docsync/logging"
	"github.com/docsyncio/docsync/server"
	"github.com/docsyncio/docsync/store"
)

const gracefulTimeout = 10 * time.Second

var (
	flagConfPath string

	conf = config.New()

	mongoConnectionURI string
	mongoDatabase      string
	redisAddr          string
	firestoreProject   string
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server [options]",
		Short: "Start the sync server",
		RunE: func(_ *cobra.Command, _ []string) error {
			if mongoConnectionURI != "" {
				conf.Backend = "mongo"
				conf.Mongo = &config.MongoConfig{
					ConnectionURI: mongoConnectionURI,
					Database:      mongoDatabase,
				}
			}
			if redisAddr != "" {
				conf.Redis = &config.RedisConfig{Addr: redisAddr}
			}
			if firestoreProject != "" {
				conf.Firestore = &config.FirestoreConfig{Project: firestoreProject}
			}

			// A config file overwrites command-line arguments.
			if flagConfPath != "" {
				parsed, err := config.NewFromFile(flagConfPath)
				if err != nil {
					return err
				}
				conf = parsed
			}
			if err := conf.Validate(); err != nil {
				return err
			}

			log, err := logging.New(conf.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			deps, cleanup, err := buildDependencies(conf, log)
			if err != nil {
				return err
			}
			defer cleanup()

			srv, err := server.New(conf, deps)
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}

			if code := handleSignal(srv, log); code != 0 {
				return fmt.Errorf("exit code: %d", code)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&flagConfPath, "config", "c", "", "config file path")
	fs.StringVar(&conf.Addr, "addr", config.DefaultAddr, "listen address")
	fs.StringVar(&conf.LogLevel, "log-level", config.DefaultLogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&conf.JWTSecret, "jwt-secret", "", "secret for verifying access tokens")
	fs.StringVar(&mongoConnectionURI, "mongo-connection-uri", "", "MongoDB URI; enables the mongo backend")
	fs.StringVar(&mongoDatabase, "mongo-database", config.DefaultMongoDatabase, "MongoDB database name")
	fs.StringVar(&redisAddr, "redis-addr", "", "Redis address; enables cross-instance fan-out")
	fs.StringVar(&firestoreProject, "firestore-project", "", "GCP project; stores document snapshots in Firestore")
	fs.BoolVar(&conf.SnapshotCache, "snapshot-cache", false, "cache document snapshots in memory with background flush")

	return cmd
}

// buildDependencies assembles the store and bus implementations the
// configuration selects.
func buildDependencies(conf *config.Config, log *zap.SugaredLogger) (server.Dependencies, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	deps := server.Dependencies{Logger: log}

	switch conf.Backend {
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ms, err := store.NewMongoStore(ctx, conf.Mongo.ConnectionURI, conf.Mongo.Database)
		if err != nil {
			return deps, cleanup, err
		}
		cleanups = append(cleanups, func() { _ = ms.Close(context.Background()) })
		deps.Docs = ms
		deps.Session = ms
		deps.Access = ms
		deps.Users = ms
	default:
		mem := store.NewMemoryStore()
		deps.Docs = mem
		deps.Session = mem
		deps.Access = mem
		deps.Users = mem
	}

	if conf.Firestore != nil {
		client, err := firestore.NewClient(context.Background(), conf.Firestore.Project)
		if err != nil {
			return deps, cleanup, fmt.Errorf("create firestore client: %w", err)
		}
		cleanups = append(cleanups, func() { _ = client.Close() })
		deps.Docs = store.NewFirestoreStore(client)
	}

	if conf.SnapshotCache {
		cached := store.NewCachedStore(deps.Docs, conf.ParseCacheFlushInterval(), log)
		cleanups = append(cleanups, cached.Close)
		deps.Docs = cached
	}

	if conf.Redis != nil {
		deps.Bus = bus.NewRedisBus(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		}, log)
	} else {
		deps.Bus = bus.NewMemoryBus()
	}

	return deps, cleanup, nil
}

func handleSignal(srv *server.Server, log *zap.SugaredLogger) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("graceful shutdown failed", "error", err)
		return 1
	}
	return 0
}
