// Package app wires configuration, storage, the event relay and the HTTP
// surface into a running chatspot instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/masjids-io/chatspot/internal/application/services"
	"github.com/masjids-io/chatspot/internal/auth"
	"github.com/masjids-io/chatspot/internal/config"
	"github.com/masjids-io/chatspot/internal/infrastructure/database"
	"github.com/masjids-io/chatspot/internal/infrastructure/media"
	"github.com/masjids-io/chatspot/internal/infrastructure/relay"
	"github.com/masjids-io/chatspot/internal/infrastructure/websocket"
	"github.com/masjids-io/chatspot/internal/interfaces/api"
	"github.com/masjids-io/chatspot/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	cfg config.Config
	log *zap.Logger

	db          *gorm.DB
	rdb         redis.UniversalClient
	relay       relay.Relay
	hub         *websocket.Hub
	broadcaster *services.Broadcaster
	server      *http.Server

	cancel context.CancelFunc
	bg     sync.WaitGroup
	once   sync.Once
}

// New builds every component and starts the relay consumers. Call Close to
// release what New acquired, whether or not Run was called.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (_ *App, err error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &App{cfg: cfg, log: log, cancel: cancel}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if a.db, err = database.Open(cfg.Database, log); err != nil {
		return nil, err
	}
	if err = database.Migrate(a.db); err != nil {
		return nil, err
	}

	if cfg.UsesRedis() {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err = a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	switch cfg.Relay.Backend {
	case "redis":
		a.relay = relay.NewRedis(a.rdb, relay.RedisOptions{
			Prefix:     cfg.Relay.StreamPrefix,
			Partitions: cfg.Relay.Partitions,
			Consumer:   consumerName(),
			LeaseTTL:   cfg.Relay.LeaseTTL,
		}, log)
	default:
		a.relay = relay.NewMemory(cfg.Relay.Partitions, cfg.Relay.BufferSize, log)
	}

	store, err := media.NewLocalStore(cfg.Media.Dir, cfg.Media.MaxSize, log)
	if err != nil {
		return nil, err
	}

	chats := database.NewChatRepository(a.db)
	messages := database.NewMessageRepository(a.db)
	deliveries := database.NewDeliveryRepository(a.db)
	reactionRepo := database.NewReactionRepository(a.db)
	users := database.NewUserRepository(a.db)

	membership := services.NewMembershipService(chats, messages, users, log)
	reactions := services.NewReactionService(membership, messages, reactionRepo, a.relay, m, log)
	a.hub = websocket.NewHub(membership, cfg.Realtime.ClientBuffer, cfg.HTTP.AllowedOrigins, m, log)

	var realtime services.RealtimePublisher = a.hub
	var revoker services.MembershipListener = a.hub
	if cfg.Realtime.RedisBridge {
		bridge := websocket.NewRedisBridge(a.rdb, cfg.Relay.StreamPrefix, a.hub, log)
		realtime, revoker = bridge, bridge
		a.bg.Add(1)
		go func() {
			defer a.bg.Done()
			if err := bridge.Run(ctx); err != nil {
				log.Error("bridge_stopped", zap.Error(err))
			}
		}()
	}
	a.broadcaster = services.NewBroadcaster(realtime, cfg.Broadcast.QueueSize, cfg.Broadcast.Workers, m, log)

	// revocation runs before the broadcast of the same removal
	membership.Listen(revoker)
	membership.Listen(a.broadcaster)
	a.hub.SetReporter(services.NewPresenceService(membership, users, a.broadcaster, log))

	consumer := services.NewEventConsumer(services.ConsumerDeps{
		Subscriber:  a.relay,
		Publisher:   a.relay,
		Group:       cfg.Relay.ConsumerGroup,
		Retry:       relay.RetryPolicy{Attempts: cfg.Relay.RetryAttempts, Base: cfg.Relay.RetryBase, Max: cfg.Relay.RetryMax},
		Deliveries:  deliveries,
		Reactions:   reactions,
		Broadcaster: a.broadcaster,
		Presence:    a.hub,
		Metrics:     m,
		Log:         log,
	})
	if err = consumer.Start(ctx); err != nil {
		return nil, err
	}

	router := api.NewRouter(ctx, api.Deps{
		Chats:      services.NewChatService(chats, messages, users, membership, log),
		Membership: membership,
		Ingestion:  services.NewIngestionService(membership, messages, store, a.relay, m, log),
		Delivery:   services.NewDeliveryService(membership, chats, messages, deliveries, a.relay, m, log),
		Reactions:  reactions,
		Profiles:   services.NewUserService(users, store, log),
		Users:      users,
		Hub:        a.hub,
		Verifier:   auth.NewVerifier(cfg.Auth.AccessSecret),
		Gatherer:   reg,
		Metrics:    m,
		HTTP:       cfg.HTTP,
		RateLimit:  cfg.RateLimit,
		MaxUpload:  cfg.Media.MaxSize,
		Log:        log,
	})
	a.server = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	return a, nil
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "chatspot"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Run serves HTTP until ctx is done, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		a.log.Info("server_started", zap.String("addr", ln.Addr().String()))
		errc <- a.server.Serve(ln)
	}()

	select {
	case err := <-errc:
		a.Close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	a.Close(shutdownCtx)
	<-errc
	a.log.Info("server_exited")
	return nil
}

// Close stops the HTTP server, the relay, the broadcaster, the hub and the
// database, in that order. It is safe to call more than once.
func (a *App) Close(ctx context.Context) {
	a.once.Do(func() {
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.log.Warn("http_shutdown_failed", zap.Error(err))
			}
		}
		if a.relay != nil {
			if err := a.relay.Close(); err != nil {
				a.log.Warn("relay_close_failed", zap.Error(err))
			}
		}
		if a.broadcaster != nil {
			a.broadcaster.Close()
		}
		if a.hub != nil {
			a.hub.Close()
		}
		a.cancel()
		a.bg.Wait()
		if a.rdb != nil {
			_ = a.rdb.Close()
		}
		if a.db != nil {
			if err := database.Close(a.db); err != nil {
				a.log.Warn("database_close_failed", zap.Error(err))
			}
		}
	})
}

// Migrate applies the schema and exits.
func Migrate(cfg config.Config, log *zap.Logger) error {
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer database.Close(db)
	if err := database.Migrate(db); err != nil {
		return err
	}
	log.Info("migrations_applied", zap.String("driver", cfg.Database.Driver))
	return nil
}
