package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snapgram/presence-relay/internal/config"
	"github.com/snapgram/presence-relay/internal/enrich"
	"github.com/snapgram/presence-relay/internal/gateway"
	"github.com/snapgram/presence-relay/internal/messaging"
	"github.com/snapgram/presence-relay/internal/presence"
	"github.com/snapgram/presence-relay/internal/room"
	"github.com/snapgram/presence-relay/internal/session"
	"github.com/snapgram/presence-relay/internal/store"
	"github.com/snapgram/presence-relay/internal/telemetry"
	"github.com/snapgram/presence-relay/internal/ws"
)

const serviceName = "presence-relay"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// --- Tracing ---
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.ServerName, cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	// --- Record store ---
	records, err := store.Open(ctx, cfg.Store())
	if err != nil {
		log.Fatalf("failed to connect to record store: %v", err)
	}

	var opts gateway.Options

	// --- Redis (optional session mirror) ---
	var sessionStore *session.Store
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		opts.Mirror = sessionStore
	}

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsClient, err = messaging.NewNATSClient(cfg.NATS())
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		opts.Publisher = natsClient
	}

	log.Printf("presence relay starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr())
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  heartbeat:       %s/%s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  record_store:    %s", cfg.RecordStore)
	log.Printf("  redis_addr:      %s", orDisabled(cfg.RedisAddr))
	log.Printf("  nats_url:        %s", orDisabled(cfg.NATSURL))
	log.Printf("  otel_endpoint:   %s", orDisabled(cfg.OTelEndpoint))
	log.Printf("  server_name:     %s", cfg.ServerName)

	server := ws.NewServer(cfg.Server())
	router := room.NewRouter(server)
	pipeline := enrich.NewPipeline(records, router, cfg.Enrich())
	gw := gateway.New(presence.NewRegistry(), router, pipeline, opts)

	server.SetHandlers(ws.Handlers{
		OnConnect: func(c *ws.Connection) error {
			return gw.OnConnect(c, c.UserID)
		},
		OnMessage: func(c *ws.Connection, data []byte) {
			gw.OnMessage(c, data)
		},
		OnDisconnect: func(c *ws.Connection) {
			gw.OnDisconnect(c)
		},
	})

	if natsClient != nil {
		if err := natsClient.SubscribeNotifications(gw.RelayNotification); err != nil {
			log.Fatalf("failed to subscribe to notifications: %v", err)
		}
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Stop NATS intake first; publishing stays up while the server
		// releases its sessions.
		if natsClient != nil {
			if err := natsClient.UnsubscribeNotifications(); err != nil {
				log.Printf("nats unsubscribe error: %v", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		pipeline.Wait()
		if err := records.Close(shutdownCtx); err != nil {
			log.Printf("record store close error: %v", err)
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, ws.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	<-stopped
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}
