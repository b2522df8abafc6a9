package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cereals/chat-client/internal/api"
	"github.com/cereals/chat-client/internal/auth"
	"github.com/cereals/chat-client/internal/cache"
	"github.com/cereals/chat-client/internal/config"
	"github.com/cereals/chat-client/internal/engine"
	"github.com/cereals/chat-client/internal/metrics"
	"github.com/cereals/chat-client/internal/model"
	"github.com/cereals/chat-client/internal/notify"
	"github.com/cereals/chat-client/internal/session"
	"github.com/cereals/chat-client/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// --- Durable cache ---
	// A broken local database degrades the client, it does not stop it.
	store, err := cache.Open(cfg.CachePath)
	if err != nil {
		log.Printf("cache unavailable, running degraded: %v", err)
		store = cache.Unavailable()
	}

	// --- REST client and auth ---
	apiClient := api.NewClient(cfg.ServerURL, api.WithTimeout(cfg.SendTimeout))
	authMgr := auth.NewManager(apiClient, store)
	if err := authMgr.Load(); err != nil {
		log.Printf("failed to load persisted session: %v", err)
	}
	if tok := os.Getenv("CHAT_ACCESS_TOKEN"); tok != "" {
		s := model.AuthSession{
			AccessToken:  tok,
			RefreshToken: os.Getenv("CHAT_REFRESH_TOKEN"),
		}
		if v := os.Getenv("CHAT_USER_ID"); v != "" {
			if id, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				s.UserID = id
			}
		}
		if err := authMgr.SetSession(s); err != nil {
			log.Printf("failed to install session from environment: %v", err)
		}
	}

	authSession, ok := authMgr.Session()
	if !ok || authSession.AccessToken == "" {
		log.Fatal("no credential: set CHAT_ACCESS_TOKEN or sign in first")
	}

	log.Printf("chat client starting")
	log.Printf("  server_url:   %s", cfg.ServerURL)
	log.Printf("  socket_url:   %s", cfg.SocketURL)
	log.Printf("  cache_path:   %s (available=%v)", cfg.CachePath, store.Available())
	log.Printf("  metrics_addr: %s", cfg.MetricsAddr)
	log.Printf("  user_id:      %d", authSession.UserID)

	// --- Realtime link ---
	linkCfg := transport.DefaultConfig()
	linkCfg.URL = cfg.SocketURL
	linkCfg.HeartbeatInterval = cfg.HeartbeatInterval
	linkCfg.BackoffBase = cfg.BackoffBase
	linkCfg.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	link := transport.NewLink(linkCfg)

	// --- Engine ---
	sessions := session.NewStore(authSession.UserID)
	eng := engine.New(sessions, store, apiClient, link, authMgr, notify.LogNotifier{}, engine.Config{
		SendTimeout: cfg.SendTimeout,
		PageSize:    cfg.PageSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)

	// --- Metrics endpoint ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	if err := link.Connect(ctx, authMgr.Credential()); err != nil {
		log.Printf("initial connect failed: %v", err)
	}

	// Warm the directory so notifications carry usernames.
	if _, err := eng.RefreshContacts(ctx); err != nil {
		log.Printf("failed to refresh contacts: %v", err)
	}
	if _, err := eng.RefreshGroups(ctx); err != nil {
		log.Printf("failed to refresh groups: %v", err)
	}
	if err := eng.UpdatePresence(ctx, model.PresenceOnline); err != nil {
		log.Printf("failed to publish presence: %v", err)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	if err := eng.UpdatePresence(context.Background(), model.PresenceOffline); err != nil {
		log.Printf("failed to publish offline presence: %v", err)
	}
	link.Disconnect()
	cancel()
	if err := store.Close(); err != nil {
		log.Printf("cache close error: %v", err)
	}
}
