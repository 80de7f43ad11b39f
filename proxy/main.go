package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doublewordai/silt/proxy/archive"
	"github.com/doublewordai/silt/proxy/gate"
	"github.com/doublewordai/silt/proxy/store"
	"github.com/doublewordai/silt/proxy/upstream"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	archiveEnabled := cfg.DatabaseURL != ""
	redisStore, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, archiveEnabled)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	client := upstream.NewClient(cfg.UpstreamBaseURL, cfg.OpenAIAPIKey, float64(cfg.UpstreamRPS))

	admissionGate := gate.New(redisStore)
	api := NewAPI(redisStore, admissionGate, cfg.HandlerMaxLifetime)

	dispatcher := NewDispatcher(redisStore, client, cfg.BatchWindow, cfg.BatchMaxRequests)
	go dispatcher.Run(ctx)

	poller := NewPoller(redisStore, client, cfg.BatchPollInterval)
	go poller.Run(ctx)

	if archiveEnabled {
		pgArchive, err := archive.NewPostgresArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres archive: %v", err)
		}
		defer pgArchive.Close()
		log.Println("Postgres archive tier enabled")

		archiver := NewArchiver(redisStore, pgArchive)
		go archiver.Run(ctx)
	} else {
		log.Println("Postgres archive tier disabled (DATABASE_URL not set)")
	}

	hub := NewOpsHub(redisStore, api)
	go hub.Run(ctx)

	http.HandleFunc("/health", api.handleHealth)
	http.HandleFunc("/v1/chat/completions", api.handleChatCompletions)
	http.HandleFunc("/ops/stream", hub.handleOpsStream)
	http.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)

	// CRITICAL: responses can stay open for hours while a batch completes.
	// TCP keepalive on the listener keeps idle-connection reapers between
	// the client and this process from cutting them, and the server must
	// not set a write timeout.
	lc := net.ListenConfig{KeepAlive: cfg.TCPKeepalive}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, err)
	}

	server := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("Silt proxy listening on %s (batch window %s, poll interval %s)",
		addr, cfg.BatchWindow, cfg.BatchPollInterval)
	log.Fatal(server.Serve(listener))
}
