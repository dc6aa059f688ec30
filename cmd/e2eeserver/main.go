// Command e2eeserver runs the server side of the end-to-end encryption
// subsystem: the key registry, group membership/rekey registry, and the
// ephemeral ciphertext relay, all behind one HTTP+WebSocket surface.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/efsecnet/efsec/internal/config"
	"github.com/efsecnet/efsec/internal/grouprouter"
	"github.com/efsecnet/efsec/internal/metrics"
	"github.com/efsecnet/efsec/internal/registry"
	"github.com/efsecnet/efsec/internal/relay"
	"github.com/efsecnet/efsec/internal/serverkeys"
	"github.com/efsecnet/efsec/internal/transport"
)

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readinessCheck backs the Consul health check registered in Register: it
// only reports ready once the key/group registries and relay this instance
// serves can actually reach their backing stores.
func readinessCheck(db *sql.DB, rel *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "postgres unreachable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := rel.Ping(ctx); err != nil {
			http.Error(w, "redis unreachable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// clusterPeers exposes the healthy e2ee-server pool Consul currently knows
// about, letting operators (or a load balancer's sidecar) inspect fleet size
// without querying Consul's catalog API directly.
func clusterPeers(reg *registry.ConsulRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peers, err := reg.GetHealthyServers()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"peers": peers})
	}
}

func main() {
	cfg := config.Load()

	log.Printf("starting e2ee server: %s", cfg.ServerID)

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("warning: failed to close postgres: %v", err)
		}
	}()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}

	keys, err := serverkeys.NewWithDB(db)
	if err != nil {
		log.Fatalf("failed to initialize key registry: %v", err)
	}

	groups, err := grouprouter.NewWithDB(db)
	if err != nil {
		log.Fatalf("failed to initialize group registry: %v", err)
	}

	ctx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()
	rel, err := relay.Open(ctx, cfg.RedisURL, cfg.RedisPass)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer func() {
		if err := rel.Close(); err != nil {
			log.Printf("warning: failed to close relay: %v", err)
		}
	}()

	serviceRegistry, err := registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.ServerPort)
	if err != nil {
		log.Fatalf("failed to connect to consul: %v", err)
	}
	if err := serviceRegistry.Register("serverkeys,grouprouter,relay"); err != nil {
		log.Fatalf("failed to register service: %v", err)
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go serviceRegistry.WatchServices(watchCtx, func(peers []string) {
		log.Printf("e2ee cluster membership changed: %d healthy peer(s): %v", len(peers), peers)
		metrics.RecordClusterPeers(len(peers))
	})

	e2ee := transport.NewServer(keys, groups, rel)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.HandleFunc("/health/ready", readinessCheck(db, rel)).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	protected := router.PathPrefix("").Subrouter()
	protected.Use(transport.AuthMiddleware([]byte(cfg.JWTSecret)))
	protected.Use(metrics.MetricsMiddleware)
	protected.PathPrefix("/e2e/").Handler(e2ee.Router())
	protected.HandleFunc("/ws", transport.PushHandler(rel)).Methods("GET")
	protected.HandleFunc("/cluster/peers", clusterPeers(serviceRegistry)).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           corsHandler.Handler(router),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("e2ee server listening on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, starting graceful shutdown", sig)

	cancelWatch()

	if err := serviceRegistry.Deregister(); err != nil {
		log.Printf("warning: failed to deregister from consul: %v", err)
	}

	time.Sleep(5 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: server shutdown error: %v", err)
	}

	cancelRelay()
	log.Println("server stopped gracefully")
}
