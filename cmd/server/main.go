package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/example/ccos-lite/internal/config"
	"github.com/example/ccos-lite/internal/endpoint"
	"github.com/example/ccos-lite/internal/observability"
	"github.com/example/ccos-lite/internal/service"
	"github.com/example/ccos-lite/internal/storage/sqlite"
	grpcTransport "github.com/example/ccos-lite/internal/transport/grpc"
	"github.com/example/ccos-lite/internal/web"
)

func main() {
	configPath := flag.String("config", os.Getenv("CCOS_CONFIG"), "path to a TOML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	signer, err := cfg.Ledger.Keyring()
	if err != nil {
		log.Fatalf("Failed to create ledger signer: %v", err)
	}

	// Enable profiling
	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)

	// Create metrics infrastructure
	metrics := observability.NewMetrics()

	// Start debug server for pprof and metrics
	if cfg.Server.DebugAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics)
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
			log.Printf("Starting debug server on %s (pprof + metrics)", cfg.Server.DebugAddr)
			if err := http.ListenAndServe(cfg.Server.DebugAddr, mux); err != nil {
				log.Printf("Debug server error: %v", err)
			}
		}()
	}

	// Initialize storage
	log.Printf("Initializing SQLite storage at %s", cfg.Storage.SQLitePath)
	store, err := sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	// Run migrations
	log.Println("Running database migrations...")
	if err := store.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Create services with metrics
	chain := service.NewCausalChainWithMetrics(store, signer, metrics)
	checkpoints := service.NewCheckpointManagerWithMetrics(store, metrics)
	orchestratorSvc := service.NewOrchestrator(store, chain, checkpoints, service.LiteralEvaluator{},
		service.WithMetrics(metrics),
		service.WithConfig(cfg.Orchestrator),
	)

	// Verify the chain before accepting work
	report, err := chain.Audit(context.Background(), 0, 0)
	if err != nil {
		log.Fatalf("Failed to verify ledger: %v", err)
	}
	if !report.Valid {
		log.Printf("WARNING: ledger is broken at seq %d: %s", report.FirstInvalid, report.Reason)
	} else {
		log.Printf("Ledger verified: %d entries", report.Checked)
	}

	// Start the ledger web API
	if cfg.Server.WebAddr != "" {
		webServer := web.NewServer(cfg.Server.WebAddr, orchestratorSvc, chain, checkpoints)
		go func() {
			if err := webServer.Start(); err != nil {
				log.Printf("Web server error: %v", err)
			}
		}()
	}

	// Create endpoints
	endpoints := endpoint.MakeEndpoints(orchestratorSvc, chain)

	// Create gRPC server
	server := grpcTransport.NewServer(endpoints, grpcTransport.WithWatch(chain))

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")

		log.Println("Stopping gRPC server...")
		server.GracefulStop()
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.Server.GRPCPort)
	log.Printf("Starting CCOS orchestrator on %s", addr)
	if err := server.Serve(addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
