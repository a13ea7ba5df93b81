package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/ccos-lite/internal/config"
	"github.com/example/ccos-lite/internal/endpoint"
	"github.com/example/ccos-lite/internal/service"
	"github.com/example/ccos-lite/internal/storage/sqlite"
)

var (
	configPath string
	dbPath     string
	hmacKeys   string
)

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify a CCOS causal chain",
	Long: `ledger works directly on the SQLite database of a CCOS orchestrator.

It verifies the hash chain and signatures of the ledger, shows the entries
recorded for a plan, derives plan status, and can drive a plan file against
a scripted host to watch the orchestrator yield and resume.

Signing keys and the database path come from the same configuration the
server uses (TOML file, then CCOS_* environment variables); the flags below
override both.

EXAMPLES:
  # Verify the whole chain
  ledger verify --db ccos.db --keys v1=secret

  # Verify every plan chain in parallel
  ledger verify --all-plans --workers 8

  # Show what a plan did
  ledger inspect plan-42

  # Drive a plan, denying one capability
  ledger run plan.json --deny file.write`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&hmacKeys, "keys", "", "ledger HMAC keys as id=secret,... (overrides config)")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// env is an opened ledger database with the services over it.
type env struct {
	store       *sqlite.SQLiteStorage
	chain       *service.CausalChain
	checkpoints *service.CheckpointManager
	orch        *service.OrchestratorService
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Storage.SQLitePath = dbPath
	}
	if hmacKeys != "" {
		cfg.Ledger.HMACKeys = hmacKeys
	}
	return openEnvWith(ctx, cfg)
}

func openEnvWith(ctx context.Context, cfg *config.Config) (*env, error) {
	signer, err := cfg.Ledger.Keyring()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Storage.SQLitePath, err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	chain := service.NewCausalChain(store, signer)
	checkpoints := service.NewCheckpointManager(store)
	return &env{
		store:       store,
		chain:       chain,
		checkpoints: checkpoints,
		orch: service.NewOrchestrator(store, chain, checkpoints, service.LiteralEvaluator{},
			service.WithConfig(cfg.Orchestrator)),
	}, nil
}

func (e *env) endpoints() endpoint.Endpoints {
	return endpoint.MakeEndpoints(e.orch, e.chain)
}

func (e *env) Close() error {
	return e.store.Close()
}
