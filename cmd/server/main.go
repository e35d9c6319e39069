/*
main.go - Application entry point

PURPOSE:
  Wires configuration, the SQLite store, the ledger service, the
  achievement engine and the HTTP server. Also carries the operator
  commands that work directly on the database.

COMMANDS:
  serve                 Run the HTTP API (default when no command is given)
  catalog import FILE   Upsert achievement definitions from a YAML catalog
  reconcile ACCOUNT...  Replay accounts' logs against their snapshots

GLOBAL FLAGS:
  --config  YAML configuration file (see config/config.go)
  --db      SQLite database path, overrides database.path
            Use ":memory:" for an in-memory database

STARTUP SEQUENCE (serve):
  1. Load configuration (.env, YAML, LEDGER_* env)
  2. Open SQLite store and migrate
  3. Import achievements.catalog_path if set
  4. Build ledger service, achievement engine, rarity scheduler
  5. Start HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop the rarity scheduler
  4. Close the database

EXAMPLES:
  ./server serve --config ./config.yaml
  ./server serve --db ":memory:"
  ./server catalog import ./achievements.yaml
  ./server reconcile alice bob

SEE ALSO:
  - config/config.go: Configuration
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/creatorhub/ledger-engine/achievement"
	"github.com/creatorhub/ledger-engine/api"
	"github.com/creatorhub/ledger-engine/config"
	"github.com/creatorhub/ledger-engine/ledger"
	"github.com/creatorhub/ledger-engine/store/sqlite"
)

var (
	configPath string
	dbPath     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(reconcileCmd)
	catalogCmd.AddCommand(catalogImportCmd)
}

var rootCmd = &cobra.Command{
	Use:          "server",
	Short:        "Creator coin ledger and achievement engine",
	SilenceUsage: true,
	RunE:         runServe,
}

// ─── setup ──────────────────────────────────────────────────────────────────

// app bundles what every command needs.
type app struct {
	cfg   config.Config
	log   *logrus.Logger
	store *sqlite.Store
}

func setup() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.WithField("path", cfg.Database.Path).Info("database ready")
	return &app{cfg: cfg, log: logger, store: store}, nil
}

func (a *app) ledgerService() (*ledger.Service, error) {
	lc, err := a.cfg.LedgerConfig()
	if err != nil {
		return nil, err
	}
	return ledger.NewService(a.store, lc, ledger.WithLogger(a.log)), nil
}

func (a *app) importCatalog(ctx context.Context, path string) (int, error) {
	defs, err := achievement.LoadCatalog(path)
	if err != nil {
		return 0, err
	}
	if err := achievement.ImportCatalog(ctx, a.store, defs); err != nil {
		return 0, err
	}
	return len(defs), nil
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.store.Close()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		a.cfg.Server.Addr = addr
	}

	if path := a.cfg.Achievements.CatalogPath; path != "" {
		n, err := a.importCatalog(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("failed to import catalog: %w", err)
		}
		a.log.WithFields(logrus.Fields{"path": path, "achievements": n}).Info("catalog imported")
	}

	svc, err := a.ledgerService()
	if err != nil {
		return err
	}
	engine := achievement.NewEngine(a.store, a.store, a.cfg.AchievementConfig(), achievement.WithLogger(a.log))
	calc := achievement.NewRarityCalculator(a.store, a.cfg.ActiveWindow(), achievement.WithLogger(a.log))

	rarity := api.NewRarityScheduler(calc, a.log)
	rarity.Interval = a.cfg.Achievements.RarityRefreshInterval
	rarity.Start()
	defer rarity.Stop()

	handler := api.NewHandler(svc, engine, a.store, a.store, rarity, a.log)
	handler.TransactionsLimit = a.cfg.API.TransactionsLimit
	handler.Health = a.store
	router := api.NewRouter(handler, a.cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.cfg.Server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		a.log.WithField("signal", sig.String()).Info("shutting down server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}

// ─── catalog ────────────────────────────────────────────────────────────────

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the achievement catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Upsert achievement definitions from a YAML file",
	Long: `Validates the whole file first and writes nothing if any entry is
invalid. Existing achievements with the same id are updated in place;
unlock records are never touched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.store.Close()

		n, err := a.importCatalog(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d achievements from %s\n", n, args[0])
		return nil
	},
}

// ─── reconcile ──────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile ACCOUNT...",
	Short: "Replay accounts' transaction logs and compare with their snapshots",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup()
		if err != nil {
			return err
		}
		defer a.store.Close()

		svc, err := a.ledgerService()
		if err != nil {
			return err
		}

		var failed int
		for _, id := range args {
			acc, err := svc.Reconcile(cmd.Context(), ledger.AccountID(id))
			if err != nil {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", id, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (balance %d, version %d)\n", id, acc.Balance, acc.Version)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d accounts failed reconciliation", failed, len(args))
		}
		return nil
	},
}
