package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/umpire-3/workflow-api/internal/config"
	internal_http "github.com/umpire-3/workflow-api/internal/http"
	"github.com/umpire-3/workflow-api/internal/log"
	internal_storage "github.com/umpire-3/workflow-api/internal/storage"
	"github.com/umpire-3/workflow-api/pkg/engine"
	"github.com/umpire-3/workflow-api/pkg/models"
	"github.com/umpire-3/workflow-api/pkg/storage"
)

// SetupCLI wires all workflow commands onto the root command.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Postgres connection string (implies --storage postgres)")
	rootCmd.PersistentFlags().String("storage", "", "Storage backend: memory or postgres")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow API server",
		Run: func(cmd *cobra.Command, args []string) {
			addr, _ := cmd.Flags().GetString("addr")
			cfg := loadConfig(cmd)
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			serve(cfg)
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (overrides WORKFLOW_HTTP_ADDR)")

	registerCmd := &cobra.Command{
		Use:   "register [file]",
		Short: "Register a workflow definition from a JSON file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer store.Close()
			svc := engine.NewDefinitionService(store, log.GetLogger())
			registerDefinition(svc, args[0])
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflow definitions",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer store.Close()
			svc := engine.NewDefinitionService(store, log.GetLogger())
			listDefinitions(svc)
		},
	}

	deprecateCmd := &cobra.Command{
		Use:   "deprecate [name]",
		Short: "Close a workflow definition to new runs",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			version, _ := cmd.Flags().GetInt("version")
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer store.Close()
			svc := engine.NewDefinitionService(store, log.GetLogger())
			deprecateDefinition(svc, args[0], version)
		},
	}
	deprecateCmd.Flags().Int("version", 0, "Version to deprecate (0 deprecates all versions)")

	runCmd := &cobra.Command{
		Use:   "run [name]",
		Short: "Execute a workflow with the built-in handlers and wait for it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			version, _ := cmd.Flags().GetInt("version")
			params, _ := cmd.Flags().GetStringArray("param")
			cfg := loadConfig(cmd)
			opts := engine.StartOptions{Version: version, Params: parseParams(params)}
			if cmd.Flags().Changed("fail-fast") {
				failFast, _ := cmd.Flags().GetBool("fail-fast")
				opts.FailFast = &failFast
			}
			runWorkflow(cfg, args[0], opts)
		},
	}
	runCmd.Flags().Int("version", 0, "Definition version to run (0 runs the latest)")
	runCmd.Flags().StringArray("param", nil, "Run parameter as key=value (repeatable)")
	runCmd.Flags().Bool("fail-fast", false, "Stop dispatching after the first task failure")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List workflow runs",
		Run: func(cmd *cobra.Command, args []string) {
			definition, _ := cmd.Flags().GetString("definition")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer store.Close()
			listRuns(store, storage.RunFilter{
				DefinitionName: definition,
				Status:         models.RunStatus(strings.ToUpper(status)),
				Limit:          limit,
			})
		},
	}
	runsCmd.Flags().String("definition", "", "Only runs of this definition")
	runsCmd.Flags().String("status", "", "Only runs with this status")
	runsCmd.Flags().Int("limit", 0, "Maximum number of runs to list")

	statusCmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run and its task attempts",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer store.Close()
			showStatus(store, parseRunID(args[0]))
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Request cancellation of a run",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				fmt.Fprintf(os.Stderr, "Error: expected exactly one run id\n")
				os.Exit(1)
			}
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer store.Close()
			cancelRun(store, parseRunID(args[0]))
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge [run-id]",
		Short: "Delete a terminal run and its attempts",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := openStore(cfg)
			defer store.Close()
			purgeRun(store, parseRunID(args[0]))
		},
	}

	rootCmd.AddCommand(serveCmd, registerCmd, listCmd, deprecateCmd, runCmd, runsCmd, statusCmd, cancelCmd, purgeCmd)
}

// serve runs the API server until SIGINT or SIGTERM, then drains active
// runs within the configured shutdown timeout.
func serve(cfg *config.Config) {
	logger := log.GetLogger()
	store := openStore(cfg)
	defer store.Close()

	registry := engine.NewHandlerRegistry()
	registerBuiltinHandlers(registry)

	defs := engine.NewDefinitionService(store, logger)
	coord := engine.NewCoordinator(store, registry, engine.Config{
		Workers:            cfg.Workers,
		DefaultTaskTimeout: cfg.DefaultTaskTimeout,
		FailFast:           cfg.FailFast,
	}, logger)
	srv := internal_http.NewServer(defs, coord)

	retentionCtx, stopRetention := context.WithCancel(context.Background())
	defer stopRetention()
	if cfg.RetentionAge > 0 && cfg.RetentionInterval > 0 {
		go coord.RunRetention(retentionCtx, cfg.RetentionInterval, cfg.RetentionAge)
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start(cfg.HTTPAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("Server error: %v", err)
			os.Exit(1)
		}
	case sig := <-quit:
		logger.Infof("Received %s, shutting down", sig)
	}

	stopRetention()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown: %v", err)
	}
	if err := coord.Shutdown(ctx); err != nil {
		logger.Errorf("Coordinator shutdown: %v", err)
	}
	logger.Infof("Server stopped")
}

func registerDefinition(svc *engine.DefinitionService, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading %s: %v\n", path, err)
		os.Exit(1)
	}
	var def models.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		fmt.Fprintf(os.Stderr, "Error: parsing %s: %v\n", path, err)
		os.Exit(1)
	}
	stored, err := svc.Register(def)
	if err != nil {
		log.GetLogger().Errorf("Failed to register workflow: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to register workflow: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Registered workflow '%s' version %d\n", stored.Name, stored.Version)
}

func listDefinitions(svc *engine.DefinitionService) {
	defs, err := svc.List()
	if err != nil {
		log.GetLogger().Errorf("Failed to list workflows: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list workflows: %v\n", err)
		os.Exit(1)
	}
	if len(defs) == 0 {
		fmt.Fprintf(os.Stdout, "No workflow definitions found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Workflow definitions:\n")
	for _, def := range defs {
		deprecated := ""
		if def.Deprecated {
			deprecated = " [deprecated]"
		}
		fmt.Fprintf(os.Stdout, "- %s v%d: %d tasks, created %s%s\n",
			def.Name, def.Version, len(def.Tasks), def.CreatedAt.Format(time.RFC3339), deprecated)
	}
}

func deprecateDefinition(svc *engine.DefinitionService, name string, version int) {
	if err := svc.Deprecate(name, version); err != nil {
		log.GetLogger().Errorf("Failed to deprecate workflow: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to deprecate workflow: %v\n", err)
		os.Exit(1)
	}
	if version == 0 {
		fmt.Fprintf(os.Stdout, "Deprecated all versions of workflow '%s'\n", name)
	} else {
		fmt.Fprintf(os.Stdout, "Deprecated workflow '%s' version %d\n", name, version)
	}
}

func runWorkflow(cfg *config.Config, name string, opts engine.StartOptions) {
	logger := log.GetLogger()
	store := openStore(cfg)
	defer store.Close()

	registry := engine.NewHandlerRegistry()
	registerBuiltinHandlers(registry)
	coord := engine.NewCoordinator(store, registry, engine.Config{
		Workers:            cfg.Workers,
		DefaultTaskTimeout: cfg.DefaultTaskTimeout,
		FailFast:           cfg.FailFast,
	}, logger)

	run, err := coord.Start(name, opts)
	if err != nil {
		logger.Errorf("Failed to start workflow: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to start workflow: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Started run %s of workflow '%s' v%d\n", run.ID, run.DefinitionName, run.DefinitionVersion)

	final, err := coord.Await(context.Background(), run.ID)
	if err != nil {
		logger.Errorf("Failed to await run: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to await run: %v\n", err)
		os.Exit(1)
	}
	showStatus(store, final.ID)
	if final.Status != models.SucceededRunStatus {
		os.Exit(1)
	}
}

func listRuns(store storage.Store, filter storage.RunFilter) {
	runs, err := store.ListRuns(filter)
	if err != nil {
		log.GetLogger().Errorf("Failed to list runs: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
		os.Exit(1)
	}
	if len(runs) == 0 {
		fmt.Fprintf(os.Stdout, "No runs found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Runs:\n")
	for _, run := range runs {
		fmt.Fprintf(os.Stdout, "- %s: %s v%d, %s, created %s\n",
			run.ID, run.DefinitionName, run.DefinitionVersion, run.Status, run.CreatedAt.Format(time.RFC3339))
	}
}

func showStatus(store storage.Store, id uuid.UUID) {
	run, err := store.GetRun(id)
	if err != nil {
		log.GetLogger().Errorf("Failed to get run: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to get run: %v\n", err)
		os.Exit(1)
	}
	attempts, err := store.GetAttempts(id)
	if err != nil {
		log.GetLogger().Errorf("Failed to get attempts: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to get attempts: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Run %s: %s v%d, %s\n", run.ID, run.DefinitionName, run.DefinitionVersion, run.Status)
	for _, a := range attempts {
		detail := ""
		if a.ErrorDetail != "" {
			detail = ": " + a.ErrorDetail
		}
		fmt.Fprintf(os.Stdout, "- %s attempt %d: %s%s\n", a.TaskName, a.Attempt, a.Status, detail)
	}
}

func cancelRun(store storage.Store, id uuid.UUID) {
	run, err := store.GetRun(id)
	if err != nil {
		log.GetLogger().Errorf("Failed to get run: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to get run: %v\n", err)
		os.Exit(1)
	}
	if run.Status.Terminal() {
		fmt.Fprintf(os.Stdout, "Run %s already finished as %s\n", id, run.Status)
		return
	}
	if err := store.RequestCancel(id); err != nil {
		log.GetLogger().Errorf("Failed to cancel run: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to cancel run: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Requested cancellation of run %s\n", id)
}

func purgeRun(store storage.Store, id uuid.UUID) {
	if err := store.PurgeRun(id); err != nil {
		log.GetLogger().Errorf("Failed to purge run: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to purge run: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Purged run %s\n", id)
}

// loadConfig resolves the effective configuration from the environment
// plus the persistent storage flags.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DatabaseURL = db
		cfg.Storage = config.StoragePostgres
	}
	if backend, _ := cmd.Flags().GetString("storage"); backend != "" {
		cfg.Storage = backend
	}
	return cfg
}

func openStore(cfg *config.Config) storage.Store {
	switch cfg.Storage {
	case config.StoragePostgres:
		if cfg.DatabaseURL == "" {
			fmt.Fprintf(os.Stderr, "Error: --db flag or WORKFLOW_DATABASE_URL required for postgres storage\n")
			os.Exit(1)
		}
		store, err := internal_storage.InitStore(cfg.DatabaseURL)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			fmt.Fprintf(os.Stderr, "Error: failed to initialize store: %v\n", err)
			os.Exit(1)
		}
		return store
	case config.StorageMemory:
		return storage.NewMemoryStore()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown storage backend %q\n", cfg.Storage)
		os.Exit(1)
		return nil
	}
}

func parseRunID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid run id %q: %v\n", raw, err)
		os.Exit(1)
	}
	return id
}

func parseParams(pairs []string) models.Params {
	if len(pairs) == 0 {
		return nil
	}
	params := make(models.Params, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid parameter %q, expected key=value\n", pair)
			os.Exit(1)
		}
		params[parts[0]] = parts[1]
	}
	return params
}
