package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/smi/internal/api"
	"github.com/ehrlich-b/smi/internal/broker"
	"github.com/ehrlich-b/smi/internal/config"
	"github.com/ehrlich-b/smi/internal/dispatch"
	"github.com/ehrlich-b/smi/internal/job"
	"github.com/ehrlich-b/smi/internal/jobstore"
	"github.com/ehrlich-b/smi/internal/manager"
	"github.com/ehrlich-b/smi/internal/objectstore"
	"github.com/ehrlich-b/smi/internal/scheduler"
	"github.com/ehrlich-b/smi/internal/service"
	"github.com/ehrlich-b/smi/internal/version"
	"github.com/ehrlich-b/smi/internal/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "smi",
		Short:   "Scalable model inference gateway",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		gatewayCmd(),
		serviceCmd(),
		schedulerCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is the process lifetime: cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadCatalog(cfg *config.Config, log *slog.Logger) (config.Catalog, error) {
	catalog, file, err := config.LoadCatalog(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load worker catalog from %s: %w", cfg.ConfigPath, err)
	}
	log.Info("worker catalog loaded", "file", file, "workers", len(catalog))
	return catalog, nil
}

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the HTTP/WebSocket API gateway",
		RunE:  runGateway,
	}
	cmd.Flags().String("addr", "", "Address to listen on (overrides SMI_GATEWAY_ADDR)")
	return cmd
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg := config.FromEnv()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.GatewayAddr = addr
	}
	log := slog.Default()

	catalog, err := loadCatalog(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr(), Password: cfg.RedisPassword})
	defer rdb.Close()
	store := jobstore.New(rdb, log)
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("job store unreachable: %w", err)
	}

	disp, err := dispatch.New(cfg.ServiceAddrs, log)
	if err != nil {
		return err
	}
	defer disp.Close()

	// One broker connection per type: each carries one producer channel and
	// one competing consumer on the shared queue.
	managers := make(map[job.Type]api.JobManager, len(job.Types))
	for _, t := range job.Types {
		b, err := broker.Connect(ctx, cfg.RabbitURL(), log)
		if err != nil {
			return err
		}
		defer b.Close()

		m := manager.New(t, b, store, disp, log)
		managers[t] = m
		go m.RunSupervised(ctx, b)
	}

	gw := api.New(cfg, catalog, managers, disp, log)
	return gw.Serve(ctx, cfg.GatewayAddr)
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Start a worker-group RPC service",
		RunE:  runService,
	}
	cmd.Flags().String("addr", "", "Address to listen on (overrides SMI_SERVICE_ADDR)")
	return cmd
}

func runService(cmd *cobra.Command, _ []string) error {
	cfg := config.FromEnv()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.ServiceAddr = addr
	}
	log := slog.Default()

	catalog, err := loadCatalog(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	env := &worker.Env{
		OllamaURL:      cfg.OllamaURL,
		ImageEngineURL: cfg.ImageEngineURL,
		TTSEngineURL:   cfg.TTSEngineURL,
		STTEngineURL:   cfg.STTEngineURL,
		Log:            log,
	}

	// S3 storage is best effort: jobs that request it fail individually
	// when the store never came up.
	store, err := newObjectStore(ctx, cfg, log)
	if err != nil {
		log.Warn("object store unavailable, S3 storage disabled", "error", err)
	} else {
		env.Store = store
	}

	svc := service.New(cfg, catalog, env, log)
	return svc.Serve(ctx, cfg.ServiceAddr)
}

func schedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run periodic maintenance (artifact pruning)",
		RunE:  runScheduler,
	}
	cmd.Flags().Bool("now", false, "Run one prune immediately and exit")
	return cmd
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	cfg := config.FromEnv()
	log := slog.Default()

	ctx, stop := signalContext()
	defer stop()

	store, err := newObjectStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(cfg.PruneSchedule, store, log)
	if err != nil {
		return err
	}

	if now, _ := cmd.Flags().GetBool("now"); now {
		return sched.RunNow(ctx)
	}

	log.Info("scheduler started", "schedule", cfg.PruneSchedule)
	sched.Run(ctx)
	return nil
}

func newObjectStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*objectstore.Store, error) {
	return objectstore.New(ctx, objectstore.Options{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Secure:    cfg.StorageSecure,
		TTLDays:   cfg.StorageTTLDays,
	}, log)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the worker catalog",
		RunE: func(*cobra.Command, []string) error {
			cfg := config.FromEnv()
			catalog, file, err := config.LoadCatalog(cfg.ConfigPath)
			if err != nil {
				return err
			}

			fmt.Printf("Valid: %s\n", file)
			for id, wc := range catalog {
				fmt.Printf("  %s: worker=%s type=%s request=%s response=%s\n",
					id, wc.Worker, wc.Type, wc.RequestModel, wc.ResponseModel)
				if !worker.Known(wc.Worker) {
					fmt.Printf("    WARNING: no worker implementation %q\n", wc.Worker)
				}
			}
			return nil
		},
	}
}
