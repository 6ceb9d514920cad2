// Supervisor process for the GPU worker fleet.
// Runs the control loop that provisions and reaps workers, and serves the API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/agent"
	"github.com/mimir-aip/mimir-fleet/pkg/api"
	"github.com/mimir-aip/mimir-fleet/pkg/config"
	"github.com/mimir-aip/mimir-fleet/pkg/container"
	"github.com/mimir-aip/mimir-fleet/pkg/k8s"
	"github.com/mimir-aip/mimir-fleet/pkg/notify"
	"github.com/mimir-aip/mimir-fleet/pkg/provisioner"
	"github.com/mimir-aip/mimir-fleet/pkg/provisioner/local"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
	"github.com/mimir-aip/mimir-fleet/pkg/supervisor"
)

const shutdownTimeout = 30 * time.Second

func main() {
	defer klog.Flush()

	cfg, err := config.LoadConfig()
	if err != nil {
		klog.ErrorS(err, "Failed to load config")
		os.Exit(1)
	}
	cfg.ConfigureLogging()

	if err := run(cfg); err != nil {
		klog.ErrorS(err, "Supervisor exited")
		klog.Flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	klog.InfoS("Starting fleet supervisor", "environment", cfg.Environment, "provisioner", cfg.Provisioner)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	notifier, err := openNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	defer notifier.Close()

	prov, shutdown, err := buildProvisioner(cfg, st, notifier)
	if err != nil {
		return err
	}
	defer shutdown()

	supCfg := cfg.Supervisor
	supCfg.AgentEnv = cfg.AgentEnvironment()
	sup := supervisor.New(supCfg, st, provisioner.NewRateLimited(prov, supCfg.ProvisionRateLimit, supCfg.ProvisionConcurrency))
	server := api.NewServer(st, cfg.Kinds, cfg.Port, api.WithNotifier(notifier))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		klog.InfoS("Shutting down supervisor")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg *config.Config) (*store.SQLStore, error) {
	if cfg.DatabaseDriver == store.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabaseURL), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	klog.InfoS("Opened store", "driver", cfg.DatabaseDriver)
	return st, nil
}

// openNotifier uses Redis when configured. Without Redis hints only reach
// agents in this process, which is enough for the local provisioner.
func openNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, error) {
	if cfg.RedisURL == "" {
		return notify.NewMemory(), nil
	}
	n, err := notify.NewRedisNotifier(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	klog.InfoS("Connected to Redis for hints", "url", cfg.RedisURL)
	return n, nil
}

func buildProvisioner(cfg *config.Config, st store.Store, notifier notify.Notifier) (provisioner.Provisioner, func(), error) {
	switch cfg.Provisioner {
	case "kubernetes":
		clientset, err := k8s.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Kubernetes client: %w", err)
		}
		klog.InfoS("Connected to Kubernetes cluster", "namespace", cfg.Namespace)
		return k8s.NewProvisioner(clientset, cfg.Namespace), func() {}, nil
	case "local":
		p := local.New(cfg.Agent, st, container.NewDockerRuntime(), agent.WithNotifier(notifier))
		return p, func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := p.Shutdown(ctx); err != nil {
				klog.ErrorS(err, "Failed to stop local agents")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unsupported provisioner %q (want kubernetes or local)", cfg.Provisioner)
}
