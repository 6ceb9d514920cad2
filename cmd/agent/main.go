// Worker agent for the GPU worker fleet.
// Registers with the store, claims jobs for its pool and runs them as containers.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/agent"
	"github.com/mimir-aip/mimir-fleet/pkg/config"
	"github.com/mimir-aip/mimir-fleet/pkg/container"
	"github.com/mimir-aip/mimir-fleet/pkg/notify"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
)

const agentVersion = "v0.1.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println("mimir-fleet agent version:", agentVersion)
		return
	}
	defer klog.Flush()

	cfg, err := config.LoadConfig()
	if err != nil {
		klog.ErrorS(err, "Failed to load config")
		os.Exit(1)
	}
	cfg.ConfigureLogging()

	if err := run(cfg); err != nil {
		klog.ErrorS(err, "Agent exited")
		klog.Flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := cfg.Agent.ValidateAgent(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var opts []agent.Option
	if cfg.RedisURL != "" {
		n, err := notify.NewRedisNotifier(ctx, cfg.RedisURL)
		if err != nil {
			// hints only shorten latency; polling still finds the work
			klog.ErrorS(err, "Redis unavailable, falling back to polling")
		} else {
			defer n.Close()
			opts = append(opts, agent.WithNotifier(n))
		}
	}

	if port := cfg.Agent.MetricsPort; port != "" {
		srv := &http.Server{Addr: ":" + port, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.ErrorS(err, "Metrics server failed", "port", port)
			}
		}()
		defer srv.Close()
	}

	a := agent.New(cfg.Agent, st, container.NewDockerRuntime(), opts...)
	klog.InfoS("Starting agent", "worker", a.ID(), "org", cfg.Agent.OrgID, "kind", cfg.Agent.Kind,
		"version", agentVersion)
	return a.Run(ctx)
}
