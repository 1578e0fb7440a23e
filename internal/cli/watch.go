package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	iotguardgo "github.com/tomyedwab/iotguard/clients/go"
)

type watchOptions struct {
	Interval time.Duration
	Limit    int
	Metrics  bool
	Count    int
}

func newWatchCmd(a *app) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <collection>",
		Short: "Poll a collection and report changes",
		Long: `Poll a collection such as events or measurements and print a line whenever
its total changes. The session is renewed as needed while watching.

With --metrics, gateway metrics are served at metrics.listen under /metrics.

Examples:
  iotguardctl watch events
  iotguardctl watch measurements --interval 30s --metrics`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, args[0], opts)
		},
	}
	cmd.Flags().DurationVar(&opts.Interval, "interval", 10*time.Second, "Polling interval")
	cmd.Flags().IntVar(&opts.Limit, "limit", 1, "Items to fetch per poll")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "Serve Prometheus metrics while watching")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "Stop after this many polls (0 = until interrupted)")
	return cmd
}

func (a *app) watch(ctx context.Context, plural string, opts *watchOptions) error {
	if opts.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if opts.Metrics || a.cfg.Metrics.Enabled {
		shutdown, err := a.serveMetrics(a.cfg.Metrics.Listen)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	query := map[string][]string{"limit": {fmt.Sprint(opts.Limit)}}
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	last := -1
	for polls := 1; ; polls++ {
		env, err := a.client.List(ctx, plural, query)
		switch {
		case errors.Is(err, iotguardgo.ErrSessionEnded):
			return fmt.Errorf("session ended, log in again: %w", err)
		case ctx.Err() != nil:
			return nil
		case err != nil:
			a.logger.Warn("poll failed", "collection", plural, "error", err)
		case env.Total != last:
			fmt.Fprintf(a.out, "%s %s: %d\n", time.Now().Format(time.TimeOnly), plural, env.Total)
			last = env.Total
		}

		if opts.Count > 0 && polls >= opts.Count {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// serveMetrics exposes the gateway registry on addr until shutdown is called.
func (a *app) serveMetrics(addr string) (shutdown func(), err error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", listener.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}, nil
}
