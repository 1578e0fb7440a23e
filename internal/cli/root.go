// Package cli implements the iotguardctl command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	iotguardgo "github.com/tomyedwab/iotguard/clients/go"
	"github.com/tomyedwab/iotguard/audit"
	"github.com/tomyedwab/iotguard/internal/config"
	"github.com/tomyedwab/iotguard/internal/logging"
	"github.com/tomyedwab/iotguard/session"
)

// Options holds the persistent flags.
type Options struct {
	ConfigFile string
	BaseURL    string
	LogLevel   string
	SessionDir string
}

// app is everything a subcommand needs, built once per invocation.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *session.Store
	client   *iotguardgo.Client
	audit    *audit.Logger
	registry *prometheus.Registry
	metrics  *iotguardgo.Metrics
	detach   func()
	in       io.Reader
	out      io.Writer
}

func (a *app) close() {
	if a.detach != nil {
		a.detach()
		a.detach = nil
	}
	if a.audit != nil {
		a.audit.Close()
		a.audit = nil
	}
}

// NewRootCmd creates the iotguardctl command. The returned cleanup function
// releases what the command opened and must be called after it ran.
func NewRootCmd(version string) (cmd *cobra.Command, cleanup func()) {
	opts := &Options{}
	a := &app{}

	cmd = &cobra.Command{
		Use:   "iotguardctl",
		Short: "Command-line client for the IoT security API",
		Long: `iotguardctl talks to the IoT security API with a persistent session.

Log in once; later invocations reuse the stored session and renew expired
access tokens automatically.

Examples:
  iotguardctl login --username operator
  iotguardctl get /zones
  iotguardctl evidence 5 -o evidence-5.jpg
  iotguardctl watch events --interval 10s`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd, opts, version)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "Path to config file (default: ~/.iotguard/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "API base URL, overriding the config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&opts.SessionDir, "session-dir", "", "Directory for the session file and audit database")

	cmd.AddCommand(newLoginCmd(a))
	cmd.AddCommand(newRegisterCmd(a))
	cmd.AddCommand(newWhoamiCmd(a))
	cmd.AddCommand(newLogoutCmd(a))
	cmd.AddCommand(newProfileCmd(a))
	cmd.AddCommand(newGetCmd(a))
	cmd.AddCommand(newEvidenceCmd(a))
	cmd.AddCommand(newWatchCmd(a))
	cmd.AddCommand(newAuditCmd(a))

	return cmd, a.close
}

func (a *app) init(cmd *cobra.Command, opts *Options, version string) error {
	a.in = cmd.InOrStdin()
	a.out = cmd.OutOrStdout()

	configFile := opts.ConfigFile
	if configFile == "" {
		configFile = config.DefaultPath()
	}
	cfg, err := config.LoadOptional(configFile)
	if err != nil {
		return err
	}
	if opts.BaseURL != "" {
		cfg.API.BaseURL = opts.BaseURL
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.SessionDir != "" {
		cfg.Session.Path = filepath.Join(opts.SessionDir, "session.json")
		cfg.Audit.Path = filepath.Join(opts.SessionDir, "audit.db")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.logger = logging.NewWithWriter(cfg.Logging, "iotguardctl", version, cmd.ErrOrStderr())

	a.store = session.NewStore()
	a.detach, err = session.NewFilePersister(cfg.Session.Path).Attach(a.store, a.logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = iotguardgo.NewMetrics(a.registry)

	options := []iotguardgo.ClientOption{
		iotguardgo.WithHTTPClient(&http.Client{Timeout: cfg.GetTimeout()}),
		iotguardgo.WithLogger(a.logger.Logger),
		iotguardgo.WithMetrics(a.metrics),
		iotguardgo.WithRenewalTimeout(cfg.GetRenewalTimeout()),
		iotguardgo.WithCertsDir(cfg.API.CertsDir),
	}
	if cfg.Audit.Enabled {
		a.audit, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			a.logger.Warn("audit trail disabled", "error", err)
		} else {
			options = append(options, iotguardgo.WithAuditor(a.audit))
		}
	}

	a.client = iotguardgo.NewClient(cfg.API.BaseURL, a.store, options...)
	return nil
}

// Run executes the command tree with args.
func Run(ctx context.Context, version string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cmd, cleanup := NewRootCmd(version)
	defer cleanup()

	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// Execute runs iotguardctl with the process arguments and exits non-zero on
// failure.
func Execute(version string) {
	if err := Run(context.Background(), version, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
