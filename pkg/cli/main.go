// Package cli builds the mailqueue command tree: the server and worker
// processes plus the operator commands for dead letters and configuration.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/mailqueue/pkg/accounts"
	"github.com/nimburion/mailqueue/pkg/app"
	"github.com/nimburion/mailqueue/pkg/config"
	jobsfactory "github.com/nimburion/mailqueue/pkg/jobs/factory"
	"github.com/nimburion/mailqueue/pkg/observability/logger"
	"github.com/nimburion/mailqueue/pkg/version"
)

const (
	defaultEnvPrefix = "MAILQUEUE"
	defaultDLQLimit  = 20
)

// flagKeys maps configuration keys to the persistent flags overriding them.
var flagKeys = map[string]string{
	"observability.log_level": "log-level",
	"jobs.store":              "store",
	"jobs.workers":            "workers",
}

// StoreOpener opens the job store used by the dead-letter commands.
type StoreOpener func(cfg config.JobsConfig, log logger.Logger) (jobsfactory.Store, error)

// ServiceCommandOptions configures the root command.
type ServiceCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	// EnvPrefix defaults to MAILQUEUE.
	EnvPrefix string

	// OpenStore defaults to jobsfactory.NewStore.
	OpenStore StoreOpener
}

// NewServiceCommand returns the root command. Running it without a
// subcommand starts the server.
func NewServiceCommand(opts ServiceCommandOptions) *cobra.Command {
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "mailqueue"
	}
	opts.EnvPrefix = resolveEnvPrefix(opts.EnvPrefix)
	if opts.OpenStore == nil {
		opts.OpenStore = jobsfactory.NewStore
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	var serviceNameOverride string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serviceNameOverride, "service-name", "", "service name override")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("store", "", "jobs store override (redis, postgres, sqs, memory)")
	rootCmd.PersistentFlags().Int("workers", 0, "worker count override")

	loadConfig := func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
		cfg, _, log, err := LoadConfigAndLogger(cfgPath, opts.EnvPrefix, flags, opts.Name, serviceNameOverride)
		return cfg, log, err
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API together with the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer syncLogger(log)
			return runApp(cmd.Context(), cfg, log, (*app.App).Serve)
		},
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run only the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer syncLogger(log)
			return runApp(cmd.Context(), cfg, log, (*app.App).Work)
		},
	})

	rootCmd.AddCommand(newDLQCommand(opts, loadConfig))
	rootCmd.AddCommand(newConfigCommand(opts, &cfgPath, &serviceNameOverride))

	return rootCmd
}

func runApp(ctx context.Context, cfg *config.Config, log logger.Logger, run func(*app.App, context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Error("startup failed", "error", err)
		return err
	}
	defer func() {
		if closeErr := a.Close(context.Background()); closeErr != nil {
			log.Error("failed to release dependencies", "error", closeErr)
		}
	}()
	return run(a, ctx)
}

func newDLQCommand(opts ServiceCommandOptions, loadConfig func(*pflag.FlagSet) (*config.Config, logger.Logger, error)) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
	}

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, store jobsfactory.Store) error) error {
		cfg, log, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		defer syncLogger(log)
		store, err := opts.OpenStore(cfg.Jobs, log)
		if err != nil {
			return fmt.Errorf("open jobs store: %w", err)
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				log.Error("failed to close jobs store", "error", closeErr)
			}
		}()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return fn(ctx, store)
	}

	var (
		kind  string
		limit int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store jobsfactory.Store) error {
				dead, err := store.ListDeadLetters(ctx, kind, limit)
				if err != nil {
					return fmt.Errorf("list dead letters: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tDEAD SINCE\tLAST ERROR")
				for _, job := range dead {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						job.ID, job.Kind, job.Attempt, job.UpdatedAt.UTC().Format(time.RFC3339), job.LastError)
				}
				return w.Flush()
			})
		},
	}
	listCmd.Flags().StringVar(&kind, "kind", accounts.ForgottenEmailKind, "job kind to list")
	listCmd.Flags().IntVar(&limit, "limit", defaultDLQLimit, "maximum number of jobs to list")
	dlqCmd.AddCommand(listCmd)

	dlqCmd.AddCommand(&cobra.Command{
		Use:   "replay ID...",
		Short: "Push copies of dead-lettered jobs back onto the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store jobsfactory.Store) error {
				var errs []error
				for _, id := range args {
					newID, err := store.Replay(ctx, id)
					if err != nil {
						errs = append(errs, fmt.Errorf("replay %s: %w", id, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "replayed %s as %s\n", id, newID)
				}
				return errors.Join(errs...)
			})
		},
	})

	return dlqCmd
}

func newConfigCommand(opts ServiceCommandOptions, cfgPath, serviceNameOverride *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewViperLoader(*cfgPath, opts.EnvPrefix).WithFlags(cmd.Flags(), flagKeys)
			if _, err := loader.Load(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewViperLoader(*cfgPath, opts.EnvPrefix).WithFlags(cmd.Flags(), flagKeys)
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			applyResolvedServiceName(cfg, opts.Name, *serviceNameOverride)

			settings := setServiceNameSetting(loader.Settings(), cfg.Service.Name)
			if !showSecrets {
				settings = config.RedactSettings(settings)
			}
			formatted, err := formatSettings(settings)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)

	return configCmd
}

// LoadConfigAndLogger loads and validates configuration, then builds the
// logger it describes.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix string,
	flags *pflag.FlagSet,
	defaultServiceName,
	serviceNameOverride string,
) (*config.Config, *config.ViperLoader, logger.Logger, error) {
	loader := config.NewViperLoader(cfgPath, resolveEnvPrefix(envPrefix)).WithFlags(flags, flagKeys)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyResolvedServiceName(cfg, defaultServiceName, serviceNameOverride)

	zapLog, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}
	log := zapLog.With("service", cfg.Service.Name)

	logConfigIfDebug(log, loader)
	return cfg, loader, log, nil
}

func formatSettings(settings map[string]any) (string, error) {
	if settings == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logConfigIfDebug(log logger.Logger, loader *config.ViperLoader) {
	if log == nil || loader == nil {
		return
	}
	formatted, err := formatSettings(config.RedactSettings(loader.Settings()))
	if err != nil {
		return
	}
	log.Debug("effective configuration", "config", formatted)
}

// syncLogger flushes buffered entries of loggers that buffer.
func syncLogger(log logger.Logger) {
	if syncer, ok := log.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return defaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func applyResolvedServiceName(cfg *config.Config, defaultServiceName, serviceNameOverride string) {
	if cfg == nil {
		return
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "mailqueue"
}

func setServiceNameSetting(settings map[string]any, serviceName string) map[string]any {
	if settings == nil {
		settings = map[string]any{}
	}
	service, ok := settings["service"].(map[string]any)
	if !ok || service == nil {
		service = map[string]any{}
	}
	service["name"] = serviceName
	settings["service"] = service
	return settings
}
