package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"keyserver/internal/config"
	"keyserver/internal/infrastructure"
	"keyserver/internal/keystore"
	"keyserver/internal/services"
	"keyserver/internal/storage"
	"keyserver/pkg/contracts"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configFile string
	backend    string
	path       string
}

// session is an opened backend plus the service on top of it
type session struct {
	cfg     *config.Config
	backend storage.Backend
	store   *keystore.Store
	service services.KeyService
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "keyadmin",
		Short: "Manage license keys offline",
		Long: `keyadmin reads and writes the key table directly through the
configured storage backend. Mutations are saved before the command exits.
`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file (default: config.yaml or configs/config.yaml)")
	root.PersistentFlags().StringVar(&flags.backend, "backend", "", "storage backend: file, sqlite or redis")
	root.PersistentFlags().StringVar(&flags.path, "path", "", "key document path for the file backend")

	root.AddCommand(
		activateCmd(flags),
		deactivateCmd(flags),
		suspendCmd(flags),
		resumeCmd(flags),
		checkCmd(flags),
		statsCmd(flags),
		listCmd(flags),
		migrateCmd(flags),
		versionCmd(),
	)
	return root
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configFile != "" {
		cfg, err = config.LoadFile(flags.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if flags.backend != "" {
		cfg.Storage.Backend = flags.backend
	}
	if flags.path != "" {
		cfg.Storage.DatabasePath = flags.path
	}
	return cfg, nil
}

// open runs fn against the configured backend and closes it afterwards
func open(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	// One trace id per invocation ties the command's log lines together
	ctx = infrastructure.EnsureTraceID(ctx)

	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn})).
		With(slog.String("trace_id", infrastructure.GetTraceID(ctx)))

	backend, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	store, err := keystore.New(ctx, backend, keystore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("load key table: %w", err)
	}
	service, err := services.NewKeyService(store, logger)
	if err != nil {
		return err
	}

	return fn(ctx, &session{cfg: cfg, backend: backend, store: store, service: service})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// intFlag reads an optional integer flag, falling back to def when unset
func intFlag(cmd *cobra.Command, name string, def int) (int, error) {
	if !cmd.Flags().Changed(name) {
		return def, nil
	}
	raw, err := cmd.Flags().GetString(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("--%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

func activateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <key>",
		Short: "Activate a key, overwriting any existing record",
		Long:  `keyadmin activate [--months=N] <key>   (--months=0 makes the key permanent)`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return open(cmd, flags, func(ctx context.Context, s *session) error {
				months, err := intFlag(cmd, "months", s.cfg.Keys.DefaultMonths)
				if err != nil {
					return err
				}
				resp, err := s.service.Activate(ctx, args[0], months)
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	cmd.Flags().String("months", "", "validity in months (default from config)")
	return cmd
}

func deactivateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <key>",
		Short: "Mark a key inactive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return open(cmd, flags, func(ctx context.Context, s *session) error {
				resp, err := s.service.Deactivate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
}

func suspendCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suspend <key>",
		Short: "Suspend a key for a number of hours",
		Long:  `keyadmin suspend [--hours=N] <key>`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return open(cmd, flags, func(ctx context.Context, s *session) error {
				hours, err := intFlag(cmd, "hours", s.cfg.Keys.DefaultSuspendHours)
				if err != nil {
					return err
				}
				resp, err := s.service.Suspend(ctx, args[0], hours)
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
	cmd.Flags().String("hours", "", "suspension length in hours (default from config)")
	return cmd
}

func resumeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <key>",
		Short: "Make a suspended key active again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return open(cmd, flags, func(ctx context.Context, s *session) error {
				resp, err := s.service.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
}

func checkCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check <key>",
		Short: "Show the stored status of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return open(cmd, flags, func(ctx context.Context, s *session) error {
				resp, err := s.service.Check(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			})
		},
	}
}

func statsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count keys by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return open(cmd, flags, func(ctx context.Context, s *session) error {
				return printJSON(cmd, s.service.Stats(ctx))
			})
		},
	}
}

func listCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every key record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return open(cmd, flags, func(ctx context.Context, s *session) error {
				return printJSON(cmd, s.service.List(ctx))
			})
		},
	}
}

func migrateCmd(flags *globalFlags) *cobra.Command {
	var target config.StorageConfig

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy the key table to another storage backend",
		Long: `keyadmin migrate --to=sqlite --sqlite-path=keys.db

Loads the table from the configured backend, dropping records that fail
validation, and overwrites the target with it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return open(cmd, flags, func(ctx context.Context, s *session) error {
				dst := s.cfg.Storage
				dst.Backend = target.Backend
				if target.DatabasePath != "" {
					dst.DatabasePath = target.DatabasePath
				}
				if target.SqlitePath != "" {
					dst.SqlitePath = target.SqlitePath
				}
				if target.RedisURL != "" {
					dst.RedisURL = target.RedisURL
				}
				if dst == s.cfg.Storage {
					return fmt.Errorf("target is the source backend")
				}

				snap := s.store.Snapshot(ctx)

				out, err := storage.Open(ctx, dst, nil)
				if err != nil {
					return err
				}
				defer out.Close()

				if err := out.Save(ctx, snap); err != nil {
					return fmt.Errorf("write %s: %w", out.Name(), err)
				}
				return printJSON(cmd, map[string]interface{}{
					"from": s.backend.Name(),
					"to":   out.Name(),
					"keys": len(snap.Records),
				})
			})
		},
	}
	cmd.Flags().StringVar(&target.Backend, "to", "", "target backend: file, sqlite or redis")
	cmd.Flags().StringVar(&target.DatabasePath, "to-path", "", "target key document for the file backend")
	cmd.Flags().StringVar(&target.SqlitePath, "sqlite-path", "", "target database for the sqlite backend")
	cmd.Flags().StringVar(&target.RedisURL, "redis-url", "", "target URL for the redis backend")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), contracts.GetFullVersionString())
		},
	}
}
