package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/fhirstore/internal/bulk"
	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fhir-server",
		Short:        "Versioned FHIR R4 resource server",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("env-file", ".env", "Path to an optional env file")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(importCmd())
	root.AddCommand(validateCmd())
	return root
}

// setup loads configuration and opens the app for a command.
func setup(cmd *cobra.Command) (*app, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := loadConfig(envFile)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	return openApp(cmd.Context(), cfg, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cmd)
		},
	}
}

func runServer(ctx context.Context, cmd *cobra.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	cfg := a.cfg

	var sched *bulk.Scheduler
	if cfg.ExportSchedule != "" {
		sched = bulk.NewScheduler(a.engine.Exporter(), cfg.ExportDir, nil, logger.With().Str("component", "export-scheduler").Logger())
		if err := sched.Schedule(cfg.ExportSchedule); err != nil {
			return fmt.Errorf("schedule export: %w", err)
		}
		sched.Start()
		logger.Info().Str("schedule", cfg.ExportSchedule).Str("dir", cfg.ExportDir).Msg("export snapshots scheduled")
	}

	e := newServer(a)
	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Str("backend", cfg.StorageBackend).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sched != nil {
		sched.Stop()
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.PersistentFlags().String("dir", "", "Read migrations from this directory instead of the embedded set")

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")
			m, done, err := migrator(cmd)
			if err != nil {
				return err
			}
			defer done()

			var count int
			if target > 0 {
				count, err = m.UpTo(cmd.Context(), target)
			} else {
				count, err = m.Up(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := migrator(cmd)
			if err != nil {
				return err
			}
			defer done()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	})
	return cmd
}

// migrator connects to DATABASE_URL directly; migrations run before the
// store can replay anything.
func migrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := loadConfig(envFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required for migrations")
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	var files fs.FS = migrations.FS
	if dir != "" {
		files = os.DirFS(dir)
	}
	return db.NewMigrator(pool, files, logger).WithSchema(schema), pool.Close, nil
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write current resources as NDJSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			rawTypes, _ := cmd.Flags().GetString("type")

			var types []fhir.ResourceType
			if rawTypes != "" {
				parsed, err := bulk.ParseTypes(rawTypes)
				if err != nil {
					return err
				}
				types = parsed
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				defer f.Close()
				w = f
			}
			sum, err := a.engine.Export(cmd.Context(), w, types)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			a.logger.Info().Int("total", sum.Total).Interface("counts", sum.Counts).Msg("export complete")
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "-", "Output file, - for stdout")
	cmd.Flags().String("type", "", "Comma separated resource types to export")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Load NDJSON resources, one independent write per line",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open import file: %w", err)
				}
				defer f.Close()
				r = f
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Import(cmd.Context(), r)
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			if err := writeJSON(cmd.OutOrStdout(), res.Outcome()); err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d line(s) failed", res.Failed)
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate resource files without storing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			failed := 0
			for _, path := range args {
				outcome, err := validateFile(cmd.Context(), a, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", path)
				if err := writeJSON(cmd.OutOrStdout(), outcome); err != nil {
					return err
				}
				if outcome.HasErrors() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateFile(ctx context.Context, a *app, path string) (*fhir.OperationOutcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	res, err := fhir.ParseResource(data)
	if err != nil {
		return fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()), nil
	}
	rt, ok := fhir.ParseResourceType(res.Type())
	if !ok {
		return fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotSupported,
			fmt.Sprintf("unsupported resource type %q", res.Type())), nil
	}
	return a.engine.Validate(ctx, rt, res), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
