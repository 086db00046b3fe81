package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cfg "docmigrate/internal/config"
	"docmigrate/internal/scaffold"
	pub "docmigrate/pkg/migrator"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

type app struct {
	cfgFile string
	flags   *pflag.FlagSet
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "docmigrate",
		Short:         "Migration tool for document databases (MongoDB, PostgreSQL JSONB)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.flags = root.PersistentFlags()
	addCommonFlags(a.flags)
	a.flags.StringVarP(&a.cfgFile, "config", "c", "", "Path to config YAML (default ./config.yaml)")

	root.AddCommand(a.cmdInit(), a.cmdCreate(), a.cmdUp(), a.cmdDown(), a.cmdRedo(), a.cmdStatus(), a.cmdDBVersion())
	return root
}

func addCommonFlags(fs *pflag.FlagSet) {
	fs.String("url", "", "Store URL (mongodb://, postgres:// or memory://)")
	fs.String("database", "", "Database name")
	fs.String("dir", "./migrations", "Path to migrations directory")
	fs.String("changelog", "changelog", "Changelog collection name")
	fs.String("lock_collection", "changelog_lock", "Lock collection name")
	fs.Int("lock_ttl", 0, "Lock TTL in seconds, 0 disables locking")
	fs.Bool("file_hash", false, "Record and report migration file hashes")
	fs.String("kind", "script", "Migration kind: script|go")
	fs.String("log_level", "info", "Log level: debug|info|warn|error")
}

func (a *app) loadConfig() (cfg.Config, error) {
	return cfg.Load(a.flags, a.cfgFile)
}

func (a *app) open(ctx context.Context) (*pub.Migrator, error) {
	c, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	return pub.Open(ctx, c)
}

func (a *app) cmdInit() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a config file and an empty migrations directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.cfgFile
			if path == "" {
				path = scaffold.DefaultConfigFile
			}
			dir, _ := a.flags.GetString("dir")
			if err := scaffold.Init(path, dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialization successful. Please edit the generated %s file\n", path)
			return nil
		},
	}
}

func (a *app) cmdCreate() *cobra.Command {
	return &cobra.Command{
		Use:   "create <description>",
		Short: "Create a new migration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.loadConfig()
			if err != nil {
				return err
			}
			path, err := scaffold.Create(c.MigrationsDir, args[0], c.FileExtension, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\n", path)
			return nil
		},
	}
}

func (a *app) cmdUp() *cobra.Command {
	return &cobra.Command{Use: "up", Short: "Apply all pending migrations", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := a.open(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close(context.Background())
		applied, err := m.Up(cmd.Context())
		printMigrated(cmd.OutOrStdout(), "UP", applied)
		return err
	}}
}

func (a *app) cmdDown() *cobra.Command {
	var block bool
	cmd := &cobra.Command{Use: "down", Short: "Revert the last applied migration", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := a.open(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close(context.Background())
		reverted, err := m.Down(cmd.Context(), block)
		printMigrated(cmd.OutOrStdout(), "DOWN", reverted)
		return err
	}}
	cmd.Flags().BoolVarP(&block, "block", "b", false, "Revert every migration applied in the same run as the last one")
	return cmd
}

func (a *app) cmdRedo() *cobra.Command {
	return &cobra.Command{Use: "redo", Short: "Revert the last migration and apply pending ones", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := a.open(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close(context.Background())
		reverted, applied, err := m.Redo(cmd.Context())
		printMigrated(cmd.OutOrStdout(), "DOWN", reverted)
		printMigrated(cmd.OutOrStdout(), "UP", applied)
		return err
	}}
}

func (a *app) cmdStatus() *cobra.Command {
	return &cobra.Command{Use: "status", Short: "Show migration status table", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := a.loadConfig()
		if err != nil {
			return err
		}
		m, err := pub.Open(cmd.Context(), c)
		if err != nil {
			return err
		}
		defer m.Close(context.Background())
		items, err := m.Status(cmd.Context())
		if err != nil {
			return err
		}
		renderStatus(cmd.OutOrStdout(), items, c.UseFileHash)
		return nil
	}}
}

func (a *app) cmdDBVersion() *cobra.Command {
	return &cobra.Command{Use: "dbversion", Short: "Print the last applied migration", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := a.open(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close(context.Background())
		v, err := m.Current(cmd.Context())
		if err != nil {
			return err
		}
		if v == "" {
			v = "none"
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	}}
}

func printMigrated(w io.Writer, direction string, ids []string) {
	for _, id := range ids {
		fmt.Fprintf(w, "MIGRATED %s: %s\n", direction, id)
	}
}

func renderStatus(w io.Writer, items []pub.StatusItem, withHash bool) {
	table := tablewriter.NewWriter(w)
	header := []string{"Filename"}
	if withHash {
		header = append(header, "Hash")
	}
	header = append(header, "Applied At")
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)

	for _, it := range items {
		row := []string{it.ID}
		if withHash {
			h := it.FileHash
			if it.Drifted() {
				h += " *"
			}
			row = append(row, h)
		}
		row = append(row, it.AppliedAt)
		table.Append(row)
	}
	table.Render()
}
