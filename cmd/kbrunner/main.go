// kbrunner builds, tests and localizes knowledge base content through the
// SIEM SDK tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/xp-kbt/kbrunner/internal/config"
	kberrors "github.com/xp-kbt/kbrunner/internal/errors"
	"github.com/xp-kbt/kbrunner/internal/logging"
	"github.com/xp-kbt/kbrunner/internal/siemj"
	"github.com/xp-kbt/kbrunner/internal/storage"
	"github.com/xp-kbt/kbrunner/internal/tool"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

const defaultConfigPath = "kbrunner.yaml"

// app carries what every command needs once the config is loaded.
type app struct {
	configPath string
	verbose    bool

	cfg       *config.Config
	logger    zerolog.Logger
	outputLog *logging.RotatingWriter
	exec      tool.Executor
	store     *storage.SQLite
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	if err == nil {
		return
	}
	if kberrors.IsCanceled(err) {
		fmt.Fprintln(os.Stderr, color.YellowString("canceled"))
	} else {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
	}
	os.Exit(kberrors.ToExitCode(kberrors.GetCode(err)))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "kbrunner",
		Short:         "Build and test knowledge base rules with the SIEM SDK",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newInitCmd(a),
		newVersionCmd(),
		newTestCmd(a),
		newPromoteCmd(a),
		newIntegrationCmd(a),
		newNormalizeCmd(a),
		newBuildCmd(a),
		newLocaCmd(a),
		newHistoryCmd(a),
		newSubRulesCmd(a),
	)
	return root
}

// setup loads the config and opens the output log, executor and history.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrValidation, "loading configuration", err)
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	a.cfg = cfg
	a.logger = logging.Setup(cfg.Logging, nil)

	out, err := logging.OpenOutputLog(cfg.Logging)
	if err != nil {
		a.logger.Warn().Err(err).Msg("tool output log disabled")
	}
	a.outputLog = out

	var sink tool.OutputSink
	if out != nil {
		sink = out
	}
	exec, err := tool.NewProcessExecutor(cfg, sink, a.logger)
	if err != nil {
		return err
	}
	a.exec = exec

	if cfg.Storage.DSN != "" {
		store, err := storage.NewSQLite(config.ExpandPath(cfg.Storage.DSN), a.logger)
		if err != nil {
			a.logger.Warn().Err(err).Msg("run history disabled")
		} else {
			a.store = store
		}
	}
	return nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.outputLog != nil {
		a.outputLog.Close()
	}
}

func (a *app) manager() (*siemj.Manager, error) {
	m := siemj.NewManager(a.cfg, a.exec, a.logger)
	loc, err := newLocator(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	m.Locator = loc
	return m, nil
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration and create working directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(a.configPath); err == nil {
				fmt.Printf("%s already exists. Delete it to re-initialize.\n", a.configPath)
				return nil
			}

			cfg := config.DefaultConfig()
			for _, dir := range []string{cfg.Paths.OutputDir, cfg.Paths.TmpDir} {
				if err := os.MkdirAll(config.ExpandPath(dir), 0o750); err != nil {
					return kberrors.Wrap(kberrors.ErrStorage, "creating working directory", err).WithDetails("path", dir)
				}
			}
			if err := cfg.Save(a.configPath); err != nil {
				return kberrors.Wrap(kberrors.ErrStorage, "saving configuration", err)
			}

			store, err := storage.NewSQLite(config.ExpandPath(cfg.Storage.DSN), zerolog.Nop())
			if err != nil {
				return err
			}
			store.Close()

			fmt.Println(color.GreenString("✓ kbrunner initialized"))
			fmt.Printf("  Config: %s\n", a.configPath)
			fmt.Printf("  Output: %s\n", cfg.Paths.OutputDir)
			fmt.Printf("  Temp:   %s\n", cfg.Paths.TmpDir)
			fmt.Printf("  DB:     %s\n", cfg.Storage.DSN)
			fmt.Printf("\nEdit %s to point at your SDK and knowledge base.\n", a.configPath)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kbrunner %s (built %s)\n", Version, BuildTime)
		},
	}
}
